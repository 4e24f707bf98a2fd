package mac

// LED names a status indicator.
type LED int

const (
	// LEDBlue is lit while the radio is on.
	LEDBlue LED = iota
	// LEDGreen is lit while receiving.
	LEDGreen
	// LEDRed is lit while transmitting.
	LEDRed
)

// Indicators drives the status LEDs.
type Indicators interface {
	Set(led LED, on bool)
}

type nopIndicators struct{}

func (nopIndicators) Set(LED, bool) {}
