package serialmux

import (
	"fmt"

	"go.bug.st/serial"
)

// RealPortFactory opens hardware serial ports through go.bug.st/serial.
type RealPortFactory struct{}

// Open opens the serial port at path with mode.
func (RealPortFactory) Open(path string, mode *SerialPortMode) (SerialPorter, error) {
	if mode == nil {
		mode = DefaultSerialPortMode()
	}
	m := &serial.Mode{
		BaudRate: mode.BaudRate,
		DataBits: mode.DataBits,
		StopBits: serial.OneStopBit,
		Parity:   serial.NoParity,
	}
	if mode.StopBits == TwoStopBits {
		m.StopBits = serial.TwoStopBits
	}
	switch mode.Parity {
	case OddParity:
		m.Parity = serial.OddParity
	case EvenParity:
		m.Parity = serial.EvenParity
	}

	port, err := serial.Open(path, m)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return port, nil
}

// OpenSerialMux opens the console at path through factory and wraps it in a
// SerialMux.
func OpenSerialMux(factory SerialPortFactory, path string, opts PortOptions) (*SerialMux[SerialPorter], error) {
	mode, err := opts.PortMode()
	if err != nil {
		return nil, err
	}
	port, err := factory.Open(path, mode)
	if err != nil {
		return nil, err
	}
	return NewSerialMux(port), nil
}

// NewRealSerialMux creates a SerialMux instance backed by a real serial port at the
// given path using the provided serial options.
func NewRealSerialMux(path string, opts PortOptions) (*SerialMux[SerialPorter], error) {
	return OpenSerialMux(RealPortFactory{}, path, opts)
}
