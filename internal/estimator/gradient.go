package estimator

import "fmt"

// EDCWindow is the number of neighbour costs averaged into the EDC.
const EDCWindow = 20

// MaxCost is the largest advertisable gradient.
const MaxCost = 255

// Mode selects what a node advertises as its gradient and how it filters
// incoming beacons.
type Mode int

const (
	// ModeNone advertises the wake count and accepts every beacon.
	ModeNone Mode = iota
	// ModeQueueSize advertises the relay queue length.
	ModeQueueSize
	// ModeExpectedDutyCycle advertises the EDC average.
	ModeExpectedDutyCycle
)

func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModeQueueSize:
		return "queue"
	case ModeExpectedDutyCycle:
		return "edc"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode converts the configuration spelling of a mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "none", "":
		return ModeNone, nil
	case "queue", "bcp":
		return ModeQueueSize, nil
	case "edc", "orw":
		return ModeExpectedDutyCycle, nil
	default:
		return ModeNone, fmt.Errorf("unknown gradient mode %q", s)
	}
}

// EDC averages the costs advertised by better-placed neighbours into the
// node's own expected duty cycle.
type EDC struct {
	history [EDCWindow]uint32
	idx     int
	sum     uint32
	edc     uint32
}

// NewEDC returns an estimator that starts at the worst possible cost.
func NewEDC() *EDC {
	e := &EDC{}
	for i := range e.history {
		e.history[i] = MaxCost
	}
	e.sum = MaxCost * EDCWindow
	e.edc = MaxCost
	return e
}

// Value returns the current EDC.
func (e *EDC) Value() uint32 { return e.edc }

// Observe folds in the cost advertised by the neighbour that completed a
// handshake. Only costs strictly below the current EDC with an in-range
// latency are recorded; the new EDC is latency/100 plus the mean cost,
// capped at MaxCost, and never exceeds the previous value.
// It reports whether the sample was recorded.
func (e *EDC) Observe(cost byte, latency uint32) bool {
	if uint32(cost) >= e.edc || latency >= Ceiling {
		return false
	}
	e.history[e.idx] = uint32(cost)
	e.idx = (e.idx + 1) % EDCWindow

	var sum uint32
	for _, v := range e.history {
		sum += v
	}
	e.sum = sum

	next := latency/100 + sum/EDCWindow
	if next > MaxCost {
		next = MaxCost
	}
	if next < e.edc {
		e.edc = next
	}
	return true
}

// Gradient produces the advertised cost for the configured mode and
// applies the matching beacon filter.
type Gradient struct {
	mode Mode
	edc  *EDC
}

// NewGradient returns a gradient for mode. The EDC history is only kept in
// ModeExpectedDutyCycle.
func NewGradient(mode Mode) *Gradient {
	g := &Gradient{mode: mode}
	if mode == ModeExpectedDutyCycle {
		g.edc = NewEDC()
	}
	return g
}

// Mode returns the configured mode.
func (g *Gradient) Mode() Mode { return g.mode }

// EDC returns the duty-cycle estimator, or nil outside
// ModeExpectedDutyCycle.
func (g *Gradient) EDC() *EDC { return g.edc }

// Advertise returns the cost to put in outgoing beacons.
func (g *Gradient) Advertise(queueLen int, wakeCount uint32) byte {
	switch g.mode {
	case ModeQueueSize:
		return capCost(uint32(queueLen))
	case ModeExpectedDutyCycle:
		return capCost(g.edc.Value())
	default:
		return capCost(wakeCount)
	}
}

// Accepts reports whether a beacon advertising beaconCost may be relayed
// by this node. A sender advertising less than our own cost is closer to
// the sink and is turned away.
func (g *Gradient) Accepts(beaconCost byte, queueLen int) bool {
	switch g.mode {
	case ModeQueueSize:
		return int(beaconCost) >= queueLen
	case ModeExpectedDutyCycle:
		return uint32(beaconCost) >= g.edc.Value()
	default:
		return true
	}
}

// Observe forwards a completed handshake to the EDC estimator. It is a
// no-op outside ModeExpectedDutyCycle.
func (g *Gradient) Observe(cost byte, latency uint32) bool {
	if g.edc == nil {
		return false
	}
	return g.edc.Observe(cost, latency)
}

func capCost(v uint32) byte {
	if v > MaxCost {
		return MaxCost
	}
	return byte(v)
}
