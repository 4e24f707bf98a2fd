package mac

import (
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/staffetta/internal/estimator"
	"github.com/banshee-data/staffetta/internal/frame"
)

// Role is the state-machine variant a node runs.
type Role int

const (
	RoleRelay Role = iota
	RoleSink
)

func (r Role) String() string {
	if r == RoleSink {
		return "sink"
	}
	return "relay"
}

// Timing holds the spin-poll bounds of one round. The defaults are derived
// from a one second period.
type Timing struct {
	// Period is the budget period; latencies are measured in 1/10000 of it.
	Period time.Duration
	// Backoff is how long a node listens before it starts strobing.
	Backoff time.Duration
	// StrobeWait is the reply window after each transmitted frame.
	StrobeWait time.Duration
	// Strobe bounds the whole strobe train.
	Strobe time.Duration
	// ByteTimeout bounds the wait for each byte after the first.
	ByteTimeout time.Duration
	// TxWait bounds the wait for a transmission to leave the radio.
	TxWait time.Duration
	// Settle is the pause between the FIFO signal and the first read.
	Settle time.Duration
	// OscWait bounds the wait for the crystal to stabilise at power on.
	OscWait time.Duration
}

// DefaultTiming returns the timing used on the deployed nodes.
func DefaultTiming() Timing {
	return Timing{
		Period:      time.Second,
		Backoff:     time.Second / 300,
		StrobeWait:  time.Second / 700,
		Strobe:      time.Second,
		ByteTimeout: time.Second / 200,
		TxWait:      time.Second / 10,
		Settle:      92 * time.Microsecond,
		OscWait:     10 * time.Millisecond,
	}
}

// DefaultFixedWakeups is the wake count used when dynamic duty cycling is
// off, and the count every node starts from.
const DefaultFixedWakeups = 10

// DefaultInitialPackets is the number of local items queued at start-up.
const DefaultInitialPackets = 6

// Config selects the protocol variant a node runs.
type Config struct {
	NodeID byte
	// SinkID is the sink identity. When SinkRangeEnd is non-zero every id
	// in [SinkID, SinkRangeEnd] is a sink.
	SinkID       byte
	SinkRangeEnd byte

	Mode             estimator.Mode
	DynamicDutyCycle bool
	FastForward      bool
	Select           bool
	CheckCRC         bool

	Budget         uint32
	FixedWakeups   uint32
	InitialPackets int
	Timing         Timing
}

// DefaultConfig returns the deployed configuration for node id: EDC
// gradient, select handshake, CRC checking and fast forward on, dynamic duty
// cycling off, node 1 as sink.
func DefaultConfig(id byte) Config {
	return Config{
		NodeID:         id,
		SinkID:         1,
		Mode:           estimator.ModeExpectedDutyCycle,
		FastForward:    true,
		Select:         true,
		CheckCRC:       true,
		Budget:         estimator.DefaultBudget,
		FixedWakeups:   DefaultFixedWakeups,
		InitialPackets: DefaultInitialPackets,
		Timing:         DefaultTiming(),
	}
}

// Role derives the node's role from its identity.
func (c Config) Role() Role {
	if c.NodeID == c.SinkID {
		return RoleSink
	}
	if c.SinkRangeEnd != 0 && c.NodeID >= c.SinkID && c.NodeID <= c.SinkRangeEnd {
		return RoleSink
	}
	return RoleRelay
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	var errs []error
	if c.NodeID == 0 {
		errs = append(errs, errors.New("node id 0 is reserved"))
	}
	if c.NodeID == frame.Nack {
		errs = append(errs, fmt.Errorf("node id %d is the nack address", frame.Nack))
	}
	if c.SinkRangeEnd != 0 && c.SinkRangeEnd < c.SinkID {
		errs = append(errs, fmt.Errorf("sink range end %d below sink id %d", c.SinkRangeEnd, c.SinkID))
	}
	if c.Budget == 0 {
		errs = append(errs, errors.New("budget must be positive"))
	}
	if c.FixedWakeups == 0 {
		errs = append(errs, errors.New("fixed wakeups must be positive"))
	}
	if c.InitialPackets < 0 {
		errs = append(errs, errors.New("initial packets must not be negative"))
	}
	t := c.Timing
	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"period", t.Period},
		{"backoff", t.Backoff},
		{"strobe wait", t.StrobeWait},
		{"strobe", t.Strobe},
		{"byte timeout", t.ByteTimeout},
		{"tx wait", t.TxWait},
	} {
		if d.v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", d.name))
		}
	}
	return errors.Join(errs...)
}
