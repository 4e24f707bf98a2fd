// Package mac implements the Staffetta opportunistic data-collection MAC:
// nodes wake briefly, rendezvous with whichever neighbour is awake through a
// beacon / beacon-ack / select handshake, and hand queued items one hop
// closer to the sink.
package mac

import (
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/staffetta/internal/estimator"
	"github.com/banshee-data/staffetta/internal/frame"
	"github.com/banshee-data/staffetta/internal/monitoring"
	"github.com/banshee-data/staffetta/internal/radio"
	"github.com/banshee-data/staffetta/internal/relayqueue"
	"github.com/banshee-data/staffetta/internal/timeutil"
)

// Engine owns one node's protocol state: relay queue, estimators and the
// radio. It is not safe for concurrent use; rounds run one at a time on the
// caller's goroutine.
type Engine struct {
	cfg    Config
	radio  radio.Driver
	clock  timeutil.Clock
	leds   Indicators
	events Events

	state   State
	queue   relayqueue.Queue
	rdv     *estimator.Rendezvous
	grad    *estimator.Gradient
	wakeups uint32
	nextSeq byte

	started  time.Time
	radioOn  bool
	onSince  time.Time
	onTotal  time.Duration
	counters Stats
}

// Stats are cumulative engine counters.
type Stats struct {
	Rounds     map[Result]int
	Received   int
	Relayed    int
	Delivered  int
	Collisions int
	Strobes    int
	Dropped    int
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock used for every deadline.
func WithClock(c timeutil.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithIndicators attaches status LEDs.
func WithIndicators(i Indicators) Option {
	return func(e *Engine) { e.leds = i }
}

// WithEvents attaches an event receiver.
func WithEvents(ev Events) Option {
	return func(e *Engine) { e.events = ev }
}

// New validates cfg and returns an idle engine. A relay node starts with
// cfg.InitialPackets local items queued.
func New(cfg Config, driver radio.Driver, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mac config: %w", err)
	}
	if driver == nil {
		return nil, fmt.Errorf("invalid mac config: nil radio driver")
	}
	e := &Engine{
		cfg:     cfg,
		radio:   driver,
		clock:   timeutil.RealClock{},
		leds:    nopIndicators{},
		events:  nopEvents{},
		state:   Idle,
		rdv:     estimator.NewRendezvous(cfg.Budget),
		grad:    estimator.NewGradient(cfg.Mode),
		wakeups: cfg.FixedWakeups,
	}
	e.counters.Rounds = make(map[Result]int)
	for _, o := range opts {
		o(e)
	}
	e.started = e.clock.Now()

	if cfg.Role() == RoleRelay {
		for i := 0; i < cfg.InitialPackets; i++ {
			e.EnqueueLocal(cfg.NodeID)
		}
	}
	return e, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// Role returns the node's role.
func (e *Engine) Role() Role { return e.cfg.Role() }

// State returns the current state machine position. Between rounds it is
// always Idle.
func (e *Engine) State() State { return e.state }

// WakeCount returns the number of wake-ups per ten periods the node should
// schedule.
func (e *Engine) WakeCount() uint32 { return e.wakeups }

// QueueLen returns the number of items waiting to be relayed.
func (e *Engine) QueueLen() int { return e.queue.Len() }

// Head returns the next item to relay.
func (e *Engine) Head() (relayqueue.Item, bool) { return e.queue.Peek() }

// RendezvousAverage returns the mean rendezvous latency.
func (e *Engine) RendezvousAverage() uint32 { return e.rdv.Average() }

// Gradient returns the cost the node currently advertises.
func (e *Engine) Gradient() byte { return e.advertise() }

// DutyCycle returns the radio-on share of the engine's lifetime in
// permille.
func (e *Engine) DutyCycle() uint32 {
	elapsed := e.clock.Since(e.started)
	if elapsed <= 0 {
		return 0
	}
	on := e.onTotal
	if e.radioOn {
		on += e.clock.Since(e.onSince)
	}
	return uint32(on * 1000 / elapsed)
}

// Stats returns a copy of the engine counters.
func (e *Engine) Stats() Stats {
	s := e.counters
	s.Rounds = make(map[Result]int, len(e.counters.Rounds))
	for k, v := range e.counters.Rounds {
		s.Rounds[k] = v
	}
	return s
}

// EnqueueLocal queues a locally generated item with the next sequence
// number. The sequence number advances even when the queue rejects the
// item. It reports whether the item was queued.
func (e *Engine) EnqueueLocal(payloadID byte) bool {
	seq := e.nextSeq
	e.nextSeq++
	e.events.Generated(payloadID, seq)
	ok := e.queue.Enqueue(relayqueue.Item{PayloadID: payloadID, TTL: 0, Seq: seq})
	if !ok {
		e.counters.Dropped++
		monitoring.Logf("node %d: local item %d/%d dropped", e.cfg.NodeID, payloadID, seq)
	}
	return ok
}

// PrintStats reports the duty cycle and the current gradient figure: the
// EDC in EDC mode, the queue length otherwise. Sinks report nothing.
func (e *Engine) PrintStats() {
	if e.Role() == RoleSink {
		return
	}
	var g uint32
	if edc := e.grad.EDC(); edc != nil {
		g = edc.Value()
	} else {
		g = uint32(e.queue.Len())
	}
	e.events.Stats(e.DutyCycle(), g)
}

// Close powers the radio down and disables the engine.
func (e *Engine) Close() error {
	e.radio.FlushRx()
	e.radio.FlushTx()
	e.state = Disabled
	return e.powerOff()
}

func (e *Engine) advertise() byte {
	return e.grad.Advertise(e.queue.Len(), e.wakeups)
}

func (e *Engine) powerOn() {
	if err := e.radio.PowerOn(); err != nil {
		monitoring.Logf("node %d: radio on: %v", e.cfg.NodeID, err)
	}
	if !timeutil.PollUntil(e.clock, e.cfg.Timing.OscWait, func() bool {
		return e.radio.Status()&radio.StatusXOSCStable != 0
	}) {
		monitoring.Logf("node %d: oscillator not stable after %v", e.cfg.NodeID, e.cfg.Timing.OscWait)
	}
	if !e.radioOn {
		e.radioOn = true
		e.onSince = e.clock.Now()
	}
	e.leds.Set(LEDBlue, true)
}

func (e *Engine) powerOff() error {
	if e.radioOn {
		e.onTotal += e.clock.Since(e.onSince)
		e.radioOn = false
	}
	e.leds.Set(LEDBlue, false)
	return e.radio.PowerOff()
}

// gotoIdle ends a round: buffers flushed, indicators cleared and, except on
// a sink, the radio switched off.
func (e *Engine) gotoIdle() {
	e.radio.FlushRx()
	e.radio.FlushTx()
	e.state = Idle
	if e.Role() != RoleSink {
		if err := e.powerOff(); err != nil {
			monitoring.Logf("node %d: radio off: %v", e.cfg.NodeID, err)
		}
	}
	e.leds.Set(LEDRed, false)
	e.leds.Set(LEDGreen, false)
}

// transmit sends f and waits, bounded by TxWait, for it to leave the radio.
func (e *Engine) transmit(f frame.Frame) {
	tx := f.Encode()
	if err := e.radio.WriteFrame(tx[:]); err != nil {
		monitoring.Logf("node %d: write %s: %v", e.cfg.NodeID, f.Type, err)
		return
	}
	if err := e.radio.StartTransmit(); err != nil {
		monitoring.Logf("node %d: transmit %s: %v", e.cfg.NodeID, f.Type, err)
		return
	}
	monitoring.Debugf("node %d: tx %s", e.cfg.NodeID, f)
	timeutil.PollUntil(e.clock, e.cfg.Timing.TxWait, func() bool {
		return !e.radio.TransmitActive()
	})
}

// readFrame streams one frame out of the RX FIFO after CarrierDetected
// fired. It fails on an invalid length byte or when any following byte
// misses its deadline.
func (e *Engine) readFrame() ([frame.RxSize]byte, error) {
	var buf [frame.RxSize]byte
	e.clock.Sleep(e.cfg.Timing.Settle)

	b, err := e.radio.ReadByte()
	if err != nil {
		return buf, err
	}
	if !frame.ValidLength(b) {
		return buf, fmt.Errorf("%w: length byte %d", frame.ErrMalformedFrame, b)
	}
	buf[0] = b

	for i := 1; i < frame.RxSize; i++ {
		if !timeutil.PollUntil(e.clock, e.cfg.Timing.ByteTimeout, e.radio.CarrierDetected) {
			return buf, fmt.Errorf("byte %d: %w", i, radio.ErrTimeout)
		}
		if buf[i], err = e.radio.ReadByte(); err != nil {
			return buf, fmt.Errorf("byte %d: %w", i, err)
		}
	}
	return buf, nil
}

// receive reads and decodes one frame. A checksum failure is only reported
// when CRC checking is enabled.
func (e *Engine) receive() (frame.Frame, error) {
	raw, err := e.readFrame()
	if err != nil {
		return frame.Frame{}, err
	}
	f, err := frame.Decode(raw[:])
	if errors.Is(err, frame.ErrBadChecksum) && !e.cfg.CheckCRC {
		err = nil
	}
	if err == nil {
		monitoring.Debugf("node %d: rx %s", e.cfg.NodeID, f)
	}
	return f, err
}
