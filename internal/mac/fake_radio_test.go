package mac

import (
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/staffetta/internal/frame"
	"github.com/banshee-data/staffetta/internal/monitoring"
	"github.com/banshee-data/staffetta/internal/radio"
	"github.com/banshee-data/staffetta/internal/timeutil"
)

// fakeRadio is a scripted transceiver. Injected frames become visible at
// the next CarrierDetected call while powered, so the flushes at the start
// of a round or a wait do not discard them. onTransmit lets a test answer
// each transmitted frame.
type fakeRadio struct {
	mu         sync.Mutex
	powered    bool
	fifo       []byte
	pending    [][]byte
	tx         []byte
	sent       []frame.Frame
	onTransmit func(f frame.Frame) [][]byte
	powerOns   int
	powerOffs  int
	rxFlushes  int
	txFlushes  int
}

var _ radio.Driver = (*fakeRadio)(nil)

func (r *fakeRadio) inject(raw ...[]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = append(r.pending, raw...)
}

func (r *fakeRadio) transmitted() []frame.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]frame.Frame(nil), r.sent...)
}

func (r *fakeRadio) PowerOn() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.powered = true
	r.powerOns++
	return nil
}

func (r *fakeRadio) PowerOff() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.powered = false
	r.powerOffs++
	r.fifo = nil
	return nil
}

func (r *fakeRadio) FlushRx() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fifo = nil
	r.rxFlushes++
}

func (r *fakeRadio) FlushTx() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tx = nil
	r.txFlushes++
}

func (r *fakeRadio) CarrierDetected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.powered && len(r.fifo) == 0 && len(r.pending) > 0 {
		r.fifo = append(r.fifo, r.pending[0]...)
		r.pending = r.pending[1:]
	}
	return len(r.fifo) > 0
}

func (r *fakeRadio) ReadByte() (byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.fifo) == 0 {
		return 0, radio.ErrFIFOEmpty
	}
	b := r.fifo[0]
	r.fifo = r.fifo[1:]
	return b, nil
}

func (r *fakeRadio) WriteFrame(p []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tx = append([]byte(nil), p...)
	return nil
}

func (r *fakeRadio) StartTransmit() error {
	r.mu.Lock()
	raw := r.tx
	cb := r.onTransmit
	r.mu.Unlock()

	f, err := frame.Decode(frame.AppendFooter(raw, 0, 0, true))
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.sent = append(r.sent, f)
	r.mu.Unlock()

	if cb != nil {
		r.inject(cb(f)...)
	}
	return nil
}

func (r *fakeRadio) TransmitActive() bool { return false }

func (r *fakeRadio) Status() byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.powered {
		return radio.StatusXOSCStable
	}
	return 0
}

// rx builds a received frame image.
func rx(f frame.Frame, crcOK bool) []byte {
	tx := f.Encode()
	return frame.AppendFooter(tx[:], -55, 0x50, crcOK)
}

type ledRecorder struct {
	state map[LED]bool
}

func (l *ledRecorder) Set(led LED, on bool) {
	if l.state == nil {
		l.state = make(map[LED]bool)
	}
	l.state[led] = on
}

type eventRecorder struct {
	deliveries []Delivery
	rendezvous [][2]uint32
	stats      [][2]uint32
	generated  [][2]byte
}

func (r *eventRecorder) Delivered(d Delivery) {
	r.deliveries = append(r.deliveries, d)
}

func (r *eventRecorder) Rendezvous(peer byte, wakeups uint32) {
	r.rendezvous = append(r.rendezvous, [2]uint32{uint32(peer), wakeups})
}

func (r *eventRecorder) Stats(dc, g uint32) {
	r.stats = append(r.stats, [2]uint32{dc, g})
}

func (r *eventRecorder) Generated(node, seq byte) {
	r.generated = append(r.generated, [2]byte{node, seq})
}

// testClock returns a clock that advances 20µs per reading so that every
// spin-poll terminates.
func testClock() *timeutil.MockClock {
	c := timeutil.NewMockClock(time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC))
	c.SetAutoAdvance(20 * time.Microsecond)
	return c
}

func quietLogs(t *testing.T) {
	t.Helper()
	original := monitoring.Logf
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.Logf = original })
}

type harness struct {
	engine *Engine
	radio  *fakeRadio
	clock  *timeutil.MockClock
	leds   *ledRecorder
	events *eventRecorder
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	quietLogs(t)
	h := &harness{
		radio:  &fakeRadio{},
		clock:  testClock(),
		leds:   &ledRecorder{},
		events: &eventRecorder{},
	}
	e, err := New(cfg, h.radio, WithClock(h.clock), WithIndicators(h.leds), WithEvents(h.events))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.engine = e
	return h
}
