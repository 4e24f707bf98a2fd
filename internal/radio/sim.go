package radio

import (
	"fmt"
	"math/rand"
	"runtime"
	"sync"
	"time"

	"github.com/banshee-data/staffetta/internal/frame"
	"github.com/banshee-data/staffetta/internal/timeutil"
)

// DefaultAirtime is the on-air duration of one handshake frame at 250 kbit/s
// including preamble and sync header.
const DefaultAirtime = 448 * time.Microsecond

// DefaultRSSI is reported for every simulated reception.
const DefaultRSSI int8 = -70

// MediumOptions configures a simulated medium.
type MediumOptions struct {
	// Airtime is how long a transmission occupies the channel.
	Airtime time.Duration
	// Loss is the probability in [0,1) that a receiver misses a frame.
	Loss float64
	// Seed feeds the loss generator.
	Seed int64
}

// Medium is a shared simulated channel. Nodes hear only their configured
// neighbours. Frames that overlap in time at a receiver arrive with the
// CRC-ok bit cleared.
type Medium struct {
	mu     sync.Mutex
	clock  timeutil.Clock
	opts   MediumOptions
	rng    *rand.Rand
	radios map[byte]*SimRadio
	links  map[byte]map[byte]bool
	stats  MediumStats
}

// MediumStats counts channel events.
type MediumStats struct {
	Transmissions int
	Deliveries    int
	Collisions    int
	Lost          int
}

// NewMedium returns an empty medium driven by clock.
func NewMedium(clock timeutil.Clock, opts MediumOptions) *Medium {
	if opts.Airtime <= 0 {
		opts.Airtime = DefaultAirtime
	}
	return &Medium{
		clock:  clock,
		opts:   opts,
		rng:    rand.New(rand.NewSource(opts.Seed)),
		radios: make(map[byte]*SimRadio),
		links:  make(map[byte]map[byte]bool),
	}
}

// Attach creates the radio for node id. Attaching the same id twice is an
// error.
func (m *Medium) Attach(id byte) (*SimRadio, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.radios[id]; ok {
		return nil, fmt.Errorf("radio: node %d already attached", id)
	}
	r := &SimRadio{id: id, medium: m}
	m.radios[id] = r
	return r, nil
}

// Link makes a and b hear each other.
func (m *Medium) Link(a, b byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.link(a, b)
	m.link(b, a)
}

func (m *Medium) link(from, to byte) {
	if m.links[from] == nil {
		m.links[from] = make(map[byte]bool)
	}
	m.links[from][to] = true
}

// Neighbours reports whether a transmission from a reaches b.
func (m *Medium) Neighbours(a, b byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.links[a][b]
}

// Stats returns a snapshot of the channel counters.
func (m *Medium) Stats() MediumStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// transmit puts tx on the air from src. Called with m.mu held.
func (m *Medium) transmit(src *SimRadio, tx []byte, now time.Time) {
	end := now.Add(m.opts.Airtime)
	m.stats.Transmissions++
	for id := range m.links[src.id] {
		dst := m.radios[id]
		if dst == nil || !dst.powered || now.Before(dst.txEnd) {
			continue
		}
		if m.opts.Loss > 0 && m.rng.Float64() < m.opts.Loss {
			m.stats.Lost++
			continue
		}
		rx := &reception{data: append([]byte(nil), tx...), start: now, end: end, crcOK: true}
		for _, other := range dst.inflight {
			if other.start.Before(end) && now.Before(other.end) {
				if other.crcOK {
					m.stats.Collisions++
				}
				other.crcOK = false
				rx.crcOK = false
			}
		}
		dst.inflight = append(dst.inflight, rx)
	}
}

type reception struct {
	data       []byte
	start, end time.Time
	crcOK      bool
}

// SimRadio is one node's transceiver on a Medium. It implements Driver.
type SimRadio struct {
	id       byte
	medium   *Medium
	powered  bool
	fifo     []byte
	tx       []byte
	txEnd    time.Time
	inflight []*reception
	onTime   time.Duration
	onSince  time.Time
}

var _ Driver = (*SimRadio)(nil)

// ID returns the node id the radio was attached with.
func (r *SimRadio) ID() byte { return r.id }

// settle moves receptions whose airtime has ended into the RX FIFO.
// Called with the medium lock held.
func (r *SimRadio) settle(now time.Time) {
	kept := r.inflight[:0]
	for _, rx := range r.inflight {
		if now.Before(rx.end) {
			kept = append(kept, rx)
			continue
		}
		r.fifo = append(r.fifo, frame.AppendFooter(rx.data, DefaultRSSI, 0x6c, rx.crcOK)...)
		r.medium.stats.Deliveries++
	}
	r.inflight = kept
}

func (r *SimRadio) PowerOn() error {
	m := r.medium
	m.mu.Lock()
	defer m.mu.Unlock()
	if !r.powered {
		r.powered = true
		r.onSince = m.clock.Now()
	}
	return nil
}

func (r *SimRadio) PowerOff() error {
	m := r.medium
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.powered {
		r.onTime += m.clock.Now().Sub(r.onSince)
	}
	r.powered = false
	r.fifo = nil
	r.inflight = nil
	return nil
}

func (r *SimRadio) FlushRx() {
	m := r.medium
	m.mu.Lock()
	defer m.mu.Unlock()
	r.fifo = r.fifo[:0]
}

func (r *SimRadio) FlushTx() {
	m := r.medium
	m.mu.Lock()
	defer m.mu.Unlock()
	r.tx = nil
}

func (r *SimRadio) CarrierDetected() bool {
	m := r.medium
	m.mu.Lock()
	if r.powered {
		r.settle(m.clock.Now())
	}
	ready := len(r.fifo) > 0
	m.mu.Unlock()
	if !ready {
		// Nodes spin on this call; let the other simulated nodes run.
		runtime.Gosched()
	}
	return ready
}

func (r *SimRadio) ReadByte() (byte, error) {
	m := r.medium
	m.mu.Lock()
	defer m.mu.Unlock()
	if !r.powered {
		return 0, ErrPoweredOff
	}
	r.settle(m.clock.Now())
	if len(r.fifo) == 0 {
		return 0, ErrFIFOEmpty
	}
	b := r.fifo[0]
	r.fifo = r.fifo[1:]
	return b, nil
}

func (r *SimRadio) WriteFrame(p []byte) error {
	m := r.medium
	m.mu.Lock()
	defer m.mu.Unlock()
	r.tx = append(r.tx[:0], p...)
	return nil
}

func (r *SimRadio) StartTransmit() error {
	m := r.medium
	m.mu.Lock()
	defer m.mu.Unlock()
	if !r.powered {
		return ErrPoweredOff
	}
	if len(r.tx) == 0 {
		return nil
	}
	now := m.clock.Now()
	r.txEnd = now.Add(m.opts.Airtime)
	m.transmit(r, r.tx, now)
	return nil
}

func (r *SimRadio) TransmitActive() bool {
	m := r.medium
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clock.Now().Before(r.txEnd)
}

func (r *SimRadio) Status() byte {
	m := r.medium
	m.mu.Lock()
	defer m.mu.Unlock()
	var s byte
	if r.powered {
		s |= StatusXOSCStable | StatusRSSIValid
	}
	if m.clock.Now().Before(r.txEnd) {
		s |= StatusTxActive
	}
	return s
}

// OnTime returns the accumulated powered-on time.
func (r *SimRadio) OnTime() time.Duration {
	m := r.medium
	m.mu.Lock()
	defer m.mu.Unlock()
	d := r.onTime
	if r.powered {
		d += m.clock.Now().Sub(r.onSince)
	}
	return d
}
