// Package estimator implements the two moving averages that drive a node's
// wake schedule and its advertised distance to the sink.
//
// Latencies are fixed point: 10000 units span one budget period. All
// arithmetic is integer so that wake intervals are reproducible bit for bit.
package estimator

const (
	// RendezvousWindow is the number of latency samples averaged.
	RendezvousWindow = 5
	// Ceiling is the first out-of-range latency; samples at or above it
	// are discarded.
	Ceiling = 10000
	// DefaultBudget is the target radio-on time per period, in the same
	// units as the wake count formula (milliseconds x 10).
	DefaultBudget = 750
)

// Rendezvous keeps a circular history of the most recent rendezvous
// latencies and their average.
type Rendezvous struct {
	history [RendezvousWindow]uint32
	idx     int
	sum     uint32
	avg     uint32
}

// NewRendezvous returns an estimator whose history is filled with initial.
func NewRendezvous(initial uint32) *Rendezvous {
	r := &Rendezvous{}
	for i := range r.history {
		r.history[i] = initial
	}
	r.sum = initial * RendezvousWindow
	r.avg = initial
	return r
}

// Record overwrites the oldest sample with latency and recomputes the
// average. It reports false, leaving the estimator unchanged, when latency
// is at or above Ceiling.
func (r *Rendezvous) Record(latency uint32) bool {
	if latency >= Ceiling {
		return false
	}
	r.history[r.idx] = latency
	r.idx = (r.idx + 1) % RendezvousWindow

	var sum uint32
	for _, v := range r.history {
		sum += v
	}
	r.sum = sum
	r.avg = sum / RendezvousWindow
	return true
}

// Average returns the current mean latency.
func (r *Rendezvous) Average() uint32 { return r.avg }

// History returns a copy of the sample window, oldest slot first in
// storage order.
func (r *Rendezvous) History() [RendezvousWindow]uint32 { return r.history }

// WakeCount converts an average latency into the number of wake-ups per
// ten periods that keeps the radio-on time within budget. It never returns
// less than one.
func WakeCount(budget, avg uint32) uint32 {
	if avg == 0 {
		return budget * 10
	}
	if n := budget * 10 / avg; n > 1 {
		return n
	}
	return 1
}
