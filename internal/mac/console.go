package mac

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/banshee-data/staffetta/internal/console"
)

// Delivery is one item received by the sink.
type Delivery struct {
	From byte
	Data byte
	Seq  byte
	// TTL is the hop count including the final hop to the sink.
	TTL byte
	At  time.Time
}

// Events receives the engine's reportable activity.
type Events interface {
	Delivered(d Delivery)
	Rendezvous(peer byte, wakeups uint32)
	Stats(dutyCycle uint32, gradient uint32)
	Generated(node, seq byte)
}

type nopEvents struct{}

func (nopEvents) Delivered(Delivery)      {}
func (nopEvents) Rendezvous(byte, uint32) {}
func (nopEvents) Stats(uint32, uint32)    {}
func (nopEvents) Generated(byte, byte)    {}

// Console writes events as console lines, one per event.
type Console struct {
	mu   sync.Mutex
	w    io.Writer
	node int
	tag  bool
}

// NewConsole writes plain lines to w, as a single node's serial console.
func NewConsole(w io.Writer) *Console {
	return &Console{w: w}
}

// NewTaggedConsole prefixes every line with the node id, for streams that
// carry several nodes.
func NewTaggedConsole(w io.Writer, node byte) *Console {
	return &Console{w: w, node: int(node), tag: true}
}

func (c *Console) Delivered(d Delivery) {
	c.line(console.KindDeliver, int(d.Data), int(d.Seq), int(d.TTL))
}

func (c *Console) Rendezvous(peer byte, wakeups uint32) {
	c.line(console.KindRendezvous, int(peer), int(wakeups))
}

func (c *Console) Stats(dutyCycle uint32, gradient uint32) {
	c.line(console.KindStats, int(dutyCycle), int(gradient))
}

func (c *Console) Generated(node, seq byte) {
	c.line(console.KindGenerate, int(node), int(seq))
}

func (c *Console) line(kind console.Kind, fields ...int) {
	var s string
	if c.tag {
		s = console.FormatTagged(c.node, kind, fields...)
	} else {
		s = console.Format(kind, fields...)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.w, s)
}

// MultiEvents fans events out to several receivers.
type MultiEvents []Events

func (m MultiEvents) Delivered(d Delivery) {
	for _, e := range m {
		e.Delivered(d)
	}
}

func (m MultiEvents) Rendezvous(peer byte, wakeups uint32) {
	for _, e := range m {
		e.Rendezvous(peer, wakeups)
	}
}

func (m MultiEvents) Stats(dutyCycle uint32, gradient uint32) {
	for _, e := range m {
		e.Stats(dutyCycle, gradient)
	}
}

func (m MultiEvents) Generated(node, seq byte) {
	for _, e := range m {
		e.Generated(node, seq)
	}
}
