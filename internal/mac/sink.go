package mac

import (
	"context"
	"errors"
	"fmt"

	"github.com/banshee-data/staffetta/internal/frame"
	"github.com/banshee-data/staffetta/internal/monitoring"
)

// ErrNotSink is returned by Listen on a relay node.
var ErrNotSink = errors.New("mac: node is not a sink")

// Listen runs the sink: the radio stays on, every valid beacon is answered
// with a beacon-ack advertising cost 0 and its item is reported through
// deliver (which may be nil) and the engine's events. The sink never
// beacons and never queues.
//
// Listen returns ctx.Err() once ctx is cancelled; cancellation is checked
// between frames.
func (e *Engine) Listen(ctx context.Context, deliver func(Delivery)) error {
	if e.Role() != RoleSink {
		return fmt.Errorf("listen on node %d: %w", e.cfg.NodeID, ErrNotSink)
	}
	e.powerOn()
	e.radio.FlushRx()
	e.radio.FlushTx()
	e.state = Idle
	monitoring.Logf("node %d: sink active", e.cfg.NodeID)

	for {
		if err := ctx.Err(); err != nil {
			e.radio.FlushRx()
			e.radio.FlushTx()
			return err
		}
		if !e.radio.CarrierDetected() {
			continue
		}
		if d, ok := e.sinkReceive(); ok {
			e.counters.Delivered++
			e.events.Delivered(d)
			if deliver != nil {
				deliver(d)
			}
		}
	}
}

// sinkReceive handles one inbound frame on the sink.
func (e *Engine) sinkReceive() (Delivery, bool) {
	e.leds.Set(LEDGreen, true)
	defer func() {
		e.leds.Set(LEDGreen, false)
		e.radio.FlushRx()
		e.state = Idle
	}()

	f, err := e.receive()
	switch {
	case errors.Is(err, frame.ErrBadChecksum):
		e.transmit(frame.Frame{Type: frame.BeaconAck, Src: e.cfg.NodeID, Dst: frame.Nack})
		monitoring.Debugf("node %d: sink got a beacon with bad crc", e.cfg.NodeID)
		return Delivery{}, false
	case err != nil:
		monitoring.Logf("node %d: sink receive: %v", e.cfg.NodeID, err)
		return Delivery{}, false
	}
	if f.Type != frame.Beacon {
		monitoring.Debugf("node %d: sink ignored %s", e.cfg.NodeID, f.Type)
		return Delivery{}, false
	}

	e.state = SendingAck
	e.transmit(frame.Frame{
		Type:     frame.BeaconAck,
		Src:      e.cfg.NodeID,
		Dst:      f.Src,
		Seq:      f.Seq,
		TTL:      f.TTL,
		Data:     f.Data,
		Gradient: 0,
	})
	return Delivery{From: f.Src, Data: f.Data, Seq: f.Seq, TTL: f.TTL + 1, At: e.clock.Now()}, true
}
