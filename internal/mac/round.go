package mac

import (
	"context"
	"errors"
	"time"

	"github.com/banshee-data/staffetta/internal/estimator"
	"github.com/banshee-data/staffetta/internal/frame"
	"github.com/banshee-data/staffetta/internal/monitoring"
	"github.com/banshee-data/staffetta/internal/relayqueue"
	"github.com/banshee-data/staffetta/internal/timeutil"
)

// session is the per-round scratch state.
type session struct {
	start      time.Time
	collisions int
	strobes    int
	beacon     frame.Frame
	ack        frame.Frame
	acked      bool
}

// RunRound performs one wake-up: a backoff window listening for a
// neighbour's beacon, then, if nothing was received or the received item may
// be fast-forwarded, a strobe train offering the head of the relay queue.
// The round always ends Idle with the radio off.
//
// A round cannot be interrupted once started; ctx is only checked before the
// radio is powered. On a sink or a closed engine RunRound does nothing and
// reports NoReceive; sinks run Listen instead.
func (e *Engine) RunRound(ctx context.Context) Result {
	if e.Role() == RoleSink || e.state == Disabled || ctx.Err() != nil {
		return NoReceive
	}
	res := e.round()
	e.counters.Rounds[res]++
	return res
}

func (e *Engine) round() Result {
	t := e.cfg.Timing

	e.powerOn()
	e.radio.FlushRx()
	e.radio.FlushTx()
	s := &session{start: e.clock.Now()}
	defer func() {
		e.counters.Strobes += s.strobes
		e.counters.Collisions += s.collisions
	}()

	// Backoff: listen for a beacon before offering our own data.
	e.state = WaitToSend
	e.leds.Set(LEDGreen, true)
	backoff := timeutil.NewDeadline(e.clock, t.Backoff)
	for e.state == WaitToSend && !backoff.Expired() {
		if !e.radio.CarrierDetected() {
			continue
		}
		f, err := e.receive()
		switch {
		case errors.Is(err, frame.ErrBadChecksum):
			// Corrupted beacon: tell the sender with an ack nobody owns.
			e.transmit(frame.Frame{Type: frame.BeaconAck, Src: e.cfg.NodeID, Dst: frame.Nack})
			monitoring.Debugf("node %d: beacon with bad crc", e.cfg.NodeID)
			return e.abort(WrongChecksum)
		case err != nil:
			monitoring.Logf("node %d: waiting for beacon: %v", e.cfg.NodeID, err)
			return e.abort(RxBufferFailure)
		}
		if f.Type != frame.Beacon {
			monitoring.Logf("node %d: expected beacon, got type %d", e.cfg.NodeID, f.Type)
			return e.abort(WrongType)
		}
		if !e.grad.Accepts(f.Gradient, e.queue.Len()) {
			monitoring.Debugf("node %d: sender %d is closer to the sink", e.cfg.NodeID, f.Src)
			return e.abort(WrongGradient)
		}
		s.beacon = f
		e.state = SendingAck
	}

	if e.state == SendingAck {
		if res, done := e.acceptBeacon(s); done {
			return res
		}
	}

	// Own transmission.
	e.leds.Set(LEDGreen, false)
	e.leds.Set(LEDRed, true)
	head, ok := e.queue.Peek()
	if !ok {
		return e.abort(EmptyQueue)
	}
	offer := frame.Frame{
		Type:     frame.Beacon,
		Src:      e.cfg.NodeID,
		Dst:      0,
		Seq:      head.Seq,
		TTL:      head.TTL,
		Data:     head.PayloadID,
		Gradient: e.advertise(),
	}

	e.state = WaitBeaconAck
	strobe := timeutil.NewDeadline(e.clock, t.Strobe)
	for e.state == WaitBeaconAck && s.collisions == 0 && !strobe.Expired() {
		s.strobes++
		e.radio.FlushTx()
		e.transmit(offer)

		wait := timeutil.NewDeadline(e.clock, t.StrobeWait)
		for e.state == WaitBeaconAck && s.collisions == 0 && !wait.Expired() {
			if !e.radio.CarrierDetected() {
				continue
			}
			f, err := e.receive()
			switch {
			case errors.Is(err, frame.ErrBadChecksum):
				s.collisions++
				if e.cfg.Select {
					e.radio.FlushTx()
					e.transmit(frame.Frame{Type: frame.Select, Src: e.cfg.NodeID, Dst: frame.Nack})
				}
				monitoring.Debugf("node %d: beacon ack with bad crc", e.cfg.NodeID)
				return e.abort(WrongChecksum)
			case err != nil:
				monitoring.Logf("node %d: waiting for beacon ack: %v", e.cfg.NodeID, err)
				return e.abort(RxBufferFailure)
			}

			switch {
			case f.Type != frame.BeaconAck:
				monitoring.Logf("node %d: expected beacon ack, got type %d", e.cfg.NodeID, f.Type)
				s.collisions++
			case f.Dst == e.cfg.NodeID && f.Data == offer.Data:
				s.ack = f
				s.acked = true
				e.state = BeaconSent
			default:
				monitoring.Logf("node %d: beacon ack not for us. For %d, from %d", e.cfg.NodeID, f.Dst, f.Src)
				s.collisions++
			}
		}
	}
	// Selection: only a clean handshake hands the item over.
	if e.state == BeaconSent && s.collisions == 0 {
		if e.cfg.Select {
			e.radio.FlushTx()
			e.transmit(frame.Frame{Type: frame.Select, Src: e.cfg.NodeID, Dst: s.ack.Src})
		}
		e.queue.Pop()
		e.counters.Relayed++
	}

	e.gotoIdle()
	if s.collisions == 0 {
		e.bookkeeping(s)
	}
	return FastForward
}

// acceptBeacon acknowledges the received beacon and, with the select
// handshake on, waits to be chosen. done reports that the round ended.
func (e *Engine) acceptBeacon(s *session) (res Result, done bool) {
	b := s.beacon
	e.transmit(frame.Frame{
		Type:     frame.BeaconAck,
		Src:      e.cfg.NodeID,
		Dst:      b.Src,
		Seq:      b.Seq,
		TTL:      b.TTL,
		Data:     b.Data,
		Gradient: e.advertise(),
	})

	if e.cfg.Select {
		e.state = WaitSelect
		e.radio.FlushRx()
		wait := timeutil.NewDeadline(e.clock, e.cfg.Timing.StrobeWait)
		for e.state == WaitSelect && !wait.Expired() {
			if !e.radio.CarrierDetected() {
				continue
			}
			f, err := e.receive()
			switch {
			case errors.Is(err, frame.ErrBadChecksum):
				monitoring.Debugf("node %d: select with bad crc", e.cfg.NodeID)
				return e.abort(WrongChecksum), true
			case err != nil:
				monitoring.Logf("node %d: waiting for select: %v", e.cfg.NodeID, err)
				return e.abort(RxBufferFailure), true
			}
			if f.Type == frame.Select && f.Dst == e.cfg.NodeID {
				e.state = SelectReceived
				continue
			}
			monitoring.Debugf("node %d: select not for us (%s)", e.cfg.NodeID, f)
		}
		if e.state != SelectReceived {
			return e.abort(WrongSelect), true
		}
	}

	e.store(relayqueue.Item{PayloadID: b.Data, TTL: b.TTL + 1, Seq: b.Seq})
	e.radio.FlushRx()
	e.radio.FlushTx()
	if !e.cfg.FastForward {
		return e.abort(NoReceive), true
	}
	return 0, false
}

func (e *Engine) store(it relayqueue.Item) {
	e.counters.Received++
	if !e.queue.Enqueue(it) {
		e.counters.Dropped++
		monitoring.Debugf("node %d: relay item %d/%d not queued", e.cfg.NodeID, it.PayloadID, it.Seq)
	}
}

// bookkeeping feeds a collision-free round into the estimators and derives
// the next wake count.
func (e *Engine) bookkeeping(s *session) {
	latency := e.latency(e.clock.Since(s.start))
	e.rdv.Record(latency)
	if s.acked {
		e.grad.Observe(s.ack.Gradient, latency)
	}
	if e.cfg.DynamicDutyCycle {
		e.wakeups = estimator.WakeCount(e.cfg.Budget, e.rdv.Average())
	} else {
		e.wakeups = e.cfg.FixedWakeups
	}
	if s.acked {
		e.events.Rendezvous(s.ack.Src, e.wakeups)
	}
}

// latency converts elapsed time into 1/10000 of a period, saturating at the
// estimator ceiling.
func (e *Engine) latency(elapsed time.Duration) uint32 {
	if elapsed < 0 {
		return 0
	}
	v := int64(elapsed) * 10000 / int64(e.cfg.Timing.Period)
	if v >= estimator.Ceiling {
		return estimator.Ceiling
	}
	return uint32(v)
}

func (e *Engine) abort(r Result) Result {
	e.gotoIdle()
	return r
}
