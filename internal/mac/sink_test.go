package mac

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/staffetta/internal/frame"
)

func TestListenDeliversAndAcks(t *testing.T) {
	h := newHarness(t, DefaultConfig(1))
	h.radio.inject(
		rx(beaconFrom(4, 4, 0, 0, 200), true),
		rx(beaconFrom(2, 9, 3, 2, 40), false),
		rx(frame.Frame{Type: frame.Select, Src: 3, Dst: 1}, true),
		append([]byte{0x7f}, make([]byte, frame.RxSize-1)...),
		rx(beaconFrom(3, 3, 1, 0, 30), true),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var got []Delivery
	err := h.engine.Listen(ctx, func(d Delivery) {
		got = append(got, d)
		if len(got) == 2 {
			cancel()
		}
	})
	require.ErrorIs(t, err, context.Canceled)

	require.Len(t, got, 2)
	assert.Equal(t, byte(4), got[0].Data)
	assert.Equal(t, byte(1), got[0].TTL, "ttl counts the final hop")
	assert.Equal(t, byte(3), got[1].From)
	assert.Equal(t, byte(1), got[1].Seq)
	assert.Equal(t, h.events.deliveries, got)

	sent := h.radio.transmitted()
	require.Equal(t, []frame.Type{frame.BeaconAck, frame.BeaconAck, frame.BeaconAck}, types(sent))
	assert.Equal(t, byte(4), sent[0].Dst)
	assert.Zero(t, sent[0].Gradient, "the sink advertises the best cost")
	assert.Equal(t, frame.Nack, sent[1].Dst, "corrupted beacon answered with a nack")
	assert.Equal(t, byte(3), sent[2].Dst)

	for _, f := range sent {
		assert.NotEqual(t, frame.Beacon, f.Type, "the sink never beacons")
	}
	assert.True(t, h.radio.powered, "the sink keeps its radio on")
	assert.Equal(t, 2, h.engine.Stats().Delivered)
	assert.Equal(t, 0, h.engine.QueueLen())
}

func TestListenOnRelay(t *testing.T) {
	h := newHarness(t, testConfig())
	err := h.engine.Listen(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNotSink)
}

func TestListenStopsOnCancelledContext(t *testing.T) {
	h := newHarness(t, DefaultConfig(1))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, h.engine.Listen(ctx, nil), context.Canceled)
	assert.Empty(t, h.radio.transmitted())
}
