package radio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/staffetta/internal/frame"
	"github.com/banshee-data/staffetta/internal/timeutil"
)

func newLine(t *testing.T, opts MediumOptions, ids ...byte) (*Medium, *timeutil.MockClock, map[byte]*SimRadio) {
	t.Helper()
	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	m := NewMedium(clock, opts)
	radios := make(map[byte]*SimRadio)
	for i, id := range ids {
		r, err := m.Attach(id)
		require.NoError(t, err)
		radios[id] = r
		if i > 0 {
			m.Link(ids[i-1], id)
		}
	}
	return m, clock, radios
}

func readAll(t *testing.T, r *SimRadio) []byte {
	t.Helper()
	var out []byte
	for r.CarrierDetected() {
		b, err := r.ReadByte()
		require.NoError(t, err)
		out = append(out, b)
	}
	return out
}

func send(t *testing.T, r *SimRadio, f frame.Frame) {
	t.Helper()
	tx := f.Encode()
	require.NoError(t, r.WriteFrame(tx[:]))
	require.NoError(t, r.StartTransmit())
}

func TestMediumDeliversAfterAirtime(t *testing.T) {
	m, clock, radios := newLine(t, MediumOptions{}, 1, 2)
	for _, r := range radios {
		require.NoError(t, r.PowerOn())
	}

	send(t, radios[2], frame.Frame{Type: frame.Beacon, Src: 2, Data: 2, Seq: 5})
	assert.True(t, radios[2].TransmitActive())
	assert.NotZero(t, radios[2].Status()&StatusTxActive)
	assert.False(t, radios[1].CarrierDetected(), "frame still on the air")

	clock.Advance(DefaultAirtime)
	assert.False(t, radios[2].TransmitActive())

	raw := readAll(t, radios[1])
	require.Len(t, raw, frame.RxSize)
	f, err := frame.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, frame.Beacon, f.Type)
	assert.Equal(t, byte(2), f.Src)
	assert.Equal(t, DefaultRSSI, f.RSSI)

	assert.Equal(t, 1, m.Stats().Deliveries)
}

func TestMediumRespectsTopology(t *testing.T) {
	_, clock, radios := newLine(t, MediumOptions{}, 1, 2, 3)
	for _, r := range radios {
		require.NoError(t, r.PowerOn())
	}

	send(t, radios[3], frame.Frame{Type: frame.Beacon, Src: 3})
	clock.Advance(DefaultAirtime)

	assert.Empty(t, readAll(t, radios[1]), "node 1 is two hops from node 3")
	assert.Len(t, readAll(t, radios[2]), frame.RxSize)
}

func TestMediumPoweredOffMissesFrames(t *testing.T) {
	_, clock, radios := newLine(t, MediumOptions{}, 1, 2)
	require.NoError(t, radios[2].PowerOn())

	send(t, radios[2], frame.Frame{Type: frame.Beacon, Src: 2})
	clock.Advance(DefaultAirtime)

	require.NoError(t, radios[1].PowerOn())
	assert.False(t, radios[1].CarrierDetected())

	_, err := radios[1].ReadByte()
	assert.ErrorIs(t, err, ErrFIFOEmpty)
}

func TestMediumCollisionClearsCRC(t *testing.T) {
	m, clock, radios := newLine(t, MediumOptions{}, 1, 2)
	r3, err := m.Attach(3)
	require.NoError(t, err)
	m.Link(1, 3)
	radios[3] = r3
	for _, r := range radios {
		require.NoError(t, r.PowerOn())
	}

	send(t, radios[2], frame.Frame{Type: frame.BeaconAck, Src: 2, Dst: 1})
	clock.Advance(DefaultAirtime / 2)
	send(t, radios[3], frame.Frame{Type: frame.BeaconAck, Src: 3, Dst: 1})
	clock.Advance(DefaultAirtime)

	raw := readAll(t, radios[1])
	require.Len(t, raw, 2*frame.RxSize)
	for i := 0; i < 2; i++ {
		_, err := frame.Decode(raw[i*frame.RxSize : (i+1)*frame.RxSize])
		assert.ErrorIs(t, err, frame.ErrBadChecksum)
	}
	assert.Equal(t, 1, m.Stats().Collisions)
}

func TestMediumLoss(t *testing.T) {
	m, clock, radios := newLine(t, MediumOptions{Loss: 0.999999, Seed: 1}, 1, 2)
	for _, r := range radios {
		require.NoError(t, r.PowerOn())
	}

	send(t, radios[2], frame.Frame{Type: frame.Beacon, Src: 2})
	clock.Advance(DefaultAirtime)

	assert.Empty(t, readAll(t, radios[1]))
	assert.Equal(t, 1, m.Stats().Lost)
}

func TestMediumAttachTwice(t *testing.T) {
	m, _, _ := newLine(t, MediumOptions{}, 1)
	_, err := m.Attach(1)
	assert.Error(t, err)
}

func TestSimRadioFlushAndOnTime(t *testing.T) {
	_, clock, radios := newLine(t, MediumOptions{}, 1, 2)
	for _, r := range radios {
		require.NoError(t, r.PowerOn())
	}

	send(t, radios[2], frame.Frame{Type: frame.Beacon, Src: 2})
	clock.Advance(DefaultAirtime)
	require.True(t, radios[1].CarrierDetected())
	radios[1].FlushRx()
	assert.False(t, radios[1].CarrierDetected())

	clock.Advance(10 * time.Millisecond)
	require.NoError(t, radios[1].PowerOff())
	clock.Advance(time.Second)

	assert.Equal(t, DefaultAirtime+10*time.Millisecond, radios[1].OnTime())
	assert.Zero(t, radios[1].Status()&StatusXOSCStable)

	_, err := radios[1].ReadByte()
	assert.ErrorIs(t, err, ErrPoweredOff)
}
