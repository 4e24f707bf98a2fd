package mac

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/staffetta/internal/estimator"
	"github.com/banshee-data/staffetta/internal/relayqueue"
)

func TestConfigRole(t *testing.T) {
	tests := []struct {
		name     string
		id, sink byte
		rangeEnd byte
		want     Role
	}{
		{name: "sink id", id: 1, sink: 1, want: RoleSink},
		{name: "relay", id: 2, sink: 1, want: RoleRelay},
		{name: "inside sink range", id: 3, sink: 1, rangeEnd: 3, want: RoleSink},
		{name: "outside sink range", id: 4, sink: 1, rangeEnd: 3, want: RoleRelay},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig(tt.id)
			cfg.SinkID = tt.sink
			cfg.SinkRangeEnd = tt.rangeEnd
			assert.Equal(t, tt.want, cfg.Role())
		})
	}
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig(2).Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		substr string
	}{
		{name: "node zero", mutate: func(c *Config) { c.NodeID = 0 }, substr: "reserved"},
		{name: "nack id", mutate: func(c *Config) { c.NodeID = 255 }, substr: "nack"},
		{name: "zero budget", mutate: func(c *Config) { c.Budget = 0 }, substr: "budget"},
		{name: "zero wakeups", mutate: func(c *Config) { c.FixedWakeups = 0 }, substr: "wakeups"},
		{name: "negative packets", mutate: func(c *Config) { c.InitialPackets = -1 }, substr: "initial packets"},
		{name: "bad range", mutate: func(c *Config) { c.SinkID = 5; c.SinkRangeEnd = 3 }, substr: "sink range"},
		{name: "zero backoff", mutate: func(c *Config) { c.Timing.Backoff = 0 }, substr: "backoff"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig(2)
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.substr)
		})
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(DefaultConfig(0), &fakeRadio{})
	assert.Error(t, err)

	_, err = New(DefaultConfig(2), nil)
	assert.Error(t, err)
}

func TestNewFillsInitialQueue(t *testing.T) {
	cfg := DefaultConfig(4)
	h := newHarness(t, cfg)

	assert.Equal(t, DefaultInitialPackets, h.engine.QueueLen())
	head, ok := h.engine.Head()
	require.True(t, ok)
	assert.Equal(t, relayqueue.Item{PayloadID: 4, TTL: 0, Seq: 0}, head)
	assert.Len(t, h.events.generated, DefaultInitialPackets)
	assert.Equal(t, DefaultFixedWakeups, int(h.engine.WakeCount()))
	assert.Equal(t, Idle, h.engine.State())
}

func TestEnqueueLocalAdvancesSequence(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg)

	for i := 0; i < relayqueue.Capacity; i++ {
		require.True(t, h.engine.EnqueueLocal(5))
	}
	assert.False(t, h.engine.EnqueueLocal(5), "full queue drops local data")
	assert.Equal(t, 1, h.engine.Stats().Dropped)

	last := h.events.generated[len(h.events.generated)-1]
	assert.Equal(t, [2]byte{5, relayqueue.Capacity}, last)
}

func TestPrintStats(t *testing.T) {
	t.Run("edc mode reports edc", func(t *testing.T) {
		h := newHarness(t, testConfig())
		h.engine.PrintStats()
		require.Len(t, h.events.stats, 1)
		assert.Equal(t, uint32(estimator.MaxCost), h.events.stats[0][1])
	})

	t.Run("queue mode reports queue length", func(t *testing.T) {
		cfg := testConfig()
		cfg.Mode = estimator.ModeQueueSize
		cfg.InitialPackets = 3
		h := newHarness(t, cfg)
		h.engine.PrintStats()
		require.Len(t, h.events.stats, 1)
		assert.Equal(t, uint32(3), h.events.stats[0][1])
		assert.LessOrEqual(t, h.events.stats[0][0], uint32(1000))
	})

	t.Run("sink is silent", func(t *testing.T) {
		h := newHarness(t, DefaultConfig(1))
		h.engine.PrintStats()
		assert.Empty(t, h.events.stats)
	})
}

func TestConsoleLines(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf)
	c.Delivered(Delivery{From: 3, Data: 4, Seq: 9, TTL: 2})
	c.Rendezvous(3, 12)
	c.Stats(31, 40)
	c.Generated(5, 6)

	assert.Equal(t, "deliver 4 9 2\nrendezvous 3 12\nstats 31 40\ngenerate 5 6\n", buf.String())

	buf.Reset()
	tagged := NewTaggedConsole(&buf, 8)
	tagged.Generated(8, 0)
	assert.Equal(t, "@8 generate 8 0\n", buf.String())
}

func TestMultiEvents(t *testing.T) {
	a, b := &eventRecorder{}, &eventRecorder{}
	m := MultiEvents{a, b}
	m.Delivered(Delivery{Data: 1})
	m.Rendezvous(2, 3)
	m.Stats(4, 5)
	m.Generated(6, 7)

	for _, r := range []*eventRecorder{a, b} {
		assert.Len(t, r.deliveries, 1)
		assert.Len(t, r.rendezvous, 1)
		assert.Len(t, r.stats, 1)
		assert.Len(t, r.generated, 1)
	}
}

func TestResultAndStateStrings(t *testing.T) {
	assert.Equal(t, "fast_forward", FastForward.String())
	assert.Equal(t, "wrong_gradient", WrongGradient.String())
	assert.Equal(t, "result(4)", Result(4).String())
	assert.Len(t, Results, 8)

	assert.Equal(t, "wait_beacon_ack", WaitBeaconAck.String())
	assert.Equal(t, "state(42)", State(42).String())
	assert.Equal(t, "sink", RoleSink.String())
}

func TestCloseDisablesEngine(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.engine.Close())
	assert.Equal(t, Disabled, h.engine.State())
	assert.Equal(t, 1, h.radio.powerOffs)
}
