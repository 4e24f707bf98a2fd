package relayqueue

import (
	"math/bits"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueuePopRoundTrip(t *testing.T) {
	var q Queue
	x := Item{PayloadID: 3, TTL: 1, Seq: 42}

	require.True(t, q.Enqueue(x))
	assert.Equal(t, 1, q.Len())

	head, ok := q.Peek()
	require.True(t, ok)
	assert.Equal(t, x, head)
	assert.Equal(t, 1, q.Len(), "Peek must not remove")

	got, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, x, got)
	assert.Equal(t, 0, q.Len())
}

func TestEnqueueRejects(t *testing.T) {
	tests := []struct {
		name  string
		setup []Item
		item  Item
	}{
		{name: "zero payload", item: Item{PayloadID: 0, Seq: 1}},
		{name: "duplicate key", setup: []Item{{PayloadID: 2, Seq: 9}}, item: Item{PayloadID: 2, Seq: 9, TTL: 4}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var q Queue
			for _, it := range tt.setup {
				require.True(t, q.Enqueue(it))
			}
			before := q

			assert.False(t, q.Enqueue(tt.item))
			assert.Equal(t, before, q, "rejected enqueue must leave state unchanged")
		})
	}
}

func TestFullQueue(t *testing.T) {
	var q Queue
	for i := 0; i < Capacity; i++ {
		require.True(t, q.Enqueue(Item{PayloadID: 1, Seq: byte(i)}))
	}
	assert.Equal(t, Capacity, q.Len())
	assert.Equal(t, Capacity, q.Cap())

	before := q
	assert.False(t, q.Enqueue(Item{PayloadID: 2, Seq: 0}))
	assert.Equal(t, before, q)
}

func TestPopForgetsKey(t *testing.T) {
	var q Queue
	x := Item{PayloadID: 5, Seq: 7}
	require.True(t, q.Enqueue(x))
	assert.False(t, q.Enqueue(x))

	_, ok := q.Pop()
	require.True(t, ok)
	assert.False(t, q.Contains(x))
	assert.True(t, q.Enqueue(x), "key must be insertable again after pop")
}

func TestEmptyQueue(t *testing.T) {
	var q Queue
	_, ok := q.Peek()
	assert.False(t, ok)
	_, ok = q.Pop()
	assert.False(t, ok)
}

func TestFIFOOrderAcrossWrap(t *testing.T) {
	var q Queue
	for round := 0; round < 3; round++ {
		for i := 0; i < Capacity; i++ {
			require.True(t, q.Enqueue(Item{PayloadID: byte(round + 1), Seq: byte(i)}))
		}
		for i := 0; i < Capacity; i++ {
			it, ok := q.Pop()
			require.True(t, ok)
			assert.Equal(t, byte(i), it.Seq)
		}
	}
}

// Keys outside the historical [1,100]x[0,99] range must not alias each other.
func TestWideKeysDoNotAlias(t *testing.T) {
	var q Queue
	require.True(t, q.Enqueue(Item{PayloadID: 255, Seq: 255}))
	require.True(t, q.Enqueue(Item{PayloadID: 1, Seq: 200}))
	require.True(t, q.Enqueue(Item{PayloadID: 3, Seq: 0}))
	assert.True(t, q.Contains(Item{PayloadID: 255, Seq: 255}))
	assert.False(t, q.Contains(Item{PayloadID: 2, Seq: 100}))
}

// Random enqueue/pop sequences keep the dedup set in step with the buffer.
func TestDedupInvariantRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	var q Queue

	for step := 0; step < 20000; step++ {
		if rng.Intn(3) == 0 {
			q.Pop()
		} else {
			q.Enqueue(Item{PayloadID: byte(rng.Intn(4)), Seq: byte(rng.Intn(8)), TTL: byte(rng.Intn(3))})
		}

		set := 0
		for _, w := range q.seen {
			set += bits.OnesCount64(w)
		}
		require.Equal(t, q.Len(), set, "step %d", step)
		require.LessOrEqual(t, q.Len(), Capacity)

		keys := map[uint16]bool{}
		for i := 0; i < q.n; i++ {
			it := q.items[(q.head+i)%Capacity]
			require.False(t, keys[it.key()], "duplicate key %v at step %d", it, step)
			keys[it.key()] = true
			require.True(t, q.Contains(it))
		}
	}
}
