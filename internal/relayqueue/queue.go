// Package relayqueue holds the data items a node is waiting to hand on to a
// neighbour closer to the sink.
package relayqueue

// Capacity is the number of items a Queue can hold.
const Capacity = 100

// Item is one application datum awaiting relay. Items are identified by
// (PayloadID, Seq); PayloadID 0 is reserved.
type Item struct {
	PayloadID byte
	TTL       byte
	Seq       byte
}

func (it Item) key() uint16 {
	return uint16(it.PayloadID)<<8 | uint16(it.Seq)
}

// Queue is a fixed-capacity FIFO of relay items with duplicate suppression.
// A key's bit in the dedup set is on exactly while an item with that key
// sits in the buffer. Popping clears the bit, so the same key may be
// enqueued again later.
//
// The zero value is an empty queue ready for use. Queue is not safe for
// concurrent use; it is owned by one protocol engine.
type Queue struct {
	items [Capacity]Item
	head  int
	n     int
	seen  [1 << 16 / 64]uint64
}

// Enqueue appends it. It returns false, leaving the queue unchanged, when
// the payload id is zero, the key is already queued or the queue is full.
func (q *Queue) Enqueue(it Item) bool {
	if it.PayloadID == 0 || q.n == Capacity || q.Contains(it) {
		return false
	}
	q.items[(q.head+q.n)%Capacity] = it
	q.n++
	k := it.key()
	q.seen[k>>6] |= 1 << (k & 63)
	return true
}

// Peek returns the head item without removing it.
func (q *Queue) Peek() (Item, bool) {
	if q.n == 0 {
		return Item{}, false
	}
	return q.items[q.head], true
}

// Pop removes and returns the head item and forgets its key.
func (q *Queue) Pop() (Item, bool) {
	if q.n == 0 {
		return Item{}, false
	}
	it := q.items[q.head]
	q.items[q.head] = Item{}
	q.head = (q.head + 1) % Capacity
	q.n--
	k := it.key()
	q.seen[k>>6] &^= 1 << (k & 63)
	return it, true
}

// Contains reports whether an item with the same key as it is queued.
func (q *Queue) Contains(it Item) bool {
	k := it.key()
	return q.seen[k>>6]&(1<<(k&63)) != 0
}

// Len returns the number of queued items.
func (q *Queue) Len() int { return q.n }

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return Capacity }
