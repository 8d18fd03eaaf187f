// Package frameq implements the bounded frame queue shared between producer
// and consumer contexts.
//
// Frames live in an owning arena of fixed-size slots addressed by handle.
// A slot is owned by exactly one party at a time: the free list, the linked
// queue, or the consumer holding an Entry. The critical section covers only
// handle relinking; frame bytes are copied in and out while the slot is
// exclusively owned, so no payload copy happens under the lock.
package frameq

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kstaniek/go-jd-bridge/internal/jd"
)

// DefaultMax is the queue depth used by the relay queues.
const DefaultMax = 10

const nilHandle = -1

var (
	// ErrFull is returned when the queue already links Max frames or no free
	// slot is left in the arena.
	ErrFull = errors.New("frameq: queue full")
	// ErrTooLarge is returned for frames that do not fit a slot.
	ErrTooLarge = errors.New("frameq: frame too large")
)

type slot struct {
	buf  [jd.MaxFrameSize]byte
	n    int
	ts   time.Time
	next int32

	// gen detects Release on a recycled slot.
	gen uint32
}

// Queue is a depth-capped singly linked frame queue.
type Queue struct {
	mu    sync.Mutex // critical section: relinking only
	slots []slot
	free  int32
	head  int32
	max   int
	now   func() time.Time
}

// Option customizes a Queue.
type Option func(*Queue)

// WithArena sets the number of slots backing the queue (default 2*max).
// Slots held by consumers as Entries count against the arena until released.
func WithArena(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.slots = make([]slot, n)
		}
	}
}

// WithClock overrides the capture timestamp source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// New creates a queue holding at most max linked frames.
func New(max int, opts ...Option) *Queue {
	if max <= 0 {
		max = DefaultMax
	}
	q := &Queue{max: max, head: nilHandle, now: time.Now}
	for _, o := range opts {
		o(q)
	}
	if q.slots == nil {
		q.slots = make([]slot, 2*max)
	}
	for i := range q.slots {
		q.slots[i].next = int32(i + 1)
	}
	q.slots[len(q.slots)-1].next = nilHandle
	q.free = 0
	return q
}

// Max returns the depth limit.
func (q *Queue) Max() int { return q.max }

func (q *Queue) alloc() int32 {
	q.mu.Lock()
	h := q.free
	if h != nilHandle {
		q.free = q.slots[h].next
		q.slots[h].next = nilHandle
	}
	q.mu.Unlock()
	return h
}

func (q *Queue) release(h int32) {
	q.mu.Lock()
	q.slots[h].gen++
	q.slots[h].n = 0
	q.slots[h].next = q.free
	q.free = h
	q.mu.Unlock()
}

// Enqueue copies f into the queue. It fails with ErrFull, leaving the queue
// untouched, when Max frames are already linked.
func (q *Queue) Enqueue(f jd.Frame) error {
	if len(f) > jd.MaxFrameSize {
		return fmt.Errorf("%w (%d bytes)", ErrTooLarge, len(f))
	}
	h := q.alloc()
	if h == nilHandle {
		return fmt.Errorf("%w: arena exhausted", ErrFull)
	}
	s := &q.slots[h]
	s.n = copy(s.buf[:], f)
	s.ts = q.now()

	q.mu.Lock()
	num := 0
	last := q.head
	for last != nilHandle && q.slots[last].next != nilHandle {
		last = q.slots[last].next
		num++
	}
	if last != nilHandle {
		num++
	}
	linked := num < q.max
	if linked {
		if last != nilHandle {
			q.slots[last].next = h
		} else {
			q.head = h
		}
	}
	q.mu.Unlock()

	if !linked {
		q.release(h)
		return ErrFull
	}
	return nil
}

// PopOne unlinks and returns the head entry. ok is false when the queue is empty.
func (q *Queue) PopOne() (e Entry, ok bool) {
	q.mu.Lock()
	h := q.head
	if h != nilHandle {
		q.head = q.slots[h].next
		q.slots[h].next = nilHandle
	}
	gen := uint32(0)
	if h != nilHandle {
		gen = q.slots[h].gen
	}
	q.mu.Unlock()
	if h == nilHandle {
		return Entry{}, false
	}
	return Entry{q: q, h: h, gen: gen}, true
}

// DequeueAll detaches the whole list in one step and returns its entries in
// queue order.
func (q *Queue) DequeueAll() []Entry {
	q.mu.Lock()
	h := q.head
	q.head = nilHandle
	var out []Entry
	for h != nilHandle {
		next := q.slots[h].next
		q.slots[h].next = nilHandle
		out = append(out, Entry{q: q, h: h, gen: q.slots[h].gen})
		h = next
	}
	q.mu.Unlock()
	return out
}

// Len counts linked frames.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for h := q.head; h != nilHandle; h = q.slots[h].next {
		n++
	}
	return n
}

// Empty reports whether no frame is linked.
func (q *Queue) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.head == nilHandle
}

// Entry is a frame unlinked from a Queue. The holder owns the slot until
// Release is called.
type Entry struct {
	q   *Queue
	h   int32
	gen uint32
}

// Frame returns the frame bytes. The slice aliases the slot and is only valid
// until Release.
func (e Entry) Frame() jd.Frame {
	if e.q == nil {
		return nil
	}
	s := &e.q.slots[e.h]
	return jd.Frame(s.buf[:s.n])
}

// Timestamp returns the enqueue capture time.
func (e Entry) Timestamp() time.Time {
	if e.q == nil {
		return time.Time{}
	}
	return e.q.slots[e.h].ts
}

// Release returns the slot to the arena. Releasing twice is a no-op.
func (e Entry) Release() {
	if e.q == nil {
		return
	}
	q := e.q
	q.mu.Lock()
	s := &q.slots[e.h]
	if s.gen == e.gen {
		s.gen++
		s.n = 0
		s.next = q.free
		q.free = e.h
	}
	q.mu.Unlock()
}

// Take copies the frame out, releases the slot and returns the copy.
func (e Entry) Take() (jd.Frame, time.Time) {
	f := e.Frame().Clone()
	ts := e.Timestamp()
	e.Release()
	return f, ts
}
