package engine

import (
	"sync"

	"github.com/roach88/syncflow/internal/ir"
)

// EventType distinguishes queued work.
type EventType int

const (
	// EventTypeInvocation asks the engine to execute an invocation.
	EventTypeInvocation EventType = iota + 1
	// EventTypeCompletion asks the engine to evaluate rules against a
	// completed record.
	EventTypeCompletion
)

func (t EventType) String() string {
	switch t {
	case EventTypeInvocation:
		return "invocation"
	case EventTypeCompletion:
		return "completion"
	default:
		return "unknown"
	}
}

// Event is one unit of work for the Run loop. Completion events also
// carry the invocation they complete.
type Event struct {
	Type       EventType
	Invocation *ir.Invocation
	Completion *ir.Completion
}

// flow returns the flow the event belongs to.
func (e Event) flow() string {
	if e.Invocation == nil {
		return ""
	}
	return e.Invocation.FlowToken
}

// eventQueue is an unbounded FIFO. Enqueue never blocks, so rule dispatch
// on the engine goroutine cannot deadlock against itself.
//
// It also counts, per flow, the events enqueued but not yet marked Done.
// A flow whose count drops to zero has nothing in flight.
type eventQueue struct {
	mu      sync.Mutex
	events  []Event
	pending map[string]int
	closed  bool
	signal  chan struct{} // buffered, size 1
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		events:  make([]Event, 0, 64),
		pending: make(map[string]int),
		signal:  make(chan struct{}, 1),
	}
}

// Enqueue appends e and wakes the loop. It returns false after Close.
func (q *eventQueue) Enqueue(e Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.events = append(q.events, e)
	q.pending[e.flow()]++
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue pops the head without blocking.
func (q *eventQueue) TryDequeue() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) == 0 {
		return Event{}, false
	}
	e := q.events[0]
	q.events[0] = Event{}
	q.events = q.events[1:]
	if len(q.events) == 0 {
		q.events = q.events[:0:0]
	}
	return e, true
}

// Done marks a dequeued event as processed, after any events it caused
// were enqueued. It reports whether its flow has nothing left in flight.
func (q *eventQueue) Done(e Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	flow := e.flow()
	if q.pending[flow] <= 1 {
		delete(q.pending, flow)
		return true
	}
	q.pending[flow]--
	return false
}

// InFlight returns the number of flows with unprocessed events.
func (q *eventQueue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Wait returns a channel that receives when events may be available. It
// is closed by Close.
func (q *eventQueue) Wait() <-chan struct{} {
	return q.signal
}

func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Close stops accepting events. Queued events can still be dequeued.
func (q *eventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

func (q *eventQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
