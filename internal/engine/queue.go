package engine

import (
	"sync"

	"github.com/roach88/darkfactory/internal/algedonic"
	"github.com/roach88/darkfactory/internal/gate"
	"github.com/roach88/darkfactory/internal/worker"
)

// eventKind distinguishes the inputs of the run loop.
type eventKind int

const (
	// eventTaskResult carries a worker status change.
	eventTaskResult eventKind = iota + 1
	// eventRetry fires when a movement's backoff delay has elapsed.
	eventRetry
	// eventSignal carries an algedonic signal and the decided action.
	eventSignal
	// eventEntropy carries an entropy alert.
	eventEntropy
	// eventPause and eventResume are operator requests.
	eventPause
	eventResume
	// eventPauseTimeout fires when a pause lasted longer than allowed.
	eventPauseTimeout
	// eventDrainTimeout fires when in-flight tasks did not settle in time.
	eventDrainTimeout
	// eventGateDone carries the gate outcome of a completed attempt.
	eventGateDone
)

// event is one input of the run loop. Only the fields for Kind are set.
type event struct {
	kind     eventKind
	result   worker.TaskResult
	status   string
	movement string
	signal   algedonic.Signal
	action   algedonic.Action
	entropy  EntropyAlert
	reason   string
	diff     string
	outcome  gate.Outcome
	err      error
	// generation ties timer events to the pause that armed them.
	generation int
}

// eventQueue is an unbounded FIFO shared by bus handlers, timers and the
// run loop.
//
// Enqueue never blocks, so a handler running inside a bus delivery cannot
// deadlock against the loop. The signal channel has a buffer of one and
// coalesces wakeups; the loop drains with TryDequeue after each wakeup.
type eventQueue struct {
	mu     sync.Mutex
	events []event
	closed bool
	signal chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make([]event, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue appends e. It returns false once the queue is closed.
func (q *eventQueue) Enqueue(e event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.events = append(q.events, e)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front event without blocking.
func (q *eventQueue) TryDequeue() (event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return event{}, false
	}
	e := q.events[0]
	// Clear the slot so the backing array does not pin payloads.
	q.events[0] = event{}
	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}
	return e, true
}

// Wait returns a channel that receives when events may be available.
func (q *eventQueue) Wait() <-chan struct{} {
	return q.signal
}

func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Close rejects further events. Queued events stay dequeueable.
func (q *eventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
