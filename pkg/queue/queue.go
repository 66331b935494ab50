package queue

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethpandaops/testcontroller/pkg/testcase"
	"github.com/sirupsen/logrus"
)

// ErrInvalidArgument is returned when a nil test is handed to the queue.
var ErrInvalidArgument = errors.New("invalid argument")

// WorkQueue holds the tests waiting to run and the tests that completed.
// Both collections share one lock. A test held by a worker is in neither.
type WorkQueue struct {
	log logrus.FieldLogger

	mu        sync.Mutex
	pending   []*testcase.Test
	head      int
	completed []*testcase.Test
}

// New creates an empty work queue.
func New(log logrus.FieldLogger) *WorkQueue {
	return &WorkQueue{
		log: log.WithField("component", "queue"),
	}
}

// Enqueue appends a test to the tail of the pending collection.
func (q *WorkQueue) Enqueue(test *testcase.Test) error {
	if test == nil {
		return fmt.Errorf("enqueue: test is nil: %w", ErrInvalidArgument)
	}

	q.log.WithField("test", test.Name()).Debug("Queueing test")

	q.mu.Lock()
	defer q.mu.Unlock()

	q.pending = append(q.pending, test)

	return nil
}

// Dequeue removes and returns the head of the pending collection. It never
// blocks: ok is false when nothing is pending right now.
func (q *WorkQueue) Dequeue() (test *testcase.Test, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.head >= len(q.pending) {
		return nil, false
	}

	test = q.pending[q.head]
	q.pending[q.head] = nil
	q.head++

	// Release the backing array once everything was handed out.
	if q.head == len(q.pending) {
		q.pending = q.pending[:0]
		q.head = 0
	}

	return test, true
}

// AddCompleted records a test that finished and has no attempts left.
func (q *WorkQueue) AddCompleted(test *testcase.Test) error {
	if test == nil {
		return fmt.Errorf("add completed: test is nil: %w", ErrInvalidArgument)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.completed = append(q.completed, test)

	return nil
}

// CompletedSnapshot returns the completed tests in insertion order. Later
// snapshots may contain more items while workers are still running.
func (q *WorkQueue) CompletedSnapshot() []*testcase.Test {
	q.mu.Lock()
	defer q.mu.Unlock()

	snapshot := make([]*testcase.Test, len(q.completed))
	copy(snapshot, q.completed)

	return snapshot
}

// Pending returns the number of tests waiting to run.
func (q *WorkQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.pending) - q.head
}

// Completed returns the number of completed tests.
func (q *WorkQueue) Completed() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.completed)
}

// PendingSnapshot returns the pending tests in queue order without removing
// them.
func (q *WorkQueue) PendingSnapshot() []*testcase.Test {
	q.mu.Lock()
	defer q.mu.Unlock()

	snapshot := make([]*testcase.Test, 0, len(q.pending)-q.head)

	return append(snapshot, q.pending[q.head:]...)
}

// Drain removes and returns every pending test.
func (q *WorkQueue) Drain() []*testcase.Test {
	q.mu.Lock()
	defer q.mu.Unlock()

	drained := make([]*testcase.Test, 0, len(q.pending)-q.head)
	drained = append(drained, q.pending[q.head:]...)

	q.pending = nil
	q.head = 0

	return drained
}
