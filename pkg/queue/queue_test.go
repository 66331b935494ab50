package queue

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethpandaops/testcontroller/pkg/testcase"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newQueue(t *testing.T) *WorkQueue {
	t.Helper()

	log, _ := logtest.NewNullLogger()

	return New(log)
}

func makeTests(n int) []*testcase.Test {
	tests := make([]*testcase.Test, 0, n)
	for i := 0; i < n; i++ {
		tests = append(tests, testcase.New("tests.dll",
			fmt.Sprintf("Namespace%d.Class%d.Function%d", i, i, i)))
	}

	return tests
}

func TestEnqueue_NilTest(t *testing.T) {
	q := newQueue(t)

	err := q.Enqueue(nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Equal(t, 0, q.Pending())
}

func TestAddCompleted_NilTest(t *testing.T) {
	q := newQueue(t)

	err := q.AddCompleted(nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Empty(t, q.CompletedSnapshot())
}

func TestDequeue_Empty(t *testing.T) {
	q := newQueue(t)

	start := time.Now()
	test, ok := q.Dequeue()
	elapsed := time.Since(start)

	assert.False(t, ok)
	assert.Nil(t, test)
	assert.Less(t, elapsed, 50*time.Millisecond)
}

func TestDequeue_FIFO(t *testing.T) {
	for _, n := range []int{0, 1, 10} {
		t.Run(fmt.Sprintf("%d tests", n), func(t *testing.T) {
			q := newQueue(t)
			tests := makeTests(n)

			for _, test := range tests {
				require.NoError(t, q.Enqueue(test))
			}

			assert.Equal(t, n, q.Pending())

			for i := 0; i < n; i++ {
				got, ok := q.Dequeue()
				require.True(t, ok)
				assert.Same(t, tests[i], got)
			}

			_, ok := q.Dequeue()
			assert.False(t, ok)
			assert.Equal(t, 0, q.Pending())
		})
	}
}

func TestDequeue_ReuseAfterDrained(t *testing.T) {
	q := newQueue(t)
	tests := makeTests(3)

	require.NoError(t, q.Enqueue(tests[0]))

	got, ok := q.Dequeue()
	require.True(t, ok)
	assert.Same(t, tests[0], got)

	require.NoError(t, q.Enqueue(tests[1]))
	require.NoError(t, q.Enqueue(tests[2]))

	got, ok = q.Dequeue()
	require.True(t, ok)
	assert.Same(t, tests[1], got)
	assert.Equal(t, 1, q.Pending())
}

func TestDequeue_ConcurrentWorkers(t *testing.T) {
	const (
		numTests   = 1000
		numWorkers = 8
	)

	q := newQueue(t)
	tests := makeTests(numTests)

	for _, test := range tests {
		require.NoError(t, q.Enqueue(test))
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		seen     = make(map[*testcase.Test]int, numTests)
		dequeued atomic.Int64
	)

	for w := 0; w < numWorkers; w++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for {
				test, ok := q.Dequeue()
				if !ok {
					return
				}

				dequeued.Add(1)

				mu.Lock()
				seen[test]++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, int64(numTests), dequeued.Load())
	assert.Len(t, seen, numTests)

	for test, count := range seen {
		assert.Equal(t, 1, count, "test %s dequeued more than once", test.Name())
	}
}

func TestDequeue_ConcurrentProducersAndConsumers(t *testing.T) {
	const (
		numProducers = 4
		perProducer  = 250
		numConsumers = 4
	)

	q := newQueue(t)

	var (
		enqueued  atomic.Int64
		dequeued  atomic.Int64
		producers sync.WaitGroup
		consumers sync.WaitGroup
		done      atomic.Bool
		violation atomic.Bool
	)

	for p := 0; p < numProducers; p++ {
		producers.Add(1)

		go func() {
			defer producers.Done()

			for _, test := range makeTests(perProducer) {
				// Count before enqueueing so dequeues never outrun the counter.
				enqueued.Add(1)
				if err := q.Enqueue(test); err != nil {
					t.Error(err)
				}
			}
		}()
	}

	for c := 0; c < numConsumers; c++ {
		consumers.Add(1)

		go func() {
			defer consumers.Done()

			for {
				if _, ok := q.Dequeue(); ok {
					if dequeued.Add(1) > enqueued.Load() {
						violation.Store(true)
					}

					continue
				}

				if done.Load() && q.Pending() == 0 {
					return
				}
			}
		}()
	}

	producers.Wait()
	done.Store(true)
	consumers.Wait()

	assert.False(t, violation.Load(), "dequeues exceeded enqueues")
	assert.Equal(t, int64(numProducers*perProducer), dequeued.Load())
}

func TestAddCompleted_Concurrent(t *testing.T) {
	const k = 500

	q := newQueue(t)
	tests := makeTests(k)

	var wg sync.WaitGroup

	for _, test := range tests {
		wg.Add(1)

		go func() {
			defer wg.Done()

			if err := q.AddCompleted(test); err != nil {
				t.Error(err)
			}

			_ = q.CompletedSnapshot()
		}()
	}

	wg.Wait()

	assert.Len(t, q.CompletedSnapshot(), k)
	assert.Equal(t, k, q.Completed())
}

func TestCompletedSnapshot_InsertionOrder(t *testing.T) {
	q := newQueue(t)
	tests := makeTests(3)

	for _, test := range tests {
		require.NoError(t, q.AddCompleted(test))
	}

	snapshot := q.CompletedSnapshot()
	require.Len(t, snapshot, 3)

	for i := range tests {
		assert.Same(t, tests[i], snapshot[i])
	}

	// Mutating the snapshot must not affect the queue.
	snapshot[0] = nil
	assert.NotNil(t, q.CompletedSnapshot()[0])
}

func TestDrain(t *testing.T) {
	q := newQueue(t)
	tests := makeTests(4)

	for _, test := range tests {
		require.NoError(t, q.Enqueue(test))
	}

	_, ok := q.Dequeue()
	require.True(t, ok)

	drained := q.Drain()
	require.Len(t, drained, 3)
	assert.Same(t, tests[1], drained[0])
	assert.Equal(t, 0, q.Pending())

	_, ok = q.Dequeue()
	assert.False(t, ok)
}

func TestPendingSnapshot(t *testing.T) {
	q := newQueue(t)
	tests := makeTests(3)

	for _, test := range tests {
		require.NoError(t, q.Enqueue(test))
	}

	_, ok := q.Dequeue()
	require.True(t, ok)

	snapshot := q.PendingSnapshot()
	require.Len(t, snapshot, 2)
	assert.Same(t, tests[1], snapshot[0])
	assert.Same(t, tests[2], snapshot[1])

	// The snapshot leaves the queue untouched and is not aliased to it.
	snapshot[0] = nil
	assert.Equal(t, 2, q.Pending())

	got, ok := q.Dequeue()
	require.True(t, ok)
	assert.Same(t, tests[1], got)
}
