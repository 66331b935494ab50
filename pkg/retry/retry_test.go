package retry

import (
	"context"
	"errors"
	"testing"

	"github.com/ethpandaops/testcontroller/pkg/queue"
	"github.com/ethpandaops/testcontroller/pkg/testcase"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLog() logrus.FieldLogger {
	log, _ := logtest.NewNullLogger()

	return log
}

func newQueueFunc(log logrus.FieldLogger) func() *queue.WorkQueue {
	return func() *queue.WorkQueue {
		return queue.New(log)
	}
}

// testsWithResults creates one test per result, each with a single run.
func testsWithResults(results ...testcase.Result) []*testcase.Test {
	tests := make([]*testcase.Test, 0, len(results))

	for i, r := range results {
		t := testcase.New("tests.dll", "NS.Class.T"+string(rune('A'+i)))
		t.AddRun(&testcase.Run{Result: r})
		tests = append(tests, t)
	}

	return tests
}

// scriptedDispatch drains the queue, giving each test the next result from
// its script. Tests without a script fail again.
func scriptedDispatch(scripts map[string][]testcase.Result, dequeued *[]int) DispatchFunc {
	return func(_ context.Context, q *queue.WorkQueue) error {
		count := 0

		for {
			t, ok := q.Dequeue()
			if !ok {
				break
			}

			count++

			result := testcase.ResultFail
			if script := scripts[t.Name()]; len(script) > 0 {
				result = script[0]
				scripts[t.Name()] = script[1:]
			}

			t.AddRun(&testcase.Run{Result: result})

			if err := q.AddCompleted(t); err != nil {
				return err
			}
		}

		*dequeued = append(*dequeued, count)

		return nil
	}
}

func TestPolicy_Disabled(t *testing.T) {
	log := newLog()
	tests := testsWithResults(testcase.ResultFail)

	called := false
	summary, err := Policy{}.Run(context.Background(), log, tests, newQueueFunc(log),
		func(context.Context, *queue.WorkQueue) error {
			called = true

			return nil
		})
	require.NoError(t, err)

	assert.False(t, called)
	assert.Equal(t, StopDisabled, summary.StopReason)
	assert.Equal(t, 1, tests[0].Attempts())
}

func TestPolicy_RetriesOnlyFailedTests(t *testing.T) {
	log := newLog()
	tests := testsWithResults(testcase.ResultPass, testcase.ResultFail, testcase.ResultError)

	var rounds []int

	dispatch := scriptedDispatch(map[string][]testcase.Result{
		"NS.Class.TB": {testcase.ResultPass},
		"NS.Class.TC": {testcase.ResultPass},
	}, &rounds)

	summary, err := Policy{MaxRetries: 3}.Run(context.Background(), log, tests, newQueueFunc(log), dispatch)
	require.NoError(t, err)

	assert.Equal(t, []int{2}, rounds)
	assert.Equal(t, StopNoFailures, summary.StopReason)
	assert.Equal(t, 2, summary.Recovered())

	assert.Equal(t, 1, tests[0].Attempts(), "passing test is not retried")
	assert.Equal(t, 2, tests[1].Attempts())
	assert.Equal(t, testcase.ResultPass, tests[2].FinalResult())
}

func TestPolicy_Exhausted(t *testing.T) {
	log := newLog()
	tests := testsWithResults(testcase.ResultFail)

	var rounds []int

	summary, err := Policy{MaxRetries: 2}.Run(context.Background(), log, tests, newQueueFunc(log),
		scriptedDispatch(map[string][]testcase.Result{}, &rounds))
	require.NoError(t, err)

	assert.Equal(t, []int{1, 1}, rounds)
	assert.Equal(t, StopExhausted, summary.StopReason)
	assert.Equal(t, 3, tests[0].Attempts())
	require.Len(t, summary.Rounds, 2)
	assert.Equal(t, 0, summary.Rounds[1].PassRate)
}

func TestPolicy_Threshold(t *testing.T) {
	tests := []struct {
		name       string
		threshold  int
		wantRounds []int
		wantReason string
	}{
		{
			// 1 of 4 passes (25%) in round one.
			name:       "below threshold stops",
			threshold:  50,
			wantRounds: []int{4},
			wantReason: StopBelowThreshold,
		},
		{
			// 25% then 33% then 0% for the last two tests.
			name:       "at threshold continues",
			threshold:  25,
			wantRounds: []int{4, 3, 2},
			wantReason: StopBelowThreshold,
		},
		{
			name:       "zero threshold runs every round",
			threshold:  0,
			wantRounds: []int{4, 3, 2},
			wantReason: StopExhausted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log := newLog()
			list := testsWithResults(testcase.ResultFail, testcase.ResultFail,
				testcase.ResultFail, testcase.ResultFail)

			var rounds []int

			// A recovers in round one, B in round two, C and D never do.
			dispatch := scriptedDispatch(map[string][]testcase.Result{
				"NS.Class.TA": {testcase.ResultPass},
				"NS.Class.TB": {testcase.ResultFail, testcase.ResultPass},
			}, &rounds)

			summary, err := Policy{MaxRetries: 3, Threshold: tt.threshold}.Run(
				context.Background(), log, list, newQueueFunc(log), dispatch)
			require.NoError(t, err)

			assert.Equal(t, tt.wantRounds, rounds)
			assert.Equal(t, tt.wantReason, summary.StopReason)
		})
	}
}

func TestPolicy_DispatchError(t *testing.T) {
	log := newLog()
	tests := testsWithResults(testcase.ResultFail)

	_, err := Policy{MaxRetries: 1}.Run(context.Background(), log, tests, newQueueFunc(log),
		func(context.Context, *queue.WorkQueue) error {
			return errors.New("no machines")
		})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retry round 1")
}

func TestPolicy_Cancelled(t *testing.T) {
	log := newLog()
	tests := testsWithResults(testcase.ResultFail)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := Policy{MaxRetries: 2}.Run(ctx, log, tests, newQueueFunc(log),
		func(context.Context, *queue.WorkQueue) error {
			t.Fatal("dispatch must not run after cancellation")

			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, StopCancelled, summary.StopReason)
}

func TestPolicy_Validate(t *testing.T) {
	assert.NoError(t, Policy{MaxRetries: 2, Threshold: 100}.Validate())
	assert.Error(t, Policy{MaxRetries: -1}.Validate())
	assert.Error(t, Policy{Threshold: 101}.Validate())
	assert.Error(t, Policy{Threshold: -5}.Validate())
}
