package retry

import (
	"context"
	"fmt"

	"github.com/ethpandaops/testcontroller/pkg/queue"
	"github.com/ethpandaops/testcontroller/pkg/testcase"
	"github.com/sirupsen/logrus"
)

// Stop reasons reported in Summary.
const (
	StopDisabled       = "disabled"
	StopNoFailures     = "no failures left"
	StopBelowThreshold = "pass rate below threshold"
	StopExhausted      = "retries exhausted"
	StopCancelled      = "cancelled"
)

// DispatchFunc runs every test in q to completion.
type DispatchFunc func(ctx context.Context, q *queue.WorkQueue) error

// Policy bounds how failed tests are retried. A round re-runs every test
// whose last run failed or errored. Another round only starts while the
// percentage of retried tests that passed is at least Threshold.
type Policy struct {
	MaxRetries int
	Threshold  int
}

// Round describes one retry round.
type Round struct {
	Number   int
	Retried  int
	Passed   int
	PassRate int
}

// Summary describes the retry rounds that ran.
type Summary struct {
	Rounds     []Round
	StopReason string
}

// Recovered returns how many retried tests passed across all rounds.
func (s *Summary) Recovered() int {
	total := 0
	for _, r := range s.Rounds {
		total += r.Passed
	}

	return total
}

// Validate checks the policy bounds.
func (p Policy) Validate() error {
	if p.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative, got %d", p.MaxRetries)
	}

	if p.Threshold < 0 || p.Threshold > 100 {
		return fmt.Errorf("threshold must be between 0 and 100, got %d", p.Threshold)
	}

	return nil
}

// Enabled reports whether any retry round may run.
func (p Policy) Enabled() bool {
	return p.MaxRetries > 0
}

// Run performs retry rounds over tests. Each round gets a fresh queue from
// newQueue so a test is never enqueued twice into the same queue.
func (p Policy) Run(
	ctx context.Context,
	log logrus.FieldLogger,
	tests []*testcase.Test,
	newQueue func() *queue.WorkQueue,
	dispatch DispatchFunc,
) (*Summary, error) {
	log = log.WithField("component", "retry")
	summary := &Summary{}

	if err := p.Validate(); err != nil {
		return summary, err
	}

	if !p.Enabled() {
		summary.StopReason = StopDisabled

		return summary, nil
	}

	for round := 1; round <= p.MaxRetries; round++ {
		if ctx.Err() != nil {
			summary.StopReason = StopCancelled

			return summary, nil
		}

		failed := failedTests(tests)
		if len(failed) == 0 {
			summary.StopReason = StopNoFailures

			return summary, nil
		}

		q := newQueue()

		for _, t := range failed {
			if err := q.Enqueue(t); err != nil {
				return summary, fmt.Errorf("queueing retry: %w", err)
			}
		}

		log.WithFields(logrus.Fields{
			"round": round,
			"tests": len(failed),
		}).Info("Retrying failed tests")

		if err := dispatch(ctx, q); err != nil {
			return summary, fmt.Errorf("retry round %d: %w", round, err)
		}

		passed := 0

		for _, t := range failed {
			if t.FinalResult() == testcase.ResultPass {
				passed++
			}
		}

		r := Round{
			Number:   round,
			Retried:  len(failed),
			Passed:   passed,
			PassRate: passed * 100 / len(failed),
		}
		summary.Rounds = append(summary.Rounds, r)

		log.WithFields(logrus.Fields{
			"round":     round,
			"retried":   r.Retried,
			"passed":    r.Passed,
			"pass_rate": r.PassRate,
		}).Info("Retry round finished")

		if r.PassRate < p.Threshold {
			summary.StopReason = StopBelowThreshold

			return summary, nil
		}
	}

	summary.StopReason = StopExhausted

	if len(failedTests(tests)) == 0 {
		summary.StopReason = StopNoFailures
	}

	return summary, nil
}

func failedTests(tests []*testcase.Test) []*testcase.Test {
	failed := make([]*testcase.Test, 0)

	for _, t := range tests {
		if t.FinalResult().Failed() {
			failed = append(failed, t)
		}
	}

	return failed
}
