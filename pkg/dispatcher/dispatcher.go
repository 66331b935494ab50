package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/ethpandaops/testcontroller/pkg/extension"
	"github.com/ethpandaops/testcontroller/pkg/queue"
	"github.com/ethpandaops/testcontroller/pkg/topology"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ErrInvalidArgument is returned when Run is called without an executor,
// machines or queue.
var ErrInvalidArgument = errors.New("invalid argument")

// Fault records a worker that returned an error or panicked.
type Fault struct {
	Machine  string
	Err      error
	Panicked bool
	Stack    string
}

func (f *Fault) Error() string {
	if f.Panicked {
		return fmt.Sprintf("worker on %s panicked: %v", f.Machine, f.Err)
	}

	return fmt.Sprintf("worker on %s failed: %v", f.Machine, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// MachineStats summarizes the work done by one worker.
type MachineStats struct {
	Machine   string
	Completed int
	Duration  time.Duration
}

// Result is the outcome of one dispatch.
type Result struct {
	Faults   []*Fault
	Machines []MachineStats
	Duration time.Duration
}

// FaultErrors returns the faults as plain errors.
func (r *Result) FaultErrors() []error {
	errs := make([]error, 0, len(r.Faults))
	for _, f := range r.Faults {
		errs = append(errs, f)
	}

	return errs
}

// Dispatcher runs one executor clone per machine against a shared queue.
type Dispatcher interface {
	// Run blocks until every clone has returned. Worker faults are reported
	// in the result; an error is only returned when nothing could run.
	Run(
		ctx context.Context,
		template extension.Executor,
		machines []topology.Machine,
		q *queue.WorkQueue,
	) (*Result, error)
}

// NewDispatcher creates a new dispatcher.
func NewDispatcher(log logrus.FieldLogger) Dispatcher {
	return &dispatcher{
		log: log.WithField("component", "dispatcher"),
	}
}

type dispatcher struct {
	log logrus.FieldLogger
}

// Ensure interface compliance.
var _ Dispatcher = (*dispatcher)(nil)

func (d *dispatcher) Run(
	ctx context.Context,
	template extension.Executor,
	machines []topology.Machine,
	q *queue.WorkQueue,
) (*Result, error) {
	if template == nil {
		return nil, fmt.Errorf("executor is nil: %w", ErrInvalidArgument)
	}

	if q == nil {
		return nil, fmt.Errorf("queue is nil: %w", ErrInvalidArgument)
	}

	if len(machines) == 0 {
		return nil, fmt.Errorf("no machines: %w", ErrInvalidArgument)
	}

	start := time.Now()
	result := &Result{}

	type worker struct {
		machine topology.Machine
		exec    extension.Executor
	}

	workers := make([]worker, 0, len(machines))

	for _, m := range machines {
		clone, err := template.CloneFor(m, q)
		if err != nil || clone == nil {
			if err == nil {
				err = errors.New("clone is nil")
			}

			d.log.WithError(err).WithField("machine", m.Hostname).Error("Failed to clone executor")

			result.Faults = append(result.Faults, &Fault{
				Machine: m.Hostname,
				Err:     fmt.Errorf("cloning executor: %w", err),
			})

			continue
		}

		workers = append(workers, worker{machine: m, exec: clone})
	}

	if len(workers) == 0 {
		return result, fmt.Errorf("no executor could be cloned for %d machines", len(machines))
	}

	d.log.WithFields(logrus.Fields{
		"workers": len(workers),
		"pending": q.Pending(),
	}).Info("Dispatching tests")

	var (
		mu    sync.Mutex
		stats = make([]MachineStats, len(workers))
		g     errgroup.Group
	)

	record := func(f *Fault) {
		mu.Lock()
		defer mu.Unlock()

		result.Faults = append(result.Faults, f)
	}

	for i, w := range workers {
		g.Go(func() error {
			log := d.log.WithField("machine", w.machine.Hostname)
			workerStart := time.Now()

			defer func() {
				mu.Lock()
				defer mu.Unlock()

				stats[i] = MachineStats{
					Machine:  w.machine.Hostname,
					Duration: time.Since(workerStart),
				}
			}()

			defer func() {
				if r := recover(); r != nil {
					log.WithField("panic", r).Error("Executor panicked")

					record(&Fault{
						Machine:  w.machine.Hostname,
						Err:      fmt.Errorf("%v", r),
						Panicked: true,
						Stack:    string(debug.Stack()),
					})
				}
			}()

			log.Debug("Worker started")

			if err := w.exec.Execute(ctx); err != nil {
				log.WithError(err).Error("Executor failed")

				record(&Fault{Machine: w.machine.Hostname, Err: err})

				return nil
			}

			log.Debug("Worker finished")

			return nil
		})
	}

	// Workers never return errors so other clones keep draining the queue.
	_ = g.Wait()

	completedBy := make(map[string]int, len(workers))

	for _, t := range q.CompletedSnapshot() {
		if run := t.LastRun(); run != nil {
			completedBy[run.ExecutionTarget]++
		}
	}

	for i := range stats {
		stats[i].Completed = completedBy[stats[i].Machine]
	}

	result.Machines = stats
	result.Duration = time.Since(start)

	d.log.WithFields(logrus.Fields{
		"faults":    len(result.Faults),
		"completed": q.Completed(),
		"duration":  result.Duration,
	}).Info("Dispatch finished")

	return result, nil
}
