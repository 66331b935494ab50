// Package pipeline runs the configured stages end to end: read the test
// list, prepare the environment, dispatch the tests over the machines, retry
// failures, clean up and report.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/docker/go-units"
	"github.com/ethpandaops/testcontroller/pkg/config"
	"github.com/ethpandaops/testcontroller/pkg/dispatcher"
	"github.com/ethpandaops/testcontroller/pkg/extension"
	"github.com/ethpandaops/testcontroller/pkg/fsutil"
	"github.com/ethpandaops/testcontroller/pkg/queue"
	"github.com/ethpandaops/testcontroller/pkg/retry"
	"github.com/ethpandaops/testcontroller/pkg/testcase"
	"github.com/ethpandaops/testcontroller/pkg/topology"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrNotPrepared is returned when Run is called before Prepare succeeded.
var ErrNotPrepared = errors.New("pipeline not prepared")

// Pipeline orchestrates one test run.
type Pipeline interface {
	// Prepare validates the configuration, loads every extension and
	// resolves the target machines. Nothing is executed.
	Prepare(ctx context.Context) error
	// Run executes all stages. Results are returned even when an error is,
	// as long as the reader stage succeeded.
	Run(ctx context.Context) (*extension.Results, error)
	// Machines returns the machines tests are dispatched to.
	Machines() []topology.Machine
}

// Option configures a Pipeline.
type Option func(*pipeline)

// WithDispatcher replaces the dispatcher used for the executor stage.
func WithDispatcher(d dispatcher.Dispatcher) Option {
	return func(p *pipeline) {
		p.dispatcher = d
	}
}

// NewPipeline creates a pipeline for the given configuration. Extensions
// are resolved through dir.
func NewPipeline(
	log logrus.FieldLogger,
	cfg *config.Config,
	dir extension.Directory,
	opts ...Option,
) Pipeline {
	p := &pipeline{
		log:        log.WithField("component", "pipeline"),
		cfg:        cfg,
		dir:        dir,
		dispatcher: dispatcher.NewDispatcher(log),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

type pipeline struct {
	log        logrus.FieldLogger
	cfg        *config.Config
	dir        extension.Directory
	dispatcher dispatcher.Dispatcher

	prepared  bool
	owner     *fsutil.Owner
	machines  []topology.Machine
	reader    extension.Reader
	setup     []extension.Extension
	executor  extension.Executor
	cleanup   []extension.Extension
	reporters []extension.Reporter
	faults    []error
}

// Ensure interface compliance.
var _ Pipeline = (*pipeline)(nil)

func (p *pipeline) Machines() []topology.Machine {
	return p.machines
}

func (p *pipeline) Prepare(ctx context.Context) error {
	if err := p.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	owner, err := fsutil.ParseOwner(p.cfg.Global.OutputOwner)
	if err != nil {
		return fmt.Errorf("invalid output_owner: %w", err)
	}

	p.owner = owner

	platforms, err := topology.Build(p.cfg)
	if err != nil {
		return fmt.Errorf("building topology: %w", err)
	}

	machines, err := topology.SelectMachines(p.log, platforms, p.cfg.Global.PlatformMode)
	if err != nil {
		return fmt.Errorf("selecting machines: %w", err)
	}

	p.machines = machines

	if err := p.loadExtensions(ctx); err != nil {
		return err
	}

	p.prepared = true

	p.log.WithFields(logrus.Fields{
		"machines":  len(p.machines),
		"setup":     len(p.setup),
		"cleanup":   len(p.cleanup),
		"reporters": len(p.reporters),
	}).Info("Pipeline prepared")

	return nil
}

// stageOrder is the order extensions are loaded in.
var stageOrder = []string{
	config.RoleReader,
	config.RoleEnvSetup,
	config.RoleExecutor,
	config.RoleEnvCleanup,
	config.RoleReporter,
}

func (p *pipeline) loadExtensions(ctx context.Context) error {
	for _, stage := range stageOrder {
		for _, pc := range p.cfg.PluginsByRole(stage) {
			role, err := extension.ParseRole(pc.Role)
			if err != nil {
				return err
			}

			ext, err := p.dir.Load(ctx, pc.Path, role, extension.LoadOptions{
				Name:      pc.Name,
				Options:   pc.Options,
				OutputDir: p.cfg.Global.OutputDir,
				TestFile:  p.cfg.Global.TestFile,
			})
			if err != nil {
				return fmt.Errorf("loading %s extension: %w", role, err)
			}

			switch role {
			case extension.RoleReader:
				reader, ok := ext.(extension.Reader)
				if !ok {
					return fmt.Errorf("%s does not implement the reader stage", ext.Name())
				}

				p.reader = reader
			case extension.RoleExecutor:
				executor, ok := ext.(extension.Executor)
				if !ok {
					return fmt.Errorf("%s does not implement the executor stage", ext.Name())
				}

				p.executor = executor
			case extension.RoleReporter:
				reporter, ok := ext.(extension.Reporter)
				if !ok {
					return fmt.Errorf("%s does not implement the reporter stage", ext.Name())
				}

				p.reporters = append(p.reporters, reporter)
			case extension.RoleEnvSetup:
				p.setup = append(p.setup, ext)
			case extension.RoleEnvCleanup:
				p.cleanup = append(p.cleanup, ext)
			}

			p.log.WithFields(logrus.Fields{
				"role":   role,
				"module": pc.Path,
				"name":   ext.Name(),
			}).Debug("Loaded extension")
		}
	}

	return nil
}

func (p *pipeline) Run(ctx context.Context) (*extension.Results, error) {
	if !p.prepared {
		return nil, ErrNotPrepared
	}

	runID := uuid.NewString()
	log := p.log.WithField("run_id", runID)
	started := time.Now()

	p.faults = nil

	if err := p.prepareOutputDir(); err != nil {
		return nil, err
	}

	tests, q, err := p.read(ctx)
	if err != nil {
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"tests":    len(tests),
		"machines": len(p.machines),
		"dry_run":  p.cfg.Global.DryRun,
	}).Info("Starting run")

	var errs []error

	// Stages after the executor still run when the run is cancelled.
	finalCtx := context.WithoutCancel(ctx)

	setupErr := p.runStages(ctx, "setup", p.setup)
	if setupErr != nil {
		errs = append(errs, setupErr)
	}

	var notRunReason string

	switch {
	case setupErr != nil:
		log.WithError(setupErr).Error("Environment setup failed, skipping execution")

		notRunReason = "environment setup failed"
	case p.cfg.Global.DryRun:
		log.Info("Dry run, tests are not executed")

		notRunReason = "dry run"
	default:
		if err := p.execute(ctx, log, tests, q); err != nil {
			errs = append(errs, err)
		}

		notRunReason = "run stopped before the test was dispatched"
	}

	// Anything still queued never ran.
	p.markNotRun(q, notRunReason)

	if err := p.runStages(finalCtx, "cleanup", p.cleanup); err != nil {
		errs = append(errs, err)
	}

	results := &extension.Results{
		RunID:     runID,
		OutputDir: p.cfg.Global.OutputDir,
		DryRun:    p.cfg.Global.DryRun,
		Tests:     tests,
		Machines:  p.machines,
		Faults:    p.faults,
		Started:   started,
		Finished:  time.Now(),
	}

	p.logSummary(log, results)

	if err := p.report(finalCtx, results); err != nil {
		errs = append(errs, err)
	}

	if ctx.Err() != nil {
		errs = append(errs, fmt.Errorf("run cancelled: %w", ctx.Err()))
	}

	return results, errors.Join(errs...)
}

func (p *pipeline) prepareOutputDir() error {
	dir := p.cfg.Global.OutputDir

	if p.cfg.ShouldCleanOutputDir() {
		if err := fsutil.RecreateDir(dir, p.owner); err != nil {
			return fmt.Errorf("cleaning output directory: %w", err)
		}

		return nil
	}

	if err := fsutil.MkdirAll(dir, 0o755, p.owner); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	return nil
}

// read runs the reader stage and returns every queued test in read order
// together with the queue holding them.
func (p *pipeline) read(ctx context.Context) ([]*testcase.Test, *queue.WorkQueue, error) {
	q := queue.New(p.log)

	p.reader.SetQueue(q)

	if err := p.reader.Execute(ctx); err != nil {
		return nil, nil, fmt.Errorf("reader %s: %w", p.reader.Name(), err)
	}

	return q.PendingSnapshot(), q, nil
}

func (p *pipeline) runStages(ctx context.Context, kind string, stages []extension.Extension) error {
	var errs []error

	for _, stage := range stages {
		if aware, ok := stage.(extension.MachineAware); ok {
			aware.SetMachines(p.machines)
		}

		log := p.log.WithField("stage", stage.Name())
		log.Infof("Running environment %s", kind)

		if err := stage.Execute(ctx); err != nil {
			log.WithError(err).Errorf("Environment %s failed", kind)

			errs = append(errs, fmt.Errorf("%s %s: %w", kind, stage.Name(), err))

			// Setup stages depend on each other; cleanup stages do not.
			if kind == "setup" {
				break
			}
		}
	}

	return errors.Join(errs...)
}

func (p *pipeline) execute(ctx context.Context, log logrus.FieldLogger, tests []*testcase.Test, q *queue.WorkQueue) error {
	if err := p.dispatch(ctx, q); err != nil {
		return err
	}

	policy := retry.Policy{
		MaxRetries: p.cfg.Global.Retry,
		Threshold:  p.cfg.Global.RetryThreshold,
	}

	newQueue := func() *queue.WorkQueue {
		return queue.New(p.log)
	}

	summary, err := policy.Run(ctx, log, tests, newQueue, p.dispatch)
	if err != nil {
		return fmt.Errorf("retrying failed tests: %w", err)
	}

	if policy.Enabled() {
		log.WithFields(logrus.Fields{
			"rounds":    len(summary.Rounds),
			"recovered": summary.Recovered(),
			"reason":    summary.StopReason,
		}).Info("Retries finished")
	}

	return nil
}

func (p *pipeline) dispatch(ctx context.Context, q *queue.WorkQueue) error {
	result, err := p.dispatcher.Run(ctx, p.executor, p.machines, q)
	if result != nil {
		p.faults = append(p.faults, result.FaultErrors()...)

		for _, m := range result.Machines {
			p.log.WithFields(logrus.Fields{
				"machine":   m.Machine,
				"completed": m.Completed,
				"duration":  units.HumanDuration(m.Duration),
			}).Debug("Machine stats")
		}
	}

	if err != nil {
		return fmt.Errorf("dispatching tests: %w", err)
	}

	return nil
}

// markNotRun completes every test left in q with a NotRun run.
func (p *pipeline) markNotRun(q *queue.WorkQueue, reason string) {
	leftover := q.Drain()
	if len(leftover) == 0 {
		return
	}

	now := time.Now()

	for _, t := range leftover {
		t.AddRun(&testcase.Run{
			Result:      testcase.ResultNotRun,
			ErrorOutput: reason,
			StartedAt:   now,
		})

		// Drained tests are never nil.
		_ = q.AddCompleted(t)
	}

	p.log.WithFields(logrus.Fields{
		"tests":  len(leftover),
		"reason": reason,
	}).Warn("Tests were not run")
}

func (p *pipeline) report(ctx context.Context, results *extension.Results) error {
	var errs []error

	for _, reporter := range p.reporters {
		reporter.SetResults(results)

		if err := reporter.Execute(ctx); err != nil {
			p.log.WithError(err).WithField("reporter", reporter.Name()).Error("Reporter failed")

			errs = append(errs, fmt.Errorf("reporter %s: %w", reporter.Name(), err))
		}
	}

	return errors.Join(errs...)
}

func (p *pipeline) logSummary(log logrus.FieldLogger, results *extension.Results) {
	counts := results.Counts()

	fields := logrus.Fields{
		"tests":    len(results.Tests),
		"faults":   len(results.Faults),
		"duration": units.HumanDuration(results.Finished.Sub(results.Started)),
	}

	for _, res := range testcase.AllResults {
		if n := counts[res]; n > 0 {
			fields[string(res)] = n
		}
	}

	if results.Failed() {
		log.WithFields(fields).Warn("Run finished with failures")

		return
	}

	log.WithFields(fields).Info("Run finished")
}
