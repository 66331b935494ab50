package stages

import (
	"context"
	"fmt"
	"time"

	"github.com/ethpandaops/testcontroller/pkg/extension"
	"github.com/ethpandaops/testcontroller/pkg/process"
	"github.com/ethpandaops/testcontroller/pkg/queue"
	"github.com/ethpandaops/testcontroller/pkg/topology"
	"github.com/sirupsen/logrus"
)

type processOptions struct {
	Command         string        `mapstructure:"command"`
	Args            []string      `mapstructure:"args"`
	Grace           time.Duration `mapstructure:"grace"`
	LaunchRate      float64       `mapstructure:"launch_rate"`
	LaunchBurst     int           `mapstructure:"launch_burst"`
	OutputTailBytes int           `mapstructure:"output_tail_bytes"`
	SampleInterval  time.Duration `mapstructure:"sample_interval"`
}

// processExecutor runs every dequeued test through a process runner bound to
// one machine. The instance returned by the factory is only a template.
type processExecutor struct {
	base
	log     logrus.FieldLogger
	cfg     process.Config
	machine *topology.Machine
	queue   *queue.WorkQueue
	runner  process.Runner
}

// Ensure interface compliance.
var _ extension.Executor = (*processExecutor)(nil)

// NewProcessExecutor builds the process executor template.
func NewProcessExecutor(fc extension.FactoryContext) (extension.Extension, error) {
	var opts processOptions
	if err := decodeOptions(splitArgs(fc.Options), &opts); err != nil {
		return nil, err
	}

	cfg := process.Config{
		Command:         opts.Command,
		Args:            opts.Args,
		OutputDir:       fc.OutputDir,
		Grace:           opts.Grace,
		LaunchRate:      opts.LaunchRate,
		LaunchBurst:     opts.LaunchBurst,
		OutputTailBytes: opts.OutputTailBytes,
		SampleInterval:  opts.SampleInterval,
	}

	// Parse the argument templates once so bad options fail at load time.
	if _, err := process.NewRunner(fc.Log, cfg); err != nil {
		return nil, err
	}

	return &processExecutor{
		base: base{name: fc.Name, role: extension.RoleExecutor},
		log:  fc.Log.WithField("component", "process-executor"),
		cfg:  cfg,
	}, nil
}

func (p *processExecutor) CloneFor(machine topology.Machine, q *queue.WorkQueue) (extension.Executor, error) {
	if q == nil {
		return nil, fmt.Errorf("nil queue: %w", extension.ErrInvalidArgument)
	}

	log := p.log.WithField("machine", machine.Hostname)

	runner, err := process.NewRunner(log, p.cfg)
	if err != nil {
		return nil, fmt.Errorf("creating runner: %w", err)
	}

	return &processExecutor{
		base:    p.base,
		log:     log,
		cfg:     p.cfg,
		machine: &machine,
		queue:   q,
		runner:  runner,
	}, nil
}

func (p *processExecutor) Execute(ctx context.Context) error {
	if p.machine == nil || p.queue == nil {
		return errTemplateExecuted
	}

	executed := 0

	for {
		if ctx.Err() != nil {
			p.log.WithField("tests", executed).Warn("Stopping, run cancelled")

			return nil
		}

		t, ok := p.queue.Dequeue()
		if !ok {
			break
		}

		p.runner.RunOne(ctx, t, *p.machine)

		if err := p.queue.AddCompleted(t); err != nil {
			return fmt.Errorf("completing %s: %w", t.Name(), err)
		}

		executed++
	}

	p.log.WithField("tests", executed).Info("Machine finished")

	return nil
}
