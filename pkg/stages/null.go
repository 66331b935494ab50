package stages

import (
	"context"
	"time"

	"github.com/ethpandaops/testcontroller/pkg/extension"
	"github.com/ethpandaops/testcontroller/pkg/queue"
	"github.com/ethpandaops/testcontroller/pkg/testcase"
	"github.com/ethpandaops/testcontroller/pkg/topology"
	"github.com/sirupsen/logrus"
)

// nullStage takes on whatever role it is loaded for and does nothing. As an
// executor it marks every dequeued test as not run so the queue still drains.
type nullStage struct {
	base
	log     logrus.FieldLogger
	machine *topology.Machine
	queue   *queue.WorkQueue
}

// Ensure interface compliance.
var (
	_ extension.Reader       = (*nullStage)(nil)
	_ extension.Executor     = (*nullStage)(nil)
	_ extension.Reporter     = (*nullStage)(nil)
	_ extension.MachineAware = (*nullStage)(nil)
)

// NewNull builds a no-op extension for the requested role.
func NewNull(fc extension.FactoryContext) (extension.Extension, error) {
	return &nullStage{
		base: base{name: fc.Name, role: fc.Role},
		log:  fc.Log.WithField("component", "null"),
	}, nil
}

func (n *nullStage) Execute(ctx context.Context) error {
	if n.machine == nil || n.queue == nil {
		return nil
	}

	for ctx.Err() == nil {
		t, ok := n.queue.Dequeue()
		if !ok {
			return nil
		}

		t.AddRun(&testcase.Run{
			Result:          testcase.ResultNotRun,
			ExecutionTarget: n.machine.Hostname,
			StartedAt:       time.Now(),
		})

		if err := n.queue.AddCompleted(t); err != nil {
			return err
		}
	}

	return nil
}

func (n *nullStage) SetQueue(_ *queue.WorkQueue) {}

func (n *nullStage) SetResults(_ *extension.Results) {}

func (n *nullStage) SetMachines(_ []topology.Machine) {}

func (n *nullStage) CloneFor(machine topology.Machine, q *queue.WorkQueue) (extension.Executor, error) {
	return &nullStage{
		base:    n.base,
		log:     n.log.WithField("machine", machine.Hostname),
		machine: &machine,
		queue:   q,
	}, nil
}
