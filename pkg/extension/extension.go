package extension

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethpandaops/testcontroller/pkg/queue"
	"github.com/ethpandaops/testcontroller/pkg/testcase"
	"github.com/ethpandaops/testcontroller/pkg/topology"
	"github.com/sirupsen/logrus"
)

// Role identifies the pipeline stage an extension fills.
type Role string

const (
	RoleReader     Role = "reader"
	RoleEnvSetup   Role = "envsetup"
	RoleExecutor   Role = "executor"
	RoleEnvCleanup Role = "envcleanup"
	RoleReporter   Role = "reporter"
)

// Roles lists every role in pipeline order.
var Roles = []Role{RoleReader, RoleEnvSetup, RoleExecutor, RoleEnvCleanup, RoleReporter}

// ParseRole converts a role token into a Role.
func ParseRole(s string) (Role, error) {
	token := Role(strings.ToLower(strings.TrimSpace(s)))

	for _, r := range Roles {
		if r == token {
			return r, nil
		}
	}

	return "", fmt.Errorf("unknown role %q: %w", s, ErrInvalidArgument)
}

// Extension is the contract every pipeline stage satisfies.
// Execute returns nil on success.
type Extension interface {
	Name() string
	Role() Role
	Execute(ctx context.Context) error
}

// Reader fills the work queue with the tests to run.
type Reader interface {
	Extension
	SetQueue(q *queue.WorkQueue)
}

// Executor drains the work queue on one machine. The configured instance is
// a template: the dispatcher only executes clones bound to a machine.
type Executor interface {
	Extension
	CloneFor(machine topology.Machine, q *queue.WorkQueue) (Executor, error)
}

// Reporter consumes the aggregated results of a run.
type Reporter interface {
	Extension
	SetResults(results *Results)
}

// MachineAware is implemented by setup and cleanup stages that need to know
// which machines the run targets.
type MachineAware interface {
	SetMachines(machines []topology.Machine)
}

// Results is handed to every reporter once execution has finished.
type Results struct {
	RunID     string
	OutputDir string
	DryRun    bool
	Tests     []*testcase.Test
	Machines  []topology.Machine
	Faults    []error
	Started   time.Time
	Finished  time.Time
}

// Counts returns the number of tests per final classification.
func (r *Results) Counts() map[testcase.Result]int {
	counts := make(map[testcase.Result]int, len(testcase.AllResults))

	for _, t := range r.Tests {
		counts[t.FinalResult()]++
	}

	return counts
}

// Failed reports whether any test finished as Fail or Error, or any worker
// faulted.
func (r *Results) Failed() bool {
	if len(r.Faults) > 0 {
		return true
	}

	for _, t := range r.Tests {
		if t.FinalResult().Failed() {
			return true
		}
	}

	return false
}

// FactoryContext is passed to a Factory when instantiating an extension.
type FactoryContext struct {
	Role       Role
	ModulePath string
	Name       string
	Options    map[string]any
	Log        logrus.FieldLogger
	OutputDir  string
	TestFile   string
}

// Factory builds an extension. Modules export one under FactorySymbol.
type Factory func(fc FactoryContext) (Extension, error)

// FactorySymbol is the symbol a plugin module must export.
const FactorySymbol = "NewExtension"
