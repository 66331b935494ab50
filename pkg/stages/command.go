package stages

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"al.essio.dev/pkg/shellescape"
	"github.com/acarl005/stripansi"
	"github.com/ethpandaops/testcontroller/pkg/extension"
	"github.com/ethpandaops/testcontroller/pkg/topology"
	"github.com/sirupsen/logrus"
)

const (
	defaultCommandTimeout = 5 * time.Minute
	commandWaitDelay      = 5 * time.Second
)

// Environment variables exported to setup and cleanup commands.
const (
	EnvMachines  = "TESTCONTROLLER_MACHINES"
	EnvOutputDir = "TESTCONTROLLER_OUTPUT_DIR"
)

type commandOptions struct {
	Command string            `mapstructure:"command"`
	Args    []string          `mapstructure:"args"`
	Timeout time.Duration     `mapstructure:"timeout"`
	Dir     string            `mapstructure:"dir"`
	Env     map[string]string `mapstructure:"env"`
}

// commandStage prepares or tears down the environment by running a command.
type commandStage struct {
	base
	log       logrus.FieldLogger
	opts      commandOptions
	outputDir string
	machines  []topology.Machine
}

// Ensure interface compliance.
var (
	_ extension.Extension    = (*commandStage)(nil)
	_ extension.MachineAware = (*commandStage)(nil)
)

// NewCommand builds an environment setup or cleanup stage.
func NewCommand(fc extension.FactoryContext) (extension.Extension, error) {
	if fc.Role != extension.RoleEnvSetup && fc.Role != extension.RoleEnvCleanup {
		return nil, fmt.Errorf("command cannot act as %s: %w", fc.Role, extension.ErrInvalidArgument)
	}

	var opts commandOptions
	if err := decodeOptions(splitArgs(fc.Options), &opts); err != nil {
		return nil, err
	}

	if strings.TrimSpace(opts.Command) == "" {
		return nil, errors.New("command option is required")
	}

	if opts.Timeout <= 0 {
		opts.Timeout = defaultCommandTimeout
	}

	return &commandStage{
		base:      base{name: fc.Name, role: fc.Role},
		log:       fc.Log.WithField("component", string(fc.Role)),
		opts:      opts,
		outputDir: fc.OutputDir,
	}, nil
}

func (c *commandStage) SetMachines(machines []topology.Machine) {
	c.machines = machines
}

func (c *commandStage) Execute(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	//nolint:gosec // command comes from the operator's configuration
	cmd := exec.CommandContext(ctx, c.opts.Command, c.opts.Args...)
	cmd.Dir = c.opts.Dir
	cmd.Env = append(os.Environ(), c.environment()...)
	cmd.WaitDelay = commandWaitDelay

	var stdout, stderr bytes.Buffer

	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log := c.log.WithField("cmd", shellescape.QuoteCommand(append([]string{c.opts.Command}, c.opts.Args...)))
	log.Info("Running command")

	start := time.Now()
	err := cmd.Run()

	log = log.WithField("duration", time.Since(start).Round(time.Millisecond))

	if out := strings.TrimSpace(stripansi.Strip(stdout.String())); out != "" {
		log.WithField("output", out).Debug("Command output")
	}

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("command exceeded timeout of %s", c.opts.Timeout)
		}

		if msg := strings.TrimSpace(stripansi.Strip(stderr.String())); msg != "" {
			return fmt.Errorf("running %s: %w: %s", c.opts.Command, err, msg)
		}

		return fmt.Errorf("running %s: %w", c.opts.Command, err)
	}

	log.Info("Command finished")

	return nil
}

func (c *commandStage) environment() []string {
	hosts := make([]string, 0, len(c.machines))
	for _, m := range c.machines {
		hosts = append(hosts, m.Hostname)
	}

	env := []string{
		EnvMachines + "=" + strings.Join(hosts, ","),
		EnvOutputDir + "=" + c.outputDir,
	}

	keys := make([]string, 0, len(c.opts.Env))
	for k := range c.opts.Env {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	for _, k := range keys {
		env = append(env, k+"="+c.opts.Env[k])
	}

	return env
}
