package process

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"text/template"
	"time"

	"al.essio.dev/pkg/shellescape"
	"github.com/acarl005/stripansi"
	"github.com/docker/go-units"
	"github.com/ethpandaops/testcontroller/pkg/resultdoc"
	"github.com/ethpandaops/testcontroller/pkg/stats"
	"github.com/ethpandaops/testcontroller/pkg/testcase"
	"github.com/ethpandaops/testcontroller/pkg/topology"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	// DefaultGrace is added to the machine timeout before a runner is
	// considered hung.
	DefaultGrace = 60 * time.Second

	// DefaultArgs mimics the NUnit 2 console command line.
	DefaultArgs = "{{.Module}} /run:{{.Test}} /out:{{.TextOutput}} /xml:{{.ResultFile}} /timeout:{{.TimeoutMillis}}"

	// waitDelay bounds how long Wait blocks on output pipes held open by
	// orphaned descendants.
	waitDelay = 5 * time.Second

	maxNameLength  = 180
	nameHashLength = 8
)

// Invocation is the data available to argument templates.
type Invocation struct {
	Module        string
	Test          string
	Namespace     string
	Class         string
	Function      string
	TextOutput    string
	ResultFile    string
	TimeoutMillis int64
	Hostname      string
	Username      string
	Password      string
	Attempt       int
}

// Config configures a Runner.
type Config struct {
	// Command is the runner binary. Empty uses the machine's runner path.
	Command string
	// Args are text/template strings rendered per test.
	Args []string
	// OutputDir is used when the machine has no output path.
	OutputDir string
	// Grace is added to the machine timeout. Zero uses DefaultGrace.
	Grace time.Duration
	// LaunchRate limits launches per second. Zero disables the limit.
	LaunchRate float64
	// LaunchBurst is the limiter burst size.
	LaunchBurst int
	// OutputTailBytes bounds the captured stdout and stderr.
	OutputTailBytes int
	// SampleInterval is the resource sampling period of the runner process.
	// Zero uses the stats default, a negative value disables sampling.
	SampleInterval time.Duration
}

// Runner executes a single test as an external process.
type Runner interface {
	// RunOne runs the test on the machine, appends the resulting run to the
	// test and returns it. Failures are reported through the run, never as
	// an error.
	RunOne(ctx context.Context, t *testcase.Test, m topology.Machine) *testcase.Run
}

// NewRunner creates a new process runner.
func NewRunner(log logrus.FieldLogger, cfg Config) (Runner, error) {
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}

	if len(cfg.Args) == 0 {
		cfg.Args = strings.Fields(DefaultArgs)
	}

	templates := make([]*template.Template, 0, len(cfg.Args))

	for i, arg := range cfg.Args {
		tmpl, err := template.New(fmt.Sprintf("arg%d", i)).
			Option("missingkey=error").
			Parse(arg)
		if err != nil {
			return nil, fmt.Errorf("parsing argument %d %q: %w", i, arg, err)
		}

		templates = append(templates, tmpl)
	}

	var limiter *rate.Limiter

	if cfg.LaunchRate > 0 {
		burst := cfg.LaunchBurst
		if burst <= 0 {
			burst = 1
		}

		limiter = rate.NewLimiter(rate.Limit(cfg.LaunchRate), burst)
	}

	return &runner{
		log:       log.WithField("component", "process"),
		cfg:       cfg,
		templates: templates,
		limiter:   limiter,
		source:    localHostname(),
	}, nil
}

type runner struct {
	log       logrus.FieldLogger
	cfg       Config
	templates []*template.Template
	limiter   *rate.Limiter
	source    string
}

// Ensure interface compliance.
var _ Runner = (*runner)(nil)

func (r *runner) RunOne(ctx context.Context, t *testcase.Test, m topology.Machine) *testcase.Run {
	attempt := t.Attempts() + 1

	log := r.log.WithFields(logrus.Fields{
		"machine": m.Hostname,
		"test":    t.Name(),
		"attempt": attempt,
	})

	run := &testcase.Run{
		Result:          testcase.ResultError,
		ExecutionSource: r.source,
		ExecutionTarget: m.Hostname,
		Timeout:         m.Timeout,
		StartedAt:       time.Now(),
		Properties:      make(map[string]any, 2),
	}

	r.execute(ctx, log, t, m, attempt, run)

	t.AddRun(run)

	log.WithFields(logrus.Fields{
		"result":    run.Result,
		"duration":  units.HumanDuration(run.ExecutionTime),
		"timed_out": run.TimedOut,
	}).Info("Test finished")

	return run
}

func (r *runner) execute(
	ctx context.Context,
	log logrus.FieldLogger,
	t *testcase.Test,
	m topology.Machine,
	attempt int,
	run *testcase.Run,
) {
	fail := func(format string, args ...any) {
		run.Result = testcase.ResultError
		run.ErrorOutput = fmt.Sprintf(format, args...)
		run.ExecutionTime = time.Since(run.StartedAt)

		log.WithField("reason", run.ErrorOutput).Warn("Test errored")
	}

	inv, err := r.invocation(t, m, attempt)
	if err != nil {
		fail("preparing output: %v", err)

		return
	}

	run.OutputFile = inv.TextOutput
	run.ResultFile = inv.ResultFile

	// A document left by an earlier run must not be mistaken for this one.
	if err := os.Remove(inv.ResultFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fail("removing stale result document: %v", err)

		return
	}

	command := r.cfg.Command
	if command == "" {
		command = m.RunnerPath
	}

	if command == "" {
		fail("no runner command configured for %s", m.Hostname)

		return
	}

	args, err := r.renderArgs(inv)
	if err != nil {
		fail("rendering arguments: %v", err)

		return
	}

	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			run.Result = testcase.ResultNotRun
			run.ErrorOutput = fmt.Sprintf("waiting for launch slot: %v", err)

			return
		}
	}

	if err := ctx.Err(); err != nil {
		run.Result = testcase.ResultNotRun
		run.ErrorOutput = err.Error()

		return
	}

	stdout := newOutputBuffer(r.cfg.OutputTailBytes)
	stderr := newOutputBuffer(r.cfg.OutputTailBytes)

	cmd := exec.Command(command, args...) //nolint:gosec // command comes from configuration.
	cmd.Dir = m.WorkingDirectory
	cmd.Env = append(os.Environ(), m.EnvironmentList()...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = waitDelay
	configureCmd(cmd)

	log.WithField("command", r.redact(shellescape.QuoteCommand(append([]string{command}, args...)), m)).
		Info("Running test")

	run.StartedAt = time.Now()

	if err := cmd.Start(); err != nil {
		fail("starting runner: %v", err)

		return
	}

	sampler := r.startSampler(ctx, log, cmd.Process.Pid)

	done := make(chan error, 1)

	go func() {
		done <- cmd.Wait()
	}()

	deadline := time.NewTimer(m.Timeout + r.cfg.Grace)
	defer deadline.Stop()

	var (
		waitErr   error
		cancelled bool
	)

	select {
	case waitErr = <-done:
	case <-deadline.C:
		run.TimedOut = true

		log.WithField("limit", m.Timeout+r.cfg.Grace).Warn("Test timed out, terminating process tree")
		r.terminate(log, cmd)

		waitErr = <-done
	case <-ctx.Done():
		cancelled = true

		log.Warn("Run cancelled, terminating process tree")
		r.terminate(log, cmd)

		waitErr = <-done
	}

	run.ExecutionTime = time.Since(run.StartedAt)
	run.Output = stdout.String()
	run.ErrorOutput = stderr.String()

	r.recordUsage(log, run, sampler)

	if cmd.ProcessState != nil {
		run.Properties["exit_code"] = cmd.ProcessState.ExitCode()
	}

	if stdout.Total() > 0 {
		log.WithFields(logrus.Fields{
			"size":      units.HumanSize(float64(stdout.Total())),
			"truncated": stdout.Truncated(),
			"output":    stripansi.Strip(run.Output),
		}).Debug("Runner output")
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			log.WithError(waitErr).Debug("Runner wait returned an error")
		}
	}

	if cancelled {
		run.Result = testcase.ResultNotRun
		appendError(run, "run cancelled before the test finished")

		return
	}

	// A runner may hang after writing its document, so the document still
	// decides the result of a timed-out test.
	if run.TimedOut {
		appendError(run, fmt.Sprintf("test exceeded timeout of %s", m.Timeout+r.cfg.Grace))
	}

	r.classify(log, run)
}

// classify sets the result from the structured result document.
func (r *runner) classify(log logrus.FieldLogger, run *testcase.Run) {
	summary, err := resultdoc.ParseFile(run.ResultFile)
	if err != nil {
		run.Result = testcase.ResultError
		appendError(run, err.Error())

		log.WithError(err).Warn("No usable result document")

		return
	}

	if summary.Passed() {
		run.Result = testcase.ResultPass
	} else {
		run.Result = testcase.ResultFail
	}

	if summary.HasTime {
		run.ExecutionTime = summary.Time
	}

	run.Properties["errors"] = summary.Errors
	run.Properties["failures"] = summary.Failures
}

func (r *runner) startSampler(ctx context.Context, log logrus.FieldLogger, pid int) *stats.Sampler {
	if r.cfg.SampleInterval < 0 {
		return nil
	}

	reader, err := stats.NewReader(ctx, log, int32(pid)) //nolint:gosec // pids fit in int32
	if err != nil {
		log.WithError(err).Debug("Resource sampling unavailable")

		return nil
	}

	sampler := stats.NewSampler(log, reader, r.cfg.SampleInterval)
	sampler.Start(ctx)

	return sampler
}

// recordUsage stores the sampled resource usage of the runner process.
func (r *runner) recordUsage(log logrus.FieldLogger, run *testcase.Run, sampler *stats.Sampler) {
	if sampler == nil {
		return
	}

	usage, err := sampler.Stop()
	if err != nil {
		return
	}

	run.Properties["peak_memory_bytes"] = usage.PeakMemory
	run.Properties["cpu_usec"] = usage.Last.CPUUsage
	run.Properties["disk_read_bytes"] = usage.Last.DiskRead
	run.Properties["disk_write_bytes"] = usage.Last.DiskWrite

	log.WithFields(logrus.Fields{
		"peak_memory": units.BytesSize(float64(usage.PeakMemory)),
		"cpu":         (time.Duration(usage.Last.CPUUsage) * time.Microsecond).String(), //nolint:gosec // bounded by process lifetime
		"samples":     usage.Samples,
	}).Debug("Runner resource usage")
}

func (r *runner) terminate(log logrus.FieldLogger, cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	treeErr := killTree(ctx, cmd.Process.Pid)
	groupErr := killGroup(cmd.Process.Pid)

	if treeErr != nil && groupErr != nil {
		log.WithError(treeErr).Warn("Failed to terminate process tree")

		_ = cmd.Process.Kill()
	}
}

func (r *runner) invocation(t *testcase.Test, m topology.Machine, attempt int) (Invocation, error) {
	dir := m.OutputPath
	if dir == "" {
		dir = r.cfg.OutputDir
	}

	if dir == "" {
		dir = "."
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Invocation{}, fmt.Errorf("creating output directory: %w", err)
	}

	base := filepath.Join(dir, fileBase(t))
	if attempt > 1 {
		base += ".attempt" + strconv.Itoa(attempt)
	}

	inv := Invocation{
		Module:        t.Module,
		Test:          t.Name(),
		Namespace:     t.Namespace,
		Class:         t.Class,
		Function:      t.Function,
		TextOutput:    base + ".txt",
		ResultFile:    base + ".xml",
		TimeoutMillis: m.Timeout.Milliseconds(),
		Hostname:      m.Hostname,
		Attempt:       attempt,
	}

	if m.Credentials != nil {
		inv.Username = m.Credentials.Username
		inv.Password = m.Credentials.Password
	}

	return inv, nil
}

func (r *runner) renderArgs(inv Invocation) ([]string, error) {
	args := make([]string, 0, len(r.templates))

	var buf bytes.Buffer

	for _, tmpl := range r.templates {
		buf.Reset()

		if err := tmpl.Execute(&buf, inv); err != nil {
			return nil, err
		}

		args = append(args, buf.String())
	}

	return args, nil
}

func (r *runner) redact(s string, m topology.Machine) string {
	if m.Credentials == nil || m.Credentials.Password == "" {
		return s
	}

	return strings.ReplaceAll(s, m.Credentials.Password, "****")
}

func appendError(run *testcase.Run, msg string) {
	if run.ErrorOutput == "" {
		run.ErrorOutput = msg

		return
	}

	run.ErrorOutput = strings.TrimRight(run.ErrorOutput, "\n") + "\n" + msg
}

// fileBase returns a readable file name that is unique per module and test
// name, since SanitizeName alone maps distinct names to the same string.
func fileBase(t *testcase.Test) string {
	sum := sha256.Sum256([]byte(t.Module + "\x00" + t.Name()))

	return SanitizeName(t.Name()) + "." + hex.EncodeToString(sum[:])[:nameHashLength]
}

// SanitizeName turns a test name into a safe file name.
func SanitizeName(name string) string {
	var b strings.Builder

	b.Grow(len(name))

	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}

	out := strings.Trim(b.String(), ".")
	if out == "" {
		out = "test"
	}

	if len(out) > maxNameLength {
		out = out[:maxNameLength]
	}

	return out
}

func localHostname() string {
	if info, err := host.Info(); err == nil && info.Hostname != "" {
		return info.Hostname
	}

	if name, err := os.Hostname(); err == nil {
		return name
	}

	return "localhost"
}
