package stages

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/ethpandaops/testcontroller/pkg/extension"
	"github.com/ethpandaops/testcontroller/pkg/queue"
	"github.com/ethpandaops/testcontroller/pkg/testcase"
	"github.com/ethpandaops/testcontroller/pkg/topology"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func skipOnWindows(t *testing.T) {
	t.Helper()

	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not supported on windows")
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "script.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))

	return path
}

func factoryContext(t *testing.T, role extension.Role, options map[string]any) extension.FactoryContext {
	t.Helper()

	log, _ := logtest.NewNullLogger()

	return extension.FactoryContext{
		Role:      role,
		Name:      "test",
		Options:   options,
		Log:       log,
		OutputDir: t.TempDir(),
	}
}

func newQueue() *queue.WorkQueue {
	log, _ := logtest.NewNullLogger()

	return queue.New(log)
}

func machine(hostname string) topology.Machine {
	return topology.Machine{Hostname: hostname, Timeout: 10 * time.Second}
}

func TestRegister(t *testing.T) {
	log, _ := logtest.NewNullLogger()
	dir := extension.NewDirectory(log)

	require.NoError(t, Register(dir))

	assert.Equal(t, []string{
		ModuleCommand,
		ModuleConsole,
		ModuleDatabase,
		ModuleJSON,
		ModuleLines,
		ModuleMetrics,
		ModuleNull,
		ModuleProcess,
		ModuleS3,
	}, dir.Modules())

	ext, err := dir.Load(context.Background(), ModuleLines, extension.RoleReader, extension.LoadOptions{})
	require.NoError(t, err)
	assert.Implements(t, (*extension.Reader)(nil), ext)
	assert.Equal(t, ModuleLines, ext.Name())

	_, err = dir.Load(context.Background(), ModuleLines, extension.RoleReporter, extension.LoadOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, extension.ErrRoleMismatch)
}

func TestNull_AnyRole(t *testing.T) {
	for _, role := range extension.Roles {
		t.Run(string(role), func(t *testing.T) {
			ext, err := NewNull(factoryContext(t, role, nil))
			require.NoError(t, err)

			assert.Equal(t, role, ext.Role())
			assert.NoError(t, ext.Execute(context.Background()))
		})
	}
}

func TestNull_ExecutorDrainsQueue(t *testing.T) {
	ext, err := NewNull(factoryContext(t, extension.RoleExecutor, nil))
	require.NoError(t, err)

	q := newQueue()
	for _, name := range []string{"A", "B", "C"} {
		require.NoError(t, q.Enqueue(testcase.New("tests.dll", "NS.Class."+name)))
	}

	clone, err := ext.(extension.Executor).CloneFor(machine("host-1"), q)
	require.NoError(t, err)
	require.NoError(t, clone.Execute(context.Background()))

	assert.Equal(t, 0, q.Pending())
	require.Equal(t, 3, q.Completed())

	for _, test := range q.CompletedSnapshot() {
		assert.Equal(t, testcase.ResultNotRun, test.FinalResult())
		assert.Equal(t, "host-1", test.LastRun().ExecutionTarget)
	}
}

func TestDecodeOptions(t *testing.T) {
	var opts processOptions

	err := decodeOptions(splitArgs(map[string]any{
		"command":      "nunit-console",
		"args":         "{{.Module}} /run:{{.Test}}",
		"grace":        "30s",
		"launch_rate":  "2.5",
		"launch_burst": 3,
	}), &opts)
	require.NoError(t, err)

	assert.Equal(t, "nunit-console", opts.Command)
	assert.Equal(t, []string{"{{.Module}}", "/run:{{.Test}}"}, opts.Args)
	assert.Equal(t, 30*time.Second, opts.Grace)
	assert.InDelta(t, 2.5, opts.LaunchRate, 0.001)
	assert.Equal(t, 3, opts.LaunchBurst)

	err = decodeOptions(map[string]any{"comand": "typo"}, &opts)
	assert.Error(t, err)
}

func TestProcessExecutor_TemplateCannotExecute(t *testing.T) {
	ext, err := NewProcessExecutor(factoryContext(t, extension.RoleExecutor, map[string]any{"command": "true"}))
	require.NoError(t, err)

	assert.ErrorIs(t, ext.Execute(context.Background()), errTemplateExecuted)
}

func TestProcessExecutor_InvalidOptions(t *testing.T) {
	tests := []struct {
		name    string
		options map[string]any
	}{
		{name: "unknown option", options: map[string]any{"bogus": true}},
		{name: "bad template", options: map[string]any{"args": []any{"{{.Module"}}},
		{name: "bad grace", options: map[string]any{"grace": "soon"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewProcessExecutor(factoryContext(t, extension.RoleExecutor, tt.options))
			assert.Error(t, err)
		})
	}
}

func TestProcessExecutor_RunsQueue(t *testing.T) {
	skipOnWindows(t)

	script := writeScript(t, `case "$2" in
  *Fail) echo '<testsuite errors="0" failures="1" time="0.2"/>' > "$1" ;;
  *) echo '<testsuite errors="0" failures="0" time="0.1"/>' > "$1" ;;
esac
`)

	fc := factoryContext(t, extension.RoleExecutor, map[string]any{
		"command": script,
		"args":    "{{.ResultFile}} {{.Test}}",
	})

	ext, err := NewProcessExecutor(fc)
	require.NoError(t, err)

	q := newQueue()
	require.NoError(t, q.Enqueue(testcase.New("tests.dll", "NS.Class.Pass")))
	require.NoError(t, q.Enqueue(testcase.New("tests.dll", "NS.Class.Fail")))

	clone, err := ext.(extension.Executor).CloneFor(machine("host-1"), q)
	require.NoError(t, err)
	require.NoError(t, clone.Execute(context.Background()))

	results := make(map[string]testcase.Result)
	for _, test := range q.CompletedSnapshot() {
		results[test.Name()] = test.FinalResult()
	}

	assert.Equal(t, map[string]testcase.Result{
		"NS.Class.Pass": testcase.ResultPass,
		"NS.Class.Fail": testcase.ResultFail,
	}, results)
}

func TestProcessExecutor_StopsOnCancel(t *testing.T) {
	ext, err := NewProcessExecutor(factoryContext(t, extension.RoleExecutor, map[string]any{"command": "true"}))
	require.NoError(t, err)

	q := newQueue()
	require.NoError(t, q.Enqueue(testcase.New("tests.dll", "NS.Class.A")))

	clone, err := ext.(extension.Executor).CloneFor(machine("host-1"), q)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, clone.Execute(ctx))
	assert.Equal(t, 1, q.Pending())
	assert.Equal(t, 0, q.Completed())
}

func TestCommand_RoleValidation(t *testing.T) {
	for _, role := range []extension.Role{extension.RoleReader, extension.RoleExecutor, extension.RoleReporter} {
		_, err := NewCommand(factoryContext(t, role, map[string]any{"command": "true"}))
		assert.ErrorIs(t, err, extension.ErrInvalidArgument, role)
	}

	_, err := NewCommand(factoryContext(t, extension.RoleEnvSetup, nil))
	assert.Error(t, err)
}

func TestCommand_Execute(t *testing.T) {
	skipOnWindows(t)

	out := filepath.Join(t.TempDir(), "env.txt")

	tests := []struct {
		name    string
		script  string
		timeout string
		wantErr string
	}{
		{name: "success", script: "exit 0\n"},
		{name: "non-zero exit", script: "echo broken >&2\nexit 3\n", wantErr: "broken"},
		{name: "timeout", script: "exec sleep 5\n", timeout: "200ms", wantErr: "exceeded timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			options := map[string]any{"command": writeScript(t, tt.script)}
			if tt.timeout != "" {
				options["timeout"] = tt.timeout
			}

			ext, err := NewCommand(factoryContext(t, extension.RoleEnvSetup, options))
			require.NoError(t, err)

			err = ext.Execute(context.Background())
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)

				return
			}

			assert.NoError(t, err)
		})
	}

	t.Run("environment", func(t *testing.T) {
		script := writeScript(t, `echo "$`+EnvMachines+` $EXTRA $1" > "`+out+`"`)

		ext, err := NewCommand(factoryContext(t, extension.RoleEnvCleanup, map[string]any{
			"command": script,
			"args":    "first",
			"env":     map[string]any{"EXTRA": "extra"},
		}))
		require.NoError(t, err)

		ext.(extension.MachineAware).SetMachines([]topology.Machine{machine("host-1"), machine("host-2")})
		require.NoError(t, ext.Execute(context.Background()))

		data, err := os.ReadFile(out)
		require.NoError(t, err)
		assert.Equal(t, "host-1,host-2 extra first", strings.TrimSpace(string(data)))
	})
}
