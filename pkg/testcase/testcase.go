package testcase

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Result is the classification of a single test attempt.
type Result string

const (
	ResultNotRun       Result = "notrun"
	ResultPass         Result = "pass"
	ResultFail         Result = "fail"
	ResultError        Result = "error"
	ResultIgnored      Result = "ignored"
	ResultInconclusive Result = "inconclusive"
)

// AllResults lists every classification in reporting order.
var AllResults = []Result{
	ResultPass,
	ResultFail,
	ResultError,
	ResultIgnored,
	ResultInconclusive,
	ResultNotRun,
}

// Failed reports whether the result should be considered for a retry.
func (r Result) Failed() bool {
	return r == ResultFail || r == ResultError
}

// Run is the outcome record of one execution attempt. It is never mutated
// after being appended to its test.
type Run struct {
	Result          Result         `json:"result" yaml:"result"`
	Output          string         `json:"output,omitempty" yaml:"output,omitempty"`
	ErrorOutput     string         `json:"error_output,omitempty" yaml:"error_output,omitempty"`
	OutputFile      string         `json:"output_file,omitempty" yaml:"output_file,omitempty"`
	ResultFile      string         `json:"result_file,omitempty" yaml:"result_file,omitempty"`
	ExecutionSource string         `json:"execution_source,omitempty" yaml:"execution_source,omitempty"`
	ExecutionTarget string         `json:"execution_target,omitempty" yaml:"execution_target,omitempty"`
	ExecutionTime   time.Duration  `json:"execution_time" yaml:"execution_time"`
	Timeout         time.Duration  `json:"timeout" yaml:"timeout"`
	TimedOut        bool           `json:"timed_out,omitempty" yaml:"timed_out,omitempty"`
	StartedAt       time.Time      `json:"started_at" yaml:"started_at"`
	Properties      map[string]any `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// Test is a single test to run together with the history of its attempts.
type Test struct {
	// Module is the path of the binary or assembly containing the test.
	Module    string
	Namespace string
	Class     string
	Function  string

	Properties map[string]any

	name string

	mu   sync.RWMutex
	runs []*Run
}

// New creates a test from its module path and fully qualified name, splitting
// the name into namespace, class and function segments.
func New(module, fullName string) *Test {
	ns, class, fn := ParseName(fullName)

	return &Test{
		Module:     module,
		Namespace:  ns,
		Class:      class,
		Function:   fn,
		Properties: make(map[string]any),
		name:       strings.TrimSpace(fullName),
	}
}

// Name returns the fully qualified test name. When namespace, class and
// function are all set the name is derived from them.
func (t *Test) Name() string {
	if t.name == "" && !isBlank(t.Namespace) && !isBlank(t.Class) && !isBlank(t.Function) {
		return fmt.Sprintf("%s.%s.%s", t.Namespace, t.Class, t.Function)
	}

	return t.name
}

// AddRun appends an attempt to the run history.
func (t *Test) AddRun(run *Run) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.runs = append(t.runs, run)
}

// Runs returns a copy of the run history, oldest first.
func (t *Test) Runs() []*Run {
	t.mu.RLock()
	defer t.mu.RUnlock()

	runs := make([]*Run, len(t.runs))
	copy(runs, t.runs)

	return runs
}

// Attempts returns the number of recorded runs.
func (t *Test) Attempts() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.runs)
}

// LastRun returns the latest attempt, or nil if the test never ran.
func (t *Test) LastRun() *Run {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.runs) == 0 {
		return nil
	}

	return t.runs[len(t.runs)-1]
}

// FinalResult returns the classification of the latest attempt.
func (t *Test) FinalResult() Result {
	if run := t.LastRun(); run != nil {
		return run.Result
	}

	return ResultNotRun
}

// ParseName splits a fully qualified name into namespace, class and function.
// The function starts at the first segment containing a parameter list, so
// "ns.Cls.Fn(1,'a.b')" keeps the dotted argument intact. A name with one
// segment only has a namespace; a name with two has a namespace and class.
func ParseName(fullName string) (namespace, class, function string) {
	fullName = strings.TrimSpace(fullName)
	if fullName == "" {
		return "", "", ""
	}

	parts := strings.Split(fullName, ".")
	namespace = parts[0]

	if len(parts) == 1 {
		return namespace, "", ""
	}

	idx := 1
	for ; idx < len(parts); idx++ {
		if strings.Contains(parts[idx], "(") {
			break
		}
	}

	if len(parts) == 2 {
		return namespace, parts[1], ""
	}

	// Without parameters the last segment is the function.
	if idx == len(parts) {
		idx = len(parts) - 1
	}

	class = strings.Join(parts[1:idx], ".")
	function = strings.Join(parts[idx:], ".")

	return namespace, class, function
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}
