package stages

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/docker/go-units"
	"github.com/ethpandaops/testcontroller/pkg/extension"
	"github.com/ethpandaops/testcontroller/pkg/testcase"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/sirupsen/logrus"
)

type consoleOptions struct {
	Color bool `mapstructure:"color"`
}

// consoleReporter prints a summary table of the run.
type consoleReporter struct {
	base
	log     logrus.FieldLogger
	opts    consoleOptions
	out     io.Writer
	results *extension.Results
}

// Ensure interface compliance.
var _ extension.Reporter = (*consoleReporter)(nil)

// NewConsoleReporter builds the console summary reporter.
func NewConsoleReporter(fc extension.FactoryContext) (extension.Extension, error) {
	opts := consoleOptions{Color: true}
	if err := decodeOptions(fc.Options, &opts); err != nil {
		return nil, err
	}

	return &consoleReporter{
		base: base{name: fc.Name, role: extension.RoleReporter},
		log:  fc.Log.WithField("component", "console-reporter"),
		opts: opts,
		out:  os.Stdout,
	}, nil
}

func (c *consoleReporter) SetResults(results *extension.Results) {
	c.results = results
}

func (c *consoleReporter) Execute(_ context.Context) error {
	if c.results == nil {
		return errors.New("no results to report")
	}

	r := c.results
	counts := r.Counts()

	t := table.NewWriter()
	t.SetOutputMirror(c.out)
	t.SetTitle(fmt.Sprintf("Test Results (%s)", units.HumanDuration(r.Finished.Sub(r.Started))))
	t.AppendHeader(table.Row{"Test", "Module", "Result", "Attempts", "Machine", "Duration"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Attempts", Align: text.AlignRight},
		{Name: "Duration", Align: text.AlignRight},
	})

	for _, test := range r.Tests {
		result := test.FinalResult()
		if !result.Failed() {
			continue
		}

		machine, duration := "", ""
		if run := test.LastRun(); run != nil {
			machine = run.ExecutionTarget
			duration = run.ExecutionTime.String()
		}

		t.AppendRow(table.Row{test.Name(), test.Module, string(result), test.Attempts(), machine, duration})
	}

	if len(r.Faults) > 0 {
		t.AppendSeparator()

		for _, err := range r.Faults {
			t.AppendRow(table.Row{"fault", "", "", "", "", err.Error()})
		}
	}

	summary := make([]string, 0, len(testcase.AllResults))
	for _, res := range testcase.AllResults {
		if n := counts[res]; n > 0 {
			summary = append(summary, fmt.Sprintf("%s: %d", res, n))
		}
	}

	if c.opts.Color {
		switch {
		case len(r.Faults) > 0 || counts[testcase.ResultError] > 0:
			t.SetStyle(table.StyleColoredBlackOnRedWhite)
		case counts[testcase.ResultFail] > 0:
			t.SetStyle(table.StyleColoredBlackOnYellowWhite)
		default:
			t.SetStyle(table.StyleColoredBlackOnGreenWhite)
		}
	}

	t.AppendFooter(table.Row{
		fmt.Sprintf("TOTAL: %d", len(r.Tests)),
		strings.Join(summary, ", "),
		"", "",
		fmt.Sprintf("machines: %d", len(r.Machines)),
		fmt.Sprintf("faults: %d", len(r.Faults)),
	})

	t.Render()

	c.log.WithField("tests", len(r.Tests)).Debug("Printed summary")

	return nil
}
