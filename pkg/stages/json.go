package stages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/ethpandaops/testcontroller/pkg/extension"
	"github.com/ethpandaops/testcontroller/pkg/fsutil"
	"github.com/ethpandaops/testcontroller/pkg/testcase"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Summary file names written by the json reporter.
const (
	SummaryJSONFile = "summary.json"
	SummaryYAMLFile = "summary.yaml"
)

// Summary is the machine readable report of a run.
type Summary struct {
	RunID    string         `json:"run_id" yaml:"run_id"`
	DryRun   bool           `json:"dry_run" yaml:"dry_run"`
	Started  time.Time      `json:"started" yaml:"started"`
	Finished time.Time      `json:"finished" yaml:"finished"`
	Passed   bool           `json:"passed" yaml:"passed"`
	Counts   map[string]int `json:"counts" yaml:"counts"`
	Machines []string       `json:"machines" yaml:"machines"`
	Faults   []string       `json:"faults,omitempty" yaml:"faults,omitempty"`
	Tests    []SummaryTest  `json:"tests" yaml:"tests"`
}

// SummaryTest is one test entry in a Summary.
type SummaryTest struct {
	Name   string          `json:"name" yaml:"name"`
	Module string          `json:"module" yaml:"module"`
	Result testcase.Result `json:"result" yaml:"result"`
	Runs   []*testcase.Run `json:"runs" yaml:"runs"`
}

// NewSummary converts run results into a Summary.
func NewSummary(r *extension.Results) *Summary {
	s := &Summary{
		RunID:    r.RunID,
		DryRun:   r.DryRun,
		Started:  r.Started,
		Finished: r.Finished,
		Passed:   !r.Failed(),
		Counts:   make(map[string]int, len(testcase.AllResults)),
		Machines: make([]string, 0, len(r.Machines)),
		Tests:    make([]SummaryTest, 0, len(r.Tests)),
	}

	for res, n := range r.Counts() {
		s.Counts[string(res)] = n
	}

	for _, m := range r.Machines {
		s.Machines = append(s.Machines, m.Hostname)
	}

	for _, err := range r.Faults {
		s.Faults = append(s.Faults, err.Error())
	}

	for _, t := range r.Tests {
		s.Tests = append(s.Tests, SummaryTest{
			Name:   t.Name(),
			Module: t.Module,
			Result: t.FinalResult(),
			Runs:   t.Runs(),
		})
	}

	return s
}

type jsonOptions struct {
	YAML        bool   `mapstructure:"yaml"`
	OutputOwner string `mapstructure:"output_owner"`
}

// jsonReporter writes the run summary into the output directory.
type jsonReporter struct {
	base
	log       logrus.FieldLogger
	opts      jsonOptions
	owner     *fsutil.Owner
	outputDir string
	results   *extension.Results
}

// Ensure interface compliance.
var _ extension.Reporter = (*jsonReporter)(nil)

// NewJSONReporter builds the summary file reporter.
func NewJSONReporter(fc extension.FactoryContext) (extension.Extension, error) {
	opts := jsonOptions{YAML: true}
	if err := decodeOptions(fc.Options, &opts); err != nil {
		return nil, err
	}

	owner, err := fsutil.ParseOwner(opts.OutputOwner)
	if err != nil {
		return nil, err
	}

	return &jsonReporter{
		base:      base{name: fc.Name, role: extension.RoleReporter},
		log:       fc.Log.WithField("component", "json-reporter"),
		opts:      opts,
		owner:     owner,
		outputDir: fc.OutputDir,
	}, nil
}

func (j *jsonReporter) SetResults(results *extension.Results) {
	j.results = results
}

func (j *jsonReporter) Execute(_ context.Context) error {
	if j.results == nil {
		return errors.New("no results to report")
	}

	dir := j.results.OutputDir
	if dir == "" {
		dir = j.outputDir
	}

	if err := fsutil.MkdirAll(dir, 0o755, j.owner); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	summary := NewSummary(j.results)

	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling summary: %w", err)
	}

	jsonPath := filepath.Join(dir, SummaryJSONFile)
	if err := fsutil.WriteFile(jsonPath, data, 0o644, j.owner); err != nil {
		return fmt.Errorf("writing %s: %w", SummaryJSONFile, err)
	}

	j.log.WithField("path", jsonPath).Info("Wrote summary")

	if !j.opts.YAML {
		return nil
	}

	data, err = yaml.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshaling summary yaml: %w", err)
	}

	yamlPath := filepath.Join(dir, SummaryYAMLFile)
	if err := fsutil.WriteFile(yamlPath, data, 0o644, j.owner); err != nil {
		return fmt.Errorf("writing %s: %w", SummaryYAMLFile, err)
	}

	j.log.WithField("path", yamlPath).Info("Wrote summary")

	return nil
}
