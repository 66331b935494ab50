package stages

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethpandaops/testcontroller/pkg/extension"
	"github.com/ethpandaops/testcontroller/pkg/store"
	"github.com/ethpandaops/testcontroller/pkg/testcase"
	"github.com/sirupsen/logrus"
)

// databaseReporter records the run in the run history database.
type databaseReporter struct {
	base
	log     logrus.FieldLogger
	cfg     *store.Config
	results *extension.Results
}

// Ensure interface compliance.
var _ extension.Reporter = (*databaseReporter)(nil)

// NewDatabaseReporter builds the run history reporter.
func NewDatabaseReporter(fc extension.FactoryContext) (extension.Extension, error) {
	var cfg store.Config
	if err := decodeOptions(fc.Options, &cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	return &databaseReporter{
		base: base{name: fc.Name, role: extension.RoleReporter},
		log:  fc.Log.WithField("component", "database-reporter"),
		cfg:  &cfg,
	}, nil
}

func (d *databaseReporter) SetResults(results *extension.Results) {
	d.results = results
}

func (d *databaseReporter) Execute(ctx context.Context) error {
	if d.results == nil {
		return errors.New("no results to report")
	}

	s := store.NewStore(d.log, d.cfg)
	if err := s.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	defer func() {
		if err := s.Stop(); err != nil {
			d.log.WithError(err).Warn("Failed to close store")
		}
	}()

	record := NewRunRecord(d.results)
	if err := s.SaveRun(ctx, record); err != nil {
		return fmt.Errorf("saving run: %w", err)
	}

	d.log.WithFields(logrus.Fields{
		"run_id": record.RunID,
		"tests":  len(record.Tests),
	}).Info("Recorded run")

	return nil
}

// NewRunRecord converts run results into a store record.
func NewRunRecord(r *extension.Results) *store.RunRecord {
	counts := r.Counts()

	record := &store.RunRecord{
		RunID:      r.RunID,
		StartedAt:  r.Started,
		FinishedAt: r.Finished,
		DryRun:     r.DryRun,
		Total:      len(r.Tests),
		Passed:     counts[testcase.ResultPass],
		Failed:     counts[testcase.ResultFail],
		Errored:    counts[testcase.ResultError],
		NotRun:     counts[testcase.ResultNotRun],
		Faults:     len(r.Faults),
		Tests:      make([]store.TestRecord, 0, len(r.Tests)),
	}

	for _, t := range r.Tests {
		tr := store.TestRecord{
			Module:   t.Module,
			Name:     t.Name(),
			Result:   string(t.FinalResult()),
			Attempts: t.Attempts(),
		}

		if run := t.LastRun(); run != nil {
			tr.Machine = run.ExecutionTarget
			tr.DurationMs = run.ExecutionTime.Milliseconds()
			tr.TimedOut = run.TimedOut
		}

		record.Tests = append(record.Tests, tr)
	}

	return record
}
