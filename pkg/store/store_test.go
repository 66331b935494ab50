package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteStore(t *testing.T) Store {
	t.Helper()

	log, _ := logtest.NewNullLogger()

	s := NewStore(log, &Config{
		Driver: "sqlite",
		SQLite: SQLiteConfig{Path: filepath.Join(t.TempDir(), "history.db")},
	})

	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop() })

	return s
}

func record(runID string, started time.Time, results ...string) *RunRecord {
	run := &RunRecord{
		RunID:      runID,
		StartedAt:  started,
		FinishedAt: started.Add(time.Minute),
		Total:      len(results),
	}

	for i, r := range results {
		run.Tests = append(run.Tests, TestRecord{
			Module:   "tests.dll",
			Name:     "NS.Class.T" + string(rune('A'+i)),
			Result:   r,
			Attempts: 1,
			Machine:  "host-1",
		})
	}

	return run
}

func TestStore_SaveAndGetRun(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	started := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.SaveRun(ctx, record("run-1", started, "pass", "fail")))

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)

	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, 2, got.Total)
	require.Len(t, got.Tests, 2)
	assert.Equal(t, "NS.Class.TA", got.Tests[0].Name)
	assert.Equal(t, "fail", got.Tests[1].Result)
}

func TestStore_GetRunNotFound(t *testing.T) {
	s := newSQLiteStore(t)

	_, err := s.GetRun(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_DuplicateRunID(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveRun(ctx, record("run-1", time.Now())))
	assert.Error(t, s.SaveRun(ctx, record("run-1", time.Now())))
}

func TestStore_ListRunsAndHistory(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.SaveRun(ctx, record("run-1", base, "fail")))
	require.NoError(t, s.SaveRun(ctx, record("run-2", base.Add(time.Hour), "pass")))
	require.NoError(t, s.SaveRun(ctx, record("run-3", base.Add(2*time.Hour), "error")))

	runs, err := s.ListRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-3", runs[0].RunID)
	assert.Equal(t, "run-2", runs[1].RunID)

	history, err := s.TestHistory(ctx, "NS.Class.TA", 0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "error", history[0].Result)
	assert.Equal(t, "fail", history[2].Result)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "sqlite", cfg: Config{Driver: "sqlite", SQLite: SQLiteConfig{Path: "x.db"}}},
		{name: "sqlite without path", cfg: Config{Driver: "sqlite"}, wantErr: true},
		{
			name: "postgres",
			cfg:  Config{Driver: "postgres", Postgres: PostgresConfig{Host: "db", Database: "tc"}},
		},
		{name: "postgres without host", cfg: Config{Driver: "postgres"}, wantErr: true},
		{name: "unknown driver", cfg: Config{Driver: "mysql"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)

				return
			}

			assert.NoError(t, err)
		})
	}
}

func TestStart_UnsupportedDriver(t *testing.T) {
	log, _ := logtest.NewNullLogger()

	s := NewStore(log, &Config{Driver: "mysql"})
	assert.Error(t, s.Start(context.Background()))
	assert.NoError(t, s.Stop())
}
