package store

import (
	"time"
)

// RunRecord is one pipeline run.
type RunRecord struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	RunID      string    `gorm:"uniqueIndex;not null" json:"run_id"`
	StartedAt  time.Time `gorm:"not null" json:"started_at"`
	FinishedAt time.Time `gorm:"not null" json:"finished_at"`
	DryRun     bool      `json:"dry_run"`
	Total      int       `json:"total"`
	Passed     int       `json:"passed"`
	Failed     int       `json:"failed"`
	Errored    int       `json:"errored"`
	NotRun     int       `json:"not_run"`
	Faults     int       `json:"faults"`
	CreatedAt  time.Time `json:"created_at"`

	Tests []TestRecord `gorm:"foreignKey:RunRecordID;constraint:OnDelete:CASCADE" json:"tests,omitempty"`
}

// TestRecord is the final outcome of one test within a run.
type TestRecord struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	RunRecordID uint   `gorm:"index;not null" json:"-"`
	Module      string `gorm:"not null" json:"module"`
	Name        string `gorm:"index;not null" json:"name"`
	Result      string `gorm:"not null" json:"result"`
	Attempts    int    `json:"attempts"`
	Machine     string `json:"machine"`
	DurationMs  int64  `json:"duration_ms"`
	TimedOut    bool   `json:"timed_out"`
}
