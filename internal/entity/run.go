package entity

import "time"

type RunStatus string

const (
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// RunReport summarizes one crawl run of a source.
type RunReport struct {
	RunID      string    `json:"runId"`
	Source     string    `json:"source"`
	Status     RunStatus `json:"status"`
	Attempts   int       `json:"attempts"`
	Extracted  int       `json:"extracted"`
	Enriched   int       `json:"enriched"`
	New        int       `json:"new"`
	Updated    int       `json:"updated"`
	Unchanged  int       `json:"unchanged"`
	Skipped    int       `json:"skipped"`
	Published  int       `json:"published"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}
