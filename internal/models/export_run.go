package models

import "time"

type RunStatus string

const (
	RunQueued  RunStatus = "QUEUED"
	RunRunning RunStatus = "RUNNING"
	RunDone    RunStatus = "DONE"
	RunFailed  RunStatus = "FAILED"
)

// ExportRun is a queued bulk export and, once finished, its summary.
type ExportRun struct {
	ID         string        `json:"id"`
	RecordType RecordType    `json:"record_type"`
	RecordIDs  []string      `json:"record_ids"`
	Period     Period        `json:"period"`
	Status     RunStatus     `json:"status"`
	Succeeded  int           `json:"succeeded"`
	Failed     int           `json:"failed"`
	ArchiveKey string        `json:"archive_key,omitempty"`
	Failures   []FailureView `json:"failures,omitempty"`
	Error      string        `json:"error,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	StartedAt  *time.Time    `json:"started_at,omitempty"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
}

// Finished reports whether the run reached a terminal status.
func (r *ExportRun) Finished() bool {
	return r.Status == RunDone || r.Status == RunFailed
}
