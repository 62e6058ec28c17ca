package models

import (
	"path"
	"sync"
)

// Job is one record to render. Jobs are built once per dispatch and never
// modified afterwards.
type Job struct {
	RecordType RecordType
	Record     Record
	// OutputKey is <group>/<stem>.png relative to the run directory.
	OutputKey string
	Period    Period
}

// Group is the directory part of OutputKey.
func (j Job) Group() string {
	return path.Dir(j.OutputKey)
}

// Chunk is a batch of jobs run sequentially by one worker unit. Attempt
// counts how many times the chunk was requeued after a unit failure.
type Chunk struct {
	ID      string
	Jobs    []Job
	Attempt int
}

// Failure is a job that produced no artifact.
type Failure struct {
	Job Job
	Err error
}

// FailureView is the serializable form of a Failure.
type FailureView struct {
	RecordID  string `json:"record_id"`
	OutputKey string `json:"output_key"`
	Code      string `json:"code"`
	Error     string `json:"error"`
}

// ResultSet accumulates artifact paths and failures from concurrent units.
// It is append-only.
type ResultSet struct {
	mu       sync.Mutex
	paths    []string
	failures []Failure
}

func (r *ResultSet) AddPaths(paths ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, paths...)
}

func (r *ResultSet) AddFailures(failures ...Failure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, failures...)
}

// Snapshot returns copies of the collected paths and failures.
func (r *ResultSet) Snapshot() ([]string, []Failure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	paths := make([]string, len(r.paths))
	copy(paths, r.paths)
	failures := make([]Failure, len(r.failures))
	copy(failures, r.failures)
	return paths, failures
}

func (r *ResultSet) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.paths) + len(r.failures)
}
