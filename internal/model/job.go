package model

import "time"

// Job is a unit of work consumed from a queue driver.
type Job struct {
	ID         string     `json:"id" yaml:"id"`
	Topic      string     `json:"topic" yaml:"topic"`
	Payload    []byte     `json:"payload,omitempty" yaml:"payload,omitempty"`
	EnqueuedAt time.Time  `json:"enqueued_at" yaml:"enqueued_at"`
	NotBefore  *time.Time `json:"not_before,omitempty" yaml:"not_before,omitempty"`
	Attempts   int        `json:"attempts,omitempty" yaml:"attempts,omitempty"`
}

// Delayed reports whether the job must not run before a time later than now.
func (j *Job) Delayed(now time.Time) bool {
	return j.NotBefore != nil && j.NotBefore.After(now)
}

// DeadLetter records a job that was dropped after exhausting its retries or failing routing.
type DeadLetter struct {
	SchemaVersion int       `yaml:"schema_version"`
	FileType      string    `yaml:"file_type"`
	JobID         string    `yaml:"job_id"`
	Topic         string    `yaml:"topic"`
	Payload       string    `yaml:"payload"`
	EnqueuedAt    time.Time `yaml:"enqueued_at"`
	Attempts      int       `yaml:"attempts"`
	Reason        string    `yaml:"reason"`
	FailedAt      time.Time `yaml:"failed_at"`
}
