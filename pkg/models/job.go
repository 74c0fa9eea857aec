package models

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a mosaic generation job. The statuses
// form a total order for forward progress; external callbacks may only move a
// job to a later status.
type JobStatus string

const (
	JobCreated          JobStatus = "created"
	JobSubmitted        JobStatus = "submitted"
	JobProcessing       JobStatus = "processing"
	JobGeneratedPreview JobStatus = "generated_preview"
	JobFinished         JobStatus = "finished"
	JobAborted          JobStatus = "aborted"
	JobFailed           JobStatus = "failed"
)

var jobStatusRank = map[JobStatus]int{
	JobCreated:          0,
	JobSubmitted:        1,
	JobProcessing:       2,
	JobGeneratedPreview: 3,
	JobFinished:         4,
	JobAborted:          5,
	JobFailed:           6,
}

// Valid reports whether s is a known job status.
func (s JobStatus) Valid() bool {
	_, ok := jobStatusRank[s]
	return ok
}

// Rank returns the position of s in the forward order. Unknown statuses rank
// below every valid one.
func (s JobStatus) Rank() int {
	if r, ok := jobStatusRank[s]; ok {
		return r
	}
	return -1
}

// IsTerminal reports whether a job in status s accepts no further updates.
func (s JobStatus) IsTerminal() bool {
	return s == JobFinished || s == JobAborted || s == JobFailed
}

// Job is one mosaic generation request and its lifecycle state. The worker
// authenticates status callbacks with the per-job secret token, which is
// handed out only in the enqueue payload and never serialized in responses.
type Job struct {
	ID            uuid.UUID  `db:"id"              json:"job_id"`
	Token         string     `db:"token"           json:"-"`
	ProjectID     uuid.UUID  `db:"project_id"      json:"project_id"`
	TargetImageID uuid.UUID  `db:"target_image_id" json:"target"`
	Status        JobStatus  `db:"status"          json:"status"`
	Progress      float64    `db:"progress"        json:"progress"`
	N             int        `db:"n"               json:"n"`
	Algorithm     string     `db:"algorithm"       json:"algorithm"`
	ColorSpace    string     `db:"color_space"     json:"color_space"`
	Subdivisions  int        `db:"subdivisions"    json:"subdivisions"`
	Repetitions   int        `db:"repetitions"     json:"repetitions"`
	CropCount     int        `db:"crop_count"      json:"crop_count"`
	StartedAt     time.Time  `db:"started_at"      json:"started_at"`
	FinishedAt    *time.Time `db:"finished_at"     json:"finished_at,omitempty"`
}
