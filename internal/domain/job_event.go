package domain

import (
	"time"

	"github.com/google/uuid"
)

// JobEventRecord is the persisted trail of one lifecycle change of a job.
type JobEventRecord struct {
	ID        uuid.UUID              `json:"id"`
	JobID     int64                  `json:"job_id"`
	Action    string                 `json:"action"`
	Status    JobStatus              `json:"status"`
	Details   map[string]interface{} `json:"details,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

func NewJobEventRecord(jobID int64, action string, status JobStatus, details map[string]interface{}) *JobEventRecord {
	return &JobEventRecord{
		ID:        uuid.New(),
		JobID:     jobID,
		Action:    action,
		Status:    status,
		Details:   details,
		CreatedAt: time.Now(),
	}
}

const (
	ActionJobSubmitted = "job.submitted"
	ActionJobAdmitted  = "job.admitted"
	ActionJobStarted   = "job.started"
	ActionJobCompleted = "job.completed"
	ActionJobFailed    = "job.failed"
	ActionJobCancelled = "job.cancelled"
)
