package domain

import (
	"time"
)

type JobStatus string

const (
	JobStatusQueued         JobStatus = "queued"
	JobStatusAdmitted       JobStatus = "admitted"
	JobStatusRunning        JobStatus = "running"
	JobStatusPostProcessing JobStatus = "post_processing"
	JobStatusCompleted      JobStatus = "completed"
	JobStatusFailed         JobStatus = "failed"
	JobStatusCancelled      JobStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// IsActive reports whether the job holds an admission slot.
func (s JobStatus) IsActive() bool {
	return s == JobStatusAdmitted || s == JobStatusRunning || s == JobStatusPostProcessing
}

// AccelerationFlags carries the caller's opt-ins for accelerated inference.
type AccelerationFlags struct {
	UseAcceleratedRuntime bool `json:"use_accelerated_runtime"`
	GPUOptimization       bool `json:"gpu_optimization"`
}

// InputDescriptor identifies the uploaded media and what to run on it.
type InputDescriptor struct {
	MediaPath        string            `json:"media_path"`
	OriginalFilename string            `json:"original_filename"`
	SizeBytes        int64             `json:"size_bytes"`
	Model            string            `json:"model"`
	Language         string            `json:"language"`
	Acceleration     AccelerationFlags `json:"acceleration"`
}

type Job struct {
	ID          int64           `json:"id"`
	Input       InputDescriptor `json:"input"`
	Priority    int             `json:"priority"`
	Status      JobStatus       `json:"status"`
	Progress    float64         `json:"progress"`
	Stage       string          `json:"stage"`
	DeviceID    *string         `json:"device_id,omitempty"`
	Result      *Result         `json:"result,omitempty"`
	Error       *string         `json:"error,omitempty"`
	Warnings    []string        `json:"warnings,omitempty"`
	ArtifactDir string          `json:"artifact_dir,omitempty"`
	SubmittedAt time.Time       `json:"submitted_at"`
	AdmittedAt  *time.Time      `json:"admitted_at,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

func NewJob(id int64, input InputDescriptor, priority int, now time.Time) *Job {
	return &Job{
		ID:          id,
		Input:       input,
		Priority:    priority,
		Status:      JobStatusQueued,
		Stage:       "queued",
		SubmittedAt: now,
	}
}

// Clone returns a deep copy safe to hand to readers outside the owning component.
func (j *Job) Clone() Job {
	c := *j
	if j.DeviceID != nil {
		id := *j.DeviceID
		c.DeviceID = &id
	}
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	if j.Warnings != nil {
		c.Warnings = append([]string(nil), j.Warnings...)
	}
	if j.Result != nil {
		r := j.Result.Clone()
		c.Result = &r
	}
	c.AdmittedAt = cloneTime(j.AdmittedAt)
	c.StartedAt = cloneTime(j.StartedAt)
	c.FinishedAt = cloneTime(j.FinishedAt)
	return c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

type Segment struct {
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func (s Segment) Duration() float64 {
	return s.End - s.Start
}

type ProcessingStats struct {
	ElapsedSeconds         float64 `json:"elapsed_seconds"`
	MediaSeconds           float64 `json:"media_seconds"`
	DeviceID               string  `json:"device_id"`
	AcceleratedRuntimeUsed bool    `json:"accelerated_runtime_used"`
	Precision              string  `json:"precision"`
	BatchSize              int     `json:"batch_size"`
	ModelUsed              string  `json:"model_used"`
	Backend                string  `json:"backend"`
	PostProcessed          bool    `json:"post_processed"`
}

type Result struct {
	Segments    []Segment       `json:"segments"`
	FullText    string          `json:"full_text"`
	Language    string          `json:"language"`
	Stats       ProcessingStats `json:"stats"`
	ArtifactDir string          `json:"artifact_dir,omitempty"`
}

func (r *Result) Clone() Result {
	c := *r
	c.Segments = append([]Segment(nil), r.Segments...)
	return c
}

// Summary is the compact form carried on job_completed events.
func (r *Result) Summary() map[string]interface{} {
	return map[string]interface{}{
		"segment_count":   len(r.Segments),
		"text_length":     len([]rune(r.FullText)),
		"language":        r.Language,
		"elapsed_seconds": r.Stats.ElapsedSeconds,
		"model_used":      r.Stats.ModelUsed,
		"device_id":       r.Stats.DeviceID,
		"post_processed":  r.Stats.PostProcessed,
	}
}

// Assignment is what the scheduler hands to the pipeline on admission.
// Device is nil when the job runs without an accelerator.
type Assignment struct {
	Job      Job
	Device   *Device
	Features FeatureFlags
}

// ProgressReporter receives lifecycle signals from a running job. Calls made
// after the job reached a terminal state are ignored.
type ProgressReporter interface {
	MarkRunning()
	Progress(percent float64, stage string)
	SegmentAdded(seg Segment)
	MarkPostProcessing()
}
