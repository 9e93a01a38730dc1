package queue

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	TypeTranscriptArchive = "transcript:archive"
	TypeTranscriptCleanup = "transcript:cleanup"
)

type ArchivePayload struct {
	JobID       int64  `json:"job_id"`
	ArtifactDir string `json:"artifact_dir"`
}

type CleanupPayload struct {
	JobID int64    `json:"job_id"`
	Paths []string `json:"paths"`
}

func NewArchiveTask(payload ArchivePayload) (*asynq.Task, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal archive payload: %w", err)
	}
	return asynq.NewTask(TypeTranscriptArchive, payloadBytes), nil
}

func ParseArchivePayload(task *asynq.Task) (*ArchivePayload, error) {
	var payload ArchivePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal archive payload: %w", err)
	}
	return &payload, nil
}

func NewCleanupTask(payload CleanupPayload) (*asynq.Task, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal cleanup payload: %w", err)
	}
	return asynq.NewTask(TypeTranscriptCleanup, payloadBytes), nil
}

func ParseCleanupPayload(task *asynq.Task) (*CleanupPayload, error) {
	var payload CleanupPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cleanup payload: %w", err)
	}
	return &payload, nil
}
