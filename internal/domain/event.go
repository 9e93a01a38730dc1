package domain

import (
	"fmt"
	"time"
)

type EventType string

const (
	EventJobStarted     EventType = "job_started"
	EventProgressUpdate EventType = "progress_update"
	EventSegmentAdded   EventType = "segment_added"
	EventJobCompleted   EventType = "job_completed"
	EventJobFailed      EventType = "job_failed"
	EventJobCancelled   EventType = "job_cancelled"
	EventSystemMetrics  EventType = "system_metrics"

	EventWelcome   EventType = "welcome"
	EventPong      EventType = "pong"
	EventJobStatus EventType = "job_status"
	EventError     EventType = "error"
)

// TopicMetrics is the reserved topic for periodic system snapshots.
const TopicMetrics = "metrics"

func JobTopic(jobID int64) string {
	return fmt.Sprintf("job:%d", jobID)
}

// Event is the envelope delivered to subscribers.
type Event struct {
	Type      EventType   `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

func NewEvent(t EventType, data interface{}) Event {
	return Event{Type: t, Data: data, Timestamp: time.Now()}
}
