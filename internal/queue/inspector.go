package queue

import (
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

type QueueStats struct {
	Queue     string `json:"queue"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Scheduled int    `json:"scheduled"`
	Retry     int    `json:"retry"`
	Archived  int    `json:"archived"`
	Processed int    `json:"processed_today"`
	Failed    int    `json:"failed_today"`
	Paused    bool   `json:"paused"`
}

// Inspector reports background queue depth for the admin API.
type Inspector struct {
	inspector *asynq.Inspector
}

func NewInspector(redisOpt asynq.RedisConnOpt) *Inspector {
	return &Inspector{inspector: asynq.NewInspector(redisOpt)}
}

func (i *Inspector) Close() error {
	return i.inspector.Close()
}

// Stats returns one entry per known queue. Queues that have never received a
// task report zeros.
func (i *Inspector) Stats() ([]QueueStats, error) {
	out := make([]QueueStats, 0, len(Queues))
	for _, name := range []string{QueueDefault, QueueLow} {
		info, err := i.inspector.GetQueueInfo(name)
		if errors.Is(err, asynq.ErrQueueNotFound) {
			out = append(out, QueueStats{Queue: name})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to inspect queue %s: %w", name, err)
		}
		out = append(out, QueueStats{
			Queue:     info.Queue,
			Pending:   info.Pending,
			Active:    info.Active,
			Scheduled: info.Scheduled,
			Retry:     info.Retry,
			Archived:  info.Archived,
			Processed: info.Processed,
			Failed:    info.Failed,
			Paused:    info.Paused,
		})
	}
	return out, nil
}

type WorkerStats struct {
	ServerID    string         `json:"server_id"`
	Host        string         `json:"host"`
	PID         int            `json:"pid"`
	Concurrency int            `json:"concurrency"`
	Queues      map[string]int `json:"queues"`
	Started     time.Time      `json:"started"`
	ActiveTasks int            `json:"active_tasks"`
}

func (i *Inspector) Workers() ([]WorkerStats, error) {
	servers, err := i.inspector.Servers()
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	return workerStats(servers), nil
}

func workerStats(servers []*asynq.ServerInfo) []WorkerStats {
	out := make([]WorkerStats, 0, len(servers))
	for _, s := range servers {
		out = append(out, WorkerStats{
			ServerID:    s.ID,
			Host:        s.Host,
			PID:         s.PID,
			Concurrency: s.Concurrency,
			Queues:      s.Queues,
			Started:     s.Started,
			ActiveTasks: len(s.ActiveWorkers),
		})
	}
	return out
}
