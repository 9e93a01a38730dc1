package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/orchids/transcription-service/internal/domain"
	"github.com/orchids/transcription-service/pkg/logger"
)

type SnapshotSource interface {
	Latest() *domain.SystemSnapshot
}

type QueueStatusSource interface {
	QueueStatus() domain.QueueStatus
}

type Publisher interface {
	Publish(topic string, ev domain.Event)
}

// MetricsPublisher pushes the latest system snapshot to the metrics topic on
// a fixed interval.
type MetricsPublisher struct {
	publisher Publisher
	snapshots SnapshotSource
	queue     QueueStatusSource
	interval  time.Duration
	log       *logger.Logger

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewMetricsPublisher(p Publisher, snapshots SnapshotSource, queue QueueStatusSource, interval time.Duration, log *logger.Logger) *MetricsPublisher {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &MetricsPublisher{
		publisher: p,
		snapshots: snapshots,
		queue:     queue,
		interval:  interval,
		log:       log.Component("metrics_publisher"),
	}
}

// PublishOnce sends the current snapshot. It does nothing before the first sample.
func (m *MetricsPublisher) PublishOnce() bool {
	snap := m.snapshots.Latest()
	if snap == nil {
		return false
	}
	data := map[string]interface{}{"snapshot": snap}
	if m.queue != nil {
		data["queue"] = m.queue.QueueStatus()
	}
	m.publisher.Publish(domain.TopicMetrics, domain.NewEvent(domain.EventSystemMetrics, data))
	return true
}

func (m *MetricsPublisher) Start(ctx context.Context) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if m.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				m.PublishOnce()
			}
		}
	}()

	m.log.Info(ctx, "metrics broadcast started", map[string]interface{}{
		"interval": m.interval.String(),
	})
}

func (m *MetricsPublisher) Stop() {
	m.lifecycle.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.lifecycle.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	m.wg.Wait()
}
