// Package monitor samples accelerator and host telemetry on a fixed interval
// and answers device-selection queries from the most recent snapshot.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/orchids/transcription-service/internal/domain"
	"github.com/orchids/transcription-service/internal/observability"
	"github.com/orchids/transcription-service/pkg/logger"
)

type Config struct {
	Interval      time.Duration
	HistorySize   int
	SampleTimeout time.Duration
}

// QueueReporter returns the scheduler's current queue depth and active count.
type QueueReporter func() (queueDepth, active int)

type Option func(*Monitor)

func WithPrimarySource(s TelemetrySource) Option { return func(m *Monitor) { m.primary = s } }
func WithSecondarySource(s TelemetrySource) Option { return func(m *Monitor) { m.secondary = s } }
func WithHostProbe(p HostProbe) Option { return func(m *Monitor) { m.host = p } }
func WithFeatureProbe(p FeatureProbe) Option { return func(m *Monitor) { m.features = p } }
func WithClock(now func() time.Time) Option { return func(m *Monitor) { m.now = now } }

type Monitor struct {
	cfg       Config
	primary   TelemetrySource
	secondary TelemetrySource
	host      HostProbe
	features  FeatureProbe
	now       func() time.Time
	log       *logger.Logger

	mu      sync.RWMutex
	latest  *domain.SystemSnapshot
	history *history
	queue   QueueReporter

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func New(cfg Config, log *logger.Logger, opts ...Option) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 1000
	}
	if cfg.SampleTimeout <= 0 {
		cfg.SampleTimeout = 10 * time.Second
	}
	m := &Monitor{
		cfg:     cfg,
		host:    NewHostProbe(),
		now:     time.Now,
		log:     log.Component("monitor"),
		history: newHistory(cfg.HistorySize),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetQueueReporter installs the read-only queue view included in snapshots.
func (m *Monitor) SetQueueReporter(q QueueReporter) {
	m.mu.Lock()
	m.queue = q
	m.mu.Unlock()
}

// Start launches the sampling loop. A first sample is taken immediately.
func (m *Monitor) Start(ctx context.Context) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if m.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go m.loop(loopCtx)

	m.log.Info(ctx, "resource monitor started", map[string]interface{}{
		"interval":     m.cfg.Interval.String(),
		"history_size": m.cfg.HistorySize,
	})
}

// Stop ends the loop and waits for an in-flight sample to finish.
func (m *Monitor) Stop() {
	m.lifecycle.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.lifecycle.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	m.wg.Wait()
	m.log.Info(context.Background(), "resource monitor stopped", nil)
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		m.sampleBounded()

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// sampleBounded runs one sample under its own timeout so that Stop waits
// for it rather than abandoning it midway.
func (m *Monitor) sampleBounded() {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SampleTimeout)
	defer cancel()
	m.Sample(ctx)
}

// Sample collects one snapshot, records it and returns it. Source failures
// degrade the snapshot; Sample never fails.
func (m *Monitor) Sample(ctx context.Context) *domain.SystemSnapshot {
	devices, source := m.collectDevices(ctx)

	snap := &domain.SystemSnapshot{
		Timestamp: m.now(),
		Devices:   devices,
		Source:    source,
	}

	if m.host != nil {
		stats, err := m.host.Host(ctx)
		if err != nil {
			m.log.Debug(ctx, "host telemetry unavailable", map[string]interface{}{"error": err.Error()})
		}
		snap.CPUPercent = stats.CPUPercent
		snap.RAMUsedGB = stats.RAMUsedGB
		snap.RAMTotalGB = stats.RAMTotalGB
	}

	if len(devices) > 0 && m.features != nil {
		snap.Features = m.features.Features(ctx)
		for i := range snap.Devices {
			snap.Devices[i].AcceleratedRuntimeEligible = domain.DeriveSettings(snap.Devices[i], snap.Features).UseAcceleratedRuntime
		}
	}

	m.mu.RLock()
	queue := m.queue
	m.mu.RUnlock()
	if queue != nil {
		snap.QueueDepth, snap.ActiveJobs = queue()
	}

	m.mu.Lock()
	m.latest = snap
	m.history.push(snap)
	m.mu.Unlock()

	observability.HostCPU.Set(snap.CPUPercent)
	for _, d := range snap.Devices {
		observability.DeviceUtilization.WithLabelValues(d.ID).Set(d.UtilizationPercent)
		observability.DeviceMemoryFree.WithLabelValues(d.ID).Set(d.MemoryFreeMB)
	}

	return snap
}

func (m *Monitor) collectDevices(ctx context.Context) ([]domain.Device, string) {
	for _, src := range []TelemetrySource{m.primary, m.secondary} {
		if src == nil {
			continue
		}
		devices, err := src.Devices(ctx)
		if err == nil {
			return devices, src.Name()
		}
		observability.TelemetryFallbacks.WithLabelValues(src.Name()).Inc()
		m.log.Debug(ctx, "telemetry source failed", map[string]interface{}{
			"source": src.Name(),
			"error":  fmt.Errorf("%w: %v", domain.ErrTelemetryUnavailable, err).Error(),
		})
	}
	return []domain.Device{}, "none"
}

// Latest returns the most recent snapshot, or nil before the first sample.
func (m *Monitor) Latest() *domain.SystemSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest
}

// History returns up to limit recent snapshots, oldest first. limit <= 0 returns all.
func (m *Monitor) History(limit int) []*domain.SystemSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.history.last(limit)
}

func (m *Monitor) BestDevice() string {
	return m.Latest().BestDevice()
}

func (m *Monitor) OptimalSettings() domain.Settings {
	snap := m.Latest()
	dev, ok := snap.Device(snap.BestDevice())
	if !ok {
		return domain.CPUSettings()
	}
	return domain.DeriveSettings(dev, snap.Features)
}
