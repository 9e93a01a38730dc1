// Package broadcast fans job and metrics events out to connected subscribers.
package broadcast

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/orchids/transcription-service/internal/domain"
	"github.com/orchids/transcription-service/internal/observability"
	"github.com/orchids/transcription-service/pkg/logger"
)

type Config struct {
	HeartbeatTimeout     time.Duration
	HousekeepingInterval time.Duration
	SendBuffer           int
}

// Subscriber is one connected client. Its outbound channel is closed when the
// hub drops it.
type Subscriber struct {
	id          string
	connectedAt time.Time
	events      chan []byte
	lastSeen    atomic.Int64
	failed      atomic.Bool
	topics      map[string]struct{}
}

func (s *Subscriber) ID() string { return s.id }

// Events is drained by the connection writer.
func (s *Subscriber) Events() <-chan []byte { return s.events }

func (s *Subscriber) deliver(data []byte) bool {
	if s.failed.Load() {
		return false
	}
	select {
	case s.events <- data:
		return true
	default:
		s.failed.Store(true)
		return false
	}
}

// SubscriberInfo is the read-only view used by admin endpoints.
type SubscriberInfo struct {
	ID          string    `json:"id"`
	Topics      []string  `json:"topics"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
}

type Option func(*Hub)

func WithClock(now func() time.Time) Option { return func(h *Hub) { h.now = now } }

type Hub struct {
	cfg Config
	log *logger.Logger
	now func() time.Time

	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	topics      map[string]map[string]*Subscriber

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewHub(cfg Config, log *logger.Logger, opts ...Option) *Hub {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 30 * time.Second
	}
	if cfg.HousekeepingInterval <= 0 {
		cfg.HousekeepingInterval = 10 * time.Second
	}
	if cfg.SendBuffer < 1 {
		cfg.SendBuffer = 256
	}
	h := &Hub{
		cfg:         cfg,
		log:         log.Component("broadcast"),
		now:         time.Now,
		subscribers: make(map[string]*Subscriber),
		topics:      make(map[string]map[string]*Subscriber),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Connect registers a new subscriber with a fresh heartbeat.
func (h *Hub) Connect() *Subscriber {
	now := h.now()
	sub := &Subscriber{
		id:          uuid.NewString(),
		connectedAt: now,
		events:      make(chan []byte, h.cfg.SendBuffer),
		topics:      make(map[string]struct{}),
	}
	sub.lastSeen.Store(now.UnixNano())

	h.mu.Lock()
	h.subscribers[sub.id] = sub
	count := len(h.subscribers)
	h.mu.Unlock()

	observability.Subscribers.Set(float64(count))
	h.log.Debug(context.Background(), "subscriber connected", map[string]interface{}{
		"subscriber_id": sub.id,
		"total":         count,
	})
	return sub
}

// Disconnect removes the subscriber from every topic and closes its channel.
func (h *Hub) Disconnect(id string) {
	h.mu.Lock()
	removed := h.removeLocked(id)
	count := len(h.subscribers)
	h.mu.Unlock()

	if removed {
		observability.Subscribers.Set(float64(count))
		h.log.Debug(context.Background(), "subscriber disconnected", map[string]interface{}{
			"subscriber_id": id,
			"total":         count,
		})
	}
}

func (h *Hub) removeLocked(id string) bool {
	sub, ok := h.subscribers[id]
	if !ok {
		return false
	}
	for topic := range sub.topics {
		members := h.topics[topic]
		delete(members, id)
		if len(members) == 0 {
			delete(h.topics, topic)
		}
	}
	delete(h.subscribers, id)
	close(sub.events)
	return true
}

// Subscribe adds the subscriber to topic. Repeating it or naming an unknown
// subscriber is a no-op.
func (h *Hub) Subscribe(id, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.subscribers[id]
	if !ok {
		return
	}
	members, ok := h.topics[topic]
	if !ok {
		members = make(map[string]*Subscriber)
		h.topics[topic] = members
	}
	members[id] = sub
	sub.topics[topic] = struct{}{}
}

func (h *Hub) Unsubscribe(id, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.subscribers[id]
	if !ok {
		return
	}
	delete(sub.topics, topic)
	if members, ok := h.topics[topic]; ok {
		delete(members, id)
		if len(members) == 0 {
			delete(h.topics, topic)
		}
	}
}

// Ping refreshes the subscriber's heartbeat.
func (h *Hub) Ping(id string) {
	h.mu.RLock()
	sub, ok := h.subscribers[id]
	h.mu.RUnlock()
	if ok {
		sub.lastSeen.Store(h.now().UnixNano())
	}
}

// Publish delivers ev to every subscriber of topic. A subscriber whose buffer
// is full is dropped; the others still receive the event.
func (h *Hub) Publish(topic string, ev domain.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Error(context.Background(), "failed to encode event", err, map[string]interface{}{
			"topic": topic,
			"type":  ev.Type,
		})
		return
	}

	var failed []string
	h.mu.RLock()
	for id, sub := range h.topics[topic] {
		if !sub.deliver(data) {
			failed = append(failed, id)
		}
	}
	h.mu.RUnlock()

	h.dropFailed(topic, failed)
}

// Send delivers ev to a single subscriber and reports whether it was queued.
func (h *Hub) Send(id string, ev domain.Event) bool {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Error(context.Background(), "failed to encode event", err, map[string]interface{}{
			"subscriber_id": id,
			"type":          ev.Type,
		})
		return false
	}

	h.mu.RLock()
	sub, ok := h.subscribers[id]
	delivered := ok && sub.deliver(data)
	h.mu.RUnlock()

	if ok && !delivered {
		h.dropFailed("", []string{id})
	}
	return delivered
}

func (h *Hub) dropFailed(topic string, ids []string) {
	if len(ids) == 0 {
		return
	}
	observability.DeliveryFailures.Add(float64(len(ids)))
	for _, id := range ids {
		h.log.Warn(context.Background(), "dropping subscriber after delivery failure", map[string]interface{}{
			"subscriber_id": id,
			"topic":         topic,
			"error":         domain.ErrSubscriberDeliveryFailure.Error(),
		})
		h.Disconnect(id)
	}
}

// Prune drops subscribers whose last heartbeat is older than the timeout and
// returns how many were removed.
func (h *Hub) Prune() int {
	cutoff := h.now().Add(-h.cfg.HeartbeatTimeout).UnixNano()

	h.mu.Lock()
	var stale []string
	for id, sub := range h.subscribers {
		if sub.failed.Load() || sub.lastSeen.Load() < cutoff {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		h.removeLocked(id)
	}
	count := len(h.subscribers)
	h.mu.Unlock()

	if len(stale) > 0 {
		observability.Subscribers.Set(float64(count))
		h.log.Info(context.Background(), "pruned stale subscribers", map[string]interface{}{
			"pruned":    len(stale),
			"remaining": count,
		})
	}
	return len(stale)
}

// Start launches the housekeeping loop.
func (h *Hub) Start(ctx context.Context) {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()
	if h.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(h.cfg.HousekeepingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				h.Prune()
			}
		}
	}()
}

// Stop ends housekeeping and disconnects every subscriber.
func (h *Hub) Stop() {
	h.lifecycle.Lock()
	cancel := h.cancel
	h.cancel = nil
	h.lifecycle.Unlock()
	if cancel != nil {
		cancel()
		h.wg.Wait()
	}

	h.mu.Lock()
	for id := range h.subscribers {
		h.removeLocked(id)
	}
	h.mu.Unlock()
	observability.Subscribers.Set(0)
}

func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// TopicSubscribers returns how many subscribers currently follow topic.
func (h *Hub) TopicSubscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

func (h *Hub) Subscribers() []SubscriberInfo {
	h.mu.RLock()
	out := make([]SubscriberInfo, 0, len(h.subscribers))
	for _, sub := range h.subscribers {
		topics := make([]string, 0, len(sub.topics))
		for t := range sub.topics {
			topics = append(topics, t)
		}
		sort.Strings(topics)
		out = append(out, SubscriberInfo{
			ID:          sub.id,
			Topics:      topics,
			ConnectedAt: sub.connectedAt,
			LastSeen:    time.Unix(0, sub.lastSeen.Load()),
		})
	}
	h.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}
