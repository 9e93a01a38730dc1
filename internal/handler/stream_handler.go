package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/orchids/transcription-service/internal/broadcast"
	"github.com/orchids/transcription-service/internal/domain"
	"github.com/orchids/transcription-service/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4096
)

const (
	msgSubscribeJob       = "subscribe_job"
	msgUnsubscribeJob     = "unsubscribe_job"
	msgSubscribeMetrics   = "subscribe_metrics"
	msgUnsubscribeMetrics = "unsubscribe_metrics"
	msgPing               = "ping"
)

// controlMessage is a client request: {"type": ..., "data": {"job_id": ...}}.
type controlMessage struct {
	Type string         `json:"type"`
	Data controlPayload `json:"data"`
}

type controlPayload struct {
	JobID int64 `json:"job_id"`
}

type StreamConfig struct {
	ControlRate  float64
	ControlBurst int
}

// StreamHandler bridges WebSocket clients to the broadcast hub. Each
// connection is one hub subscriber; its writer drains the subscriber's
// buffer and its reader applies control messages.
type StreamHandler struct {
	hub      *broadcast.Hub
	jobs     JobReader
	cfg      StreamConfig
	upgrader websocket.Upgrader
	log      *logger.Logger
}

func NewStreamHandler(hub *broadcast.Hub, jobs JobReader, cfg StreamConfig, log *logger.Logger) *StreamHandler {
	if cfg.ControlRate <= 0 {
		cfg.ControlRate = 10
	}
	if cfg.ControlBurst < 1 {
		cfg.ControlBurst = 20
	}
	return &StreamHandler{
		hub:  hub,
		jobs: jobs,
		cfg:  cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: log.Component("stream"),
	}
}

func (h *StreamHandler) Serve(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn(c.Request.Context(), "websocket upgrade failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	sub := h.hub.Connect()
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.writeLoop(conn, sub)
	}()

	h.hub.Send(sub.ID(), domain.NewEvent(domain.EventWelcome, map[string]interface{}{
		"client_id":     sub.ID(),
		"subscriber_id": sub.ID(),
	}))
	h.readLoop(conn, sub.ID())

	h.hub.Disconnect(sub.ID())
	<-done
}

func (h *StreamHandler) writeLoop(conn *websocket.Conn, sub *broadcast.Subscriber) {
	defer conn.Close()
	for data := range sub.Events() {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.hub.Disconnect(sub.ID())
			for range sub.Events() {
			}
			return
		}
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (h *StreamHandler) readLoop(conn *websocket.Conn, id string) {
	conn.SetReadLimit(maxMessageSize)
	limiter := rate.NewLimiter(rate.Limit(h.cfg.ControlRate), h.cfg.ControlBurst)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if !limiter.Allow() {
			h.sendError(id, "rate limit exceeded")
			continue
		}

		var msg controlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.sendError(id, "invalid message")
			continue
		}
		h.handleControl(id, msg)
	}
}

func (h *StreamHandler) handleControl(id string, msg controlMessage) {
	switch msg.Type {
	case msgSubscribeJob:
		if msg.Data.JobID <= 0 {
			h.sendError(id, "job_id is required")
			return
		}
		topic := domain.JobTopic(msg.Data.JobID)
		h.hub.Subscribe(id, topic)
		job, err := h.jobs.Get(context.Background(), msg.Data.JobID)
		if err != nil {
			h.hub.Unsubscribe(id, topic)
			h.sendError(id, "job not found")
			return
		}
		h.hub.Send(id, domain.NewEvent(domain.EventJobStatus, job))
	case msgUnsubscribeJob:
		h.hub.Unsubscribe(id, domain.JobTopic(msg.Data.JobID))
	case msgSubscribeMetrics:
		h.hub.Subscribe(id, domain.TopicMetrics)
	case msgUnsubscribeMetrics:
		h.hub.Unsubscribe(id, domain.TopicMetrics)
	case msgPing:
		h.hub.Ping(id)
		h.hub.Send(id, domain.NewEvent(domain.EventPong, map[string]interface{}{}))
	default:
		h.sendError(id, "unknown message type: "+msg.Type)
	}
}

func (h *StreamHandler) sendError(id, message string) {
	h.hub.Send(id, domain.NewEvent(domain.EventError, map[string]interface{}{
		"message": message,
	}))
}
