package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/testgen/internal/common"
	"github.com/ternarybob/testgen/internal/interfaces"
	"github.com/ternarybob/testgen/internal/services/generation"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// streamClient is one connected watcher of a job's progress
type streamClient struct {
	conn *websocket.Conn
	mu   sync.Mutex // serializes writes to conn
}

func (c *streamClient) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// StreamHandler owns the per-job WebSocket streaming endpoint. Connections
// are keyed by job ID; each progress event for a job is fanned out to that
// job's watchers only. Intermediate processing frames are throttled per job;
// terminal frames always go through.
type StreamHandler struct {
	logger     arbor.ILogger
	mu         sync.RWMutex
	watchers   map[string]map[*streamClient]bool
	throttlers map[string]*rate.Limiter
	interval   time.Duration
}

// NewStreamHandler creates the stream handler and subscribes it to
// generation progress events
func NewStreamHandler(eventService interfaces.EventService, config *common.StreamConfig, logger arbor.ILogger) *StreamHandler {
	h := &StreamHandler{
		logger:     logger,
		watchers:   make(map[string]map[*streamClient]bool),
		throttlers: make(map[string]*rate.Limiter),
		interval:   common.Duration(config.ThrottleInterval, 250*time.Millisecond),
	}

	if eventService != nil {
		eventService.Subscribe(interfaces.EventGenerationProgress, func(ctx context.Context, event interfaces.Event) error {
			update, ok := event.Payload.(*generation.ProgressUpdate)
			if !ok {
				h.logger.Warn().Msg("Invalid generation progress event payload type")
				return nil
			}
			h.broadcast(update)
			return nil
		})
	}

	return h
}

// HandleStream handles WebSocket connections at /ws/generation/{id}
func (h *StreamHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	jobID := pathSegment(r.URL.Path, 2)
	if jobID == "" {
		http.Error(w, "Generation ID is required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	client := &streamClient{conn: conn}

	h.mu.Lock()
	if h.watchers[jobID] == nil {
		h.watchers[jobID] = make(map[*streamClient]bool)
	}
	h.watchers[jobID][client] = true
	watcherCount := len(h.watchers[jobID])
	h.mu.Unlock()

	h.logger.Debug().
		Str("job_id", jobID).
		Int("watchers", watcherCount).
		Msg("Stream client connected")

	defer func() {
		h.mu.Lock()
		delete(h.watchers[jobID], client)
		if len(h.watchers[jobID]) == 0 {
			delete(h.watchers, jobID)
			delete(h.throttlers, jobID)
		}
		remaining := len(h.watchers[jobID])
		h.mu.Unlock()

		conn.Close()
		h.logger.Debug().
			Str("job_id", jobID).
			Int("watchers", remaining).
			Msg("Stream client disconnected")
	}()

	// Read loop keeps the connection alive and detects client close
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Str("job_id", jobID).Msg("Stream read error")
			}
			return
		}
	}
}

// broadcast sends a progress update to every watcher of the job
func (h *StreamHandler) broadcast(update *generation.ProgressUpdate) {
	h.mu.RLock()
	clients := make([]*streamClient, 0, len(h.watchers[update.JobID]))
	for client := range h.watchers[update.JobID] {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	if len(clients) == 0 {
		return
	}

	// Coalesce intermediate ticks; terminal frames must always be delivered
	if !update.Status.IsTerminal() && !h.throttler(update.JobID).Allow() {
		return
	}

	data, err := json.Marshal(update)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to marshal progress update")
		return
	}

	for _, client := range clients {
		if err := client.write(data); err != nil {
			h.logger.Warn().Err(err).Str("job_id", update.JobID).Msg("Failed to send progress to watcher")
		}
	}
}

func (h *StreamHandler) throttler(jobID string) *rate.Limiter {
	h.mu.Lock()
	defer h.mu.Unlock()
	limiter, ok := h.throttlers[jobID]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(h.interval), 1)
		h.throttlers[jobID] = limiter
	}
	return limiter
}

// CloseAll sends a normal close frame to every watcher. Used during
// graceful shutdown so clients do not schedule reconnects.
func (h *StreamHandler) CloseAll() {
	h.mu.Lock()
	var clients []*streamClient
	for _, watchers := range h.watchers {
		for client := range watchers {
			clients = append(clients, client)
		}
	}
	h.watchers = make(map[string]map[*streamClient]bool)
	h.throttlers = make(map[string]*rate.Limiter)
	h.mu.Unlock()

	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "server shutting down")
	for _, client := range clients {
		client.mu.Lock()
		client.conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
		client.conn.Close()
		client.mu.Unlock()
	}
}
