package server

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/loom/logger"
	"github.com/teranos/loom/pulse/schedule"
)

// MaxClients bounds concurrent websocket connections
const MaxClients = 100

// Event types pushed to websocket clients
const (
	EventConnected         = "connected"
	EventExecutionStarted  = "execution_started"
	EventExecutionFinished = "execution_finished"
)

// ExecutionEvent is pushed when a schedule run starts or finishes
type ExecutionEvent struct {
	Type       string              `json:"type"`
	ScheduleID string              `json:"scheduleId"`
	Execution  *schedule.Execution `json:"execution"`
	Timestamp  int64               `json:"timestamp"`
}

// ConnectedMessage greets a newly connected client
type ConnectedMessage struct {
	Type      string `json:"type"`
	ClientID  string `json:"clientId"`
	Version   string `json:"version"`
	Timestamp int64  `json:"timestamp"`
}

// Hub fans execution events out to websocket clients. It implements
// schedule.ExecutionBroadcaster, so the ticker can be built before the
// HTTP server.
type Hub struct {
	logger     *zap.SugaredLogger
	mu         sync.RWMutex
	clients    map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	doneOnce   sync.Once
	drops      atomic.Int64
}

// NewHub creates a hub. Call Run to start processing connections.
func NewHub(log *zap.SugaredLogger) *Hub {
	return &Hub{
		logger:     log,
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run processes registrations until ctx is done, then disconnects every client
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.doneOnce.Do(func() { close(h.done) })
			h.closeAll()
			h.logger.Debugw("Hub stopping due to context cancellation")
			return
		case c := <-h.register:
			h.add(c)
		case c := <-h.unregister:
			h.remove(c)
		}
	}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	if len(h.clients) >= MaxClients {
		h.mu.Unlock()
		h.logger.Warnw("Max clients reached, rejecting connection",
			"client_id", c.id,
			"max_clients", MaxClients)
		c.close()
		return
	}
	h.clients[c] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()

	h.logger.Infow("Client connected", "client_id", c.id, "total_clients", total)
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	total := len(h.clients)
	c.close()
	h.mu.Unlock()

	h.logger.Infow("Client disconnected", "client_id", c.id, "total_clients", total)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.close()
		delete(h.clients, c)
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends msg to every client and returns how many accepted it.
// Clients whose send buffer is full are disconnected.
func (h *Hub) Broadcast(msg interface{}) int {
	var slow []*Client
	sent := 0

	// sends happen under the read lock so a channel is never closed mid-send
	h.mu.RLock()
	for c := range h.clients {
		select {
		case c.send <- msg:
			sent++
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.drops.Add(1)
		h.logger.Warnw("Client send buffer full, removing client",
			"client_id", c.id,
			"total_drops", h.drops.Load())
		h.remove(c)
	}
	return sent
}

// BroadcastExecutionStarted implements schedule.ExecutionBroadcaster
func (h *Hub) BroadcastExecutionStarted(exec *schedule.Execution) {
	h.broadcastExecution(EventExecutionStarted, exec)
}

// BroadcastExecutionFinished implements schedule.ExecutionBroadcaster
func (h *Hub) BroadcastExecutionFinished(exec *schedule.Execution) {
	h.broadcastExecution(EventExecutionFinished, exec)
}

func (h *Hub) broadcastExecution(kind string, exec *schedule.Execution) {
	// clients get their own copy; the ticker keeps mutating exec
	snapshot := *exec
	snapshot.StepResults = append([]schedule.StepResult(nil), exec.StepResults...)

	sent := h.Broadcast(ExecutionEvent{
		Type:       kind,
		ScheduleID: exec.ScheduleID,
		Execution:  &snapshot,
		Timestamp:  time.Now().Unix(),
	})
	logger.AddPulseSymbol(h.logger).Debugw("Broadcast execution event",
		"type", kind,
		logger.FieldScheduleID, exec.ScheduleID,
		logger.FieldExecutionID, shortID(exec.ID),
		"clients", sent)
}
