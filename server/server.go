// Package server exposes schedules, executions and dispatcher status over
// HTTP and pushes execution events to websocket clients.
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/loom/logger"
	"github.com/teranos/loom/pulse/schedule"
)

// Deps are the services a LoomServer routes requests to
type Deps struct {
	Manager        *schedule.Manager
	Ticker         *schedule.Ticker
	Executions     *schedule.ExecutionStore
	Hub            *Hub
	AllowedOrigins []string
	Logger         *zap.SugaredLogger
}

// LoomServer serves the schedule API and the execution event stream
type LoomServer struct {
	manager        *schedule.Manager
	ticker         *schedule.Ticker
	executions     *schedule.ExecutionStore
	hub            *Hub
	logger         *zap.SugaredLogger
	allowedOrigins []string

	// Lifetime context. Manual runs use it, so a dropped client does not
	// cancel a run but shutdown does.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	httpServer *http.Server
	startedAt  time.Time
}

// New creates a server. The hub starts running immediately and stops with Stop.
func New(deps Deps) *LoomServer {
	log := deps.Logger
	if log == nil {
		log = logger.ComponentLogger("server")
	}
	hub := deps.Hub
	if hub == nil {
		hub = NewHub(log)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &LoomServer{
		manager:        deps.Manager,
		ticker:         deps.Ticker,
		executions:     deps.Executions,
		hub:            hub,
		logger:         log,
		allowedOrigins: deps.AllowedOrigins,
		ctx:            ctx,
		cancel:         cancel,
		startedAt:      time.Now(),
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		hub.Run(ctx)
	}()
	return s
}

// Hub returns the websocket hub
func (s *LoomServer) Hub() *Hub { return s.hub }

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Clients   int    `json:"clients"`
	UptimeSec int64  `json:"uptimeSeconds"`
}
