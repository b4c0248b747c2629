// Package gateway serves the chat WebSocket endpoint and the REST API.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/toolchat/internal/catalog"
	"github.com/haasonsaas/toolchat/internal/chat"
	"github.com/haasonsaas/toolchat/internal/mcp"
	"github.com/haasonsaas/toolchat/internal/observability"
	"github.com/haasonsaas/toolchat/internal/storage"
)

// Config configures the HTTP server.
type Config struct {
	Host        string
	Port        int
	CORSOrigins []string

	// IncludeReasoning is used for chat frames that do not set
	// include_reasoning.
	IncludeReasoning bool

	// Catalog resolves stored tool server definitions for the start endpoint.
	Catalog catalog.Options
}

// Deps are the collaborators the server routes requests to.
type Deps struct {
	Chat     *chat.Service
	Stores   storage.StoreSet
	Registry *mcp.Registry

	// MetricsHandler serves /metrics. Nil disables the endpoint.
	MetricsHandler http.Handler
	Metrics        *observability.Metrics
	Logger         *slog.Logger
}

// Server is the toolchat HTTP server.
type Server struct {
	config   Config
	chat     *chat.Service
	stores   storage.StoreSet
	registry *mcp.Registry
	metrics  *observability.Metrics
	logger   *slog.Logger

	metricsHandler http.Handler
	upgrader       websocket.Upgrader

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
}

// New creates a server.
func New(config Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		config:         config,
		chat:           deps.Chat,
		stores:         deps.Stores,
		registry:       deps.Registry,
		metrics:        deps.Metrics,
		logger:         logger.With("component", "gateway"),
		metricsHandler: deps.MetricsHandler,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  8192,
		WriteBufferSize: 8192,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}

	mux.HandleFunc("GET /api/v1/ws/chat/{agentID}", s.handleChatWS)
	mux.HandleFunc("POST /api/v1/chat", s.handleChat)

	mux.HandleFunc("GET /api/v1/agents", s.handleListAgents)
	mux.HandleFunc("POST /api/v1/agents", s.handleCreateAgent)
	mux.HandleFunc("POST /api/v1/agents/{id}/link-mcp/{serverID}", s.handleLinkServer)
	mux.HandleFunc("POST /api/v1/agents/{id}/knowledge", s.handleUploadKnowledge)

	mux.HandleFunc("GET /api/v1/mcp/servers", s.handleListServers)
	mux.HandleFunc("POST /api/v1/mcp/servers", s.handleCreateServer)
	mux.HandleFunc("DELETE /api/v1/mcp/servers/{id}", s.handleDeleteServer)
	mux.HandleFunc("POST /api/v1/mcp/servers/{id}/start", s.handleStartServer)
	mux.HandleFunc("POST /api/v1/mcp/servers/{id}/stop", s.handleStopServer)
	mux.HandleFunc("GET /api/v1/mcp/servers/{id}/status", s.handleServerStatus)
	mux.HandleFunc("GET /api/v1/mcp/servers/{id}/tools", s.handleServerTools)
	mux.HandleFunc("POST /api/v1/mcp/servers/{id}/call/{tool}", s.handleCallTool)

	return s.withCORS(s.withMetrics(mux))
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.mu.Lock()
	s.httpServer = server
	s.listener = listener
	s.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	s.logger.Info("starting http server", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting connections and waits for in-flight requests
// until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	server := s.httpServer
	s.httpServer = nil
	s.listener = nil
	s.mu.Unlock()

	if server == nil {
		return nil
	}
	if err := server.Shutdown(ctx); err != nil {
		s.logger.Warn("http server shutdown error", "error", err)
		return err
	}
	return nil
}
