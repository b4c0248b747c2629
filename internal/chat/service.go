// Package chat sets up conversations with an agent and runs user messages
// through the turn loop.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/toolchat/internal/agent"
	"github.com/haasonsaas/toolchat/internal/catalog"
	"github.com/haasonsaas/toolchat/internal/mcp"
	"github.com/haasonsaas/toolchat/internal/observability"
	"github.com/haasonsaas/toolchat/internal/storage"
	"github.com/haasonsaas/toolchat/pkg/models"
)

// ErrAgentNotFound is returned by Open for an unknown agent id.
var ErrAgentNotFound = errors.New("agent not found")

// AgentNotFoundMessage is the client-facing text for ErrAgentNotFound.
const AgentNotFoundMessage = "Agent not found"

const (
	knowledgeHeader = "\n\n--- Contextual Information ---\n"
	knowledgeFooter = "----------------------------\n\n"
)

// CatalogBuilder resolves the tools linked to an agent.
type CatalogBuilder interface {
	Build(ctx context.Context, providerIDs []string) *catalog.Catalog
}

// Config holds per-service defaults.
type Config struct {
	// DefaultModel is used when an agent has no model set.
	DefaultModel string
}

// Service opens conversations. It is safe for concurrent use; each
// Conversation it returns belongs to a single caller.
type Service struct {
	agents       storage.AgentStore
	sessions     storage.SessionStore
	catalogs     CatalogBuilder
	orchestrator *agent.Orchestrator
	config       Config
	metrics      *observability.Metrics
	logger       *slog.Logger
}

// NewService wires a chat service. metrics and logger may be nil.
func NewService(stores storage.StoreSet, catalogs CatalogBuilder, orchestrator *agent.Orchestrator, config Config, metrics *observability.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		agents:       stores.Agents,
		sessions:     stores.Sessions,
		catalogs:     catalogs,
		orchestrator: orchestrator,
		config:       config,
		metrics:      metrics,
		logger:       logger.With("component", "chat"),
	}
}

// Conversation is an open chat session with one agent.
type Conversation struct {
	Agent   *models.Agent
	Session *models.ChatSession
	Catalog *catalog.Catalog

	svc     *Service
	history *agent.Conversation
	closed  bool
}

// Open loads the agent, creates a session, assembles the system prompt
// from the agent prompt and its knowledge files, and builds the tool
// catalog. Each provider that failed to load produces a warning token on
// sink; sink may be nil.
func (s *Service) Open(ctx context.Context, agentID string, sink agent.EventSink) (*Conversation, error) {
	ag, err := s.agents.Get(ctx, agentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrAgentNotFound
		}
		return nil, fmt.Errorf("load agent: %w", err)
	}

	now := time.Now()
	session := &models.ChatSession{
		ID:        uuid.NewString(),
		AgentID:   ag.ID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	files, err := s.agents.ListKnowledge(ctx, ag.ID)
	if err != nil {
		return nil, fmt.Errorf("load knowledge files: %w", err)
	}
	prompt := SystemPrompt(ag.SystemPrompt, files)

	ids, err := s.agents.LinkedServerIDs(ctx, ag.ID)
	if err != nil {
		return nil, fmt.Errorf("load linked tool servers: %w", err)
	}
	cat := s.catalogs.Build(ctx, ids)

	if sink != nil {
		for _, w := range cat.Warnings {
			if err := sink.Emit(ctx, models.TokenEvent(WarningText(w))); err != nil {
				return nil, fmt.Errorf("emit event: %w", err)
			}
		}
	}

	s.metrics.ConversationOpened()
	s.logger.Info("conversation opened",
		"agent_id", ag.ID,
		"session_id", session.ID,
		"tools", cat.Len(),
		"knowledge_files", len(files))

	return &Conversation{
		Agent:   ag,
		Session: session,
		Catalog: cat,
		svc:     s,
		history: agent.NewConversation(session.ID, ag.ID, prompt),
	}, nil
}

// Close releases the conversation. It is safe to call more than once.
func (c *Conversation) Close() {
	if c == nil || c.closed {
		return
	}
	c.closed = true
	c.svc.metrics.ConversationClosed()
	c.svc.logger.Debug("conversation closed", "session_id", c.Session.ID)
}

// HistoryLen returns the number of model-facing history entries.
func (c *Conversation) HistoryLen() int {
	return c.history.Len()
}

// Model returns the model the conversation runs against.
func (c *Conversation) Model() string {
	if c.Agent.Model != "" {
		return c.Agent.Model
	}
	return c.svc.config.DefaultModel
}

// Send runs one user message through the turn loop. The turn's usage is
// added to the session even when the turn fails part way. On success a
// done event carrying the usage closes the turn; on failure an error event
// is emitted instead and the conversation remains usable.
func (c *Conversation) Send(ctx context.Context, message string, includeReasoning bool, sink agent.EventSink) (*agent.TurnResult, error) {
	result, err := c.svc.orchestrator.RunTurn(ctx, c.history, message, agent.TurnOptions{
		Model:            c.Model(),
		Tools:            c.Catalog.Tools,
		Router:           c.Catalog,
		IncludeReasoning: includeReasoning,
	}, sink)

	if result != nil && !result.Usage.IsZero() {
		if uerr := c.svc.sessions.AddUsage(ctx, c.Session.ID, result.Usage); uerr != nil {
			c.svc.logger.Error("failed to update session usage",
				"session_id", c.Session.ID,
				"error", uerr)
			if err == nil {
				err = fmt.Errorf("update session usage: %w", uerr)
			}
		}
	}

	if err != nil {
		c.svc.logger.Warn("turn failed",
			"session_id", c.Session.ID,
			"agent_id", c.Agent.ID,
			"error", err)
		if emitErr := sink.Emit(ctx, models.ErrorEvent(ErrorMessage(err))); emitErr != nil {
			return result, errors.Join(err, fmt.Errorf("emit event: %w", emitErr))
		}
		return result, err
	}

	if err := sink.Emit(ctx, models.DoneEvent(result.Usage)); err != nil {
		return result, fmt.Errorf("emit event: %w", err)
	}
	return result, nil
}

// Complete opens a fresh conversation, runs one message through it and
// returns the final assistant text. Streamed events are discarded.
func (s *Service) Complete(ctx context.Context, agentID, message string) (string, error) {
	conv, err := s.Open(ctx, agentID, nil)
	if err != nil {
		return "", err
	}
	defer conv.Close()

	result, err := s.orchestrator.RunTurn(ctx, conv.history, message, agent.TurnOptions{
		Model:            conv.Model(),
		Tools:            conv.Catalog.Tools,
		Router:           conv.Catalog,
		IncludeReasoning: conv.Agent.ReasoningEnabled,
	}, discardSink)
	if result != nil && !result.Usage.IsZero() {
		if uerr := s.sessions.AddUsage(ctx, conv.Session.ID, result.Usage); uerr != nil {
			s.logger.Error("failed to update session usage",
				"session_id", conv.Session.ID,
				"error", uerr)
		}
	}
	if err != nil {
		return "", err
	}
	return result.Content, nil
}

var discardSink = agent.SinkFunc(func(context.Context, models.Event) error { return nil })

// SystemPrompt appends the agent's knowledge files to its prompt.
func SystemPrompt(base string, files []*models.KnowledgeFile) string {
	if len(files) == 0 {
		return base
	}
	var b strings.Builder
	b.WriteString(base)
	b.WriteString(knowledgeHeader)
	for _, f := range files {
		b.WriteString("File: ")
		b.WriteString(f.Filename)
		b.WriteString("\nContent:\n")
		b.WriteString(f.Content)
		b.WriteString("\n\n")
	}
	b.WriteString(knowledgeFooter)
	return b.String()
}

// WarningText renders a catalog warning as inline assistant text.
func WarningText(w catalog.Warning) string {
	return fmt.Sprintf("\n\n[System Warning: Failed to load MCP tools for '%s'. Error: %v]\n\n", w.ProviderName, w.Err)
}

// ErrorMessage is the client-facing text for a failed turn.
func ErrorMessage(err error) string {
	switch {
	case errors.Is(err, ErrAgentNotFound):
		return AgentNotFoundMessage
	case agent.IsRateLimited(err):
		return "Rate limit exceeded. Please try again later."
	default:
		return err.Error()
	}
}

// RegistryCaller adapts an mcp.Registry to agent.ToolCaller.
type RegistryCaller struct {
	Registry *mcp.Registry

	// Reload registers a provider again from its stored definition. When
	// set, a call to a provider whose config was dropped after the
	// conversation built its catalog reloads it and retries once.
	Reload mcp.ReloadFunc
}

// CallTool invokes the tool and returns its text segments joined by newlines.
func (c RegistryCaller) CallTool(ctx context.Context, providerID, name string, arguments []byte) (string, error) {
	result, err := c.Registry.CallTool(ctx, providerID, name, arguments)
	if errors.Is(err, mcp.ErrConfigNotFound) && c.Reload != nil {
		if rerr := c.Reload(ctx, providerID); rerr != nil {
			return "", fmt.Errorf("%w (reload: %v)", err, rerr)
		}
		result, err = c.Registry.CallTool(ctx, providerID, name, arguments)
	}
	if err != nil {
		return "", err
	}
	return result.Text(), nil
}
