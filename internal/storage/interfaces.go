// Package storage persists agents, tool server definitions, chat sessions
// and chat messages.
package storage

import (
	"context"
	"errors"

	"github.com/haasonsaas/toolchat/pkg/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// AgentStore persists agents, their tool server links and knowledge files.
type AgentStore interface {
	Create(ctx context.Context, agent *models.Agent) error
	Get(ctx context.Context, id string) (*models.Agent, error)
	List(ctx context.Context) ([]*models.Agent, error)

	// LinkServer associates a tool server with an agent. Linking twice is a
	// no-op. Both records must exist.
	LinkServer(ctx context.Context, agentID, serverID string) error

	// LinkedServerIDs returns the agent's tool server ids in link order.
	LinkedServerIDs(ctx context.Context, agentID string) ([]string, error)

	AddKnowledge(ctx context.Context, file *models.KnowledgeFile) error
	ListKnowledge(ctx context.Context, agentID string) ([]*models.KnowledgeFile, error)
}

// ServerStore persists tool server definitions.
type ServerStore interface {
	Create(ctx context.Context, server *models.ToolServer) error
	Get(ctx context.Context, id string) (*models.ToolServer, error)
	List(ctx context.Context) ([]*models.ToolServer, error)

	// Delete removes the definition and every agent link to it.
	Delete(ctx context.Context, id string) error
}

// SessionStore persists chat sessions and their messages.
type SessionStore interface {
	Create(ctx context.Context, session *models.ChatSession) error
	Get(ctx context.Context, id string) (*models.ChatSession, error)

	// AddUsage increments the session's token counters atomically.
	AddUsage(ctx context.Context, id string, usage models.Usage) error

	AppendMessage(ctx context.Context, sessionID string, role models.Role, content string) error
	ListMessages(ctx context.Context, sessionID string) ([]*models.ChatMessage, error)
}

// StoreSet groups storage dependencies.
type StoreSet struct {
	Agents   AgentStore
	Servers  ServerStore
	Sessions SessionStore
	pinger   func(ctx context.Context) error
	closer   func() error
}

// Ping checks that the backing database is reachable.
func (s StoreSet) Ping(ctx context.Context) error {
	if s.pinger == nil {
		return nil
	}
	return s.pinger(ctx)
}

// Close closes any underlying resources.
func (s StoreSet) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
