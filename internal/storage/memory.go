package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/toolchat/pkg/models"
)

// NewMemoryStores creates an in-memory StoreSet that shares one set of
// tables so links and cascades behave like the SQL stores.
func NewMemoryStores() StoreSet {
	db := &memoryDB{
		agents:    make(map[string]*models.Agent),
		links:     make(map[string][]string),
		knowledge: make(map[string][]*models.KnowledgeFile),
		servers:   make(map[string]*models.ToolServer),
		sessions:  make(map[string]*models.ChatSession),
		messages:  make(map[string][]*models.ChatMessage),
	}
	return StoreSet{
		Agents:   &MemoryAgentStore{db: db},
		Servers:  &MemoryServerStore{db: db},
		Sessions: &MemorySessionStore{db: db},
	}
}

type memoryDB struct {
	mu        sync.RWMutex
	agents    map[string]*models.Agent
	links     map[string][]string
	knowledge map[string][]*models.KnowledgeFile
	servers   map[string]*models.ToolServer
	sessions  map[string]*models.ChatSession
	messages  map[string][]*models.ChatMessage
}

// MemoryAgentStore provides an in-memory AgentStore.
type MemoryAgentStore struct {
	db *memoryDB
}

func (s *MemoryAgentStore) Create(ctx context.Context, agent *models.Agent) error {
	if agent == nil || agent.ID == "" {
		return fmt.Errorf("agent is required")
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, exists := s.db.agents[agent.ID]; exists {
		return ErrAlreadyExists
	}
	cp := *agent
	s.db.agents[agent.ID] = &cp
	return nil
}

func (s *MemoryAgentStore) Get(ctx context.Context, id string) (*models.Agent, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	agent, ok := s.db.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *agent
	return &cp, nil
}

func (s *MemoryAgentStore) List(ctx context.Context) ([]*models.Agent, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	agents := make([]*models.Agent, 0, len(s.db.agents))
	for _, agent := range s.db.agents {
		cp := *agent
		agents = append(agents, &cp)
	}
	sort.Slice(agents, func(i, j int) bool {
		if agents[i].CreatedAt.Equal(agents[j].CreatedAt) {
			return agents[i].ID < agents[j].ID
		}
		return agents[i].CreatedAt.Before(agents[j].CreatedAt)
	})
	return agents, nil
}

func (s *MemoryAgentStore) LinkServer(ctx context.Context, agentID, serverID string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.agents[agentID]; !ok {
		return fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	if _, ok := s.db.servers[serverID]; !ok {
		return fmt.Errorf("tool server %s: %w", serverID, ErrNotFound)
	}
	for _, id := range s.db.links[agentID] {
		if id == serverID {
			return nil
		}
	}
	s.db.links[agentID] = append(s.db.links[agentID], serverID)
	return nil
}

func (s *MemoryAgentStore) LinkedServerIDs(ctx context.Context, agentID string) ([]string, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	ids := make([]string, len(s.db.links[agentID]))
	copy(ids, s.db.links[agentID])
	return ids, nil
}

func (s *MemoryAgentStore) AddKnowledge(ctx context.Context, file *models.KnowledgeFile) error {
	if file == nil || file.AgentID == "" {
		return fmt.Errorf("knowledge file is required")
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.agents[file.AgentID]; !ok {
		return fmt.Errorf("agent %s: %w", file.AgentID, ErrNotFound)
	}
	if file.ID == "" {
		file.ID = uuid.NewString()
	}
	if file.CreatedAt.IsZero() {
		file.CreatedAt = time.Now()
	}
	cp := *file
	s.db.knowledge[file.AgentID] = append(s.db.knowledge[file.AgentID], &cp)
	return nil
}

func (s *MemoryAgentStore) ListKnowledge(ctx context.Context, agentID string) ([]*models.KnowledgeFile, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	files := make([]*models.KnowledgeFile, 0, len(s.db.knowledge[agentID]))
	for _, f := range s.db.knowledge[agentID] {
		cp := *f
		files = append(files, &cp)
	}
	return files, nil
}

// MemoryServerStore provides an in-memory ServerStore.
type MemoryServerStore struct {
	db *memoryDB
}

func (s *MemoryServerStore) Create(ctx context.Context, server *models.ToolServer) error {
	if server == nil || server.ID == "" {
		return fmt.Errorf("tool server is required")
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, exists := s.db.servers[server.ID]; exists {
		return ErrAlreadyExists
	}
	cp := *server
	s.db.servers[server.ID] = &cp
	return nil
}

func (s *MemoryServerStore) Get(ctx context.Context, id string) (*models.ToolServer, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	server, ok := s.db.servers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *server
	return &cp, nil
}

func (s *MemoryServerStore) List(ctx context.Context) ([]*models.ToolServer, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	servers := make([]*models.ToolServer, 0, len(s.db.servers))
	for _, server := range s.db.servers {
		cp := *server
		servers = append(servers, &cp)
	}
	sort.Slice(servers, func(i, j int) bool {
		if servers[i].CreatedAt.Equal(servers[j].CreatedAt) {
			return servers[i].ID < servers[j].ID
		}
		return servers[i].CreatedAt.Before(servers[j].CreatedAt)
	})
	return servers, nil
}

func (s *MemoryServerStore) Delete(ctx context.Context, id string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, exists := s.db.servers[id]; !exists {
		return ErrNotFound
	}
	delete(s.db.servers, id)
	for agentID, ids := range s.db.links {
		kept := ids[:0]
		for _, linked := range ids {
			if linked != id {
				kept = append(kept, linked)
			}
		}
		s.db.links[agentID] = kept
	}
	return nil
}

// MemorySessionStore provides an in-memory SessionStore.
type MemorySessionStore struct {
	db *memoryDB
}

func (s *MemorySessionStore) Create(ctx context.Context, session *models.ChatSession) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("session is required")
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, exists := s.db.sessions[session.ID]; exists {
		return ErrAlreadyExists
	}
	cp := *session
	s.db.sessions[session.ID] = &cp
	return nil
}

func (s *MemorySessionStore) Get(ctx context.Context, id string) (*models.ChatSession, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	session, ok := s.db.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *session
	return &cp, nil
}

func (s *MemorySessionStore) AddUsage(ctx context.Context, id string, usage models.Usage) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	session, ok := s.db.sessions[id]
	if !ok {
		return ErrNotFound
	}
	session.Usage.Add(&usage)
	session.UpdatedAt = time.Now()
	return nil
}

func (s *MemorySessionStore) AppendMessage(ctx context.Context, sessionID string, role models.Role, content string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.sessions[sessionID]; !ok {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	s.db.messages[sessionID] = append(s.db.messages[sessionID], &models.ChatMessage{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	})
	return nil
}

func (s *MemorySessionStore) ListMessages(ctx context.Context, sessionID string) ([]*models.ChatMessage, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	msgs := make([]*models.ChatMessage, 0, len(s.db.messages[sessionID]))
	for _, m := range s.db.messages[sessionID] {
		cp := *m
		msgs = append(msgs, &cp)
	}
	return msgs, nil
}
