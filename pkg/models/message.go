// Package models provides domain types for the toolchat orchestration service.
package models

import (
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleTool:
		return true
	default:
		return false
	}
}

// ChatMessage is a persisted conversation message.
type ChatMessage struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// ToolCall is a finalized tool invocation requested by the model.
// Arguments holds the raw argument text exactly as streamed.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ChatSession represents one conversation with an agent and its lifetime
// token counters.
type ChatSession struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	Usage     Usage     `json:"usage"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Agent represents a configured chat agent.
type Agent struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	SystemPrompt     string    `json:"system_prompt"`
	Model            string    `json:"model"`
	ReasoningEnabled bool      `json:"reasoning_enabled"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// KnowledgeFile is a text document injected into an agent's system prompt.
type KnowledgeFile struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	Filename  string    `json:"filename"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
