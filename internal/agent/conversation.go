package agent

import (
	"sync"

	"github.com/haasonsaas/toolchat/pkg/models"
)

// Conversation is the append-only model-facing history of one chat
// session. It is owned by a single connection; the mutex only guards
// concurrent readers such as status endpoints.
type Conversation struct {
	SessionID string
	AgentID   string

	mu       sync.RWMutex
	messages []CompletionMessage
}

// NewConversation starts a history with the given system prompt. An empty
// prompt still produces a system entry so the history shape is fixed.
func NewConversation(sessionID, agentID, systemPrompt string) *Conversation {
	return &Conversation{
		SessionID: sessionID,
		AgentID:   agentID,
		messages: []CompletionMessage{{
			Role:    models.RoleSystem,
			Content: systemPrompt,
		}},
	}
}

// Append adds msg to the end of the history.
func (c *Conversation) Append(msg CompletionMessage) {
	c.mu.Lock()
	c.messages = append(c.messages, msg)
	c.mu.Unlock()
}

// Messages returns a snapshot of the history.
func (c *Conversation) Messages() []CompletionMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]CompletionMessage, len(c.messages))
	copy(out, c.messages)
	return out
}

// Len returns the number of history entries.
func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages)
}
