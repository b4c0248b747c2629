package agent

import (
	"context"

	"github.com/haasonsaas/toolchat/pkg/models"
)

// LLMProvider streams chat completions from a model backend.
//
// Implementations translate the provider's wire stream into CompletionChunk
// values without interpreting them: content and reasoning deltas are passed
// through as they arrive, tool-call fragments are forwarded unassembled, and
// usage is reported on whichever chunk the provider attaches it to. The
// Accumulator applies all assembly policy.
//
// Thread Safety:
// Implementations must be safe for concurrent use. Many conversations call
// Complete at the same time.
//
// See Also:
//   - providers.OpenAIProvider for OpenAI-compatible backends (Z.ai by default)
//   - providers.AnthropicProvider for Anthropic Claude
type LLMProvider interface {
	// Complete starts a streaming completion. The returned channel is closed
	// when the stream ends; a chunk with a non-nil Error is always the last.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name returns the provider name used in metrics and errors.
	Name() string
}

// CompletionRequest contains the parameters for one model round.
type CompletionRequest struct {
	// Model is the provider model id. Empty means the provider default.
	Model string `json:"model"`

	// Messages is the full conversation history, system prompt first.
	Messages []CompletionMessage `json:"messages"`

	// Tools are the functions the model may call. Empty disables tool calling.
	Tools []models.ToolSchema `json:"tools,omitempty"`

	// MaxTokens limits the response length. Zero means the provider default.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// CompletionMessage is one entry of the model-facing history.
//
// Role values: "system", "user", "assistant", "tool". Assistant messages may
// carry ToolCalls; tool messages carry the ToolCallID they answer.
type CompletionMessage struct {
	Role       models.Role       `json:"role"`
	Content    string            `json:"content,omitempty"`
	ToolCalls  []models.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	Name       string            `json:"name,omitempty"`
}

// ToolCallDelta is one streamed fragment of a tool call. ID and Name are
// set only on the fragment that opens a call; Arguments holds the next
// piece of the argument text.
type ToolCallDelta struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// CompletionChunk is one element of a streamed completion.
//
// A chunk may carry any combination of:
//   - Text: primary content delta
//   - Reasoning: alternate reasoning delta some providers stream separately
//   - ToolCalls: tool-call fragments in arrival order
//   - Usage: token counters (typically only on the final chunk)
//   - Error: a terminal stream failure
type CompletionChunk struct {
	Text      string          `json:"text,omitempty"`
	Reasoning string          `json:"reasoning,omitempty"`
	ToolCalls []ToolCallDelta `json:"tool_calls,omitempty"`
	Usage     *models.Usage   `json:"usage,omitempty"`
	Error     error           `json:"-"`
}

// ToolCaller invokes a tool on the provider that serves it and returns the
// result as plain text.
type ToolCaller interface {
	CallTool(ctx context.Context, providerID, name string, arguments []byte) (string, error)
}

// MessageStore persists finalized conversation messages.
type MessageStore interface {
	AppendMessage(ctx context.Context, sessionID string, role models.Role, content string) error
}
