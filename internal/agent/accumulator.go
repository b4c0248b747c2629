package agent

import (
	"strings"

	"github.com/haasonsaas/toolchat/pkg/models"
)

// Accumulator assembles one streamed model round into a complete assistant
// message.
//
// Content policy: a chunk's primary text is emitted as-is. When it is empty
// and reasoning is enabled, the chunk's reasoning text is emitted instead.
// Both feed one content buffer in arrival order.
//
// Tool-call policy: a fragment with a new id finalizes the pending call and
// opens another; a fragment without an id (or repeating the pending id)
// appends its arguments to the pending call. Fragments that arrive before
// any call is open are dropped. Finish finalizes whatever is still pending.
type Accumulator struct {
	includeReasoning bool

	content  strings.Builder
	calls    []models.ToolCall
	pending  *models.ToolCall
	usage    *models.Usage
	finished bool
}

// NewAccumulator creates an accumulator for one round.
func NewAccumulator(includeReasoning bool) *Accumulator {
	return &Accumulator{includeReasoning: includeReasoning}
}

// Add folds chunk into the round and returns the text to stream to the
// client, or "" if the chunk carries none.
func (a *Accumulator) Add(chunk *CompletionChunk) string {
	if chunk == nil {
		return ""
	}
	if chunk.Usage != nil {
		u := *chunk.Usage
		a.usage = &u
	}

	text := chunk.Text
	if text == "" && a.includeReasoning {
		text = chunk.Reasoning
	}
	if text != "" {
		a.content.WriteString(text)
	}

	for _, delta := range chunk.ToolCalls {
		a.addToolDelta(delta)
	}
	return text
}

func (a *Accumulator) addToolDelta(delta ToolCallDelta) {
	if delta.ID != "" && (a.pending == nil || a.pending.ID != delta.ID) {
		if a.pending != nil {
			a.calls = append(a.calls, *a.pending)
		}
		a.pending = &models.ToolCall{ID: delta.ID, Name: delta.Name}
	}
	if a.pending == nil {
		return
	}
	if a.pending.Name == "" && delta.Name != "" {
		a.pending.Name = delta.Name
	}
	a.pending.Arguments += delta.Arguments
}

// Finish finalizes any pending tool call. Further calls are no-ops.
func (a *Accumulator) Finish() {
	if a.finished {
		return
	}
	a.finished = true
	if a.pending != nil {
		a.calls = append(a.calls, *a.pending)
		a.pending = nil
	}
}

// Content returns the concatenated text of the round.
func (a *Accumulator) Content() string {
	return a.content.String()
}

// ToolCalls returns the finalized tool calls in arrival order.
func (a *Accumulator) ToolCalls() []models.ToolCall {
	return a.calls
}

// Usage returns the last usage record seen in the round, or nil.
func (a *Accumulator) Usage() *models.Usage {
	return a.usage
}

// Message builds the assistant history entry for the round.
func (a *Accumulator) Message() CompletionMessage {
	return CompletionMessage{
		Role:      models.RoleAssistant,
		Content:   a.Content(),
		ToolCalls: a.ToolCalls(),
	}
}
