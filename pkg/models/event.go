package models

// EventType identifies the kind of event streamed to a chat client.
type EventType string

const (
	EventToken     EventType = "token"
	EventToolStart EventType = "tool_start"
	EventToolEnd   EventType = "tool_end"
	EventError     EventType = "error"
	EventDone      EventType = "done"
)

// Event is one frame of the ordered per-conversation output stream.
//
// Exactly the fields relevant to Type are set:
//   - token: Content
//   - tool_start: Tool, Input
//   - tool_end: Tool, Result
//   - error: Content
//   - done: Tokens
type Event struct {
	Type    EventType `json:"type"`
	Content string    `json:"content,omitempty"`
	Tool    string    `json:"tool,omitempty"`
	Input   *string   `json:"input,omitempty"`
	Result  *string   `json:"result,omitempty"`
	Tokens  *Usage    `json:"tokens,omitempty"`
}

// TokenEvent streams a fragment of assistant text.
func TokenEvent(content string) Event {
	return Event{Type: EventToken, Content: content}
}

// ToolStartEvent announces that a tool call is about to run.
func ToolStartEvent(tool, input string) Event {
	return Event{Type: EventToolStart, Tool: tool, Input: &input}
}

// ToolEndEvent carries the normalized text result of a tool call.
func ToolEndEvent(tool, result string) Event {
	return Event{Type: EventToolEnd, Tool: tool, Result: &result}
}

// ErrorEvent reports a terminal failure of the current turn.
func ErrorEvent(message string) Event {
	return Event{Type: EventError, Content: message}
}

// DoneEvent closes a turn and reports its token usage.
func DoneEvent(usage Usage) Event {
	return Event{Type: EventDone, Tokens: &usage}
}
