package agent

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/toolchat/internal/admission"
	"github.com/haasonsaas/toolchat/pkg/models"
)

// scriptedProvider replays one chunk script per Complete call. Once the
// scripts run out, the last one repeats.
type scriptedProvider struct {
	mu       sync.Mutex
	scripts  [][]CompletionChunk
	calls    int
	requests []*CompletionRequest
	err      error
}

func (p *scriptedProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	idx := p.calls
	p.calls++
	p.mu.Unlock()

	if p.err != nil {
		return nil, p.err
	}

	var script []CompletionChunk
	if len(p.scripts) > 0 {
		if idx >= len(p.scripts) {
			idx = len(p.scripts) - 1
		}
		script = p.scripts[idx]
	}

	ch := make(chan *CompletionChunk)
	go func() {
		defer close(ch)
		for i := range script {
			chunk := script[i]
			select {
			case ch <- &chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type toolInvocation struct {
	providerID string
	name       string
	args       string
}

type fakeToolCaller struct {
	mu      sync.Mutex
	calls   []toolInvocation
	results map[string]string
	errs    map[string]error
}

func (f *fakeToolCaller) CallTool(ctx context.Context, providerID, name string, arguments []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, toolInvocation{providerID: providerID, name: name, args: string(arguments)})
	if err := f.errs[name]; err != nil {
		return "", err
	}
	return f.results[name], nil
}

type storedMessage struct {
	role    models.Role
	content string
}

type recordingStore struct {
	mu       sync.Mutex
	messages []storedMessage
	err      error
}

func (s *recordingStore) AppendMessage(ctx context.Context, sessionID string, role models.Role, content string) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	s.messages = append(s.messages, storedMessage{role: role, content: content})
	s.mu.Unlock()
	return nil
}

type mapRouter map[string]string

func (r mapRouter) Resolve(name string) (string, bool) {
	id, ok := r[name]
	return id, ok
}

func toolCallChunk(id, name, args string) CompletionChunk {
	return CompletionChunk{ToolCalls: []ToolCallDelta{{ID: id, Name: name, Arguments: args}}}
}

func usageChunk(prompt, completion int64) CompletionChunk {
	return CompletionChunk{Usage: &models.Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}}
}

func eventTypes(events []models.Event) []models.EventType {
	out := make([]models.EventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func TestRunTurn_PlainAnswer(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]CompletionChunk{
		{{Text: "Hel"}, {Text: "lo"}, usageChunk(7, 2)},
	}}
	store := &recordingStore{}
	orch := NewOrchestrator(provider, &fakeToolCaller{}, store, nil, nil)
	conv := NewConversation("s1", "a1", "be brief")
	sink := &BufferSink{}

	result, err := orch.RunTurn(context.Background(), conv, "hi", TurnOptions{Model: "m"}, sink)
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	if result.Content != "Hello" {
		t.Errorf("Content = %q, want Hello", result.Content)
	}
	if result.Rounds != 1 || result.MaxRoundsReached {
		t.Errorf("Rounds = %d, MaxRoundsReached = %v", result.Rounds, result.MaxRoundsReached)
	}
	if result.Usage.PromptTokens != 7 || result.Usage.CompletionTokens != 2 || result.Usage.TotalTokens != 9 {
		t.Errorf("Usage = %+v", result.Usage)
	}
	if got := sink.Text(); got != "Hello" {
		t.Errorf("streamed text = %q", got)
	}

	msgs := conv.Messages()
	if len(msgs) != 3 {
		t.Fatalf("history length = %d, want 3", len(msgs))
	}
	if msgs[0].Role != models.RoleSystem || msgs[0].Content != "be brief" {
		t.Errorf("system entry = %+v", msgs[0])
	}
	if msgs[1].Role != models.RoleUser || msgs[2].Role != models.RoleAssistant {
		t.Errorf("roles = %q, %q", msgs[1].Role, msgs[2].Role)
	}

	want := []storedMessage{
		{models.RoleUser, "hi"},
		{models.RoleAssistant, "Hello"},
	}
	if len(store.messages) != len(want) {
		t.Fatalf("persisted %d messages, want %d", len(store.messages), len(want))
	}
	for i := range want {
		if store.messages[i] != want[i] {
			t.Errorf("persisted[%d] = %+v, want %+v", i, store.messages[i], want[i])
		}
	}

	if provider.requests[0].Model != "m" {
		t.Errorf("request model = %q", provider.requests[0].Model)
	}
}

func TestRunTurn_ToolRoundTrip(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]CompletionChunk{
		{
			toolCallChunk("call_1", "add", `{"a":1,`),
			{ToolCalls: []ToolCallDelta{{Arguments: `"b":2}`}}},
			usageChunk(10, 3),
		},
		{{Text: "3"}, usageChunk(20, 1)},
	}}
	tools := &fakeToolCaller{results: map[string]string{"add": "3"}}
	store := &recordingStore{}
	orch := NewOrchestrator(provider, tools, store, nil, nil)
	conv := NewConversation("s1", "a1", "")
	sink := &BufferSink{}

	opts := TurnOptions{
		Tools:  []models.ToolSchema{{Name: "add"}},
		Router: mapRouter{"add": "calc"},
	}
	result, err := orch.RunTurn(context.Background(), conv, "1+2?", opts, sink)
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	if result.Content != "3" || result.Rounds != 2 {
		t.Errorf("result = %+v", result)
	}
	if result.Usage.PromptTokens != 30 || result.Usage.CompletionTokens != 4 || result.Usage.TotalTokens != 34 {
		t.Errorf("Usage = %+v, want summed rounds", result.Usage)
	}

	if len(tools.calls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(tools.calls))
	}
	call := tools.calls[0]
	if call.providerID != "calc" || call.name != "add" || call.args != `{"a":1,"b":2}` {
		t.Errorf("tool invocation = %+v", call)
	}

	events := sink.Events()
	wantTypes := []models.EventType{models.EventToolStart, models.EventToolEnd, models.EventToken}
	if got := eventTypes(events); !equalTypes(got, wantTypes) {
		t.Fatalf("event types = %v, want %v", got, wantTypes)
	}
	if *events[0].Input != `{"a":1,"b":2}` || events[0].Tool != "add" {
		t.Errorf("tool_start = %+v", events[0])
	}
	if *events[1].Result != "3" {
		t.Errorf("tool_end result = %q", *events[1].Result)
	}

	msgs := conv.Messages()
	// system, user, assistant(tool call), tool, assistant
	if len(msgs) != 5 {
		t.Fatalf("history length = %d, want 5", len(msgs))
	}
	toolMsg := msgs[3]
	if toolMsg.Role != models.RoleTool || toolMsg.ToolCallID != "call_1" || toolMsg.Content != "3" {
		t.Errorf("tool history entry = %+v", toolMsg)
	}
	if len(msgs[2].ToolCalls) != 1 {
		t.Errorf("assistant entry should carry the tool call: %+v", msgs[2])
	}

	// The tool-call round had no text, so only user, tool and final answer persist.
	want := []storedMessage{
		{models.RoleUser, "1+2?"},
		{models.RoleTool, "Tool: add\nResult: 3"},
		{models.RoleAssistant, "3"},
	}
	if len(store.messages) != len(want) {
		t.Fatalf("persisted = %+v", store.messages)
	}
	for i := range want {
		if store.messages[i] != want[i] {
			t.Errorf("persisted[%d] = %+v, want %+v", i, store.messages[i], want[i])
		}
	}

	// The second round must see the tool result.
	second := provider.requests[1].Messages
	if second[len(second)-1].Role != models.RoleTool {
		t.Errorf("second round last message role = %q", second[len(second)-1].Role)
	}
}

func equalTypes(a, b []models.EventType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestRunTurn_ToolResultVariants(t *testing.T) {
	tests := []struct {
		name       string
		call       CompletionChunk
		tools      *fakeToolCaller
		wantResult string
		wantCalls  int
	}{
		{
			name:       "unknown tool",
			call:       toolCallChunk("c1", "missing", `{}`),
			tools:      &fakeToolCaller{},
			wantResult: ToolNotFoundResult,
		},
		{
			name:       "tool error",
			call:       toolCallChunk("c1", "add", `{}`),
			tools:      &fakeToolCaller{errs: map[string]error{"add": errors.New("provider exploded")}},
			wantResult: "Error: provider exploded",
			wantCalls:  1,
		},
		{
			name:       "malformed arguments",
			call:       toolCallChunk("c1", "add", `{"a":`),
			tools:      &fakeToolCaller{},
			wantResult: "Error: malformed tool arguments",
		},
		{
			name:       "empty arguments",
			call:       toolCallChunk("c1", "add", ``),
			tools:      &fakeToolCaller{results: map[string]string{"add": "ok"}},
			wantResult: "ok",
			wantCalls:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := &scriptedProvider{scripts: [][]CompletionChunk{
				{tt.call},
				{{Text: "done"}},
			}}
			store := &recordingStore{}
			orch := NewOrchestrator(provider, tt.tools, store, nil, nil)
			conv := NewConversation("s", "a", "")
			sink := &BufferSink{}

			opts := TurnOptions{Router: mapRouter{"add": "calc"}}
			result, err := orch.RunTurn(context.Background(), conv, "go", opts, sink)
			if err != nil {
				t.Fatalf("RunTurn: %v", err)
			}
			if result.Content != "done" {
				t.Errorf("Content = %q", result.Content)
			}

			var end *models.Event
			for _, e := range sink.Events() {
				if e.Type == models.EventToolEnd {
					e := e
					end = &e
				}
			}
			if end == nil {
				t.Fatal("no tool_end event")
			}
			if !strings.HasPrefix(*end.Result, tt.wantResult) {
				t.Errorf("tool_end result = %q, want prefix %q", *end.Result, tt.wantResult)
			}
			if len(tt.tools.calls) != tt.wantCalls {
				t.Errorf("tool calls = %d, want %d", len(tt.tools.calls), tt.wantCalls)
			}

			var toolMsg *CompletionMessage
			for _, m := range conv.Messages() {
				if m.Role == models.RoleTool {
					m := m
					toolMsg = &m
				}
			}
			if toolMsg == nil {
				t.Fatal("no tool message in history")
			}
			if toolMsg.ToolCallID != "c1" || !strings.HasPrefix(toolMsg.Content, tt.wantResult) {
				t.Errorf("tool history entry = %+v, want id c1 and prefix %q", *toolMsg, tt.wantResult)
			}
			if tt.wantResult == ToolNotFoundResult && toolMsg.Content != ToolNotFoundResult {
				t.Errorf("tool history content = %q, want exactly %q", toolMsg.Content, ToolNotFoundResult)
			}

			var persisted string
			for _, m := range store.messages {
				if m.role == models.RoleTool {
					persisted = m.content
				}
			}
			wantPersisted := FormatToolMessage(tt.call.ToolCalls[0].Name, toolMsg.Content)
			if persisted != wantPersisted {
				t.Errorf("persisted tool row = %q, want %q", persisted, wantPersisted)
			}

			if tt.wantCalls == 1 && tt.tools.calls[0].args != "{}" && tt.name == "empty arguments" {
				t.Errorf("empty arguments sent as %q", tt.tools.calls[0].args)
			}
		})
	}
}

func TestRunTurn_MaxRounds(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]CompletionChunk{
		{toolCallChunk("c", "loop", `{}`), usageChunk(1, 1)},
	}}
	tools := &fakeToolCaller{results: map[string]string{"loop": "again"}}
	store := &recordingStore{}
	orch := NewOrchestrator(provider, tools, store, nil, nil)
	conv := NewConversation("s", "a", "")
	sink := &BufferSink{}

	result, err := orch.RunTurn(context.Background(), conv, "spin", TurnOptions{Router: mapRouter{"loop": "p"}}, sink)
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	if !result.MaxRoundsReached || result.Rounds != 5 {
		t.Errorf("result = %+v, want 5 rounds and limit reached", result)
	}
	if result.Content != MaxRoundsMessage {
		t.Errorf("Content = %q", result.Content)
	}
	if provider.callCount() != 5 {
		t.Errorf("model called %d times, want 5", provider.callCount())
	}
	if len(tools.calls) != 5 {
		t.Errorf("tool called %d times, want 5", len(tools.calls))
	}
	if result.Usage.TotalTokens != 10 {
		t.Errorf("TotalTokens = %d, want 10", result.Usage.TotalTokens)
	}

	events := sink.Events()
	last := events[len(events)-1]
	if last.Type != models.EventToken || last.Content != MaxRoundsMessage {
		t.Errorf("last event = %+v", last)
	}
	for _, m := range store.messages {
		if m.content == MaxRoundsMessage {
			t.Error("fallback message should not be persisted")
		}
	}
}

func TestRunTurn_CustomMaxRounds(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]CompletionChunk{{toolCallChunk("c", "loop", `{}`)}}}
	orch := NewOrchestrator(provider, &fakeToolCaller{}, nil, nil, &LoopConfig{MaxRounds: 2})

	result, err := orch.RunTurn(context.Background(), NewConversation("s", "a", ""), "x", TurnOptions{Router: mapRouter{"loop": "p"}}, &BufferSink{})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if result.Rounds != 2 || provider.callCount() != 2 {
		t.Errorf("rounds = %d, calls = %d, want 2", result.Rounds, provider.callCount())
	}
}

func TestRunTurn_ModelErrors(t *testing.T) {
	rateLimited := &ModelError{Provider: "scripted", StatusCode: 429, Err: errors.New("slow down")}

	tests := []struct {
		name      string
		provider  *scriptedProvider
		wantLimit bool
	}{
		{
			name:      "rate limited on open",
			provider:  &scriptedProvider{err: rateLimited},
			wantLimit: true,
		},
		{
			name: "mid-stream failure",
			provider: &scriptedProvider{scripts: [][]CompletionChunk{
				{{Text: "partial"}, {Error: errors.New("connection reset")}},
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate := admission.NewGate(1, nil, nil)
			orch := NewOrchestrator(tt.provider, &fakeToolCaller{}, nil, gate, nil)
			conv := NewConversation("s", "a", "")

			_, err := orch.RunTurn(context.Background(), conv, "hi", TurnOptions{}, &BufferSink{})
			if err == nil {
				t.Fatal("expected error")
			}
			if IsRateLimited(err) != tt.wantLimit {
				t.Errorf("IsRateLimited = %v, want %v", IsRateLimited(err), tt.wantLimit)
			}
			if gate.InFlight() != 0 {
				t.Errorf("slot leaked: InFlight = %d", gate.InFlight())
			}
		})
	}
}

func TestRunTurn_FailureLogsTraceID(t *testing.T) {
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))

	provider := &scriptedProvider{scripts: [][]CompletionChunk{
		{toolCallChunk("c1", "add", `{}`)},
		{{Error: errors.New("connection reset")}},
	}}
	tools := &fakeToolCaller{errs: map[string]error{"add": errors.New("provider exploded")}}
	orch := NewOrchestrator(provider, tools, nil, nil, &LoopConfig{Logger: logger})

	_, err := orch.RunTurn(ctx, NewConversation("s", "a", ""), "go", TurnOptions{Router: mapRouter{"add": "calc"}}, &BufferSink{})
	if err == nil {
		t.Fatal("expected model error")
	}

	out := logs.String()
	for _, msg := range []string{"tool execution failed", "model round failed"} {
		found := false
		for _, line := range strings.Split(out, "\n") {
			if strings.Contains(line, msg) {
				found = true
				if !strings.Contains(line, `"trace_id":"`+traceID.String()+`"`) {
					t.Errorf("%q log line missing trace id: %s", msg, line)
				}
			}
		}
		if !found {
			t.Errorf("no %q log line in:\n%s", msg, out)
		}
	}
}

func TestRunTurn_SinkErrorAborts(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]CompletionChunk{
		{{Text: "a"}, {Text: "b"}, {Text: "c"}},
	}}
	gate := admission.NewGate(1, nil, nil)
	orch := NewOrchestrator(provider, &fakeToolCaller{}, nil, gate, nil)

	closed := errors.New("client gone")
	var emitted atomic.Int32
	sink := SinkFunc(func(ctx context.Context, e models.Event) error {
		emitted.Add(1)
		return closed
	})

	done := make(chan error, 1)
	go func() {
		_, err := orch.RunTurn(context.Background(), NewConversation("s", "a", ""), "hi", TurnOptions{}, sink)
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, closed) {
			t.Errorf("err = %v, want sink error", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RunTurn did not return after sink failure")
	}
	if emitted.Load() != 1 {
		t.Errorf("emitted %d events, want 1", emitted.Load())
	}
	if gate.InFlight() != 0 {
		t.Errorf("slot leaked: InFlight = %d", gate.InFlight())
	}
}

func TestRunTurn_StoreError(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]CompletionChunk{{{Text: "x"}}}}
	store := &recordingStore{err: errors.New("disk full")}
	orch := NewOrchestrator(provider, nil, store, nil, nil)

	_, err := orch.RunTurn(context.Background(), NewConversation("s", "a", ""), "hi", TurnOptions{}, &BufferSink{})
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Errorf("err = %v, want persistence failure", err)
	}
	if provider.callCount() != 0 {
		t.Error("model should not be called when the user message cannot be stored")
	}
}

func TestRunTurn_NoProvider(t *testing.T) {
	orch := NewOrchestrator(nil, nil, nil, nil, nil)
	_, err := orch.RunTurn(context.Background(), NewConversation("s", "a", ""), "hi", TurnOptions{}, &BufferSink{})
	if !errors.Is(err, ErrNoProvider) {
		t.Errorf("err = %v, want ErrNoProvider", err)
	}
}

func TestRunTurn_AdmissionBlocksExtraTurns(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 4)
	provider := &scriptedProvider{}
	blocking := &blockingProvider{inner: provider, started: started, release: release}

	gate := admission.NewGate(1, nil, nil)
	orch := NewOrchestrator(blocking, nil, nil, gate, nil)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = orch.RunTurn(context.Background(), NewConversation("s", "a", ""), "hi", TurnOptions{}, &BufferSink{})
		}()
	}

	<-started
	select {
	case <-started:
		t.Fatal("second turn started while the only slot was held")
	case <-time.After(50 * time.Millisecond):
	}
	if gate.Waiting() != 1 {
		t.Errorf("Waiting = %d, want 1", gate.Waiting())
	}

	close(release)
	wg.Wait()
	if gate.InFlight() != 0 {
		t.Errorf("InFlight = %d after all turns", gate.InFlight())
	}
}

type blockingProvider struct {
	inner   LLMProvider
	started chan struct{}
	release chan struct{}
}

func (p *blockingProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	p.started <- struct{}{}
	<-p.release
	return p.inner.Complete(ctx, req)
}

func (p *blockingProvider) Name() string { return "blocking" }

func TestSanitizeLoopConfig(t *testing.T) {
	cfg := sanitizeLoopConfig(&LoopConfig{MaxRounds: -1, MaxTokens: -5})
	if cfg.MaxRounds != 5 {
		t.Errorf("MaxRounds = %d, want 5", cfg.MaxRounds)
	}
	if cfg.MaxTokens != 0 {
		t.Errorf("MaxTokens = %d, want 0", cfg.MaxTokens)
	}
	if cfg.Logger == nil {
		t.Error("Logger should default")
	}
	if sanitizeLoopConfig(nil).MaxRounds != 5 {
		t.Error("nil config should use defaults")
	}
}
