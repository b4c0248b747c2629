package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/haasonsaas/toolchat/internal/admission"
	"github.com/haasonsaas/toolchat/internal/observability"
	"github.com/haasonsaas/toolchat/pkg/models"
)

const (
	// ToolNotFoundResult is fed back to the model for an unroutable tool name.
	ToolNotFoundResult = "Tool not found or not linked to this agent."

	// MaxRoundsMessage ends a turn whose every round requested tools.
	MaxRoundsMessage = "Max chat turns reached."
)

// LoopConfig configures the turn loop.
type LoopConfig struct {
	// MaxRounds limits model rounds per user message.
	// Default: 5
	MaxRounds int

	// MaxTokens is passed to the provider for each round (0 = provider default).
	MaxTokens int

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// DefaultLoopConfig returns the default loop configuration.
func DefaultLoopConfig() *LoopConfig {
	return &LoopConfig{MaxRounds: 5}
}

func sanitizeLoopConfig(config *LoopConfig) *LoopConfig {
	if config == nil {
		config = DefaultLoopConfig()
	}
	cfg := *config
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = DefaultLoopConfig().MaxRounds
	}
	if cfg.MaxTokens < 0 {
		cfg.MaxTokens = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &cfg
}

// ToolRouter maps a tool name to the provider that serves it.
type ToolRouter interface {
	Resolve(name string) (providerID string, ok bool)
}

// TurnOptions are the per-turn inputs besides the user message.
type TurnOptions struct {
	Model            string
	Tools            []models.ToolSchema
	Router           ToolRouter
	IncludeReasoning bool
}

// TurnResult summarizes a finished turn.
type TurnResult struct {
	// Usage is the sum of every round's reported usage.
	Usage models.Usage

	// Content is the final assistant text, or MaxRoundsMessage.
	Content string

	// Rounds is the number of model rounds that ran.
	Rounds int

	// MaxRoundsReached is true when every round requested tools.
	MaxRoundsReached bool
}

// Orchestrator drives the tool-calling chat loop for one user message.
//
// Per turn:
//
//	AWAIT_MODEL ──▶ stream round ──▶ tool calls? ──no──▶ FINAL
//	     ▲                                │
//	     │                               yes
//	     │                                ▼
//	     └──────────────────────── EXECUTING_TOOLS
//
// After MaxRounds rounds that all requested tools the turn ends with
// MaxRoundsMessage. Tool calls in a round run sequentially in arrival order.
type Orchestrator struct {
	provider LLMProvider
	tools    ToolCaller
	store    MessageStore
	gate     *admission.Gate
	config   *LoopConfig
	logger   *slog.Logger
}

// NewOrchestrator creates a turn loop. gate may be nil to run unbounded.
func NewOrchestrator(provider LLMProvider, tools ToolCaller, store MessageStore, gate *admission.Gate, config *LoopConfig) *Orchestrator {
	cfg := sanitizeLoopConfig(config)
	return &Orchestrator{
		provider: provider,
		tools:    tools,
		store:    store,
		gate:     gate,
		config:   cfg,
		logger:   cfg.Logger.With("component", "orchestrator"),
	}
}

// RunTurn appends userMsg to conv, persists it, then runs model rounds
// under an admission slot until the model stops requesting tools or the
// round limit is hit. Model failures and sink failures end the turn with an
// error; tool failures are fed back to the model as results.
func (o *Orchestrator) RunTurn(ctx context.Context, conv *Conversation, userMsg string, opts TurnOptions, sink EventSink) (*TurnResult, error) {
	if o.provider == nil {
		return nil, ErrNoProvider
	}

	conv.Append(CompletionMessage{Role: models.RoleUser, Content: userMsg})
	if err := o.persist(ctx, conv.SessionID, models.RoleUser, userMsg); err != nil {
		return nil, err
	}

	var result *TurnResult
	run := func(ctx context.Context) error {
		var err error
		result, err = o.runRounds(ctx, conv, opts, sink)
		return err
	}

	start := time.Now()
	var err error
	if o.gate != nil {
		err = o.gate.Do(ctx, run)
	} else {
		err = run(ctx)
	}

	status := "success"
	switch {
	case err != nil:
		status = "error"
	case result.MaxRoundsReached:
		status = "max_rounds"
	}
	o.config.Metrics.RecordTurn(status, time.Since(start).Seconds())
	return result, err
}

func (o *Orchestrator) runRounds(ctx context.Context, conv *Conversation, opts TurnOptions, sink EventSink) (*TurnResult, error) {
	ctx, span := o.config.Tracer.TraceTurn(ctx, conv.SessionID, opts.Model)
	defer span.End()

	result := &TurnResult{}
	for round := 1; round <= o.config.MaxRounds; round++ {
		result.Rounds = round

		acc, err := o.streamPhase(ctx, conv, opts, round, sink)
		if err != nil {
			o.config.Tracer.RecordError(span, err)
			return result, err
		}
		result.Usage.Add(acc.Usage())

		msg := acc.Message()
		conv.Append(msg)
		if msg.Content != "" {
			if err := o.persist(ctx, conv.SessionID, models.RoleAssistant, msg.Content); err != nil {
				return result, err
			}
		}

		if len(msg.ToolCalls) == 0 {
			result.Content = msg.Content
			return result, nil
		}

		if err := o.executeToolsPhase(ctx, conv, opts, msg.ToolCalls, sink); err != nil {
			o.config.Tracer.RecordError(span, err)
			return result, err
		}
	}

	o.logger.Info("round limit reached",
		"session_id", conv.SessionID,
		"rounds", o.config.MaxRounds)
	result.MaxRoundsReached = true
	result.Content = MaxRoundsMessage
	if err := sink.Emit(ctx, models.TokenEvent(MaxRoundsMessage)); err != nil {
		return result, fmt.Errorf("emit event: %w", err)
	}
	return result, nil
}

// streamPhase runs one model round and streams its text to sink.
func (o *Orchestrator) streamPhase(ctx context.Context, conv *Conversation, opts TurnOptions, round int, sink EventSink) (*Accumulator, error) {
	ctx, span := o.config.Tracer.TraceModelRound(ctx, opts.Model, round)
	defer span.End()

	start := time.Now()
	req := &CompletionRequest{
		Model:     opts.Model,
		Messages:  conv.Messages(),
		Tools:     opts.Tools,
		MaxTokens: o.config.MaxTokens,
	}

	acc := NewAccumulator(opts.IncludeReasoning)
	err := o.consumeStream(ctx, req, acc, sink)
	acc.Finish()

	var prompt, completion int64
	if u := acc.Usage(); u != nil {
		prompt, completion = u.PromptTokens, u.CompletionTokens
	}
	status := "success"
	if err != nil {
		status = "error"
		if IsRateLimited(err) {
			status = "rate_limited"
		}
		o.config.Tracer.RecordError(span, err)
		o.logger.Error("model round failed",
			"session_id", conv.SessionID,
			"provider", o.provider.Name(),
			"model", opts.Model,
			"round", round,
			"trace_id", observability.GetTraceID(ctx),
			"error", err)
	}
	o.config.Metrics.RecordLLMRequest(o.provider.Name(), opts.Model, status, time.Since(start).Seconds(), prompt, completion)

	if err != nil {
		return nil, err
	}
	return acc, nil
}

func (o *Orchestrator) consumeStream(ctx context.Context, req *CompletionRequest, acc *Accumulator, sink EventSink) error {
	chunks, err := o.provider.Complete(ctx, req)
	if err != nil {
		return err
	}

	// The channel is always drained so the provider goroutine can exit.
	var streamErr error
	for chunk := range chunks {
		if streamErr != nil {
			continue
		}
		if chunk.Error != nil {
			streamErr = chunk.Error
			continue
		}
		if text := acc.Add(chunk); text != "" {
			if err := sink.Emit(ctx, models.TokenEvent(text)); err != nil {
				streamErr = fmt.Errorf("emit event: %w", err)
			}
		}
	}
	return streamErr
}

// executeToolsPhase runs each tool call in order and appends its result.
func (o *Orchestrator) executeToolsPhase(ctx context.Context, conv *Conversation, opts TurnOptions, calls []models.ToolCall, sink EventSink) error {
	for _, call := range calls {
		if err := sink.Emit(ctx, models.ToolStartEvent(call.Name, call.Arguments)); err != nil {
			return fmt.Errorf("emit event: %w", err)
		}

		text := o.executeTool(ctx, conv.SessionID, opts.Router, call)

		if err := sink.Emit(ctx, models.ToolEndEvent(call.Name, text)); err != nil {
			return fmt.Errorf("emit event: %w", err)
		}

		conv.Append(CompletionMessage{
			Role:       models.RoleTool,
			Content:    text,
			ToolCallID: call.ID,
			Name:       call.Name,
		})
		if err := o.persist(ctx, conv.SessionID, models.RoleTool, FormatToolMessage(call.Name, text)); err != nil {
			return err
		}
	}
	return nil
}

// executeTool never fails: every problem becomes result text for the model.
func (o *Orchestrator) executeTool(ctx context.Context, sessionID string, router ToolRouter, call models.ToolCall) string {
	start := time.Now()

	var providerID string
	ok := false
	if router != nil {
		providerID, ok = router.Resolve(call.Name)
	}
	if !ok {
		o.config.Metrics.RecordToolExecution(call.Name, "not_found", time.Since(start).Seconds())
		o.logger.Warn("model requested unknown tool",
			"session_id", sessionID,
			"tool", call.Name)
		return ToolNotFoundResult
	}

	ctx, span := o.config.Tracer.TraceToolCall(ctx, call.Name, providerID)
	defer span.End()

	args, err := ParseToolArguments(call.Arguments)
	if err != nil {
		o.config.Tracer.RecordError(span, err)
		o.config.Metrics.RecordToolExecution(call.Name, "bad_arguments", time.Since(start).Seconds())
		return "Error: " + err.Error()
	}

	if o.tools == nil {
		return "Error: no tool caller configured"
	}
	text, err := o.tools.CallTool(ctx, providerID, call.Name, args)
	if err != nil {
		o.config.Tracer.RecordError(span, err)
		o.config.Metrics.RecordToolExecution(call.Name, "error", time.Since(start).Seconds())
		o.logger.Warn("tool execution failed",
			"session_id", sessionID,
			"tool", call.Name,
			"provider", providerID,
			"trace_id", observability.GetTraceID(ctx),
			"error", err)
		return "Error: " + err.Error()
	}

	o.config.Metrics.RecordToolExecution(call.Name, "success", time.Since(start).Seconds())
	return text
}

func (o *Orchestrator) persist(ctx context.Context, sessionID string, role models.Role, content string) error {
	if o.store == nil {
		return nil
	}
	if err := o.store.AppendMessage(ctx, sessionID, role, content); err != nil {
		return fmt.Errorf("persist %s message: %w", role, err)
	}
	return nil
}

// ParseToolArguments validates streamed argument text as a JSON object.
// Blank text is treated as an empty object.
func ParseToolArguments(raw string) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace([]byte(raw))
	if len(trimmed) == 0 {
		return json.RawMessage(`{}`), nil
	}
	var obj map[string]any
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToolArguments, err)
	}
	if obj == nil {
		return nil, fmt.Errorf("%w: expected a JSON object", ErrMalformedToolArguments)
	}
	return json.RawMessage(trimmed), nil
}

// FormatToolMessage renders a tool result for the persisted transcript.
func FormatToolMessage(name, result string) string {
	return "Tool: " + name + "\nResult: " + result
}
