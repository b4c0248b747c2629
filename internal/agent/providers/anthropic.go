package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/haasonsaas/toolchat/internal/agent"
	"github.com/haasonsaas/toolchat/pkg/models"
)

const (
	defaultAnthropicModel     = "claude-sonnet-4-20250514"
	defaultAnthropicMaxTokens = 4096
)

// AnthropicConfig configures the Anthropic provider.
type AnthropicConfig struct {
	APIKey string

	// BaseURL overrides the API endpoint.
	BaseURL string

	// MaxRetries is passed to the SDK, which retries rate limits and
	// server errors before the stream opens. Default: 3.
	MaxRetries int

	// Timeout bounds one request. Default: 300s.
	Timeout time.Duration

	DefaultModel string

	// MaxTokens is required by the Messages API. Default: 4096.
	MaxTokens int
}

// AnthropicProvider streams completions from the Anthropic Messages API.
//
// Stream events map onto chunks as follows:
//   - content_block_start (tool_use): a ToolCallDelta opening the call
//   - content_block_delta: text_delta → Text, thinking_delta → Reasoning,
//     input_json_delta → ToolCallDelta arguments
//   - message_start / message_delta: Usage
//
// System messages are lifted into the request's system field; consecutive
// tool results are folded into one user message of tool_result blocks.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
	maxTokens    int
}

// NewAnthropicProvider creates a provider. An API key is required.
func NewAnthropicProvider(config AnthropicConfig) (*AnthropicProvider, error) {
	if strings.TrimSpace(config.APIKey) == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultOpenAITimeout
	}
	if config.DefaultModel == "" {
		config.DefaultModel = defaultAnthropicModel
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = defaultAnthropicMaxTokens
	}

	opts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		option.WithMaxRetries(config.MaxRetries),
		option.WithRequestTimeout(config.Timeout),
	}
	if strings.TrimSpace(config.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}

	return &AnthropicProvider{
		client:       anthropic.NewClient(opts...),
		defaultModel: config.DefaultModel,
		maxTokens:    config.MaxTokens,
	}, nil
}

// Name returns "anthropic".
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// DefaultModel returns the model used when a request names none.
func (p *AnthropicProvider) DefaultModel() string {
	return p.defaultModel
}

// Complete starts a streaming message request.
func (p *AnthropicProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	params, err := p.buildParams(model, req)
	if err != nil {
		return nil, err
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	chunks := make(chan *agent.CompletionChunk)
	go p.processStream(ctx, stream, model, chunks)
	return chunks, nil
}

func (p *AnthropicProvider) buildParams(model string, req *agent.CompletionRequest) (anthropic.MessageNewParams, error) {
	maxTokens := p.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  convertToAnthropicMessages(req.Messages),
		MaxTokens: int64(maxTokens),
	}

	var system []string
	for _, msg := range req.Messages {
		if msg.Role == models.RoleSystem && msg.Content != "" {
			system = append(system, msg.Content)
		}
	}
	if len(system) > 0 {
		params.System = []anthropic.TextBlockParam{{
			Type: "text",
			Text: strings.Join(system, "\n\n"),
		}}
	}

	if len(req.Tools) > 0 {
		tools, err := convertToAnthropicTools(req.Tools)
		if err != nil {
			return params, err
		}
		params.Tools = tools
	}
	return params, nil
}

func (p *AnthropicProvider) processStream(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], model string, chunks chan<- *agent.CompletionChunk) {
	defer close(chunks)
	defer stream.Close()

	send := func(chunk *agent.CompletionChunk) bool {
		select {
		case chunks <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var usage models.Usage
	for stream.Next() {
		event := stream.Current()

		var chunk *agent.CompletionChunk
		switch event.Type {
		case "message_start":
			usage.PromptTokens = event.AsMessageStart().Message.Usage.InputTokens

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				chunk = &agent.CompletionChunk{ToolCalls: []agent.ToolCallDelta{{
					ID:   toolUse.ID,
					Name: toolUse.Name,
				}}}
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					chunk = &agent.CompletionChunk{Text: delta.Text}
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					chunk = &agent.CompletionChunk{Reasoning: delta.Thinking}
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					chunk = &agent.CompletionChunk{ToolCalls: []agent.ToolCallDelta{{
						Arguments: delta.PartialJSON,
					}}}
				}
			}

		case "message_delta":
			usage.CompletionTokens = event.AsMessageDelta().Usage.OutputTokens
			usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
			u := usage
			chunk = &agent.CompletionChunk{Usage: &u}

		case "message_stop":
			return

		case "error":
			send(&agent.CompletionChunk{Error: wrapError(p.Name(), model, errors.New("anthropic stream error"))})
			return
		}

		if chunk != nil && !send(chunk) {
			return
		}
	}

	if err := stream.Err(); err != nil {
		send(&agent.CompletionChunk{Error: wrapError(p.Name(), model, err)})
	}
}

func convertToAnthropicMessages(messages []agent.CompletionMessage) []anthropic.MessageParam {
	var result []anthropic.MessageParam
	var toolResults []anthropic.ContentBlockParamUnion

	flushToolResults := func() {
		if len(toolResults) > 0 {
			result = append(result, anthropic.NewUserMessage(toolResults...))
			toolResults = nil
		}
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			continue

		case models.RoleTool:
			toolResults = append(toolResults, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))
			continue

		case models.RoleAssistant:
			flushToolResults()
			var content []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				content = append(content, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				content = append(content, anthropic.NewToolUseBlock(tc.ID, toolInput(tc.Arguments), tc.Name))
			}
			if len(content) == 0 {
				continue
			}
			result = append(result, anthropic.NewAssistantMessage(content...))

		default:
			flushToolResults()
			result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	flushToolResults()
	return result
}

// toolInput decodes streamed arguments for replay. Anything that is not a
// JSON object replays as an empty object.
func toolInput(arguments string) map[string]any {
	input := map[string]any{}
	if strings.TrimSpace(arguments) == "" {
		return input
	}
	if err := json.Unmarshal([]byte(arguments), &input); err != nil || input == nil {
		return map[string]any{}
	}
	return input
}

func convertToAnthropicTools(tools []models.ToolSchema) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(toolParameters(tool.Parameters), &schema); err != nil {
			return nil, fmt.Errorf("anthropic: invalid tool schema for %s: %w", tool.Name, err)
		}

		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("anthropic: invalid tool schema for %s: missing tool definition", tool.Name)
		}
		if tool.Description != "" {
			param.OfTool.Description = anthropic.String(tool.Description)
		}
		result = append(result, param)
	}
	return result, nil
}

var _ agent.LLMProvider = (*AnthropicProvider)(nil)
