package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/toolchat/internal/agent"
)

func TestStatusCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"plain", errors.New("x"), 0},
		{"openai api", &openai.APIError{HTTPStatusCode: 429}, 429},
		{"openai request", &openai.RequestError{HTTPStatusCode: 502, Err: errors.New("bad gateway")}, 502},
		{"wrapped", fmt.Errorf("open: %w", &openai.APIError{HTTPStatusCode: 401}), 401},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StatusCode(tt.err); got != tt.want {
				t.Errorf("StatusCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"rate limit", &openai.APIError{HTTPStatusCode: http.StatusTooManyRequests}, true},
		{"server", &openai.APIError{HTTPStatusCode: http.StatusServiceUnavailable}, true},
		{"bad request", &openai.APIError{HTTPStatusCode: http.StatusBadRequest}, false},
		{"auth", &openai.APIError{HTTPStatusCode: http.StatusUnauthorized}, false},
		{"unknown", errors.New("x"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWrapError(t *testing.T) {
	if wrapError("p", "m", nil) != nil {
		t.Error("nil should stay nil")
	}
	if err := wrapError("p", "m", context.Canceled); !errors.Is(err, context.Canceled) {
		t.Errorf("cancellation should pass through, got %v", err)
	}

	existing := &agent.ModelError{Provider: "other"}
	if got := wrapError("p", "m", existing); got != existing {
		t.Error("ModelError should not be wrapped twice")
	}

	err := wrapError("zai", "glm", &openai.APIError{HTTPStatusCode: 429, Message: "slow"})
	var modelErr *agent.ModelError
	if !errors.As(err, &modelErr) {
		t.Fatalf("err = %T, want *agent.ModelError", err)
	}
	if modelErr.Provider != "zai" || modelErr.Model != "glm" || modelErr.StatusCode != 429 {
		t.Errorf("ModelError = %+v", modelErr)
	}
	if !agent.IsRateLimited(err) {
		t.Error("429 should be a rate limit")
	}
}

func TestBaseProviderRetry(t *testing.T) {
	transient := errors.New("transient")
	fatal := errors.New("fatal")
	retryable := func(err error) bool { return errors.Is(err, transient) }

	tests := []struct {
		name      string
		results   []error
		wantCalls int
		wantErr   error
	}{
		{"first try", []error{nil}, 1, nil},
		{"recovers", []error{transient, nil}, 2, nil},
		{"gives up", []error{transient, transient, transient, transient}, 3, transient},
		{"fatal stops", []error{fatal, nil}, 1, fatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBaseProvider("test", 3, time.Millisecond)
			calls := 0
			err := b.Retry(context.Background(), retryable, func() error {
				err := tt.results[calls]
				calls++
				return err
			})
			if !errors.Is(err, tt.wantErr) && err != tt.wantErr {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
		})
	}
}

func TestBaseProviderRetry_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b := NewBaseProvider("test", 3, time.Millisecond)
	err := b.Retry(ctx, nil, func() error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name      string
		settings  Settings
		wantName  string
		wantModel string
		wantErr   bool
	}{
		{name: "default kind", settings: Settings{APIKey: "k"}, wantName: KindZai, wantModel: DefaultZaiModel},
		{name: "openai", settings: Settings{Kind: "OpenAI", APIKey: "k"}, wantName: KindOpenAI, wantModel: "gpt-4o-mini"},
		{name: "ollama without key", settings: Settings{Kind: KindOllama}, wantName: KindOllama, wantModel: "llama3.1"},
		{name: "anthropic", settings: Settings{Kind: KindAnthropic, APIKey: "k", DefaultModel: "claude-x"}, wantName: KindAnthropic, wantModel: "claude-x"},
		{name: "azure needs endpoint", settings: Settings{Kind: KindAzure, APIKey: "k"}, wantErr: true},
		{name: "unknown", settings: Settings{Kind: "nope", APIKey: "k"}, wantErr: true},
		{name: "missing key", settings: Settings{Kind: KindOpenRouter}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(tt.settings)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if p.Name() != tt.wantName {
				t.Errorf("Name() = %q, want %q", p.Name(), tt.wantName)
			}
			dm, ok := p.(interface{ DefaultModel() string })
			if !ok || dm.DefaultModel() != tt.wantModel {
				t.Errorf("DefaultModel() mismatch, want %q", tt.wantModel)
			}
		})
	}
}
