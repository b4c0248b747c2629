package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeSession struct {
	tools   []*Tool
	result  *ToolCallResult
	listErr error
	callErr error
	closed  *atomic.Int32

	gotName string
	gotArgs json.RawMessage
}

func (s *fakeSession) ListTools(ctx context.Context) ([]*Tool, error) {
	return s.tools, s.listErr
}

func (s *fakeSession) CallTool(ctx context.Context, name string, args json.RawMessage) (*ToolCallResult, error) {
	s.gotName = name
	s.gotArgs = args
	return s.result, s.callErr
}

func (s *fakeSession) Close() error {
	s.closed.Add(1)
	return nil
}

type fakeDialer struct {
	mu      sync.Mutex
	session *fakeSession
	dialErr error
	dialed  []string
	closed  atomic.Int32
}

func (d *fakeDialer) Dial(ctx context.Context, cfg *ServerConfig) (Session, error) {
	d.mu.Lock()
	d.dialed = append(d.dialed, cfg.ID)
	d.mu.Unlock()
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	s := *d.session
	s.closed = &d.closed
	d.session = &s
	return &s, nil
}

func validConfig(id string) *ServerConfig {
	return &ServerConfig{ID: id, Command: "python", Args: []string{id + ".py"}}
}

func TestRegistryRegisterStatus(t *testing.T) {
	r := NewRegistry(nil, WithDialer(&fakeDialer{}))

	if got := r.Status("weather"); got != StatusAbsent {
		t.Fatalf("Status() = %q, want absent", got)
	}
	if err := r.Register(validConfig("weather")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if got := r.Status("weather"); got != StatusRegistered {
		t.Fatalf("Status() = %q, want registered", got)
	}

	updated := validConfig("weather")
	updated.Args = []string{"weather_v2.py"}
	if err := r.Register(updated); err != nil {
		t.Fatalf("Register() overwrite error = %v", err)
	}
	cfg, ok := r.Config("weather")
	if !ok || cfg.Args[0] != "weather_v2.py" {
		t.Fatalf("Config() = %+v, want overwritten args", cfg)
	}
	if cfg.Timeout != defaultCallTimeout {
		t.Errorf("Timeout = %v, want default %v", cfg.Timeout, defaultCallTimeout)
	}

	r.Unregister("weather")
	if got := r.Status("weather"); got != StatusAbsent {
		t.Fatalf("Status() after Unregister = %q, want absent", got)
	}
	r.Unregister("weather")
}

func TestRegistryRegisterInvalid(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.Register(nil); err == nil {
		t.Error("expected error for nil config")
	}
	if err := r.Register(&ServerConfig{ID: "bad"}); err == nil {
		t.Error("expected error for config without command")
	}
	if got := r.Status("bad"); got != StatusAbsent {
		t.Errorf("invalid config should not be stored, Status() = %q", got)
	}
}

func TestRegistryRegisterCopiesConfig(t *testing.T) {
	r := NewRegistry(nil, WithCallTimeout(3*time.Second))
	cfg := validConfig("weather")
	if err := r.Register(cfg); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	cfg.Args[0] = "mutated.py"

	stored, _ := r.Config("weather")
	if stored.Args[0] != "weather.py" {
		t.Errorf("stored config mutated through caller: %v", stored.Args)
	}
	if stored.Timeout != 3*time.Second {
		t.Errorf("Timeout = %v, want 3s", stored.Timeout)
	}
}

func TestRegistryConfigNotFound(t *testing.T) {
	dialer := &fakeDialer{session: &fakeSession{}}
	r := NewRegistry(nil, WithDialer(dialer))
	ctx := context.Background()

	if _, err := r.ListTools(ctx, "missing"); !errors.Is(err, ErrConfigNotFound) {
		t.Errorf("ListTools() error = %v, want ErrConfigNotFound", err)
	}
	if _, err := r.CallTool(ctx, "missing", "x", nil); !errors.Is(err, ErrConfigNotFound) {
		t.Errorf("CallTool() error = %v, want ErrConfigNotFound", err)
	}
	if len(dialer.dialed) != 0 {
		t.Errorf("dialed %v for unregistered provider", dialer.dialed)
	}
}

func TestRegistryListToolsTearsDown(t *testing.T) {
	dialer := &fakeDialer{session: &fakeSession{
		tools: []*Tool{{Name: "get_weather"}, {Name: "get_forecast"}},
	}}
	r := NewRegistry(nil, WithDialer(dialer))
	if err := r.Register(validConfig("weather")); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		tools, err := r.ListTools(context.Background(), "weather")
		if err != nil {
			t.Fatalf("ListTools() error = %v", err)
		}
		if len(tools) != 2 {
			t.Fatalf("ListTools() returned %d tools, want 2", len(tools))
		}
	}
	if len(dialer.dialed) != 3 {
		t.Errorf("dialed %d times, want one spawn per call", len(dialer.dialed))
	}
	if got := dialer.closed.Load(); got != 3 {
		t.Errorf("closed %d sessions, want 3", got)
	}
}

func TestRegistryCallTool(t *testing.T) {
	dialer := &fakeDialer{session: &fakeSession{
		result: &ToolCallResult{Content: []ToolResultContent{
			{Type: "text", Text: "21C"},
			{Type: "text", Text: "sunny"},
		}},
	}}
	r := NewRegistry(nil, WithDialer(dialer))
	if err := r.Register(validConfig("weather")); err != nil {
		t.Fatal(err)
	}

	result, err := r.CallTool(context.Background(), "weather", "get_weather", json.RawMessage(`{"city":"Oslo"}`))
	if err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	if got := result.Text(); got != "21C\nsunny" {
		t.Errorf("Text() = %q", got)
	}
	if dialer.session.gotName != "get_weather" || string(dialer.session.gotArgs) != `{"city":"Oslo"}` {
		t.Errorf("session received %q %s", dialer.session.gotName, dialer.session.gotArgs)
	}
	if got := dialer.closed.Load(); got != 1 {
		t.Errorf("closed %d sessions, want 1", got)
	}
}

func TestRegistryProviderErrors(t *testing.T) {
	tests := []struct {
		name    string
		dialer  *fakeDialer
		wantOp  string
		wantCls int32
	}{
		{
			name:   "spawn failure",
			dialer: &fakeDialer{dialErr: fmt.Errorf("exec: not found")},
			wantOp: "connect",
		},
		{
			name:    "protocol failure",
			dialer:  &fakeDialer{session: &fakeSession{listErr: fmt.Errorf("bad json")}},
			wantOp:  "tools/list",
			wantCls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry(nil, WithDialer(tt.dialer))
			if err := r.Register(validConfig("weather")); err != nil {
				t.Fatal(err)
			}

			_, err := r.ListTools(context.Background(), "weather")
			var pe *ProviderError
			if !errors.As(err, &pe) {
				t.Fatalf("ListTools() error = %v, want *ProviderError", err)
			}
			if pe.ProviderID != "weather" || pe.Op != tt.wantOp {
				t.Errorf("ProviderError = %+v, want op %q", pe, tt.wantOp)
			}
			if !IsProviderError(err) {
				t.Error("IsProviderError() = false")
			}
			if got := tt.dialer.closed.Load(); got != tt.wantCls {
				t.Errorf("closed %d sessions, want %d", got, tt.wantCls)
			}
		})
	}
}

func TestRegistryShutdownAll(t *testing.T) {
	r := NewRegistry(nil)
	for _, id := range []string{"b", "a", "c"} {
		if err := r.Register(validConfig(id)); err != nil {
			t.Fatal(err)
		}
	}

	configs := r.Configs()
	if len(configs) != 3 || configs[0].ID != "a" || configs[2].ID != "c" {
		t.Fatalf("Configs() not sorted: %v", configs)
	}

	r.ShutdownAll()
	if len(r.Configs()) != 0 {
		t.Errorf("Configs() after ShutdownAll = %d, want 0", len(r.Configs()))
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	dialer := &fakeDialer{session: &fakeSession{tools: []*Tool{{Name: "t"}}}}
	r := NewRegistry(nil, WithDialer(DialerFunc(func(ctx context.Context, cfg *ServerConfig) (Session, error) {
		return &fakeSession{tools: dialer.session.tools, closed: &dialer.closed}, nil
	})))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("srv-%d", i%4)
			_ = r.Register(validConfig(id))
			_, _ = r.ListTools(context.Background(), id)
			_ = r.Status(id)
			if i%5 == 0 {
				r.Unregister(id)
			}
		}(i)
	}
	wg.Wait()
}
