package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/toolchat/internal/admission"
	"github.com/haasonsaas/toolchat/internal/agent"
	"github.com/haasonsaas/toolchat/internal/catalog"
	"github.com/haasonsaas/toolchat/internal/chat"
	"github.com/haasonsaas/toolchat/internal/mcp"
	"github.com/haasonsaas/toolchat/internal/observability"
	"github.com/haasonsaas/toolchat/internal/storage"
	"github.com/haasonsaas/toolchat/pkg/models"
)

// replyProvider answers every request with the same chunks.
type replyProvider struct {
	chunks []*agent.CompletionChunk
	err    error
}

func (p *replyProvider) Name() string { return "reply" }

func (p *replyProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	if p.err != nil {
		return nil, p.err
	}
	ch := make(chan *agent.CompletionChunk, len(p.chunks))
	for _, c := range p.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

type echoSession struct{}

func (echoSession) ListTools(ctx context.Context) ([]*mcp.Tool, error) {
	return []*mcp.Tool{{Name: "echo", Description: "echoes input", InputSchema: json.RawMessage(`{"type":"object"}`)}}, nil
}

func (echoSession) CallTool(ctx context.Context, name string, args json.RawMessage) (*mcp.ToolCallResult, error) {
	return &mcp.ToolCallResult{Content: []mcp.ToolResultContent{
		{Type: "text", Text: name},
		{Type: "text", Text: string(args)},
	}}, nil
}

func (echoSession) Close() error { return nil }

type testServer struct {
	srv      *Server
	handler  http.Handler
	stores   storage.StoreSet
	registry *mcp.Registry

	mu     sync.Mutex
	dialed []string
}

func newTestServer(t *testing.T, provider agent.LLMProvider) *testServer {
	t.Helper()
	ts := &testServer{stores: storage.NewMemoryStores()}

	ts.registry = mcp.NewRegistry(nil, mcp.WithDialer(mcp.DialerFunc(func(ctx context.Context, cfg *mcp.ServerConfig) (mcp.Session, error) {
		ts.mu.Lock()
		ts.dialed = append(ts.dialed, cfg.ID)
		ts.mu.Unlock()
		if cfg.ID == "broken" {
			return nil, errors.New("spawn failed")
		}
		return echoSession{}, nil
	})))

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)

	opts := catalog.Options{ScriptsDir: "scripts", DefaultCommand: "python"}
	builder := catalog.NewBuilder(ts.registry, ts.stores.Servers, opts, metrics, nil, nil)
	orch := agent.NewOrchestrator(provider, chat.RegistryCaller{Registry: ts.registry}, ts.stores.Sessions, admission.NewGate(2, metrics, nil), &agent.LoopConfig{MaxRounds: 3, Metrics: metrics})
	svc := chat.NewService(ts.stores, builder, orch, chat.Config{DefaultModel: "glm-4.5-flash"}, metrics, nil)

	ts.srv = New(Config{
		Host:             "127.0.0.1",
		CORSOrigins:      []string{"http://localhost:8080"},
		IncludeReasoning: true,
		Catalog:          opts,
	}, Deps{
		Chat:           svc,
		Stores:         ts.stores,
		Registry:       ts.registry,
		Metrics:        metrics,
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})
	ts.handler = ts.srv.Handler()
	return ts
}

func (ts *testServer) seedAgent(t *testing.T, id string) {
	t.Helper()
	if err := ts.stores.Agents.Create(context.Background(), &models.Agent{ID: id, Name: id, SystemPrompt: "Be brief."}); err != nil {
		t.Fatalf("create agent: %v", err)
	}
}

func (ts *testServer) seedServer(t *testing.T, id string) {
	t.Helper()
	if err := ts.stores.Servers.Create(context.Background(), &models.ToolServer{ID: id, Name: id, Script: id + ".py"}); err != nil {
		t.Fatalf("create server: %v", err)
	}
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
}

func textReply(text string) *replyProvider {
	return &replyProvider{chunks: []*agent.CompletionChunk{
		{Text: text},
		{Usage: &models.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}},
	}}
}
