package mcp

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestServerConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ServerConfig
		wantErr string
	}{
		{
			name: "valid",
			cfg: ServerConfig{
				ID:      "weather",
				Command: "python",
				Args:    []string{"mcp-runtime-scripts/weather.py"},
				Env:     map[string]string{"API_KEY": "abc"},
			},
		},
		{
			name:    "missing id",
			cfg:     ServerConfig{Command: "python"},
			wantErr: "server ID is required",
		},
		{
			name:    "missing command",
			cfg:     ServerConfig{ID: "weather"},
			wantErr: "command is required",
		},
		{
			name:    "command traversal",
			cfg:     ServerConfig{ID: "weather", Command: "../../bin/sh"},
			wantErr: "path traversal",
		},
		{
			name:    "workdir traversal",
			cfg:     ServerConfig{ID: "weather", Command: "python", WorkDir: "../outside"},
			wantErr: "workdir contains path traversal",
		},
		{
			name:    "shell chaining in args",
			cfg:     ServerConfig{ID: "weather", Command: "python", Args: []string{"a.py; rm -rf /"}},
			wantErr: "arg[0]",
		},
		{
			name:    "command substitution in args",
			cfg:     ServerConfig{ID: "weather", Command: "python", Args: []string{"ok", "$(whoami)"}},
			wantErr: "arg[1]",
		},
		{
			name: "spaces and quotes allowed",
			cfg:  ServerConfig{ID: "weather", Command: "python", Args: []string{"--name", "\"my city\""}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestServerConfigClone(t *testing.T) {
	cfg := &ServerConfig{
		ID:      "weather",
		Command: "python",
		Args:    []string{"weather.py"},
		Env:     map[string]string{"K": "V"},
		Timeout: 5 * time.Second,
	}
	clone := cfg.Clone()
	clone.Args[0] = "other.py"
	clone.Env["K"] = "changed"

	if cfg.Args[0] != "weather.py" {
		t.Errorf("Clone shares Args with original")
	}
	if cfg.Env["K"] != "V" {
		t.Errorf("Clone shares Env with original")
	}
	if clone.Timeout != cfg.Timeout {
		t.Errorf("Timeout = %v, want %v", clone.Timeout, cfg.Timeout)
	}

	var nilCfg *ServerConfig
	if nilCfg.Clone() != nil {
		t.Error("nil Clone() should be nil")
	}
}

func TestJSONRPCErrorMessage(t *testing.T) {
	err := &JSONRPCError{Code: -32601, Message: "Method not found"}
	if got := err.Error(); got != "MCP error -32601: Method not found" {
		t.Errorf("Error() = %q", got)
	}
}

func TestListToolsResultDecode(t *testing.T) {
	raw := `{"tools":[{"name":"get_weather","description":"Current weather","inputSchema":{"type":"object","properties":{"city":{"type":"string"}}}}]}`

	var result ListToolsResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if len(result.Tools) != 1 {
		t.Fatalf("expected 1 tool, got %d", len(result.Tools))
	}
	tool := result.Tools[0]
	if tool.Name != "get_weather" || tool.Description != "Current weather" {
		t.Errorf("unexpected tool %+v", tool)
	}
	if !strings.Contains(string(tool.InputSchema), `"city"`) {
		t.Errorf("InputSchema not preserved: %s", tool.InputSchema)
	}
}
