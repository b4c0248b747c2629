package models

import (
	"encoding/json"
	"time"
)

// ToolServer is the stored definition of an external tool provider.
// Args and EnvVars hold raw JSON text and are parsed leniently at registration.
type ToolServer struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Script    string    `json:"script"`
	Command   string    `json:"command,omitempty"`
	Args      string    `json:"args,omitempty"`
	EnvVars   string    `json:"env_vars,omitempty"`
	WorkDir   string    `json:"cwd,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// DisplayName returns the server name, falling back to its id.
func (s *ToolServer) DisplayName() string {
	if s == nil {
		return ""
	}
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// ToolSchema describes a function the model may call.
// Parameters is passed through to the model verbatim.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}
