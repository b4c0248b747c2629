package gateway

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const chatFrameSchema = `{
  "type": "object",
  "required": ["message"],
  "properties": {
    "message": {"type": "string", "minLength": 1},
    "include_reasoning": {"type": "boolean"}
  }
}`

const createAgentSchema = `{
  "type": "object",
  "required": ["name"],
  "properties": {
    "id": {"type": "string"},
    "name": {"type": "string", "minLength": 1},
    "system_prompt": {"type": "string"},
    "model": {"type": "string"},
    "reasoning_enabled": {"type": "boolean"}
  }
}`

const createServerSchema = `{
  "type": "object",
  "required": ["name"],
  "anyOf": [
    {"required": ["script"]},
    {"required": ["command"]}
  ],
  "properties": {
    "id": {"type": "string"},
    "name": {"type": "string", "minLength": 1},
    "script": {"type": "string"},
    "command": {"type": "string"},
    "args": {"type": "string"},
    "env_vars": {"type": "string"},
    "cwd": {"type": "string"}
  }
}`

const chatRequestSchema = `{
  "type": "object",
  "required": ["agent_id", "message"],
  "properties": {
    "agent_id": {"type": "string", "minLength": 1},
    "message": {"type": "string", "minLength": 1}
  }
}`

const toolArgsSchema = `{"type": "object"}`

type schemaName string

const (
	schemaChatFrame    schemaName = "chat_frame"
	schemaCreateAgent  schemaName = "create_agent"
	schemaCreateServer schemaName = "create_server"
	schemaChatRequest  schemaName = "chat_request"
	schemaToolArgs     schemaName = "tool_args"
)

var (
	schemasOnce sync.Once
	schemasErr  error
	schemas     map[schemaName]*jsonschema.Schema
)

func compileSchemas() error {
	schemasOnce.Do(func() {
		sources := map[schemaName]string{
			schemaChatFrame:    chatFrameSchema,
			schemaCreateAgent:  createAgentSchema,
			schemaCreateServer: createServerSchema,
			schemaChatRequest:  chatRequestSchema,
			schemaToolArgs:     toolArgsSchema,
		}
		schemas = make(map[schemaName]*jsonschema.Schema, len(sources))
		for name, src := range sources {
			compiled, err := jsonschema.CompileString(string(name)+".json", src)
			if err != nil {
				schemasErr = fmt.Errorf("compile %s schema: %w", name, err)
				return
			}
			schemas[name] = compiled
		}
	})
	return schemasErr
}

// decodeValidated validates raw against the named schema and decodes it
// into dst.
func decodeValidated(name schemaName, raw []byte, dst any) error {
	if err := compileSchemas(); err != nil {
		return err
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := schemas[name].Validate(payload); err != nil {
		return err
	}
	if dst == nil {
		return nil
	}
	return json.Unmarshal(raw, dst)
}
