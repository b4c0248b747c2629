package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/haasonsaas/toolchat/internal/agent"
	"github.com/haasonsaas/toolchat/internal/catalog"
	"github.com/haasonsaas/toolchat/internal/chat"
	"github.com/haasonsaas/toolchat/internal/mcp"
	"github.com/haasonsaas/toolchat/internal/storage"
	"github.com/haasonsaas/toolchat/pkg/models"
)

const (
	maxJSONBody      = 1 << 20
	maxKnowledgeFile = 10 << 20
	healthTimeout    = 2 * time.Second
)

type agentRequest struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	SystemPrompt     string `json:"system_prompt"`
	Model            string `json:"model"`
	ReasoningEnabled *bool  `json:"reasoning_enabled"`
}

type agentResponse struct {
	*models.Agent
	LinkedMCPIDs   []string `json:"linked_mcp_ids"`
	LinkedMCPCount int      `json:"linked_mcp_count"`
}

type serverRequest struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Script  string `json:"script"`
	Command string `json:"command"`
	Args    string `json:"args"`
	EnvVars string `json:"env_vars"`
	WorkDir string `json:"cwd"`
}

type chatRequest struct {
	AgentID string `json:"agent_id"`
	Message string `json:"message"`
}

type databaseStatus struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

type healthResponse struct {
	APIStatus      string         `json:"api_status"`
	DatabaseStatus databaseStatus `json:"database_status"`
}

type toolCallResponse struct {
	Result   string   `json:"result"`
	Segments []string `json:"segments"`
	IsError  bool     `json:"is_error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"error": detail})
}

// readBody reads a size-limited request body.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	return io.ReadAll(r.Body)
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "toolchat API is running"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	resp := healthResponse{
		APIStatus:      "ok",
		DatabaseStatus: databaseStatus{OK: true, Message: "connected"},
	}
	status := http.StatusOK
	if err := s.stores.Ping(ctx); err != nil {
		resp.DatabaseStatus = databaseStatus{OK: false, Message: err.Error()}
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.stores.Agents.List(r.Context())
	if err != nil {
		s.logger.Error("failed to list agents", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]agentResponse, 0, len(agents))
	for _, a := range agents {
		ids, err := s.stores.Agents.LinkedServerIDs(r.Context(), a.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if ids == nil {
			ids = []string{}
		}
		out = append(out, agentResponse{Agent: a, LinkedMCPIDs: ids, LinkedMCPCount: len(ids)})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	var req agentRequest
	if err := decodeValidated(schemaCreateAgent, body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := time.Now().UTC()
	a := &models.Agent{
		ID:               req.ID,
		Name:             req.Name,
		SystemPrompt:     req.SystemPrompt,
		Model:            req.Model,
		ReasoningEnabled: true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if req.ReasoningEnabled != nil {
		a.ReasoningEnabled = *req.ReasoningEnabled
	}

	if err := s.stores.Agents.Create(r.Context(), a); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			writeError(w, http.StatusConflict, "Agent already exists")
			return
		}
		s.logger.Error("failed to create agent", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, agentResponse{Agent: a, LinkedMCPIDs: []string{}})
}

func (s *Server) handleLinkServer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	agentID := r.PathValue("id")
	serverID := r.PathValue("serverID")

	if _, err := s.stores.Agents.Get(ctx, agentID); err != nil {
		s.writeLookupError(w, err, chat.AgentNotFoundMessage)
		return
	}
	if _, err := s.stores.Servers.Get(ctx, serverID); err != nil {
		s.writeLookupError(w, err, "MCP Server not found")
		return
	}
	if err := s.stores.Agents.LinkServer(ctx, agentID, serverID); err != nil {
		s.writeLookupError(w, err, "Agent or MCP Server not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Linked successfully"})
}

func (s *Server) handleUploadKnowledge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	agentID := r.PathValue("id")

	if _, err := s.stores.Agents.Get(ctx, agentID); err != nil {
		s.writeLookupError(w, err, chat.AgentNotFoundMessage)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxKnowledgeFile+(1<<20))
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxKnowledgeFile+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(data) > maxKnowledgeFile {
		writeError(w, http.StatusRequestEntityTooLarge, "file too large")
		return
	}
	if !utf8.Valid(data) {
		writeError(w, http.StatusBadRequest, "File must be valid UTF-8 text")
		return
	}

	kf := &models.KnowledgeFile{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		Filename:  header.Filename,
		Content:   string(data),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.stores.Agents.AddKnowledge(ctx, kf); err != nil {
		s.writeLookupError(w, err, chat.AgentNotFoundMessage)
		return
	}
	writeJSON(w, http.StatusOK, kf)
}

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	servers, err := s.stores.Servers.List(r.Context())
	if err != nil {
		s.logger.Error("failed to list servers", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if servers == nil {
		servers = []*models.ToolServer{}
	}
	writeJSON(w, http.StatusOK, servers)
}

func (s *Server) handleCreateServer(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	var req serverRequest
	if err := decodeValidated(schemaCreateServer, body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	server := &models.ToolServer{
		ID:        req.ID,
		Name:      req.Name,
		Script:    req.Script,
		Command:   req.Command,
		Args:      req.Args,
		EnvVars:   req.EnvVars,
		WorkDir:   req.WorkDir,
		CreatedAt: time.Now().UTC(),
	}
	if server.ID == "" {
		server.ID = uuid.NewString()
	}

	cfg, _ := catalog.ConfigFromServer(server, s.config.Catalog)
	if err := cfg.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.stores.Servers.Create(r.Context(), server); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			writeError(w, http.StatusConflict, "Server already exists")
			return
		}
		s.logger.Error("failed to create server", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, server)
}

func (s *Server) handleDeleteServer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.registry.Unregister(id)
	if err := s.stores.Servers.Delete(r.Context(), id); err != nil {
		s.writeLookupError(w, err, "Server not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleStartServer(w http.ResponseWriter, r *http.Request) {
	server, err := s.stores.Servers.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeLookupError(w, err, "Server not found")
		return
	}

	cfg, warnings := catalog.ConfigFromServer(server, s.config.Catalog)
	for _, warning := range warnings {
		s.logger.Warn("tool server definition", "server_id", server.ID, "warning", warning)
	}
	if err := s.registry.Register(cfg); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":       server.ID,
		"status":   s.registry.Status(server.ID),
		"command":  cfg.Command,
		"args":     cfg.Args,
		"warnings": warnings,
	})
}

func (s *Server) handleStopServer(w http.ResponseWriter, r *http.Request) {
	s.registry.Unregister(r.PathValue("id"))
	writeJSON(w, http.StatusOK, map[string]string{"message": "Server stopped"})
}

func (s *Server) handleServerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]mcp.Status{"status": s.registry.Status(r.PathValue("id"))})
}

func (s *Server) handleServerTools(w http.ResponseWriter, r *http.Request) {
	tools, err := s.registry.ListTools(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeRegistryError(w, err)
		return
	}
	if tools == nil {
		tools = []*mcp.Tool{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": tools})
}

func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	if len(body) == 0 {
		body = []byte("{}")
	}
	if err := decodeValidated(schemaToolArgs, body, nil); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.registry.CallTool(r.Context(), r.PathValue("id"), r.PathValue("tool"), body)
	if err != nil {
		s.writeRegistryError(w, err)
		return
	}
	segments := result.Segments
	if segments == nil {
		segments = []string{}
	}
	writeJSON(w, http.StatusOK, toolCallResponse{
		Result:   result.Text(),
		Segments: segments,
		IsError:  result.IsError,
	})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	var req chatRequest
	if err := decodeValidated(schemaChatRequest, body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	response, err := s.chat.Complete(r.Context(), req.AgentID, req.Message)
	if err != nil {
		switch {
		case errors.Is(err, chat.ErrAgentNotFound):
			writeError(w, http.StatusNotFound, chat.AgentNotFoundMessage)
		case agent.IsRateLimited(err):
			writeError(w, http.StatusTooManyRequests, chat.ErrorMessage(err))
		default:
			s.logger.Error("chat request failed", "agent_id", req.AgentID, "error", err)
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"response": response})
}

func (s *Server) writeLookupError(w http.ResponseWriter, err error, notFound string) {
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, notFound)
		return
	}
	s.logger.Error("storage lookup failed", "error", err)
	writeError(w, http.StatusInternalServerError, err.Error())
}

func (s *Server) writeRegistryError(w http.ResponseWriter, err error) {
	if errors.Is(err, mcp.ErrConfigNotFound) {
		writeError(w, http.StatusNotFound, "Server not started")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
