// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package dispatcher

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/segmentio/encoding/json"

	"github.com/hyperbridge/mcp-bridge/internal/bridgeerr"
	"github.com/hyperbridge/mcp-bridge/internal/frontend"
)

// mcpTool is the wire shape of one entry in a `tools/list` response.
type mcpTool struct {
	Name         string             `json:"name"`
	Description  string             `json:"description,omitempty"`
	InputSchema  *jsonschema.Schema `json:"inputSchema,omitempty"`
	OutputSchema *jsonschema.Schema `json:"outputSchema,omitempty"`
	Meta         map[string]any     `json:"_meta,omitempty"`
}

type mcpResource struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

type toolsListResult struct {
	Tools []mcpTool `json:"tools"`
}

type partialToolsResult struct {
	Tools             []mcpTool          `json:"tools"`
	IsError           bool               `json:"isError"`
	Error             bridgeerr.Code     `json:"error"`
	ErrorMessage      string             `json:"error_message"`
	ErrorIsFatal      bool               `json:"error_is_fatal"`
	AvailableSessions []frontend.Summary `json:"available_sessions"`
}

type resourcesListResult struct {
	Resources []mcpResource `json:"resources"`
}

type partialResourcesResult struct {
	Resources         []mcpResource      `json:"resources"`
	IsError           bool               `json:"isError"`
	Error             bridgeerr.Code     `json:"error"`
	ErrorMessage      string             `json:"error_message"`
	ErrorIsFatal      bool               `json:"error_is_fatal"`
	AvailableSessions []frontend.Summary `json:"available_sessions"`
}

type partialPromptsResult struct {
	Prompts           []any              `json:"prompts"`
	IsError           bool               `json:"isError"`
	Error             bridgeerr.Code     `json:"error"`
	ErrorMessage      string             `json:"error_message"`
	ErrorIsFatal      bool               `json:"error_is_fatal"`
	AvailableSessions []frontend.Summary `json:"available_sessions"`
}

// handleJSONRPC implements `POST *`: parse, auth-select, route by method.
func (d *Dispatcher) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusOK, rpcErrorResponse(nil, codeParseError, "Parse error", nil))
		return
	}

	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusOK, rpcErrorResponse(nil, codeParseError, "Parse error", nil))
		return
	}

	var params callParams
	if len(req.Params) > 0 {
		_ = json.Unmarshal(req.Params, &params)
	}

	sessionIDHeader := r.Header.Get(mcpSessionHeader)
	if req.Method != "initialize" && sessionIDHeader != "" {
		mcpSess, ok := d.mcpSessions.Get(sessionIDHeader)
		if !ok {
			http.Error(w, `{"error":"MCP session not found"}`, http.StatusNotFound)
			return
		}
		mcpSess.Touch(time.Now())
	}

	switch req.Method {
	case "initialize":
		d.handleInitialize(w, r, req)
	case "notifications/initialized":
		d.handleNotificationInitialized(w, sessionIDHeader)
	case "tools/list":
		d.handleToolsList(w, r, req, params)
	case "tools/call":
		d.handleToolsCall(w, r, req, params)
	case "resources/list":
		d.handleResourcesList(w, r, req, params)
	case "resources/read":
		d.handleResourcesRead(w, r, req, params)
	case "prompts/list":
		d.handlePromptsList(w, r, req, params)
	default:
		writeJSON(w, http.StatusOK, rpcErrorResponse(req.ID, codeMethodNotFound, bridgeerr.UnknownMethod.String(), nil))
	}
}

type initializeCapabilities struct {
	Tools     map[string]any `json:"tools"`
	Resources map[string]any `json:"resources"`
	Prompts   map[string]any `json:"prompts"`
}

type initializeResult struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	Capabilities    initializeCapabilities `json:"capabilities"`
	ServerInfo      serverInfoResponse     `json:"serverInfo"`
}

func (d *Dispatcher) handleInitialize(w http.ResponseWriter, r *http.Request, req rpcRequest) {
	token := extractToken(r)
	if token == "" {
		writeJSON(w, http.StatusOK, rpcErrorResponse(req.ID, codeInvalidRequest, bridgeerr.MissingAuthentication.String(), nil))
		return
	}

	session := d.mcpSessions.Create(token, time.Now())
	w.Header().Set(mcpSessionHeader, session.ID)
	writeJSON(w, http.StatusOK, rpcResultResponse(req.ID, initializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities: initializeCapabilities{
			Tools:     map[string]any{"listChanged": true},
			Resources: map[string]any{},
			Prompts:   map[string]any{},
		},
		ServerInfo: serverInfoResponse{
			Name:        d.cfg.ServerName,
			Description: d.cfg.ServerDescription,
			Version:     d.cfg.ServerVersion,
			Icon:        d.cfg.IconDataURI,
		},
	}))
}

func (d *Dispatcher) handleNotificationInitialized(w http.ResponseWriter, sessionIDHeader string) {
	if sessionIDHeader != "" {
		if session, ok := d.mcpSessions.Get(sessionIDHeader); ok {
			session.Touch(time.Now())
		}
	}
	w.WriteHeader(http.StatusAccepted)
}

var listSessionsTool = mcpTool{
	Name:        "list_sessions",
	Description: "List all browser sessions with their available tools",
	InputSchema: &jsonschema.Schema{Type: "object", Properties: map[string]*jsonschema.Schema{}},
}

// toMcpTool injects an optional `session_id` property into the registered
// schema's Properties without mutating the session's stored definition
// (spec.md §4.5 tools/list).
func toMcpTool(t *frontend.ToolDefinition) mcpTool {
	return mcpTool{
		Name:         t.Name,
		Description:  t.Description,
		InputSchema:  injectSessionID(t.InputSchema),
		OutputSchema: t.OutputSchema,
		Meta:         t.Meta,
	}
}

func injectSessionID(schema *jsonschema.Schema) *jsonschema.Schema {
	base := jsonschema.Schema{Type: "object"}
	if schema != nil {
		base = *schema
	}
	props := make(map[string]*jsonschema.Schema, len(base.Properties)+1)
	for k, v := range base.Properties {
		props[k] = v
	}
	props["session_id"] = &jsonschema.Schema{Type: "string"}
	base.Properties = props
	return &base
}

func (d *Dispatcher) handleToolsList(w http.ResponseWriter, r *http.Request, req rpcRequest, params callParams) {
	sessions, rerr := d.resolveTargetSessions(r, params.Meta)
	if rerr != nil {
		writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: rerr})
		return
	}

	if len(sessions) > 1 && params.Meta.SessionID == "" {
		writeJSON(w, http.StatusOK, rpcResultResponse(req.ID, partialToolsResult{
			Tools:             []mcpTool{listSessionsTool},
			IsError:           true,
			Error:             bridgeerr.SessionNotSpecified,
			ErrorMessage:      "multiple sessions available; specify _meta.sessionId",
			AvailableSessions: summaries(sessions),
		}))
		return
	}

	session, ok := pickSession(sessions, params.Meta.SessionID)
	if !ok {
		writeJSON(w, http.StatusOK, rpcResultResponse(req.ID, partialToolsResult{
			Tools:             []mcpTool{listSessionsTool},
			IsError:           true,
			Error:             bridgeerr.SessionNotFound,
			ErrorMessage:      "session not found in target set",
			AvailableSessions: summaries(sessions),
		}))
		return
	}

	tools := []mcpTool{listSessionsTool}
	for _, t := range session.Tools() {
		tools = append(tools, toMcpTool(t))
	}
	writeJSON(w, http.StatusOK, rpcResultResponse(req.ID, toolsListResult{Tools: tools}))
}

func (d *Dispatcher) handleToolsCall(w http.ResponseWriter, r *http.Request, req rpcRequest, params callParams) {
	if params.Name == "" {
		writeJSON(w, http.StatusOK, rpcResultResponse(req.ID, softErrorResult{
			IsError: true, Error: bridgeerr.ToolNameRequired, ErrorMessage: "tool name is required",
		}))
		return
	}

	if params.Meta.QueryID != "" {
		if softErr := d.queries.ValidateToolCall(params.Meta.QueryID, params.Name); softErr != nil {
			writeJSON(w, http.StatusOK, rpcResultResponse(req.ID, softErrorResult{
				IsError: true, Error: softErr.Code, ErrorMessage: softErr.Code.String(), AllowedTools: softErr.AllowedTools,
			}))
			return
		}
	}

	sessions, rerr := d.resolveTargetSessions(r, params.Meta)
	if rerr != nil {
		writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: rerr})
		return
	}

	if params.Name == "list_sessions" {
		writeJSON(w, http.StatusOK, rpcResultResponse(req.ID, map[string]any{"sessions": summaries(sessions)}))
		return
	}

	sessionID := params.Meta.SessionID
	if v, ok := params.Arguments["session_id"].(string); ok && v != "" {
		sessionID = v
	}
	session, ok := pickSession(sessions, sessionID)
	if !ok {
		if len(sessions) > 1 {
			writeJSON(w, http.StatusOK, rpcResultResponse(req.ID, softErrorResult{
				IsError: true, Error: bridgeerr.SessionNotSpecified, ErrorMessage: "multiple sessions available; specify session_id",
				AvailableSessions: summaries(sessions),
			}))
			return
		}
		writeJSON(w, http.StatusOK, rpcResultResponse(req.ID, softErrorResult{
			IsError: true, Error: bridgeerr.SessionNotFound, ErrorMessage: "session not found",
		}))
		return
	}

	if _, ok := session.Tool(params.Name); !ok {
		available := make([]string, 0)
		for _, t := range session.Tools() {
			available = append(available, t.Name)
		}
		writeJSON(w, http.StatusOK, rpcResultResponse(req.ID, softErrorResult{
			IsError: true, Error: bridgeerr.ToolNotFound, ErrorMessage: fmt.Sprintf("tool %q not registered", params.Name),
			AvailableTools: available,
		}))
		return
	}

	callResult := d.correlation.CallTool(session, params.Name, params.Arguments, params.Meta.QueryID)

	var wrapped callToolResult
	if callResult.Err != "" {
		wrapped = textResult(prettyJSON(map[string]string{"error": callResult.Err}), true)
	} else {
		wrapped = wrapCallToolResult(callResult.Result)
	}

	if params.Meta.QueryID != "" {
		d.queries.RecordToolCall(params.Meta.QueryID, params.Name, params.Arguments, wrapped, wrapped.IsError)
	}

	writeJSON(w, http.StatusOK, rpcResultResponse(req.ID, wrapped))
}

var sessionsListResource = mcpResource{
	URI:         "sessions://list",
	Name:        "sessions",
	Description: "List of all active browser sessions",
	MimeType:    "application/json",
}

func (d *Dispatcher) handleResourcesList(w http.ResponseWriter, r *http.Request, req rpcRequest, params callParams) {
	sessions, rerr := d.resolveTargetSessions(r, params.Meta)
	if rerr != nil {
		writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: rerr})
		return
	}

	if len(sessions) > 1 && params.Meta.SessionID == "" {
		writeJSON(w, http.StatusOK, rpcResultResponse(req.ID, partialResourcesResult{
			Resources:         []mcpResource{sessionsListResource},
			IsError:           true,
			Error:             bridgeerr.SessionNotSpecified,
			ErrorMessage:      "multiple sessions available; specify _meta.sessionId",
			AvailableSessions: summaries(sessions),
		}))
		return
	}

	session, ok := pickSession(sessions, params.Meta.SessionID)
	if !ok {
		writeJSON(w, http.StatusOK, rpcResultResponse(req.ID, partialResourcesResult{
			Resources:         []mcpResource{sessionsListResource},
			IsError:           true,
			Error:             bridgeerr.SessionNotFound,
			ErrorMessage:      "session not found in target set",
			AvailableSessions: summaries(sessions),
		}))
		return
	}

	resources := []mcpResource{sessionsListResource}
	for _, res := range session.Resources() {
		resources = append(resources, mcpResource{URI: res.URI, Name: res.Name, Description: res.Description, MimeType: res.MimeType})
	}
	writeJSON(w, http.StatusOK, rpcResultResponse(req.ID, resourcesListResult{Resources: resources}))
}

func (d *Dispatcher) handleResourcesRead(w http.ResponseWriter, r *http.Request, req rpcRequest, params callParams) {
	sessions, rerr := d.resolveTargetSessions(r, params.Meta)
	if rerr != nil {
		writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: rerr})
		return
	}

	if params.URI == "sessions://list" {
		writeJSON(w, http.StatusOK, rpcResultResponse(req.ID, map[string]any{
			"contents": []any{map[string]any{
				"uri":      "sessions://list",
				"mimeType": "application/json",
				"text":     prettyJSON(summaries(sessions)),
			}},
		}))
		return
	}

	var owner *frontend.FrontendSession
	if params.Meta.SessionID != "" {
		if s, ok := pickSession(sessions, params.Meta.SessionID); ok {
			owner = s
		}
	}
	if owner == nil {
		for _, s := range sessions {
			if _, ok := s.Resource(params.URI); ok {
				owner = s
				break
			}
		}
	}
	if owner == nil {
		writeJSON(w, http.StatusOK, rpcResultResponse(req.ID, map[string]any{"error": "Resource not found"}))
		return
	}

	result := d.correlation.ReadResource(owner, params.URI)
	if result.Err != "" {
		writeJSON(w, http.StatusOK, rpcResultResponse(req.ID, map[string]any{"error": result.Err}))
		return
	}
	content := map[string]any{"uri": params.URI}
	if result.MimeType != "" {
		content["mimeType"] = result.MimeType
	}
	if result.Blob != "" {
		content["blob"] = result.Blob
	} else {
		content["text"] = result.Text
	}
	writeJSON(w, http.StatusOK, rpcResultResponse(req.ID, map[string]any{"contents": []any{content}}))
}

func (d *Dispatcher) handlePromptsList(w http.ResponseWriter, r *http.Request, req rpcRequest, params callParams) {
	sessions, rerr := d.resolveTargetSessions(r, params.Meta)
	if rerr != nil {
		writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: rerr})
		return
	}

	if len(sessions) > 1 && params.Meta.SessionID == "" {
		writeJSON(w, http.StatusOK, rpcResultResponse(req.ID, partialPromptsResult{
			Prompts:           []any{},
			IsError:           true,
			Error:             bridgeerr.SessionNotSpecified,
			ErrorMessage:      "multiple sessions available; specify _meta.sessionId",
			AvailableSessions: summaries(sessions),
		}))
		return
	}

	if _, ok := pickSession(sessions, params.Meta.SessionID); !ok {
		writeJSON(w, http.StatusOK, rpcResultResponse(req.ID, partialPromptsResult{
			Prompts:           []any{},
			IsError:           true,
			Error:             bridgeerr.SessionNotFound,
			ErrorMessage:      "session not found in target set",
			AvailableSessions: summaries(sessions),
		}))
		return
	}

	writeJSON(w, http.StatusOK, rpcResultResponse(req.ID, map[string]any{"prompts": []any{}}))
}
