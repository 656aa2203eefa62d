// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package dispatcher implements the MCP Dispatcher (spec.md §4.5): the
// inbound JSON-RPC surface, host-session (McpSession) lifecycle, auth
// selection, method handlers, and the agent callback routes.
package dispatcher

import (
	"net/http"

	"github.com/segmentio/encoding/json"

	"github.com/hyperbridge/mcp-bridge/internal/bridgeerr"
	"github.com/hyperbridge/mcp-bridge/internal/frontend"
)

const protocolVersion = "2024-11-05"

// rpcRequest is a parsed JSON-RPC 2.0 request (spec.md §6.2).
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcMeta struct {
	SessionID string `json:"sessionId,omitempty"`
	QueryID   string `json:"queryId,omitempty"`
}

// callParams is the union of every `params` shape the dispatcher's method
// handlers read; unused fields are simply absent from the incoming JSON.
type callParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	URI       string         `json:"uri"`
	Meta      rpcMeta        `json:"_meta"`
}

// rpcError is a JSON-RPC 2.0 error object.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// rpcResponse is a JSON-RPC 2.0 response, serialized with either Result or
// Error populated.
type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
}

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeInvalidParams  = -32602
	codeMethodNotFound = -32601
	codeInternalError  = -32603
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func rpcErrorResponse(id any, code int, message string, data any) rpcResponse {
	return rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message, Data: data}}
}

func rpcResultResponse(id any, result any) rpcResponse {
	if se, ok := result.(softErrorResult); ok && se.ErrorIsFatal {
		return rpcErrorResponse(id, codeInvalidParams, se.ErrorMessage, se)
	}
	return rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

// softErrorResult is the "recoverable, partial data" result shape
// (spec.md §4.5, §7): returned inside a JSON-RPC *result*, not as a
// JSON-RPC error, unless ErrorIsFatal is set.
type softErrorResult struct {
	IsError           bool              `json:"isError"`
	Error             bridgeerr.Code    `json:"error"`
	ErrorMessage      string            `json:"error_message"`
	ErrorIsFatal      bool              `json:"error_is_fatal"`
	AvailableTools    []string          `json:"available_tools,omitempty"`
	AllowedTools      []string          `json:"allowed_tools,omitempty"`
	AvailableSessions []frontend.Summary `json:"available_sessions,omitempty"`
}

func summaries(sessions []*frontend.FrontendSession) []frontend.Summary {
	out := make([]frontend.Summary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.ToSummary())
	}
	return out
}
