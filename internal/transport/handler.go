// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/gorilla/websocket"
	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"

	"github.com/hyperbridge/mcp-bridge/internal/correlation"
	"github.com/hyperbridge/mcp-bridge/internal/frontend"
	"github.com/hyperbridge/mcp-bridge/internal/query"
)

const closeCodeInvalidJSON = 1003
const closeCodeMissingSessionKey = 1008

// envelope is decoded first to discriminate on Type before unmarshaling
// the full frame shape (spec.md §6.1: "All frames are JSON objects with a
// type discriminator").
type envelope struct {
	Type string `json:"type"`
}

type authenticateFrame struct {
	SessionID   string `json:"sessionId"`
	AuthToken   string `json:"authToken"`
	Origin      string `json:"origin"`
	PageTitle   string `json:"pageTitle"`
	SessionName string `json:"sessionName"`
	UserAgent   string `json:"userAgent"`
}

type wireToolDefinition struct {
	Name         string             `json:"name"`
	Description  string             `json:"description"`
	InputSchema  *jsonschema.Schema `json:"inputSchema"`
	OutputSchema *jsonschema.Schema `json:"outputSchema"`
	Meta         map[string]any     `json:"_meta"`
}

type registerToolFrame struct {
	Tool wireToolDefinition `json:"tool"`
}

type wireResourceDefinition struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description"`
	MimeType    string `json:"mimeType"`
}

type registerResourceFrame struct {
	Resource wireResourceDefinition `json:"resource"`
}

type activityFrame struct {
	TimestampMs int64 `json:"timestamp"`
}

type toolResponseFrame struct {
	RequestID string `json:"requestId"`
	Result    any    `json:"result"`
}

type resourceResponseFrame struct {
	RequestID string `json:"requestId"`
	Content   string `json:"content"`
	Blob      string `json:"blob"`
	MimeType  string `json:"mimeType"`
	Error     string `json:"error"`
}

type queryFrame struct {
	UUID          string   `json:"uuid"`
	ResponseTool  string   `json:"responseTool"`
	Tools         []string `json:"tools"`
	RestrictTools bool     `json:"restrictTools"`
}

type queryCancelFrame struct {
	UUID string `json:"uuid"`
}

// Handler wires an upgraded frontend socket connection into the bridge's
// core components.
type Handler struct {
	registry    *frontend.Registry
	correlation *correlation.Layer
	queries     *query.Engine
	log         *zap.Logger
}

// New constructs a Handler.
func New(registry *frontend.Registry, corr *correlation.Layer, queries *query.Engine, log *zap.Logger) *Handler {
	return &Handler{registry: registry, correlation: corr, queries: queries, log: log}
}

// ServeHTTP upgrades the request and runs the connection's read/write
// pumps until it closes (spec.md §6.1).
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	if sessionID == "" {
		deadline := time.Now().Add(writeWait)
		ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(closeCodeMissingSessionKey, "Missing session key"), deadline)
		ws.Close()
		return
	}

	conn := newConn(ws, h.log)
	h.run(sessionID, conn)
}

// run owns the connection's lifecycle: it authenticates, then dispatches
// every subsequent frame until the socket dies.
func (h *Handler) run(sessionID string, conn *Conn) {
	go conn.writePump()

	var session *frontend.FrontendSession

	conn.readPump(func(raw []byte) {
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			conn.Close(closeCodeInvalidJSON, "invalid json")
			return
		}

		if session == nil {
			if env.Type != "authenticate" {
				return // frames before authenticate are discarded
			}
			var frame authenticateFrame
			if err := json.Unmarshal(raw, &frame); err != nil {
				conn.Close(closeCodeInvalidJSON, "invalid json")
				return
			}
			s, code := h.registry.Authenticate(frontend.AuthenticateRequest{
				SessionID:   sessionID,
				AuthToken:   frame.AuthToken,
				Origin:      frame.Origin,
				PageTitle:   frame.PageTitle,
				SessionName: frame.SessionName,
				UserAgent:   frame.UserAgent,
			}, conn, time.Now())
			if code != "" {
				return
			}
			session = s
			return
		}

		h.dispatch(session, env.Type, raw)
	})

	if session != nil {
		h.registry.Cleanup(session.ID)
	}
}

func (h *Handler) dispatch(session *frontend.FrontendSession, frameType string, raw []byte) {
	switch frameType {
	case "register-tool":
		var frame registerToolFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			return
		}
		h.registry.RegisterTool(session.ID, &frontend.ToolDefinition{
			Name:         frame.Tool.Name,
			Description:  frame.Tool.Description,
			InputSchema:  frame.Tool.InputSchema,
			OutputSchema: frame.Tool.OutputSchema,
			Meta:         frame.Tool.Meta,
		})

	case "register-resource":
		var frame registerResourceFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			return
		}
		h.registry.RegisterResource(session.ID, &frontend.ResourceDefinition{
			URI:         frame.Resource.URI,
			Name:        frame.Resource.Name,
			Description: frame.Resource.Description,
			MimeType:    frame.Resource.MimeType,
		})

	case "activity":
		var frame activityFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			return
		}
		at := time.Now()
		if frame.TimestampMs > 0 {
			at = time.UnixMilli(frame.TimestampMs)
		}
		h.registry.Activity(session.ID, at)

	case "tool-response":
		var frame toolResponseFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			return
		}
		h.correlation.ResolveToolResponse(correlation.ToolResponse{RequestID: frame.RequestID, Result: frame.Result})

	case "resource-response":
		var frame resourceResponseFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			return
		}
		h.correlation.ResolveResourceResponse(correlation.ResourceResponse{
			RequestID: frame.RequestID,
			Content:   frame.Content,
			Blob:      frame.Blob,
			MimeType:  frame.MimeType,
			Error:     frame.Error,
		})

	case "query":
		var frame queryFrame
		var payload map[string]any
		if err := json.Unmarshal(raw, &frame); err != nil {
			return
		}
		if err := json.Unmarshal(raw, &payload); err == nil {
			delete(payload, "type")
		}
		h.queries.CreateQuery(context.Background(), query.CreateRequest{
			UUID:          frame.UUID,
			SessionID:     session.ID,
			ResponseTool:  frame.ResponseTool,
			Tools:         frame.Tools,
			RestrictTools: frame.RestrictTools,
			Payload:       payload,
		})

	case "query_cancel":
		var frame queryCancelFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			return
		}
		h.queries.CancelFromFrontend(context.Background(), frame.UUID)
	}
}
