// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package dispatcher

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"

	"github.com/hyperbridge/mcp-bridge/internal/config"
	"github.com/hyperbridge/mcp-bridge/internal/correlation"
	"github.com/hyperbridge/mcp-bridge/internal/frontend"
	"github.com/hyperbridge/mcp-bridge/internal/mcpsession"
	"github.com/hyperbridge/mcp-bridge/internal/query"
)

const mcpSessionHeader = "Mcp-Session-Id"

const sseKeepalivePeriod = 30 * time.Second

// Dispatcher is the MCP Dispatcher (spec.md §4.5): JSON-RPC parsing, auth
// selection, method handlers, and agent callback routes.
type Dispatcher struct {
	registry    *frontend.Registry
	correlation *correlation.Layer
	queries     *query.Engine
	mcpSessions *mcpsession.Table
	cfg         config.Config
	log         *zap.Logger
}

// New constructs a Dispatcher and wires the Session Registry's
// tools-changed hook to push `notifications/tools/list_changed` onto
// every McpSession sharing the mutated session's auth token (spec.md
// §4.2).
func New(registry *frontend.Registry, corr *correlation.Layer, queries *query.Engine, mcpSessions *mcpsession.Table, cfg config.Config, log *zap.Logger) *Dispatcher {
	d := &Dispatcher{registry: registry, correlation: corr, queries: queries, mcpSessions: mcpSessions, cfg: cfg, log: log}
	registry.SetOnToolsChanged(d.notifyToolsChanged)
	return d
}

type toolsListChangedNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
}

func (d *Dispatcher) notifyToolsChanged(authToken string) {
	for _, s := range d.mcpSessions.ForToken(authToken) {
		if err := s.Push(toolsListChangedNotification{JSONRPC: "2.0", Method: "notifications/tools/list_changed"}); err != nil {
			d.log.Debug("tools/list_changed push failed", zap.String("mcpSessionId", s.ID), zap.Error(err))
		}
	}
}

// Router builds the chi router for the MCP + agent-callback HTTP surface
// (spec.md §4.5 routes table).
func (d *Dispatcher) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(d.corsMiddleware)

	r.Post("/query/{uuid}/progress", d.handleAgentProgress)
	r.Put("/query/{uuid}/complete", d.handleAgentComplete)
	r.Put("/query/{uuid}/fail", d.handleAgentFail)
	r.Put("/query/{uuid}/cancel", d.handleAgentCancel)

	r.Get("/debug/mcpsessions", d.handleDebugMcpSessions)

	r.Get("/*", d.handleGet)
	r.Post("/*", d.handleJSONRPC)
	r.Delete("/*", d.handleDeleteSession)

	return r
}

func (d *Dispatcher) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Mcp-Session-Id")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleGet serves `GET /` server info, or opens an SSE server-push
// stream when the client negotiates `Accept: text/event-stream`.
func (d *Dispatcher) handleGet(w http.ResponseWriter, r *http.Request) {
	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		d.handleSSE(w, r)
		return
	}
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	d.handleServerInfo(w, r)
}

type serverInfoResponse struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`
	Icon        string `json:"icon,omitempty"`
}

func (d *Dispatcher) handleServerInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, serverInfoResponse{
		Name:        d.cfg.ServerName,
		Description: d.cfg.ServerDescription,
		Version:     d.cfg.ServerVersion,
		Icon:        d.cfg.IconDataURI,
	})
}

type sseWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func (s *sseWriter) WriteEvent(frame any) error {
	body, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", body); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

// handleSSE implements the server-push stream of spec.md §4.5.
func (d *Dispatcher) handleSSE(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(mcpSessionHeader)
	session, ok := d.mcpSessions.Get(sessionID)
	if !ok {
		http.Error(w, `{"error":"MCP session not found"}`, http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	writer := &sseWriter{w: w, f: flusher}
	session.SetWriter(writer, cancel)
	defer session.ClearWriter()

	ticker := time.NewTicker(sseKeepalivePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				d.mcpSessions.Delete(sessionID)
				return
			}
			flusher.Flush()
		}
	}
}

func (d *Dispatcher) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(mcpSessionHeader)
	if sessionID == "" {
		http.Error(w, `{"error":"Mcp-Session-Id header required"}`, http.StatusBadRequest)
		return
	}
	d.mcpSessions.Delete(sessionID)
	w.WriteHeader(http.StatusNoContent)
}

type debugMcpSessionEntry struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
}

// handleDebugMcpSessions serves the supplemented `GET /debug/mcpsessions`
// diagnostic endpoint (SPEC_FULL.md §6.6).
func (d *Dispatcher) handleDebugMcpSessions(w http.ResponseWriter, r *http.Request) {
	sessions := d.mcpSessions.All()
	out := make([]debugMcpSessionEntry, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, debugMcpSessionEntry{
			ID:           s.ID,
			CreatedAt:    s.CreatedAt,
			LastActivity: s.LastActivity(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}
