// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package frontend implements the Session Registry (spec.md §4.2): the
// authenticated FrontendSession table indexed by id and by auth token,
// with per-token caps, name collisions, activity tracking, and idle
// expiry.
package frontend

import (
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
)

// Socket is the narrow send/close surface the registry needs from a
// frontend's duplex connection. internal/transport implements this over
// gorilla/websocket; the registry never imports that package directly.
type Socket interface {
	Send(v any) error
	Close(code int, reason string) error
	IsOpen() bool
}

// ToolDefinition is a named, schema-typed function a frontend has exposed.
type ToolDefinition struct {
	Name         string
	Description  string
	InputSchema  *jsonschema.Schema
	OutputSchema *jsonschema.Schema
	Meta         map[string]any
}

// ResourceDefinition is a named, URI-addressed content source a frontend
// has exposed.
type ResourceDefinition struct {
	URI         string
	Name        string
	Description string
	MimeType    string
}

// FrontendSession is one authenticated browser connection.
type FrontendSession struct {
	mu sync.RWMutex

	ID          string
	AuthToken   string
	Origin      string
	PageTitle   string
	SessionName string
	UserAgent   string

	ConnectedAt  time.Time
	LastActivity time.Time

	conn      Socket
	tools     map[string]*ToolDefinition
	resources map[string]*ResourceDefinition
}

func newSession(id, authToken, origin, pageTitle, sessionName, userAgent string, conn Socket, now time.Time) *FrontendSession {
	return &FrontendSession{
		ID:           id,
		AuthToken:    authToken,
		Origin:       origin,
		PageTitle:    pageTitle,
		SessionName:  sessionName,
		UserAgent:    userAgent,
		ConnectedAt:  now,
		LastActivity: now,
		conn:         conn,
		tools:        make(map[string]*ToolDefinition),
		resources:    make(map[string]*ResourceDefinition),
	}
}

// Conn returns the session's socket, used by the Correlation Layer to send
// tool-call/resource-read frames.
func (s *FrontendSession) Conn() Socket {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

// Tool looks up a registered tool by name.
func (s *FrontendSession) Tool(name string) (*ToolDefinition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tools[name]
	return t, ok
}

// Tools returns a snapshot of every registered tool.
func (s *FrontendSession) Tools() []*ToolDefinition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ToolDefinition, 0, len(s.tools))
	for _, t := range s.tools {
		out = append(out, t)
	}
	return out
}

// Resource looks up a registered resource by URI.
func (s *FrontendSession) Resource(uri string) (*ResourceDefinition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.resources[uri]
	return r, ok
}

// Resources returns a snapshot of every registered resource.
func (s *FrontendSession) Resources() []*ResourceDefinition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ResourceDefinition, 0, len(s.resources))
	for _, r := range s.resources {
		out = append(out, r)
	}
	return out
}

func (s *FrontendSession) setTool(t *ToolDefinition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools[t.Name] = t
}

func (s *FrontendSession) setResource(r *ResourceDefinition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources[r.URI] = r
}

func (s *FrontendSession) touch(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastActivity = at
}

// Summary is the listSessions-shaped view of a FrontendSession exposed to
// MCP clients (the synthetic list_sessions tool and sessions://list
// resource).
type Summary struct {
	SessionID   string   `json:"session_id"`
	SessionName string   `json:"session_name,omitempty"`
	PageTitle   string   `json:"page_title,omitempty"`
	Origin      string   `json:"origin,omitempty"`
	Tools       []string `json:"tools"`
}

// ToSummary builds the wire-facing summary for this session.
func (s *FrontendSession) ToSummary() Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.tools))
	for name := range s.tools {
		names = append(names, name)
	}
	return Summary{
		SessionID:   s.ID,
		SessionName: s.SessionName,
		PageTitle:   s.PageTitle,
		Origin:      s.Origin,
		Tools:       names,
	}
}
