// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package mcpsession implements the McpSession table (spec.md §3, §4.5):
// the JSON-RPC protocol sessions opened by MCP hosts via `initialize`,
// their optional server-push (SSE) writer slot, and their 1-hour idle
// expiry.
package mcpsession

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperbridge/mcp-bridge/internal/scheduler"
)

// IdleTimeout is the McpSession idle expiry window (spec.md §4.5).
const IdleTimeout = time.Hour

// idleCheckPeriod is the tick interval for the expiry sweep (spec.md §4.5).
const idleCheckPeriod = 60 * time.Second

// Writer is the single server-push output slot a McpSession may hold. It
// mirrors the teacher's per-client hub output channel, generalized from a
// byte stream to one frame per call.
type Writer interface {
	WriteEvent(frame any) error
}

// McpSession is one JSON-RPC protocol session opened by `initialize`.
type McpSession struct {
	mu sync.RWMutex

	ID        string
	AuthToken string
	CreatedAt time.Time

	lastActivity time.Time
	writer       Writer
	cancel       context.CancelFunc
}

// LastActivity returns the session's last-activity timestamp.
func (s *McpSession) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// Touch advances lastActivity to now.
func (s *McpSession) Touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = now
}

// SetWriter stores the SSE write closure opened by a `GET` with
// `Accept: text/event-stream` (spec.md §4.5), along with the cancel func
// of the context the streaming goroutine selects on. Cancel lets the
// table tear the live stream down the instant this McpSession is removed
// (idle expiry, DELETE) instead of leaving it blocked until the
// underlying TCP connection happens to drop on its own.
func (s *McpSession) SetWriter(w Writer, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writer = w
	s.cancel = cancel
}

// ClearWriter drops a now-dead stream's writer slot. Called by the
// streaming goroutine itself as it exits, for any reason.
func (s *McpSession) ClearWriter() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writer = nil
	s.cancel = nil
}

// closeStream invokes the stream's cancel func, if one is attached,
// unblocking its goroutine so it can exit and call ClearWriter. Safe to
// call when no stream is attached, and safe to call twice.
func (s *McpSession) closeStream() {
	s.mu.RLock()
	cancel := s.cancel
	s.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

// Push emits a frame on the server-push channel if one is open; it is a
// no-op (not an error) when no stream is attached, matching spec.md's
// "optional server-push writer".
func (s *McpSession) Push(frame any) error {
	s.mu.RLock()
	w := s.writer
	s.mu.RUnlock()
	if w == nil {
		return nil
	}
	return w.WriteEvent(frame)
}

// Table is the live McpSession set, indexed by id and by auth token for
// the tools/list_changed fan-out of spec.md §4.2.
type Table struct {
	mu       sync.RWMutex
	byID     map[string]*McpSession
	byToken  map[string]map[string]*McpSession
	sched    scheduler.Scheduler
	tickerID scheduler.ID
	log      *zap.Logger
}

// New constructs a Table and starts its idle-expiry ticker.
func New(sched scheduler.Scheduler, log *zap.Logger) *Table {
	t := &Table{
		byID:    make(map[string]*McpSession),
		byToken: make(map[string]map[string]*McpSession),
		sched:   sched,
		log:     log,
	}
	t.tickerID = sched.ScheduleInterval(t.expireIdle, idleCheckPeriod)
	return t
}

// Create mints a new McpSession for authToken (spec.md `initialize`).
func (t *Table) Create(authToken string, now time.Time) *McpSession {
	s := &McpSession{
		ID:           uuid.NewString(),
		AuthToken:    authToken,
		CreatedAt:    now,
		lastActivity: now,
	}
	t.mu.Lock()
	t.byID[s.ID] = s
	if t.byToken[authToken] == nil {
		t.byToken[authToken] = make(map[string]*McpSession)
	}
	t.byToken[authToken][s.ID] = s
	t.mu.Unlock()
	return s
}

// Get looks up a live McpSession by id.
func (t *Table) Get(id string) (*McpSession, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.byID[id]
	return s, ok
}

// ForToken returns every live McpSession sharing authToken, used to fan
// out tools/list_changed notifications.
func (t *Table) ForToken(authToken string) []*McpSession {
	t.mu.RLock()
	defer t.mu.RUnlock()
	bucket := t.byToken[authToken]
	out := make([]*McpSession, 0, len(bucket))
	for _, s := range bucket {
		out = append(out, s)
	}
	return out
}

// All returns every live McpSession, used for the supplemented
// `GET /debug/mcpsessions` diagnostic endpoint (SPEC_FULL.md §6.6) and for
// graceful shutdown.
func (t *Table) All() []*McpSession {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*McpSession, 0, len(t.byID))
	for _, s := range t.byID {
		out = append(out, s)
	}
	return out
}

// Delete removes a McpSession (`DELETE` request, stream error, or idle
// timeout) and tears down its live SSE stream, if any (spec.md §4.5:
// idle-expired and DELETEd sessions are "closed (cleanup invoked, entry
// removed)"). Safe to call twice.
func (t *Table) Delete(id string) {
	t.mu.Lock()
	s, ok := t.byID[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.byID, id)
	bucket := t.byToken[s.AuthToken]
	delete(bucket, id)
	if len(bucket) == 0 {
		delete(t.byToken, s.AuthToken)
	}
	t.mu.Unlock()

	s.closeStream()
}

// expireIdle implements the 60s idle-expiry sweep of spec.md §4.5.
func (t *Table) expireIdle() {
	now := t.sched.Now()
	t.mu.RLock()
	var expired []*McpSession
	for _, s := range t.byID {
		if now.Sub(s.LastActivity()) > IdleTimeout {
			expired = append(expired, s)
		}
	}
	t.mu.RUnlock()

	for _, s := range expired {
		t.Delete(s.ID)
	}
}

// Shutdown cancels the idle-expiry ticker.
func (t *Table) Shutdown() {
	t.sched.CancelInterval(t.tickerID)
}
