// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package frontend

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hyperbridge/mcp-bridge/internal/bridgeerr"
	"github.com/hyperbridge/mcp-bridge/internal/config"
	"github.com/hyperbridge/mcp-bridge/internal/scheduler"
)

// AuthenticateRequest is the payload of an `authenticate` frontend socket
// frame (spec.md §6.1).
type AuthenticateRequest struct {
	SessionID   string
	AuthToken   string
	Origin      string
	PageTitle   string
	SessionName string
	UserAgent   string
}

// wire frame payloads the registry writes directly to a Socket. These
// mirror spec.md §6.1's bridge→frontend frame shapes.
type authenticatedFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Success   bool   `json:"success"`
}

type authFailedFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
	Code  string `json:"code"`
}

type sessionClosedFrame struct {
	Type string `json:"type"`
	Code string `json:"code"`
}

type sessionExpiredFrame struct {
	Type string `json:"type"`
	Code string `json:"code"`
}

const (
	closeCodePolicy = 1008

	idleCheckPeriod = 60 * time.Second
)

// Registry is the Session Registry (spec.md §4.2): the FrontendSession
// table indexed by id and by auth token, enforcing per-token session caps
// and session-name uniqueness, and expiring idle sessions.
type Registry struct {
	mu sync.RWMutex

	byID    map[string]*FrontendSession
	byToken map[string]map[string]*FrontendSession

	maxSessionsPerToken int
	capPolicy           config.CapPolicy
	sessionMaxDuration  time.Duration

	sched       scheduler.Scheduler
	idleCheckID scheduler.ID

	log *zap.Logger

	onToolsChanged   func(authToken string)
	onSessionRemoved func(sessionID string)
}

// New constructs a Registry. maxSessionsPerToken <= 0 disables the cap;
// sessionMaxDuration <= 0 disables idle expiry.
func New(sched scheduler.Scheduler, maxSessionsPerToken int, capPolicy config.CapPolicy, sessionMaxDuration time.Duration, log *zap.Logger) *Registry {
	r := &Registry{
		byID:                make(map[string]*FrontendSession),
		byToken:             make(map[string]map[string]*FrontendSession),
		maxSessionsPerToken: maxSessionsPerToken,
		capPolicy:           capPolicy,
		sessionMaxDuration:  sessionMaxDuration,
		sched:               sched,
		log:                 log,
	}
	if sessionMaxDuration > 0 {
		r.idleCheckID = sched.ScheduleInterval(r.expireIdleSessions, idleCheckPeriod)
	}
	return r
}

// SetOnToolsChanged registers the hook invoked (with the mutated session's
// auth token) after any tool-map mutation, so the MCP dispatcher's
// McpSession table can push notifications/tools/list_changed without this
// package importing the dispatcher.
func (r *Registry) SetOnToolsChanged(fn func(authToken string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onToolsChanged = fn
}

// SetOnSessionRemoved registers the hook invoked (with the removed
// session's id) on Cleanup, so the Query Engine can scrub queries owned by
// a dying session (spec.md §9 Open Question, resolved per the SHOULD).
func (r *Registry) SetOnSessionRemoved(fn func(sessionID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onSessionRemoved = fn
}

// Get looks up a live session by id.
func (r *Registry) Get(sessionID string) (*FrontendSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[sessionID]
	return s, ok
}

// SessionsForToken returns every live session sharing the given auth
// token, used by the MCP Dispatcher's bearer/query-param auth selection.
func (r *Registry) SessionsForToken(authToken string) []*FrontendSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bucket := r.byToken[authToken]
	out := make([]*FrontendSession, 0, len(bucket))
	for _, s := range bucket {
		out = append(out, s)
	}
	return out
}

// Authenticate implements spec.md §4.2 Authenticate. On rejection it sends
// the failure frame and closes conn with 1008 itself, mirroring the
// teacher's eviction flow where the registry owns the socket side effect.
func (r *Registry) Authenticate(req AuthenticateRequest, conn Socket, now time.Time) (*FrontendSession, bridgeerr.Code) {
	r.mu.Lock()

	if r.maxSessionsPerToken > 0 {
		bucket := r.byToken[req.AuthToken]
		if len(bucket) >= r.maxSessionsPerToken {
			if r.capPolicy == config.PolicyCloseOldest {
				oldest := oldestSession(bucket)
				r.removeLocked(oldest.ID)
				r.mu.Unlock()
				oldest.Conn().Send(sessionClosedFrame{Type: "session-closed", Code: bridgeerr.SessionLimitExceeded.String()})
				oldest.Conn().Close(closeCodePolicy, "session limit exceeded")
				r.notifyToolsChanged(oldest.AuthToken)
				r.notifySessionRemoved(oldest.ID)
				r.mu.Lock()
			} else {
				r.mu.Unlock()
				r.rejectAuth(conn, bridgeerr.SessionLimitExceeded, "session limit exceeded for this token")
				return nil, bridgeerr.SessionLimitExceeded
			}
		}
	}

	if req.SessionName != "" {
		for _, s := range r.byToken[req.AuthToken] {
			if s.SessionName == req.SessionName {
				r.mu.Unlock()
				r.rejectAuth(conn, bridgeerr.SessionNameAlreadyInUse, "session name already in use for this token")
				return nil, bridgeerr.SessionNameAlreadyInUse
			}
		}
	}

	session := newSession(req.SessionID, req.AuthToken, req.Origin, req.PageTitle, req.SessionName, req.UserAgent, conn, now)
	r.byID[session.ID] = session
	if r.byToken[session.AuthToken] == nil {
		r.byToken[session.AuthToken] = make(map[string]*FrontendSession)
	}
	r.byToken[session.AuthToken][session.ID] = session
	r.mu.Unlock()

	conn.Send(authenticatedFrame{Type: "authenticated", SessionID: session.ID, Success: true})
	return session, ""
}

func (r *Registry) rejectAuth(conn Socket, code bridgeerr.Code, text string) {
	conn.Send(authFailedFrame{Type: "authentication-failed", Error: text, Code: code.String()})
	conn.Close(closeCodePolicy, text)
}

// RegisterTool upserts a tool into the owning session's tool map and
// notifies McpSessions sharing its auth token.
func (r *Registry) RegisterTool(sessionID string, tool *ToolDefinition) error {
	session, ok := r.Get(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	session.setTool(tool)
	r.notifyToolsChanged(session.AuthToken)
	return nil
}

// RegisterResource upserts a resource into the owning session's resource
// map.
func (r *Registry) RegisterResource(sessionID string, resource *ResourceDefinition) error {
	session, ok := r.Get(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	session.setResource(resource)
	return nil
}

// Activity advances a session's lastActivity to the given timestamp,
// unclamped (spec.md §4.2).
func (r *Registry) Activity(sessionID string, at time.Time) error {
	session, ok := r.Get(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	session.touch(at)
	return nil
}

// Cleanup removes a session from both indexes, drops the token bucket if
// it was the last session for that token, and notifies tools-changed and
// session-removed subscribers. Safe to call twice; the second call is a
// no-op.
func (r *Registry) Cleanup(sessionID string) {
	r.mu.Lock()
	session, ok := r.byID[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	r.removeLocked(sessionID)
	r.mu.Unlock()

	r.notifyToolsChanged(session.AuthToken)
	r.notifySessionRemoved(sessionID)
}

// removeLocked must be called with r.mu held.
func (r *Registry) removeLocked(sessionID string) {
	session, ok := r.byID[sessionID]
	if !ok {
		return
	}
	delete(r.byID, sessionID)
	bucket := r.byToken[session.AuthToken]
	delete(bucket, sessionID)
	if len(bucket) == 0 {
		delete(r.byToken, session.AuthToken)
	}
}

func (r *Registry) notifyToolsChanged(authToken string) {
	r.mu.RLock()
	fn := r.onToolsChanged
	r.mu.RUnlock()
	if fn != nil {
		fn(authToken)
	}
}

func (r *Registry) notifySessionRemoved(sessionID string) {
	r.mu.RLock()
	fn := r.onSessionRemoved
	r.mu.RUnlock()
	if fn != nil {
		fn(sessionID)
	}
}

// expireIdleSessions is the 60s idle-expiry tick (spec.md §4.2).
func (r *Registry) expireIdleSessions() {
	now := r.sched.Now()
	r.mu.RLock()
	var expired []*FrontendSession
	for _, s := range r.byID {
		if now.Sub(s.ConnectedAt) > r.sessionMaxDuration {
			expired = append(expired, s)
		}
	}
	r.mu.RUnlock()

	for _, s := range expired {
		s.Conn().Send(sessionExpiredFrame{Type: "session-expired", Code: bridgeerr.SessionExpired.String()})
		s.Conn().Close(closeCodePolicy, "session expired")
		r.Cleanup(s.ID)
	}
}

// Shutdown cancels the idle-expiry ticker. It does not itself close
// sockets; the caller (cmd/bridge) closes every live connection as part of
// graceful shutdown before or after calling this.
func (r *Registry) Shutdown() {
	if r.sessionMaxDuration > 0 {
		r.sched.CancelInterval(r.idleCheckID)
	}
}

// All returns every live session, used by graceful shutdown.
func (r *Registry) All() []*FrontendSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*FrontendSession, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, s)
	}
	return out
}

func oldestSession(bucket map[string]*FrontendSession) *FrontendSession {
	var oldest *FrontendSession
	for _, s := range bucket {
		if oldest == nil || s.ConnectedAt.Before(oldest.ConnectedAt) {
			oldest = s
		}
	}
	return oldest
}
