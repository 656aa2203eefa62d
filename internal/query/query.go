// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package query implements the Query Engine (spec.md §4.4): the Query
// state machine, tool-call accounting under a query, response-tool
// auto-completion, and cancellation fan-out to both the agent and the
// owning frontend session.
package query

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/hyperbridge/mcp-bridge/internal/agentclient"
	"github.com/hyperbridge/mcp-bridge/internal/bridgeerr"
	"github.com/hyperbridge/mcp-bridge/internal/frontend"
)

// State is a Query's position in its active→terminal state machine.
type State string

const (
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// ToolCallRecord is one entry in a Query's tool-call log.
type ToolCallRecord struct {
	Tool      string `json:"tool"`
	Arguments any    `json:"arguments"`
	Result    any    `json:"result"`
}

// Query is the in-memory record for one agent-driven query running
// against a frontend session (spec.md §3).
type Query struct {
	mu sync.Mutex

	UUID          string
	SessionID     string
	AuthToken     string
	ResponseTool  string
	Tools         []string
	RestrictTools bool
	State         State
	ToolCalls     []ToolCallRecord
}

func (q *Query) snapshot() Query {
	q.mu.Lock()
	defer q.mu.Unlock()
	calls := make([]ToolCallRecord, len(q.ToolCalls))
	copy(calls, q.ToolCalls)
	return Query{
		UUID:          q.UUID,
		SessionID:     q.SessionID,
		AuthToken:     q.AuthToken,
		ResponseTool:  q.ResponseTool,
		Tools:         q.Tools,
		RestrictTools: q.RestrictTools,
		State:         q.State,
		ToolCalls:     calls,
	}
}

// outbound frames (bridge -> frontend).
type queryAcceptedFrame struct {
	Type string `json:"type"`
	UUID string `json:"uuid"`
}

type queryFailureFrame struct {
	Type  string `json:"type"`
	UUID  string `json:"uuid"`
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type queryCompleteFrame struct {
	Type      string           `json:"type"`
	UUID      string           `json:"uuid"`
	Message   any              `json:"message,omitempty"`
	ToolCalls []ToolCallRecord `json:"toolCalls"`
}

type queryCancelFrame struct {
	Type string `json:"type"`
	UUID string `json:"uuid"`
}

type queryProgressFrame struct {
	Type    string `json:"type"`
	UUID    string `json:"uuid"`
	Payload any    `json:"payload"`
}

// CreateRequest is the payload of a frontend `query` socket message.
type CreateRequest struct {
	UUID          string
	SessionID     string
	ResponseTool  string
	Tools         []string
	RestrictTools bool
	Payload       any // canonicalized query payload forwarded to the agent verbatim
}

// SoftError is a recoverable, protocol-level failure returned to a
// tools/call or resources/read caller rather than aborting the query
// (spec.md §4.4's "soft error" results).
type SoftError struct {
	Code         bridgeerr.Code
	AllowedTools []string
}

func (e *SoftError) Error() string { return e.Code.String() }

// Engine owns every live Query plus the in-flight-per-token counters used
// to enforce maxInFlightQueriesPerToken.
type Engine struct {
	mu              sync.Mutex
	queries         map[string]*Query
	inFlightByToken map[string]int

	maxInFlightPerToken int
	agentURL            string

	client   *agentclient.Client
	registry *frontend.Registry
	log      *zap.Logger
}

// New constructs an Engine. agentURL == "" means no agent is configured;
// CreateQuery then always fails per spec.md §4.4 step 1.
func New(agentURL string, client *agentclient.Client, registry *frontend.Registry, maxInFlightPerToken int, log *zap.Logger) *Engine {
	e := &Engine{
		queries:             make(map[string]*Query),
		inFlightByToken:     make(map[string]int),
		maxInFlightPerToken: maxInFlightPerToken,
		agentURL:            agentURL,
		client:              client,
		registry:            registry,
		log:                 log,
	}
	registry.SetOnSessionRemoved(e.onSessionRemoved)
	return e
}

// CreateQuery implements spec.md §4.4's creation sequence. The resulting
// frame (`query_accepted` or `query_failure`) is sent directly to the
// owning session's socket; the caller does not need to relay it.
func (e *Engine) CreateQuery(ctx context.Context, req CreateRequest) {
	if e.agentURL == "" {
		e.sendFailureBySessionID(req.SessionID, req.UUID, "Missing Agent URL", "")
		return
	}

	session, ok := e.registry.Get(req.SessionID)
	if !ok {
		e.sendFailureBySessionID(req.SessionID, req.UUID, "Session not found", "")
		return
	}

	e.mu.Lock()
	if e.maxInFlightPerToken > 0 && e.inFlightByToken[session.AuthToken] >= e.maxInFlightPerToken {
		e.mu.Unlock()
		e.sendFailure(session, req.UUID, "In-flight query limit exceeded", bridgeerr.QueryLimitExceeded.String())
		return
	}
	e.inFlightByToken[session.AuthToken]++

	q := &Query{
		UUID:          req.UUID,
		SessionID:     req.SessionID,
		AuthToken:     session.AuthToken,
		ResponseTool:  req.ResponseTool,
		Tools:         req.Tools,
		RestrictTools: req.RestrictTools,
		State:         StateActive,
	}
	e.queries[req.UUID] = q
	e.mu.Unlock()

	if err := e.client.CreateQuery(ctx, req.UUID, req.Payload); err != nil {
		e.deleteAndDecrement(req.UUID)
		e.sendFailure(session, req.UUID, err.Error(), "")
		return
	}

	session.Conn().Send(queryAcceptedFrame{Type: "query_accepted", UUID: req.UUID})
}

// HandleProgress forwards an agent progress push verbatim to the owning
// session, leaving the Query active.
func (e *Engine) HandleProgress(uuid string, payload any) error {
	q, ok := e.get(uuid)
	if !ok {
		return errQueryNotFound
	}
	session, ok := e.registry.Get(q.SessionID)
	if ok && session.Conn().IsOpen() {
		session.Conn().Send(queryProgressFrame{Type: "query_progress", UUID: uuid, Payload: payload})
	}
	return nil
}

// HandleComplete implements `PUT /query/{uuid}/complete`.
// protocolViolation is true when the Query declared a responseTool, in
// which case this is caller error (spec.md §4.4) and the caller should
// respond 400.
func (e *Engine) HandleComplete(uuid string, message any) (protocolViolation bool, err error) {
	q, ok := e.get(uuid)
	if !ok {
		return false, errQueryNotFound
	}
	q.mu.Lock()
	hasResponseTool := q.ResponseTool != ""
	q.mu.Unlock()

	if hasResponseTool {
		session, ok := e.registry.Get(q.SessionID)
		if ok {
			e.sendFailure(session, uuid, "Query declared a responseTool; agent must not call /complete directly", "")
		}
		e.deleteAndDecrement(uuid)
		return true, nil
	}

	snap := e.transitionAndDelete(uuid, StateCompleted)
	if snap == nil {
		return false, errQueryNotFound
	}
	session, ok := e.registry.Get(snap.SessionID)
	if ok {
		session.Conn().Send(queryCompleteFrame{Type: "query_complete", UUID: uuid, Message: message, ToolCalls: snap.ToolCalls})
	}
	return false, nil
}

// HandleFail implements `PUT /query/{uuid}/fail`.
func (e *Engine) HandleFail(uuid string, message any) error {
	snap := e.transitionAndDelete(uuid, StateFailed)
	if snap == nil {
		return errQueryNotFound
	}
	session, ok := e.registry.Get(snap.SessionID)
	if ok {
		session.Conn().Send(queryFailureFrame{Type: "query_failure", UUID: uuid, Error: toErrorString(message)})
	}
	return nil
}

// HandleCancelFromAgent implements `PUT /query/{uuid}/cancel`.
func (e *Engine) HandleCancelFromAgent(uuid string) error {
	snap := e.transitionAndDelete(uuid, StateCancelled)
	if snap == nil {
		return errQueryNotFound
	}
	session, ok := e.registry.Get(snap.SessionID)
	if ok {
		session.Conn().Send(queryCancelFrame{Type: "query_cancel", UUID: uuid})
	}
	return nil
}

// CancelFromFrontend implements the `query_cancel` socket message: best
// effort DELETE to the agent, ignoring its error.
func (e *Engine) CancelFromFrontend(ctx context.Context, uuid string) error {
	snap := e.transitionAndDelete(uuid, StateCancelled)
	if snap == nil {
		return errQueryNotFound
	}
	_ = e.client.CancelQuery(ctx, uuid)
	return nil
}

// ValidateToolCall implements the non-mutating half of spec.md §4.4's
// tools/call-under-a-query preconditions (missing query, inactive query,
// disallowed tool), checked before the tool is actually invoked so a
// disallowed call is never forwarded to the frontend.
func (e *Engine) ValidateToolCall(uuid, toolName string) *SoftError {
	q, ok := e.get(uuid)
	if !ok {
		return &SoftError{Code: bridgeerr.QueryNotFound}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.State != StateActive {
		return &SoftError{Code: bridgeerr.QueryNotActive}
	}
	if q.RestrictTools && len(q.Tools) > 0 && !containsString(q.Tools, toolName) {
		return &SoftError{Code: bridgeerr.ToolNotAllowed, AllowedTools: append([]string(nil), q.Tools...)}
	}
	return nil
}

// RecordToolCall implements the recording half of spec.md §4.4's
// tools/call-under-a-query accounting: append the call to the Query's
// log, and auto-complete via responseTool if applicable. Callers MUST
// have already validated the call with ValidateToolCall. autoCompleted
// reports whether a `query_complete` frame has been sent and the Query
// deleted.
func (e *Engine) RecordToolCall(uuid, toolName string, arguments, result any, isErrorResult bool) (autoCompleted bool) {
	q, ok := e.get(uuid)
	if !ok {
		return false
	}

	q.mu.Lock()
	if q.State != StateActive {
		q.mu.Unlock()
		return false
	}
	q.ToolCalls = append(q.ToolCalls, ToolCallRecord{Tool: toolName, Arguments: arguments, Result: result})
	isResponseTool := q.ResponseTool != "" && q.ResponseTool == toolName
	q.mu.Unlock()

	if isResponseTool && !isErrorResult {
		snap := e.transitionAndDelete(uuid, StateCompleted)
		if snap != nil {
			session, ok := e.registry.Get(snap.SessionID)
			if ok {
				session.Conn().Send(queryCompleteFrame{Type: "query_complete", UUID: uuid, ToolCalls: snap.ToolCalls})
			}
		}
		return true
	}
	return false
}

// Lookup returns a snapshot of a live Query for dispatcher-side
// authentication-selection (spec.md §4.5 step 1).
func (e *Engine) Lookup(uuid string) (Query, bool) {
	q, ok := e.get(uuid)
	if !ok {
		return Query{}, false
	}
	return q.snapshot(), true
}

// InFlightCount reports the in-flight query count for a token, used by
// tests asserting invariant 4.
func (e *Engine) InFlightCount(authToken string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inFlightByToken[authToken]
}

func (e *Engine) get(uuid string) (*Query, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	q, ok := e.queries[uuid]
	return q, ok
}

// transitionAndDelete moves a Query to a terminal state, removes it from
// the table, and decrements its token's in-flight count — all under one
// lock so invariant 4 (in-flight count equals active queries) never
// observes an intermediate state.
func (e *Engine) transitionAndDelete(uuid string, to State) *Query {
	e.mu.Lock()
	q, ok := e.queries[uuid]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	delete(e.queries, uuid)
	e.inFlightByToken[q.AuthToken]--
	if e.inFlightByToken[q.AuthToken] <= 0 {
		delete(e.inFlightByToken, q.AuthToken)
	}
	e.mu.Unlock()

	q.mu.Lock()
	q.State = to
	snap := q.snapshotLocked()
	q.mu.Unlock()
	return &snap
}

func (q *Query) snapshotLocked() Query {
	calls := make([]ToolCallRecord, len(q.ToolCalls))
	copy(calls, q.ToolCalls)
	return Query{
		UUID:         q.UUID,
		SessionID:    q.SessionID,
		AuthToken:    q.AuthToken,
		ResponseTool: q.ResponseTool,
		State:        q.State,
		ToolCalls:    calls,
	}
}

func (e *Engine) deleteAndDecrement(uuid string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	q, ok := e.queries[uuid]
	if !ok {
		return
	}
	delete(e.queries, uuid)
	e.inFlightByToken[q.AuthToken]--
	if e.inFlightByToken[q.AuthToken] <= 0 {
		delete(e.inFlightByToken, q.AuthToken)
	}
}

// onSessionRemoved scrubs every Query owned by a dying session, resolving
// spec.md §9's open question per the spec's own SHOULD: implementations
// must delete them to preserve invariant 3 and the in-flight count.
func (e *Engine) onSessionRemoved(sessionID string) {
	e.mu.Lock()
	var dead []string
	for uuid, q := range e.queries {
		q.mu.Lock()
		owned := q.SessionID == sessionID
		q.mu.Unlock()
		if owned {
			dead = append(dead, uuid)
		}
	}
	e.mu.Unlock()

	for _, uuid := range dead {
		e.deleteAndDecrement(uuid)
	}
}

func (e *Engine) sendFailureBySessionID(sessionID, uuid, message, code string) {
	session, ok := e.registry.Get(sessionID)
	if !ok {
		return
	}
	e.sendFailure(session, uuid, message, code)
}

func (e *Engine) sendFailure(session *frontend.FrontendSession, uuid, message, code string) {
	session.Conn().Send(queryFailureFrame{Type: "query_failure", UUID: uuid, Error: message, Code: code})
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func toErrorString(message any) string {
	if s, ok := message.(string); ok {
		return s
	}
	if m, ok := message.(map[string]any); ok {
		if s, ok := m["error"].(string); ok {
			return s
		}
	}
	return ""
}
