// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package correlation implements the Correlation Layer (spec.md §4.3):
// minting request ids for outbound tool-call/resource-read socket
// messages, buffering per-request reply handlers, and enforcing a fixed
// 30-second timeout.
package correlation

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperbridge/mcp-bridge/internal/frontend"
	"github.com/hyperbridge/mcp-bridge/internal/scheduler"
)

// Timeout is the fixed per-request timeout (spec.md §4.3, §5). The spec
// leaves open whether this should be configurable (§9 Open Questions);
// this implementation does not guess an answer and keeps it constant.
const Timeout = 30 * time.Second

// Kind distinguishes the two correlated request shapes. Both share one
// pending-request map and one timeout path; only the outbound frame shape
// and the resolved-value shape differ.
type Kind int

const (
	KindToolCall Kind = iota
	KindResourceRead
)

// ToolCallResult is what CallTool resolves to.
type ToolCallResult struct {
	Result any    // raw result value from the frontend, on success
	Err    string // "Session not available" or "Tool call timeout" on failure
}

// ResourceReadResult is what ReadResource resolves to.
type ResourceReadResult struct {
	Text     string
	Blob     string
	MimeType string
	Err      string
}

type pendingEntry struct {
	kind      Kind
	sessionID string
	timerID   scheduler.ID
	done      chan struct{}
	toolCh    chan ToolCallResult
	resCh     chan ResourceReadResult
}

// outbound wire frames (bridge -> frontend).
type toolCallFrame struct {
	Type     string `json:"type"`
	RequestID string `json:"requestId"`
	ToolName string `json:"toolName"`
	ToolInput any    `json:"toolInput,omitempty"`
	QueryID  string `json:"queryId,omitempty"`
}

type resourceReadFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	URI       string `json:"uri"`
}

// inbound wire frames (frontend -> bridge), decoded by internal/transport
// and handed to Resolve*.
type ToolResponse struct {
	RequestID string
	Result    any
}

type ResourceResponse struct {
	RequestID string
	Content   string
	Blob      string
	MimeType  string
	Error     string
}

// Layer is the Correlation Layer shared by tool calls and resource reads
// against any frontend session.
type Layer struct {
	mu      sync.Mutex
	pending map[string]*pendingEntry
	sched   scheduler.Scheduler
	log     *zap.Logger
}

// New constructs a Layer.
func New(sched scheduler.Scheduler, log *zap.Logger) *Layer {
	return &Layer{
		pending: make(map[string]*pendingEntry),
		sched:   sched,
		log:     log,
	}
}

// CallTool sends a tool-call frame to session and blocks until the
// frontend replies, the 30s timeout fires, or ctx-less immediate failure
// if the session's socket is not open.
func (l *Layer) CallTool(session *frontend.FrontendSession, toolName string, toolInput any, queryID string) ToolCallResult {
	conn := session.Conn()
	if conn == nil || !conn.IsOpen() {
		return ToolCallResult{Err: "Session not available"}
	}

	requestID := uuid.NewString()
	entry := &pendingEntry{kind: KindToolCall, sessionID: session.ID, done: make(chan struct{}), toolCh: make(chan ToolCallResult, 1)}

	l.mu.Lock()
	l.pending[requestID] = entry
	l.mu.Unlock()

	entry.timerID = l.sched.Schedule(func() { l.timeout(requestID, "Tool call timeout") }, Timeout)

	if err := conn.Send(toolCallFrame{Type: "tool-call", RequestID: requestID, ToolName: toolName, ToolInput: toolInput, QueryID: queryID}); err != nil {
		l.remove(requestID)
		return ToolCallResult{Err: "Session not available"}
	}

	<-entry.done
	return <-entry.toolCh
}

// ReadResource sends a resource-read frame and blocks for the reply or
// timeout, mirroring CallTool.
func (l *Layer) ReadResource(session *frontend.FrontendSession, uri string) ResourceReadResult {
	conn := session.Conn()
	if conn == nil || !conn.IsOpen() {
		return ResourceReadResult{Err: "Session not available"}
	}

	requestID := uuid.NewString()
	entry := &pendingEntry{kind: KindResourceRead, sessionID: session.ID, done: make(chan struct{}), resCh: make(chan ResourceReadResult, 1)}

	l.mu.Lock()
	l.pending[requestID] = entry
	l.mu.Unlock()

	entry.timerID = l.sched.Schedule(func() { l.timeout(requestID, "Resource read timeout") }, Timeout)

	if err := conn.Send(resourceReadFrame{Type: "resource-read", RequestID: requestID, URI: uri}); err != nil {
		l.remove(requestID)
		return ResourceReadResult{Err: "Session not available"}
	}

	<-entry.done
	return <-entry.resCh
}

// ResolveToolResponse routes an inbound tool-response frame to its pending
// handler. A requestId with no live handler (already resolved, already
// timed out, or never issued) is silently discarded.
func (l *Layer) ResolveToolResponse(resp ToolResponse) {
	entry := l.takeIfMatching(resp.RequestID, KindToolCall)
	if entry == nil {
		return
	}
	entry.toolCh <- ToolCallResult{Result: resp.Result}
	close(entry.done)
}

// ResolveResourceResponse routes an inbound resource-response frame to its
// pending handler.
func (l *Layer) ResolveResourceResponse(resp ResourceResponse) {
	entry := l.takeIfMatching(resp.RequestID, KindResourceRead)
	if entry == nil {
		return
	}
	entry.resCh <- ResourceReadResult{Text: resp.Content, Blob: resp.Blob, MimeType: resp.MimeType, Err: resp.Error}
	close(entry.done)
}

func (l *Layer) timeout(requestID string, message string) {
	entry := l.takeAny(requestID)
	if entry == nil {
		return
	}
	switch entry.kind {
	case KindToolCall:
		entry.toolCh <- ToolCallResult{Err: message}
	case KindResourceRead:
		entry.resCh <- ResourceReadResult{Err: message}
	}
	close(entry.done)
}

// takeIfMatching removes and returns the pending entry for requestID if it
// exists and is of the expected kind, cancelling its timer. Never invokes
// a handler twice (invariant 5/testable property 3): the map delete is the
// single point of truth for "already resolved".
func (l *Layer) takeIfMatching(requestID string, kind Kind) *pendingEntry {
	l.mu.Lock()
	entry, ok := l.pending[requestID]
	if !ok || entry.kind != kind {
		l.mu.Unlock()
		return nil
	}
	delete(l.pending, requestID)
	l.mu.Unlock()

	l.sched.Cancel(entry.timerID)
	return entry
}

func (l *Layer) takeAny(requestID string) *pendingEntry {
	l.mu.Lock()
	entry, ok := l.pending[requestID]
	if !ok {
		l.mu.Unlock()
		return nil
	}
	delete(l.pending, requestID)
	l.mu.Unlock()
	return entry
}

func (l *Layer) remove(requestID string) {
	l.mu.Lock()
	entry, ok := l.pending[requestID]
	if ok {
		delete(l.pending, requestID)
	}
	l.mu.Unlock()
	if ok {
		l.sched.Cancel(entry.timerID)
	}
}

// PendingCount reports the number of in-flight correlated requests, used
// by tests asserting the pending-handler map drains to empty.
func (l *Layer) PendingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}
