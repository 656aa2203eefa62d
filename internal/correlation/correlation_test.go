package correlation

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hyperbridge/mcp-bridge/internal/frontend"
	"github.com/hyperbridge/mcp-bridge/internal/scheduler"
)

type recordingSocket struct {
	mu   sync.Mutex
	sent []any
	open bool
}

func newRecordingSocket() *recordingSocket { return &recordingSocket{open: true} }

func (s *recordingSocket) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, v)
	return nil
}

func (s *recordingSocket) Close(int, string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	return nil
}

func (s *recordingSocket) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func newSessionWithSocket(id, token string) (*frontend.FrontendSession, *recordingSocket) {
	sock := newRecordingSocket()
	v := scheduler.NewVirtual(time.Unix(0, 0))
	reg := frontend.New(v, 0, "reject", 0, zap.NewNop())
	session, _ := reg.Authenticate(frontend.AuthenticateRequest{SessionID: id, AuthToken: token}, sock, time.Now())
	return session, sock
}

func TestCallToolResolvesOnMatchingReply(t *testing.T) {
	session, _ := newSessionWithSocket("S1", "T")
	v := scheduler.NewVirtual(time.Unix(0, 0))
	layer := New(v, zap.NewNop())

	resultCh := make(chan ToolCallResult, 1)
	go func() {
		resultCh <- layer.CallTool(session, "echo", map[string]any{"msg": "hi"}, "")
	}()

	// discover the minted requestId by draining the sent frame
	var requestID string
	for requestID == "" {
		time.Sleep(time.Millisecond)
		sock := session.Conn().(*recordingSocket)
		sock.mu.Lock()
		if len(sock.sent) > 0 {
			frame := sock.sent[0].(toolCallFrame)
			requestID = frame.RequestID
		}
		sock.mu.Unlock()
	}

	layer.ResolveToolResponse(ToolResponse{RequestID: requestID, Result: "hi"})

	result := <-resultCh
	if result.Err != "" || result.Result != "hi" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if layer.PendingCount() != 0 {
		t.Fatalf("expected pending map drained, got %d", layer.PendingCount())
	}
}

func TestCallToolTimesOutAfter30Seconds(t *testing.T) {
	session, _ := newSessionWithSocket("S1", "T")
	v := scheduler.NewVirtual(time.Unix(0, 0))
	layer := New(v, zap.NewNop())

	resultCh := make(chan ToolCallResult, 1)
	go func() {
		resultCh <- layer.CallTool(session, "echo", nil, "")
	}()

	// wait until the request is registered before advancing the clock
	for layer.PendingCount() == 0 {
		time.Sleep(time.Millisecond)
	}
	v.Advance(Timeout)

	result := <-resultCh
	if result.Err != "Tool call timeout" {
		t.Fatalf("expected timeout error, got %+v", result)
	}
	if layer.PendingCount() != 0 {
		t.Fatalf("expected pending map drained after timeout, got %d", layer.PendingCount())
	}
}

func TestLateReplyAfterTimeoutIsDiscarded(t *testing.T) {
	session, _ := newSessionWithSocket("S1", "T")
	v := scheduler.NewVirtual(time.Unix(0, 0))
	layer := New(v, zap.NewNop())

	resultCh := make(chan ToolCallResult, 1)
	go func() {
		resultCh <- layer.CallTool(session, "echo", nil, "")
	}()
	for layer.PendingCount() == 0 {
		time.Sleep(time.Millisecond)
	}
	sock := session.Conn().(*recordingSocket)
	sock.mu.Lock()
	requestID := sock.sent[0].(toolCallFrame).RequestID
	sock.mu.Unlock()

	v.Advance(Timeout)
	<-resultCh

	// late arrival must not panic or double-resolve
	layer.ResolveToolResponse(ToolResponse{RequestID: requestID, Result: "too-late"})
}

func TestCallToolOnClosedSessionFailsImmediately(t *testing.T) {
	session, sock := newSessionWithSocket("S1", "T")
	sock.Close(1000, "bye")
	v := scheduler.NewVirtual(time.Unix(0, 0))
	layer := New(v, zap.NewNop())

	result := layer.CallTool(session, "echo", nil, "")
	if result.Err != "Session not available" {
		t.Fatalf("expected session-not-available error, got %+v", result)
	}
}
