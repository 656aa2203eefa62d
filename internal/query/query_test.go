package query

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"

	"github.com/hyperbridge/mcp-bridge/internal/agentclient"
	"github.com/hyperbridge/mcp-bridge/internal/config"
	"github.com/hyperbridge/mcp-bridge/internal/frontend"
	"github.com/hyperbridge/mcp-bridge/internal/scheduler"
)

type fakeSocket struct {
	mu   sync.Mutex
	sent []any
	open bool
}

func newFakeSocket() *fakeSocket { return &fakeSocket{open: true} }

func (f *fakeSocket) Send(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, v)
	return nil
}

func (f *fakeSocket) Close(int, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = false
	return nil
}

func (f *fakeSocket) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeSocket) last() any {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

func newHarness(t *testing.T, agentURL string, maxInFlight int) (*Engine, *frontend.Registry, *fakeSocket, *frontend.FrontendSession) {
	t.Helper()
	v := scheduler.NewVirtual(time.Unix(0, 0))
	reg := frontend.New(v, 0, config.PolicyReject, 0, zap.NewNop())
	sock := newFakeSocket()
	session, code := reg.Authenticate(frontend.AuthenticateRequest{SessionID: "S1", AuthToken: "TOK"}, sock, time.Now())
	if code != "" {
		t.Fatalf("authenticate failed: %s", code)
	}
	client := agentclient.New(agentURL, "")
	engine := New(agentURL, client, reg, maxInFlight, zap.NewNop())
	return engine, reg, sock, session
}

func TestCreateQueryMissingAgentURLFailsImmediately(t *testing.T) {
	engine, _, sock, _ := newHarness(t, "", 0)
	engine.CreateQuery(context.Background(), CreateRequest{UUID: "q1", SessionID: "S1"})

	frame, ok := sock.last().(queryFailureFrame)
	if !ok || frame.Error != "Missing Agent URL" {
		t.Fatalf("expected Missing Agent URL failure, got %+v", sock.last())
	}
}

func TestCreateQuerySuccessSendsAccepted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	engine, _, sock, _ := newHarness(t, srv.URL, 0)
	engine.CreateQuery(context.Background(), CreateRequest{UUID: "q1", SessionID: "S1"})

	frame, ok := sock.last().(queryAcceptedFrame)
	if !ok || frame.UUID != "q1" {
		t.Fatalf("expected query_accepted, got %+v", sock.last())
	}
	if engine.InFlightCount("TOK") != 1 {
		t.Fatalf("expected in-flight count 1, got %d", engine.InFlightCount("TOK"))
	}
}

func TestCreateQueryAgentRejectionDeletesAndDecrements(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	engine, _, sock, _ := newHarness(t, srv.URL, 0)
	engine.CreateQuery(context.Background(), CreateRequest{UUID: "q1", SessionID: "S1"})

	if _, ok := sock.last().(queryFailureFrame); !ok {
		t.Fatalf("expected query_failure, got %+v", sock.last())
	}
	if engine.InFlightCount("TOK") != 0 {
		t.Fatalf("expected in-flight count 0 after rejection, got %d", engine.InFlightCount("TOK"))
	}
	if _, ok := engine.Lookup("q1"); ok {
		t.Fatalf("expected query removed after agent rejection")
	}
}

func TestCreateQueryRespectsInFlightCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	engine, _, sock, _ := newHarness(t, srv.URL, 1)
	engine.CreateQuery(context.Background(), CreateRequest{UUID: "q1", SessionID: "S1"})
	engine.CreateQuery(context.Background(), CreateRequest{UUID: "q2", SessionID: "S1"})

	frame, ok := sock.last().(queryFailureFrame)
	if !ok || frame.UUID != "q2" {
		t.Fatalf("expected second query rejected for cap, got %+v", sock.last())
	}
	if _, ok := engine.Lookup("q2"); ok {
		t.Fatalf("capped query should never be created")
	}
}

func TestHandleCompleteWithResponseToolIsProtocolViolation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	engine, _, _, _ := newHarness(t, srv.URL, 0)
	engine.CreateQuery(context.Background(), CreateRequest{UUID: "q1", SessionID: "S1", ResponseTool: "answer"})

	violation, err := engine.HandleComplete("q1", "done")
	if err != nil || !violation {
		t.Fatalf("expected protocol violation, got violation=%v err=%v", violation, err)
	}
	if _, ok := engine.Lookup("q1"); ok {
		t.Fatalf("query should be deleted after protocol violation")
	}
}

func TestResponseToolAutoCompletesQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	engine, _, sock, _ := newHarness(t, srv.URL, 0)
	engine.CreateQuery(context.Background(), CreateRequest{UUID: "q1", SessionID: "S1", ResponseTool: "answer"})

	if softErr := engine.ValidateToolCall("q1", "answer"); softErr != nil {
		t.Fatalf("unexpected validation error: %v", softErr)
	}
	autoCompleted := engine.RecordToolCall("q1", "answer", map[string]any{"x": 1}, "final answer", false)
	if !autoCompleted {
		t.Fatalf("expected auto-completion, got %v", autoCompleted)
	}
	frame, ok := sock.last().(queryCompleteFrame)
	if !ok {
		t.Fatalf("expected query_complete frame, got %+v", sock.last())
	}
	want := []ToolCallRecord{{Tool: "answer", Arguments: map[string]any{"x": 1}, Result: "final answer"}}
	if diff := cmp.Diff(want, frame.ToolCalls); diff != "" {
		t.Fatalf("unexpected tool call log (-want +got):\n%s", diff)
	}
	if _, ok := engine.Lookup("q1"); ok {
		t.Fatalf("query should be deleted after response-tool completion")
	}
}

func TestResponseToolErrorResultKeepsQueryActive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	engine, _, _, _ := newHarness(t, srv.URL, 0)
	engine.CreateQuery(context.Background(), CreateRequest{UUID: "q1", SessionID: "S1", ResponseTool: "answer"})

	autoCompleted := engine.RecordToolCall("q1", "answer", nil, "boom", true)
	if autoCompleted {
		t.Fatalf("expected query to remain active on error result, got %v", autoCompleted)
	}
	q, ok := engine.Lookup("q1")
	if !ok || q.State != StateActive {
		t.Fatalf("expected query still active, got %+v ok=%v", q, ok)
	}
}

func TestValidateToolCallRejectsDisallowedTool(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	engine, _, _, _ := newHarness(t, srv.URL, 0)
	engine.CreateQuery(context.Background(), CreateRequest{UUID: "q1", SessionID: "S1", Tools: []string{"safe"}, RestrictTools: true})

	softErr := engine.ValidateToolCall("q1", "dangerous")
	if softErr == nil || softErr.Code.String() != "ToolNotAllowed" {
		t.Fatalf("expected ToolNotAllowed soft error, got %+v", softErr)
	}
}

func TestFrontendCancelIsBestEffort(t *testing.T) {
	var deleteCalled bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			deleteCalled = true
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	engine, _, _, _ := newHarness(t, srv.URL, 0)
	engine.CreateQuery(context.Background(), CreateRequest{UUID: "q1", SessionID: "S1"})

	if err := engine.CancelFromFrontend(context.Background(), "q1"); err != nil {
		t.Fatalf("CancelFromFrontend: %v", err)
	}
	if !deleteCalled {
		t.Fatalf("expected DELETE issued to agent")
	}
	if engine.InFlightCount("TOK") != 0 {
		t.Fatalf("expected in-flight count decremented on cancel")
	}
}

func TestSessionRemovalScrubsOwnedQueries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	engine, reg, _, _ := newHarness(t, srv.URL, 0)
	engine.CreateQuery(context.Background(), CreateRequest{UUID: "q1", SessionID: "S1"})

	reg.Cleanup("S1")

	if _, ok := engine.Lookup("q1"); ok {
		t.Fatalf("expected query scrubbed when owning session died")
	}
	if engine.InFlightCount("TOK") != 0 {
		t.Fatalf("expected in-flight count cleared after session death")
	}
}
