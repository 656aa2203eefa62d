package frontend

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"go.uber.org/zap"

	"github.com/hyperbridge/mcp-bridge/internal/bridgeerr"
	"github.com/hyperbridge/mcp-bridge/internal/config"
	"github.com/hyperbridge/mcp-bridge/internal/scheduler"
)

type fakeSocket struct {
	sent   []any
	closed bool
	code   int
	reason string
	open   bool
}

func newFakeSocket() *fakeSocket { return &fakeSocket{open: true} }

func (f *fakeSocket) Send(v any) error {
	f.sent = append(f.sent, v)
	return nil
}

func (f *fakeSocket) Close(code int, reason string) error {
	f.closed = true
	f.code = code
	f.reason = reason
	f.open = false
	return nil
}

func (f *fakeSocket) IsOpen() bool { return f.open }

func newTestRegistry(t *testing.T, maxPerToken int, policy config.CapPolicy, maxDuration time.Duration) (*Registry, *scheduler.Virtual) {
	t.Helper()
	v := scheduler.NewVirtual(time.Unix(0, 0))
	log := zap.NewNop()
	return New(v, maxPerToken, policy, maxDuration, log), v
}

func TestAuthenticateSuccessIndexesBothMaps(t *testing.T) {
	r, _ := newTestRegistry(t, 0, config.PolicyReject, 0)
	conn := newFakeSocket()
	session, code := r.Authenticate(AuthenticateRequest{SessionID: "S1", AuthToken: "T", Origin: "http://x"}, conn, time.Now())
	if code != "" {
		t.Fatalf("unexpected error code %q", code)
	}
	if session == nil {
		t.Fatalf("expected session")
	}
	if _, ok := r.Get("S1"); !ok {
		t.Fatalf("session not indexed by id")
	}
	if len(r.SessionsForToken("T")) != 1 {
		t.Fatalf("session not indexed by token")
	}
	if len(conn.sent) != 1 {
		t.Fatalf("expected one authenticated frame sent")
	}
}

func TestAuthenticateCleanupRemovesResidue(t *testing.T) {
	r, _ := newTestRegistry(t, 0, config.PolicyReject, 0)
	conn := newFakeSocket()
	r.Authenticate(AuthenticateRequest{SessionID: "S1", AuthToken: "T", Origin: "http://x"}, conn, time.Now())
	r.Cleanup("S1")
	if _, ok := r.Get("S1"); ok {
		t.Fatalf("session still indexed by id after cleanup")
	}
	if len(r.SessionsForToken("T")) != 0 {
		t.Fatalf("token bucket not emptied after cleanup")
	}
}

func TestSessionCapRejectPolicy(t *testing.T) {
	r, _ := newTestRegistry(t, 1, config.PolicyReject, 0)
	c1 := newFakeSocket()
	r.Authenticate(AuthenticateRequest{SessionID: "S1", AuthToken: "T"}, c1, time.Now())

	c2 := newFakeSocket()
	session, code := r.Authenticate(AuthenticateRequest{SessionID: "S2", AuthToken: "T"}, c2, time.Now())
	if session != nil || code != bridgeerr.SessionLimitExceeded {
		t.Fatalf("expected SessionLimitExceeded rejection, got session=%v code=%q", session, code)
	}
	if !c2.closed || c2.code != 1008 {
		t.Fatalf("expected rejected socket closed with 1008")
	}
	if len(r.SessionsForToken("T")) != 1 {
		t.Fatalf("expected exactly one session to remain under token")
	}
}

func TestSessionCapCloseOldestEvictsEarliest(t *testing.T) {
	r, _ := newTestRegistry(t, 1, config.PolicyCloseOldest, 0)
	c1 := newFakeSocket()
	t0 := time.Unix(1000, 0)
	r.Authenticate(AuthenticateRequest{SessionID: "S1", AuthToken: "T"}, c1, t0)

	c2 := newFakeSocket()
	t1 := t0.Add(time.Second)
	session, code := r.Authenticate(AuthenticateRequest{SessionID: "S2", AuthToken: "T"}, c2, t1)
	if code != "" || session == nil {
		t.Fatalf("expected S2 to be accepted, got code=%q", code)
	}
	if !c1.closed || c1.code != 1008 {
		t.Fatalf("expected S1 evicted with close 1008")
	}
	sessions := r.SessionsForToken("T")
	if len(sessions) != 1 || sessions[0].ID != "S2" {
		t.Fatalf("expected only S2 to remain, got %+v", sessions)
	}
}

func TestSessionNameCollisionRejected(t *testing.T) {
	r, _ := newTestRegistry(t, 0, config.PolicyReject, 0)
	c1 := newFakeSocket()
	r.Authenticate(AuthenticateRequest{SessionID: "S1", AuthToken: "T", SessionName: "main"}, c1, time.Now())

	c2 := newFakeSocket()
	session, code := r.Authenticate(AuthenticateRequest{SessionID: "S2", AuthToken: "T", SessionName: "main"}, c2, time.Now())
	if session != nil || code != bridgeerr.SessionNameAlreadyInUse {
		t.Fatalf("expected SessionNameAlreadyInUse, got code=%q", code)
	}
}

func TestIdleExpiryClosesAndCleansUpAfterMaxDuration(t *testing.T) {
	r, v := newTestRegistry(t, 0, config.PolicyReject, time.Hour)
	conn := newFakeSocket()
	r.Authenticate(AuthenticateRequest{SessionID: "S1", AuthToken: "T"}, conn, v.Now())

	v.Advance(90 * time.Minute)

	if !conn.closed || conn.code != 1008 {
		t.Fatalf("expected idle session closed with 1008")
	}
	if _, ok := r.Get("S1"); ok {
		t.Fatalf("expected idle session removed from registry")
	}
}

func TestIdleExpiryIgnoresActivityAndUsesConnectedAt(t *testing.T) {
	r, v := newTestRegistry(t, 0, config.PolicyReject, time.Hour)
	conn := newFakeSocket()
	r.Authenticate(AuthenticateRequest{SessionID: "S1", AuthToken: "T"}, conn, v.Now())

	// Keep sending activity right up to the duration cap; per spec.md §4.2
	// this is a fixed per-connection lifetime measured from connectedAt,
	// not an idle timeout, so activity must not push back the expiry.
	for i := 0; i < 5; i++ {
		v.Advance(15 * time.Minute)
		if err := r.Activity("S1", v.Now()); err != nil {
			t.Fatalf("Activity: %v", err)
		}
	}

	v.Advance(16 * time.Minute)

	if !conn.closed || conn.code != 1008 {
		t.Fatalf("expected session closed with 1008 despite continuous activity")
	}
	if _, ok := r.Get("S1"); ok {
		t.Fatalf("expected session removed from registry")
	}
}

func TestToSummaryReflectsRegisteredToolsAndMetadata(t *testing.T) {
	r, _ := newTestRegistry(t, 0, config.PolicyReject, 0)
	conn := newFakeSocket()
	r.Authenticate(AuthenticateRequest{
		SessionID:   "S1",
		AuthToken:   "T",
		SessionName: "My Session",
		PageTitle:   "Example Page",
		Origin:      "https://example.com",
	}, conn, time.Now())
	r.RegisterTool("S1", &ToolDefinition{Name: "echo"})
	r.RegisterTool("S1", &ToolDefinition{Name: "search"})

	session, ok := r.Get("S1")
	if !ok {
		t.Fatalf("expected session S1 to exist")
	}

	want := Summary{
		SessionID:   "S1",
		SessionName: "My Session",
		PageTitle:   "Example Page",
		Origin:      "https://example.com",
		Tools:       []string{"echo", "search"},
	}
	got := session.ToSummary()
	if diff := cmp.Diff(want, got, cmpopts.SortSlices(func(a, b string) bool { return a < b })); diff != "" {
		t.Fatalf("unexpected summary (-want +got):\n%s", diff)
	}
}

func TestRegisterToolNotifiesToolsChangedHook(t *testing.T) {
	r, _ := newTestRegistry(t, 0, config.PolicyReject, 0)
	conn := newFakeSocket()
	r.Authenticate(AuthenticateRequest{SessionID: "S1", AuthToken: "T"}, conn, time.Now())

	var notified string
	r.SetOnToolsChanged(func(token string) { notified = token })

	if err := r.RegisterTool("S1", &ToolDefinition{Name: "echo"}); err != nil {
		t.Fatalf("RegisterTool: %v", err)
	}
	if notified != "T" {
		t.Fatalf("expected tools-changed hook called with token T, got %q", notified)
	}
}
