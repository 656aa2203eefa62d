package agentclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestBuildQueryURLDefaultsSchemeAndAppendsQueryPath(t *testing.T) {
	got := BuildQueryURL("agent.example.com", "abc-123")
	want := "http://agent.example.com/query/abc-123"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestBuildQueryURLPreservesExplicitPath(t *testing.T) {
	got := BuildQueryURL("https://agent.example.com/api/v2", "abc-123")
	want := "https://agent.example.com/api/v2/abc-123"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestCreateQuerySendsBearerAndBody(t *testing.T) {
	var gotAuth, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotMethod = r.Method
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "secret")
	err := c.CreateQuery(context.Background(), "q1", map[string]string{"prompt": "hi"})
	if err != nil {
		t.Fatalf("CreateQuery: %v", err)
	}
	if gotMethod != http.MethodPut {
		t.Fatalf("expected PUT, got %s", gotMethod)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("expected bearer header, got %q", gotAuth)
	}
}

func TestCreateQueryReturnsErrorOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	if err := c.CreateQuery(context.Background(), "q1", nil); err == nil {
		t.Fatalf("expected error on 500 response")
	}
}

func TestCancelQueryIsBestEffort(t *testing.T) {
	var gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	if err := c.CancelQuery(context.Background(), "q1"); err != nil {
		t.Fatalf("CancelQuery: %v", err)
	}
	if gotMethod != http.MethodDelete {
		t.Fatalf("expected DELETE, got %s", gotMethod)
	}
}
