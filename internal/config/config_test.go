package config

import "testing"

func TestLoadAppliesDefaultsWhenUnset(t *testing.T) {
	t.Setenv("BRIDGE_AGENT_URL", "https://agent.example.com")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AgentURL != "https://agent.example.com" {
		t.Fatalf("expected env override to apply, got %q", cfg.AgentURL)
	}
	if cfg.ListenAddr != ":8080" {
		t.Fatalf("expected default listen addr, got %q", cfg.ListenAddr)
	}
	if cfg.SessionCapPolicy != PolicyReject {
		t.Fatalf("expected default cap policy reject, got %q", cfg.SessionCapPolicy)
	}
}

func TestLoadRejectsInvalidCapPolicy(t *testing.T) {
	t.Setenv("BRIDGE_SESSION_CAP_POLICY", "nonsense")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for invalid cap policy")
	}
}

func TestLoadHonorsExplicitCapPolicy(t *testing.T) {
	t.Setenv("BRIDGE_SESSION_CAP_POLICY", "close_oldest")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SessionCapPolicy != PolicyCloseOldest {
		t.Fatalf("expected close_oldest, got %q", cfg.SessionCapPolicy)
	}
}
