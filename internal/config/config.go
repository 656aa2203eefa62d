// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package config loads the bridge's process configuration from the
// environment, the way louisbranch-fracturing.space does (struct tags +
// caarlos0/env), defaulted with dario.cat/mergo the way stacklok-toolhive
// layers its own config defaults.
package config

import (
	"fmt"
	"time"

	"dario.cat/mergo"
	"github.com/caarlos0/env/v11"
)

// CapPolicy selects what happens when a token is at its session cap.
type CapPolicy string

const (
	PolicyReject      CapPolicy = "reject"
	PolicyCloseOldest CapPolicy = "close_oldest"
)

// Config is the bridge's full process configuration.
type Config struct {
	ListenAddr string `env:"BRIDGE_LISTEN_ADDR"`

	AgentURL       string `env:"BRIDGE_AGENT_URL"`
	AgentAuthToken string `env:"BRIDGE_AGENT_AUTH_TOKEN"`

	MaxSessionsPerToken int       `env:"BRIDGE_MAX_SESSIONS_PER_TOKEN"`
	SessionCapPolicy    CapPolicy `env:"BRIDGE_SESSION_CAP_POLICY"`

	MaxInFlightQueriesPerToken int `env:"BRIDGE_MAX_INFLIGHT_QUERIES_PER_TOKEN"`

	SessionMaxDuration time.Duration `env:"BRIDGE_SESSION_MAX_DURATION"`

	ServerName        string `env:"BRIDGE_SERVER_NAME"`
	ServerDescription string `env:"BRIDGE_SERVER_DESCRIPTION"`
	ServerVersion     string `env:"BRIDGE_SERVER_VERSION"`
	IconDataURI       string `env:"BRIDGE_ICON_DATA_URI"`
}

// Defaults returns the hardcoded baseline Config that env-parsed values are
// merged on top of. Zero values here mean "disabled" (no cap, no expiry).
func Defaults() Config {
	return Config{
		ListenAddr:       ":8080",
		SessionCapPolicy: PolicyReject,
		ServerName:       "mcp-bridge",
		ServerDescription: "Bridge between browser-hosted frontends and MCP clients",
		ServerVersion:     "1.0.0",
	}
}

// Load reads Config fields from the environment and fills in anything left
// unset with Defaults().
func Load() (Config, error) {
	cfg := Config{}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse environment: %w", err)
	}

	defaults := Defaults()
	if err := mergo.Merge(&cfg, defaults); err != nil {
		return Config{}, fmt.Errorf("config: apply defaults: %w", err)
	}

	if cfg.SessionCapPolicy != PolicyReject && cfg.SessionCapPolicy != PolicyCloseOldest {
		return Config{}, fmt.Errorf("config: invalid BRIDGE_SESSION_CAP_POLICY %q", cfg.SessionCapPolicy)
	}

	return cfg, nil
}
