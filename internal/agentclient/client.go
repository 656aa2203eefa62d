// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package agentclient wraps the HTTP calls the Query Engine makes to the
// external agent (PUT create, DELETE cancel), rate-limited so a burst of
// frontend `query` messages cannot fork unbounded outbound connections.
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// DefaultRequestsPerSecond bounds outbound calls to the agent. This is an
// ambient reliability concern spec.md is silent on (see SPEC_FULL.md §6.4).
const DefaultRequestsPerSecond = 50

// Client issues HTTP calls to the agent's query callback surface
// (spec.md §4.4).
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	baseURL    string
	authToken  string
}

// New constructs a Client. baseURL is the agent's base URL
// (Config.AgentURL); authToken, if non-empty, is sent as
// `Authorization: Bearer <authToken>` on every call.
func New(baseURL, authToken string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(DefaultRequestsPerSecond), DefaultRequestsPerSecond),
		baseURL:    baseURL,
		authToken:  authToken,
	}
}

// BuildQueryURL joins baseURL with "/query/{uuid}" per spec.md §9's
// `buildQueryUrl` open question: the scheme defaults to http:// when
// absent, and "/query" is appended only when the path component is empty
// or "/". This literal behavior is preserved rather than "fixed" — see
// DESIGN.md Open Questions.
func BuildQueryURL(baseURL, uuid string) string {
	trimmed := strings.TrimSpace(baseURL)
	if !strings.Contains(trimmed, "://") {
		trimmed = "http://" + trimmed
	}

	schemeSep := strings.Index(trimmed, "://")
	afterScheme := trimmed[schemeSep+3:]
	pathStart := strings.IndexByte(afterScheme, '/')

	var base, path string
	if pathStart < 0 {
		base = trimmed
		path = ""
	} else {
		base = trimmed[:schemeSep+3+pathStart]
		path = afterScheme[pathStart:]
	}

	if path == "" || path == "/" {
		base += "/query"
	} else {
		base += strings.TrimSuffix(path, "/")
	}

	return fmt.Sprintf("%s/%s", base, uuid)
}

// CreateQuery PUTs the query payload to {agentUrl}/query/{uuid}. A non-2xx
// status or network error is returned as an error; the Query Engine treats
// either as a query creation failure (spec.md §4.4 step 5).
func (c *Client) CreateQuery(ctx context.Context, uuid string, payload any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("agentclient: rate limit wait: %w", err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("agentclient: marshal query payload: %w", err)
	}

	url := BuildQueryURL(c.baseURL, uuid)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("agentclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("agentclient: PUT %s: %w", url, err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("agentclient: PUT %s: status %d: %s", url, resp.StatusCode, string(respBody))
	}
	return nil
}

// CancelQuery issues a best-effort DELETE to {agentUrl}/query/{uuid}.
// Network failures are the caller's concern to swallow (spec.md §5: "best
// effort ... ignore errors"); this just reports the error back.
func (c *Client) CancelQuery(ctx context.Context, uuid string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("agentclient: rate limit wait: %w", err)
	}

	url := BuildQueryURL(c.baseURL, uuid)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return fmt.Errorf("agentclient: build request: %w", err)
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("agentclient: DELETE %s: %w", url, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return nil
}
