// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package dispatcher

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/segmentio/encoding/json"

	"github.com/hyperbridge/mcp-bridge/internal/bridgeerr"
)

// agentErrorResponse is the JSON body shape returned for every agent
// callback failure (spec.md §4.4: "404 with {error: QueryNotFound}").
type agentErrorResponse struct {
	Error string `json:"error"`
}

func writeQueryNotFound(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotFound, agentErrorResponse{Error: bridgeerr.QueryNotFound.String()})
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil && err.Error() != "EOF" {
		return err
	}
	return nil
}

// handleAgentProgress implements `POST /query/{uuid}/progress`.
func (d *Dispatcher) handleAgentProgress(w http.ResponseWriter, r *http.Request) {
	uuid := chi.URLParam(r, "uuid")
	var body any
	if err := decodeBody(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, agentErrorResponse{Error: bridgeerr.Internal.String()})
		return
	}
	if err := d.queries.HandleProgress(uuid, body); err != nil {
		writeQueryNotFound(w)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleAgentComplete implements `PUT /query/{uuid}/complete`.
func (d *Dispatcher) handleAgentComplete(w http.ResponseWriter, r *http.Request) {
	uuid := chi.URLParam(r, "uuid")
	var body any
	if err := decodeBody(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, agentErrorResponse{Error: bridgeerr.Internal.String()})
		return
	}
	violation, err := d.queries.HandleComplete(uuid, body)
	if err != nil {
		writeQueryNotFound(w)
		return
	}
	if violation {
		writeJSON(w, http.StatusBadRequest, agentErrorResponse{Error: "Query declared a responseTool; agent must not call /complete directly"})
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleAgentFail implements `PUT /query/{uuid}/fail`.
func (d *Dispatcher) handleAgentFail(w http.ResponseWriter, r *http.Request) {
	uuid := chi.URLParam(r, "uuid")
	var body any
	if err := decodeBody(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, agentErrorResponse{Error: bridgeerr.Internal.String()})
		return
	}
	if err := d.queries.HandleFail(uuid, body); err != nil {
		writeQueryNotFound(w)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleAgentCancel implements `PUT /query/{uuid}/cancel`.
func (d *Dispatcher) handleAgentCancel(w http.ResponseWriter, r *http.Request) {
	uuid := chi.URLParam(r, "uuid")
	if err := d.queries.HandleCancelFromAgent(uuid); err != nil {
		writeQueryNotFound(w)
		return
	}
	w.WriteHeader(http.StatusOK)
}
