// Copyright 2026 The AsyncRPC Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/devioarts/asyncrpc/lib/netutil"
)

// AuthHeader carries the shared token. The name is part of the wire
// contract with existing native clients.
const AuthHeader = "X-Auth-Token"

// Handler returns the broker's HTTP surface, for Serve or for
// mounting on an embedding server. Every endpoint except GET /health
// requires the configured token.
func (b *Broker) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", b.handleHealth)
	mux.HandleFunc("POST /rpc", b.authed(b.handleSubmit))
	mux.HandleFunc("POST /rpc/batch", b.authed(b.handleBatch))
	mux.HandleFunc("GET /rpc/await", b.authed(b.handleAwait))
	mux.HandleFunc("GET /rpc/status", b.authed(b.handleStatus))
	mux.HandleFunc("POST /rpc/cancel", b.authed(b.handleCancel))
	mux.HandleFunc("GET /info", b.authed(b.handleInfo))
	mux.HandleFunc("GET /metrics", b.authed(b.handleMetrics))
	return mux
}

// authed enforces the shared-token check. The comparison is constant
// time; a proxy-forwarded identity header is never a substitute for
// the token.
func (b *Broker) authed(next http.HandlerFunc) http.HandlerFunc {
	if b.cfg.Token == "" {
		return next
	}
	token := []byte(b.cfg.Token)
	return func(w http.ResponseWriter, r *http.Request) {
		presented := []byte(r.Header.Get(AuthHeader))
		if subtle.ConstantTimeCompare(presented, token) != 1 {
			b.metrics.reject(KindUnauthorized)
			writeError(w, NewError(KindUnauthorized, "missing or invalid auth token"))
			return
		}
		next(w, r)
	}
}

// submitResponse acknowledges an accepted submission. The request is
// stored, not completed: 202, never 200.
type submitResponse struct {
	ID    string `json:"id"`
	State State  `json:"state"`
}

func (b *Broker) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var request submitRequest
	if protocolErr := b.decodeBody(w, r, &request); protocolErr != nil {
		b.metrics.reject(protocolErr.Kind)
		writeError(w, protocolErr)
		return
	}

	sourceIP := netutil.ClientIP(r, b.cfg.TrustProxyHeaders)
	if protocolErr := b.submit(request, sourceIP); protocolErr != nil {
		writeError(w, protocolErr)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{ID: request.ID, State: StatePending})
}

// batchRequest is an ordered list of independent submissions. Not
// atomic: each item runs the full admission path on its own and a
// rejection never blocks its neighbors.
type batchRequest struct {
	Items []submitRequest `json:"items"`
}

// batchItemResult mirrors the input order: either an acceptance
// (id + pending) or a rejection (id + error).
type batchItemResult struct {
	ID    string `json:"id,omitempty"`
	State State  `json:"state,omitempty"`
	Error *Error `json:"error,omitempty"`
}

func (b *Broker) handleBatch(w http.ResponseWriter, r *http.Request) {
	var batch batchRequest
	if protocolErr := b.decodeBody(w, r, &batch); protocolErr != nil {
		b.metrics.reject(protocolErr.Kind)
		writeError(w, protocolErr)
		return
	}

	sourceIP := netutil.ClientIP(r, b.cfg.TrustProxyHeaders)
	results := make([]batchItemResult, len(batch.Items))
	for i, item := range batch.Items {
		if protocolErr := b.submit(item, sourceIP); protocolErr != nil {
			results[i] = batchItemResult{ID: item.ID, Error: protocolErr}
			continue
		}
		results[i] = batchItemResult{ID: item.ID, State: StatePending}
	}
	writeJSON(w, http.StatusOK, struct {
		Results []batchItemResult `json:"results"`
	}{results})
}

// awaitResponse is the terminal envelope: result for success, error
// for failure/cancelled/expired. Exactly one of the two is set.
type awaitResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

func (b *Broker) handleAwait(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, NewError(KindBadRequest, "id query parameter is required"))
		return
	}
	waitMs := 0
	if raw := r.URL.Query().Get("waitMs"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, NewError(KindBadRequest, "waitMs must be an integer"))
			return
		}
		waitMs = parsed
	}

	res, state := b.awaitResult(r.Context(), id, waitMs)
	switch {
	case res != nil:
		writeJSON(w, http.StatusOK, awaitResponse{ID: id, Result: res.Value, Error: res.Err})
	case state == StatePending:
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, Errorf(KindUnknown, "id %q not found", id))
	}
}

type statusResponse struct {
	ID    string `json:"id"`
	State State  `json:"state"`
}

func (b *Broker) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, NewError(KindBadRequest, "id query parameter is required"))
		return
	}
	state := b.status(id)
	if state == StateUnknown {
		writeError(w, Errorf(KindUnknown, "id %q not found", id))
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{ID: id, State: state})
}

func (b *Broker) handleCancel(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ID string `json:"id"`
	}
	if protocolErr := b.decodeBody(w, r, &payload); protocolErr != nil {
		writeError(w, protocolErr)
		return
	}
	if payload.ID == "" {
		writeError(w, NewError(KindBadRequest, "id is required"))
		return
	}

	state, protocolErr := b.cancel(payload.ID)
	if protocolErr != nil {
		writeError(w, protocolErr)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{ID: payload.ID, State: state})
}

func (b *Broker) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, b.Info())
}

func (b *Broker) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		OK bool `json:"ok"`
	}{true})
}

func (b *Broker) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	b.metrics.writePrometheus(w, b.clk.Now())
}

// decodeBody parses a JSON request body bounded at maxBodyBytes.
// Overruns map to payloadTooLarge, everything else malformed to
// badRequest.
func (b *Broker) decodeBody(w http.ResponseWriter, r *http.Request, v any) *Error {
	r.Body = http.MaxBytesReader(w, r.Body, b.cfg.MaxBodyBytes)
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return Errorf(KindPayloadTooLarge, "body exceeds %d bytes", b.cfg.MaxBodyBytes)
		}
		return Errorf(KindBadRequest, "malformed JSON body: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Response already committed; nothing to do but note it.
		slog.Debug("encoding response", "error", err)
	}
}

func writeError(w http.ResponseWriter, protocolErr *Error) {
	writeJSON(w, protocolErr.Kind.HTTPStatus(), struct {
		Error *Error `json:"error"`
	}{protocolErr})
}
