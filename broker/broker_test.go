// Copyright 2026 The AsyncRPC Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/devioarts/asyncrpc/lib/clock"
)

// testBroker bundles a broker, its fake clock, and a gate that holds
// the "block" method open until released.
type testBroker struct {
	b       *Broker
	fake    *clock.FakeClock
	handler http.Handler

	gate        chan struct{}
	releaseOnce sync.Once
}

// release unblocks every in-flight "block" invocation. Idempotent;
// also run from cleanup so no test leaks its handler goroutines.
func (tb *testBroker) release() {
	tb.releaseOnce.Do(func() { close(tb.gate) })
}

func newTestBroker(t *testing.T, cfg Config) *testBroker {
	t.Helper()

	tb := &testBroker{
		fake: clock.Fake(time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)),
		gate: make(chan struct{}),
	}

	registry := NewRegistry()
	registry.RegisterFunc("sum", func(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
		var input struct{ A, B float64 }
		if err := json.Unmarshal(params, &input); err != nil {
			return nil, NewError(KindBadRequest, "sum wants {a, b}")
		}
		return json.Marshal(input.A + input.B)
	})
	registry.RegisterFunc("echo", func(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
		return params, nil
	})
	registry.RegisterFunc("block", func(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tb.gate:
			return json.Marshal("released")
		}
	})
	registry.RegisterFunc("fail", func(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
		return nil, NewError(KindBadRequest, "params rejected")
	})
	registry.RegisterFunc("boom", func(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
		panic("kaboom")
	})

	if cfg.Port == 0 {
		cfg.Port = 6002
	}
	b, err := New(Options{
		Config:   cfg,
		Registry: registry,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:    tb.fake,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tb.b = b
	tb.handler = b.Handler()
	t.Cleanup(tb.release)
	return tb
}

// request runs one HTTP request through the broker's handler. A non-nil
// body is JSON-encoded.
func (tb *testBroker) request(t *testing.T, method, target string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			t.Fatalf("encoding request body: %v", err)
		}
	}
	return tb.rawRequest(t, method, target, payload, header)
}

func (tb *testBroker) rawRequest(t *testing.T, method, target string, body []byte, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(method, target, bytes.NewReader(body))
	for key, value := range header {
		r.Header.Set(key, value)
	}
	w := httptest.NewRecorder()
	tb.handler.ServeHTTP(w, r)
	return w
}

func (tb *testBroker) submit(t *testing.T, id, method string, params any) *httptest.ResponseRecorder {
	t.Helper()
	return tb.request(t, http.MethodPost, "/rpc", map[string]any{
		"id":     id,
		"method": method,
		"params": params,
	}, nil)
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding response %q: %v", w.Body.String(), err)
	}
	return v
}

// errorKind extracts the kind from an error envelope response.
func errorKind(t *testing.T, w *httptest.ResponseRecorder) Kind {
	t.Helper()
	envelope := decodeBody[struct {
		Error *Error `json:"error"`
	}](t, w)
	if envelope.Error == nil {
		t.Fatalf("no error envelope in %q", w.Body.String())
	}
	return envelope.Error.Kind
}

// awaitTerminal polls the await endpoint until the id leaves pending.
func (tb *testBroker) awaitTerminal(t *testing.T, id string) awaitResponse {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		w := tb.request(t, http.MethodGet, "/rpc/await?id="+id, nil, nil)
		switch w.Code {
		case http.StatusOK:
			return decodeBody[awaitResponse](t, w)
		case http.StatusNoContent:
			if time.Now().After(deadline) {
				t.Fatalf("id %q still pending after 2s", id)
			}
			time.Sleep(2 * time.Millisecond)
		default:
			t.Fatalf("await %q = %d: %s", id, w.Code, w.Body.String())
		}
	}
}

// waitIdle polls until every admitted request has released its slot.
func (tb *testBroker) waitIdle(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for tb.b.adm.pendingCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("pending count stuck at %d", tb.b.adm.pendingCount())
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestSubmitAndAwait(t *testing.T) {
	t.Run("accepted_before_execution", func(t *testing.T) {
		tb := newTestBroker(t, Config{RateLimitPerMin: -1})

		w := tb.submit(t, "job-1", "block", nil)
		if w.Code != http.StatusAccepted {
			t.Fatalf("submit = %d: %s", w.Code, w.Body.String())
		}
		accepted := decodeBody[submitResponse](t, w)
		if accepted.ID != "job-1" || accepted.State != StatePending {
			t.Fatalf("submit response = %+v", accepted)
		}

		status := tb.request(t, http.MethodGet, "/rpc/status?id=job-1", nil, nil)
		if got := decodeBody[statusResponse](t, status); got.State != StatePending {
			t.Fatalf("state = %s, want pending while the handler blocks", got.State)
		}

		tb.release()
		res := tb.awaitTerminal(t, "job-1")
		if res.Error != nil || string(res.Result) != `"released"` {
			t.Fatalf("await = %+v", res)
		}
	})

	t.Run("sum_round_trip", func(t *testing.T) {
		tb := newTestBroker(t, Config{RateLimitPerMin: -1})

		if w := tb.submit(t, "sum-1", "sum", map[string]int{"a": 5, "b": 6}); w.Code != http.StatusAccepted {
			t.Fatalf("submit = %d: %s", w.Code, w.Body.String())
		}
		res := tb.awaitTerminal(t, "sum-1")
		if res.Error != nil || string(res.Result) != "11" {
			t.Fatalf("await = %+v, want result 11", res)
		}
	})

	t.Run("handler_error_in_result", func(t *testing.T) {
		tb := newTestBroker(t, Config{RateLimitPerMin: -1})

		tb.submit(t, "fail-1", "fail", nil)
		res := tb.awaitTerminal(t, "fail-1")
		if res.Error == nil || res.Error.Kind != KindBadRequest {
			t.Fatalf("await = %+v, want badRequest error", res)
		}
	})

	t.Run("handler_panic_reported_as_internal", func(t *testing.T) {
		tb := newTestBroker(t, Config{RateLimitPerMin: -1})

		tb.submit(t, "boom-1", "boom", nil)
		res := tb.awaitTerminal(t, "boom-1")
		if res.Error == nil || res.Error.Kind != KindInternal {
			t.Fatalf("await = %+v, want internal error", res)
		}
	})

	t.Run("unknown_id_not_found", func(t *testing.T) {
		tb := newTestBroker(t, Config{RateLimitPerMin: -1})

		w := tb.request(t, http.MethodGet, "/rpc/await?id=missing", nil, nil)
		if w.Code != http.StatusNotFound || errorKind(t, w) != KindUnknown {
			t.Fatalf("await = %d: %s", w.Code, w.Body.String())
		}
	})

	t.Run("missing_parameters_rejected", func(t *testing.T) {
		tb := newTestBroker(t, Config{RateLimitPerMin: -1})

		if w := tb.submit(t, "", "sum", nil); w.Code != http.StatusBadRequest {
			t.Fatalf("submit without id = %d", w.Code)
		}
		if w := tb.submit(t, "x", "", nil); w.Code != http.StatusBadRequest {
			t.Fatalf("submit without method = %d", w.Code)
		}
		if w := tb.request(t, http.MethodGet, "/rpc/await", nil, nil); w.Code != http.StatusBadRequest {
			t.Fatalf("await without id = %d", w.Code)
		}
		if w := tb.request(t, http.MethodGet, "/rpc/await?id=x&waitMs=soon", nil, nil); w.Code != http.StatusBadRequest {
			t.Fatalf("await with bad waitMs = %d", w.Code)
		}
		if w := tb.request(t, http.MethodGet, "/rpc/status", nil, nil); w.Code != http.StatusBadRequest {
			t.Fatalf("status without id = %d", w.Code)
		}
	})
}

func TestLongPoll(t *testing.T) {
	t.Run("delivers_result_when_handler_finishes", func(t *testing.T) {
		tb := newTestBroker(t, Config{RateLimitPerMin: -1})
		tb.submit(t, "lp-1", "block", nil)

		done := make(chan *httptest.ResponseRecorder, 1)
		go func() {
			done <- tb.request(t, http.MethodGet, "/rpc/await?id=lp-1&waitMs=60000", nil, nil)
		}()

		time.Sleep(5 * time.Millisecond)
		tb.release()

		w := <-done
		if w.Code != http.StatusOK {
			t.Fatalf("long-poll = %d: %s", w.Code, w.Body.String())
		}
		if res := decodeBody[awaitResponse](t, w); string(res.Result) != `"released"` {
			t.Fatalf("long-poll result = %+v", res)
		}
	})

	t.Run("budget_elapsing_answers_no_content", func(t *testing.T) {
		tb := newTestBroker(t, Config{RateLimitPerMin: -1})
		tb.submit(t, "lp-2", "block", nil)

		done := make(chan *httptest.ResponseRecorder, 1)
		go func() {
			done <- tb.request(t, http.MethodGet, "/rpc/await?id=lp-2&waitMs=1000", nil, nil)
		}()

		deadline := time.Now().Add(2 * time.Second)
		for len(tb.fake.PendingWaiters()) == 0 {
			if time.Now().After(deadline) {
				t.Fatal("long-poll never registered its budget timer")
			}
			time.Sleep(time.Millisecond)
		}
		tb.fake.Advance(time.Second)

		if w := <-done; w.Code != http.StatusNoContent {
			t.Fatalf("long-poll = %d, want 204", w.Code)
		}
	})
}

func TestCancel(t *testing.T) {
	t.Run("pending_request_cancelled", func(t *testing.T) {
		tb := newTestBroker(t, Config{RateLimitPerMin: -1})
		tb.submit(t, "c-1", "block", nil)

		w := tb.request(t, http.MethodPost, "/rpc/cancel", map[string]string{"id": "c-1"}, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("cancel = %d: %s", w.Code, w.Body.String())
		}
		if got := decodeBody[statusResponse](t, w); got.State != StateCancelled {
			t.Fatalf("cancel state = %s, want cancelled", got.State)
		}

		res := tb.awaitTerminal(t, "c-1")
		if res.Error == nil || res.Error.Kind != KindCancelled {
			t.Fatalf("await after cancel = %+v", res)
		}
		// The handler context was cancelled, so the slot frees without
		// the gate ever opening.
		tb.waitIdle(t)
	})

	t.Run("after_completion_is_noop", func(t *testing.T) {
		tb := newTestBroker(t, Config{RateLimitPerMin: -1})
		tb.submit(t, "c-2", "sum", map[string]int{"a": 1, "b": 2})
		tb.awaitTerminal(t, "c-2")

		w := tb.request(t, http.MethodPost, "/rpc/cancel", map[string]string{"id": "c-2"}, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("cancel = %d: %s", w.Code, w.Body.String())
		}
		if got := decodeBody[statusResponse](t, w); got.State != StateCompleted {
			t.Fatalf("cancel state = %s, want completed (existing terminal state)", got.State)
		}
	})

	t.Run("unknown_id_not_found", func(t *testing.T) {
		tb := newTestBroker(t, Config{RateLimitPerMin: -1})
		w := tb.request(t, http.MethodPost, "/rpc/cancel", map[string]string{"id": "ghost"}, nil)
		if w.Code != http.StatusNotFound || errorKind(t, w) != KindUnknown {
			t.Fatalf("cancel = %d: %s", w.Code, w.Body.String())
		}
	})
}

func TestExpiry(t *testing.T) {
	tb := newTestBroker(t, Config{RateLimitPerMin: -1})

	tb.request(t, http.MethodPost, "/rpc", map[string]any{
		"id":           "exp-1",
		"method":       "block",
		"requestTtlMs": 50,
	}, nil)

	tb.fake.Advance(51 * time.Millisecond)
	tb.b.runSweep()

	res := tb.awaitTerminal(t, "exp-1")
	if res.Error == nil || res.Error.Kind != KindExpired {
		t.Fatalf("await = %+v, want expired error", res)
	}
	status := tb.request(t, http.MethodGet, "/rpc/status?id=exp-1", nil, nil)
	if got := decodeBody[statusResponse](t, status); got.State != StateExpired {
		t.Fatalf("state = %s, want expired", got.State)
	}
	if got := tb.b.adm.pendingCount(); got != 0 {
		t.Fatalf("pendingCount = %d, want 0 after expiry released the slot", got)
	}
}

func TestDuplicateIDs(t *testing.T) {
	tb := newTestBroker(t, Config{RateLimitPerMin: -1})

	if w := tb.submit(t, "dup-1", "sum", map[string]int{"a": 1, "b": 1}); w.Code != http.StatusAccepted {
		t.Fatalf("first submit = %d", w.Code)
	}
	tb.awaitTerminal(t, "dup-1")

	w := tb.submit(t, "dup-1", "sum", map[string]int{"a": 2, "b": 2})
	if w.Code != http.StatusConflict || errorKind(t, w) != KindConflict {
		t.Fatalf("resubmit over live result = %d: %s", w.Code, w.Body.String())
	}

	// Once the result's retention lapses the id is free again.
	tb.fake.Advance(time.Duration(defaultResultTtlMs)*time.Millisecond + time.Millisecond)
	tb.b.runSweep()
	if w := tb.submit(t, "dup-1", "sum", map[string]int{"a": 3, "b": 3}); w.Code != http.StatusAccepted {
		t.Fatalf("resubmit after result expiry = %d: %s", w.Code, w.Body.String())
	}
}

func TestAdmissionOverHTTP(t *testing.T) {
	t.Run("method_not_allowed", func(t *testing.T) {
		tb := newTestBroker(t, Config{RateLimitPerMin: -1, AllowedMethods: []string{"sum"}})
		w := tb.submit(t, "m-1", "echo", nil)
		if w.Code != http.StatusForbidden || errorKind(t, w) != KindMethodNotAllowed {
			t.Fatalf("submit = %d: %s", w.Code, w.Body.String())
		}
	})

	t.Run("over_capacity", func(t *testing.T) {
		tb := newTestBroker(t, Config{RateLimitPerMin: -1, MaxPending: 1})
		tb.submit(t, "cap-1", "block", nil)

		w := tb.submit(t, "cap-2", "sum", map[string]int{"a": 1, "b": 1})
		if w.Code != http.StatusTooManyRequests || errorKind(t, w) != KindOverCapacity {
			t.Fatalf("submit at capacity = %d: %s", w.Code, w.Body.String())
		}

		tb.release()
		tb.awaitTerminal(t, "cap-1")
		tb.waitIdle(t)
		if w := tb.submit(t, "cap-2", "sum", map[string]int{"a": 1, "b": 1}); w.Code != http.StatusAccepted {
			t.Fatalf("submit after drain = %d: %s", w.Code, w.Body.String())
		}
	})

	t.Run("per_ip_cap_with_trusted_proxy", func(t *testing.T) {
		tb := newTestBroker(t, Config{
			RateLimitPerMin:   -1,
			MaxPendingPerIP:   1,
			TrustProxyHeaders: true,
		})
		alice := map[string]string{"X-Forwarded-For": "10.0.0.1"}
		bob := map[string]string{"X-Forwarded-For": "10.0.0.2"}

		if w := tb.request(t, http.MethodPost, "/rpc", map[string]any{"id": "ip-1", "method": "block"}, alice); w.Code != http.StatusAccepted {
			t.Fatalf("first submit = %d", w.Code)
		}
		w := tb.request(t, http.MethodPost, "/rpc", map[string]any{"id": "ip-2", "method": "block"}, alice)
		if w.Code != http.StatusTooManyRequests || errorKind(t, w) != KindOverCapacity {
			t.Fatalf("same-ip submit = %d: %s", w.Code, w.Body.String())
		}
		if w := tb.request(t, http.MethodPost, "/rpc", map[string]any{"id": "ip-3", "method": "block"}, bob); w.Code != http.StatusAccepted {
			t.Fatalf("other-ip submit = %d: %s", w.Code, w.Body.String())
		}
	})

	t.Run("rate_limited", func(t *testing.T) {
		tb := newTestBroker(t, Config{RateLimitPerMin: 60, RateLimitBurst: 1})

		if w := tb.submit(t, "rl-1", "sum", map[string]int{"a": 1, "b": 1}); w.Code != http.StatusAccepted {
			t.Fatalf("first submit = %d", w.Code)
		}
		w := tb.submit(t, "rl-2", "sum", map[string]int{"a": 1, "b": 1})
		if w.Code != http.StatusTooManyRequests || errorKind(t, w) != KindRateLimited {
			t.Fatalf("submit with empty bucket = %d: %s", w.Code, w.Body.String())
		}

		tb.fake.Advance(time.Second) // one token refills
		if w := tb.submit(t, "rl-3", "sum", map[string]int{"a": 1, "b": 1}); w.Code != http.StatusAccepted {
			t.Fatalf("submit after refill = %d: %s", w.Code, w.Body.String())
		}
	})

	t.Run("payload_too_large", func(t *testing.T) {
		tb := newTestBroker(t, Config{RateLimitPerMin: -1, MaxBodyBytes: 64})
		body := []byte(`{"id":"big-1","method":"echo","params":"` + strings.Repeat("x", 256) + `"}`)
		w := tb.rawRequest(t, http.MethodPost, "/rpc", body, nil)
		if w.Code != http.StatusRequestEntityTooLarge || errorKind(t, w) != KindPayloadTooLarge {
			t.Fatalf("oversized submit = %d: %s", w.Code, w.Body.String())
		}
	})

	t.Run("malformed_json", func(t *testing.T) {
		tb := newTestBroker(t, Config{RateLimitPerMin: -1})
		w := tb.rawRequest(t, http.MethodPost, "/rpc", []byte(`{"id":`), nil)
		if w.Code != http.StatusBadRequest || errorKind(t, w) != KindBadRequest {
			t.Fatalf("malformed submit = %d: %s", w.Code, w.Body.String())
		}
	})
}

func TestBatch(t *testing.T) {
	tb := newTestBroker(t, Config{RateLimitPerMin: -1, AllowedMethods: []string{"sum", "echo"}})

	w := tb.request(t, http.MethodPost, "/rpc/batch", map[string]any{
		"items": []map[string]any{
			{"id": "b-1", "method": "sum", "params": map[string]int{"a": 1, "b": 2}},
			{"id": "b-2", "method": "shutdown"},
			{"id": "b-1", "method": "echo"},
			{"id": "b-3", "method": "echo", "params": "hi"},
		},
	}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("batch = %d: %s", w.Code, w.Body.String())
	}

	response := decodeBody[struct {
		Results []batchItemResult `json:"results"`
	}](t, w)
	if len(response.Results) != 4 {
		t.Fatalf("results = %d items, want 4", len(response.Results))
	}
	if response.Results[0].State != StatePending || response.Results[0].Error != nil {
		t.Errorf("item 0 = %+v, want accepted", response.Results[0])
	}
	if response.Results[1].Error == nil || response.Results[1].Error.Kind != KindMethodNotAllowed {
		t.Errorf("item 1 = %+v, want methodNotAllowed", response.Results[1])
	}
	if response.Results[2].Error == nil || response.Results[2].Error.Kind != KindConflict {
		t.Errorf("item 2 = %+v, want conflict with item 0", response.Results[2])
	}
	if response.Results[3].State != StatePending {
		t.Errorf("item 3 = %+v, want accepted", response.Results[3])
	}

	// Rejections in the middle never block later items' execution.
	if res := tb.awaitTerminal(t, "b-3"); string(res.Result) != `"hi"` {
		t.Fatalf("b-3 result = %+v", res)
	}
}

func TestConsumeOnAwait(t *testing.T) {
	t.Run("result_evicted_on_first_collection", func(t *testing.T) {
		tb := newTestBroker(t, Config{RateLimitPerMin: -1, ConsumeOnAwait: true})
		tb.submit(t, "co-1", "sum", map[string]int{"a": 2, "b": 3})

		res := tb.awaitTerminal(t, "co-1")
		if string(res.Result) != "5" {
			t.Fatalf("first await = %+v", res)
		}
		w := tb.request(t, http.MethodGet, "/rpc/await?id=co-1", nil, nil)
		if w.Code != http.StatusNotFound {
			t.Fatalf("second await = %d, want 404 after consumption", w.Code)
		}
	})

	t.Run("concurrent_collections_deliver_once", func(t *testing.T) {
		tb := newTestBroker(t, Config{RateLimitPerMin: -1, ConsumeOnAwait: true})
		tb.submit(t, "co-4", "block", nil)

		codes := make(chan int, 2)
		for range 2 {
			go func() {
				w := tb.request(t, http.MethodGet, "/rpc/await?id=co-4&waitMs=60000", nil, nil)
				codes <- w.Code
			}()
		}

		// Let both long-polls register before the handler finishes.
		sh := tb.b.store.shard("co-4")
		deadline := time.Now().Add(2 * time.Second)
		for {
			sh.mu.Lock()
			registered := len(sh.waiters["co-4"])
			sh.mu.Unlock()
			if registered == 2 {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("long-polls registered = %d, want 2", registered)
			}
			time.Sleep(time.Millisecond)
		}
		tb.release()

		got := []int{<-codes, <-codes}
		delivered := 0
		for _, code := range got {
			if code == http.StatusOK {
				delivered++
			}
		}
		if delivered != 1 {
			t.Fatalf("await statuses = %v, want exactly one 200", got)
		}
	})

	t.Run("status_never_consumes", func(t *testing.T) {
		tb := newTestBroker(t, Config{RateLimitPerMin: -1, ConsumeOnAwait: true})
		tb.submit(t, "co-2", "sum", map[string]int{"a": 2, "b": 3})

		deadline := time.Now().Add(2 * time.Second)
		for {
			w := tb.request(t, http.MethodGet, "/rpc/status?id=co-2", nil, nil)
			if got := decodeBody[statusResponse](t, w); got.State == StateCompleted {
				break
			}
			if time.Now().After(deadline) {
				t.Fatal("co-2 never completed")
			}
			time.Sleep(2 * time.Millisecond)
		}
		// Repeated status reads keep seeing the result.
		w := tb.request(t, http.MethodGet, "/rpc/status?id=co-2", nil, nil)
		if got := decodeBody[statusResponse](t, w); got.State != StateCompleted {
			t.Fatalf("second status = %s, want completed", got.State)
		}
	})

	t.Run("default_polling_is_idempotent", func(t *testing.T) {
		tb := newTestBroker(t, Config{RateLimitPerMin: -1})
		tb.submit(t, "co-3", "sum", map[string]int{"a": 2, "b": 3})

		first := tb.awaitTerminal(t, "co-3")
		second := tb.awaitTerminal(t, "co-3")
		if string(first.Result) != "5" || string(second.Result) != "5" {
			t.Fatalf("awaits = %+v, %+v, want 5 both times", first, second)
		}
	})
}

func TestAuth(t *testing.T) {
	tb := newTestBroker(t, Config{RateLimitPerMin: -1, Token: "secret"})

	t.Run("missing_token_rejected", func(t *testing.T) {
		w := tb.submit(t, "a-1", "sum", nil)
		if w.Code != http.StatusUnauthorized || errorKind(t, w) != KindUnauthorized {
			t.Fatalf("submit = %d: %s", w.Code, w.Body.String())
		}
	})

	t.Run("wrong_token_rejected", func(t *testing.T) {
		w := tb.request(t, http.MethodPost, "/rpc", map[string]any{
			"id": "a-2", "method": "sum",
		}, map[string]string{AuthHeader: "guess"})
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("submit = %d", w.Code)
		}
	})

	t.Run("valid_token_accepted", func(t *testing.T) {
		w := tb.request(t, http.MethodPost, "/rpc", map[string]any{
			"id": "a-3", "method": "sum", "params": map[string]int{"a": 1, "b": 1},
		}, map[string]string{AuthHeader: "secret"})
		if w.Code != http.StatusAccepted {
			t.Fatalf("submit = %d: %s", w.Code, w.Body.String())
		}
	})

	t.Run("health_needs_no_token", func(t *testing.T) {
		w := tb.request(t, http.MethodGet, "/health", nil, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("health = %d", w.Code)
		}
	})
}

func TestInfo(t *testing.T) {
	tb := newTestBroker(t, Config{RateLimitPerMin: -1, Token: "secret", Name: "worker"})

	w := tb.request(t, http.MethodGet, "/info", nil, map[string]string{AuthHeader: "secret"})
	if w.Code != http.StatusOK {
		t.Fatalf("info = %d: %s", w.Code, w.Body.String())
	}
	info := decodeBody[Info](t, w)

	if info.Port != 6002 || info.Name != "worker" || !info.TokenRequired {
		t.Errorf("info = %+v", info)
	}
	want := []string{"block", "boom", "echo", "fail", "sum"}
	if len(info.Methods) != len(want) {
		t.Fatalf("methods = %v, want %v", info.Methods, want)
	}
	for i := range want {
		if info.Methods[i] != want[i] {
			t.Fatalf("methods = %v, want %v (sorted)", info.Methods, want)
		}
	}
	if strings.Contains(w.Body.String(), "secret") {
		t.Error("info response leaked the token")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	tb := newTestBroker(t, Config{RateLimitPerMin: -1})
	tb.submit(t, "m-1", "sum", map[string]int{"a": 1, "b": 1})
	tb.awaitTerminal(t, "m-1")

	deadline := time.Now().Add(2 * time.Second)
	for {
		w := tb.request(t, http.MethodGet, "/metrics", nil, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("metrics = %d", w.Code)
		}
		body := w.Body.String()
		if strings.Contains(body, "rpc_submissions_accepted_total 1") &&
			strings.Contains(body, `rpc_executions_total{outcome="success"} 1`) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("metrics never settled:\n%s", body)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestNewValidation(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("invalid_config_errors", func(t *testing.T) {
		_, err := New(Options{Config: Config{}, Registry: NewRegistry(), Logger: logger})
		if err == nil {
			t.Fatal("New accepted a config without a port")
		}
	})

	t.Run("missing_registry_panics", func(t *testing.T) {
		defer func() {
			if recover() == nil {
				t.Fatal("New without a registry did not panic")
			}
		}()
		_, _ = New(Options{Config: Config{Port: 6002}, Logger: logger})
	})

	t.Run("missing_logger_panics", func(t *testing.T) {
		defer func() {
			if recover() == nil {
				t.Fatal("New without a logger did not panic")
			}
		}()
		_, _ = New(Options{Config: Config{Port: 6002}, Registry: NewRegistry()})
	})
}
