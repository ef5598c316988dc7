// Copyright 2026 The AsyncRPC Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// Handler executes one method. Params arrive as the raw JSON the
// caller submitted; the returned value is embedded verbatim in the
// result envelope.
//
// Returning a *Error controls the failure kind recorded in the
// result (e.g. KindBadRequest for malformed params); any other error
// is recorded as internal. The context is cancelled when the request
// leaves the pending state — on explicit cancellation, TTL expiry, or
// broker shutdown — and handlers doing slow work should honor it.
type Handler interface {
	Invoke(ctx context.Context, params json.RawMessage) (json.RawMessage, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (json.RawMessage, error)

// Invoke calls f.
func (f HandlerFunc) Invoke(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	return f(ctx, params)
}

// Registry maps method names to handlers. Populate it with Register
// before constructing the broker; the broker takes a snapshot at
// construction and later mutations are not observed (the registry is
// immutable after broker start by contract).
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler under a method name. Panics on an empty
// name, a nil handler, or a duplicate registration — all three are
// programming errors, not runtime conditions.
func (r *Registry) Register(method string, handler Handler) {
	if method == "" {
		panic("broker.Registry: method name is required")
	}
	if handler == nil {
		panic("broker.Registry: handler is required")
	}
	if _, exists := r.handlers[method]; exists {
		panic(fmt.Sprintf("broker.Registry: method %q registered twice", method))
	}
	r.handlers[method] = handler
}

// RegisterFunc adds a function handler under a method name.
func (r *Registry) RegisterFunc(method string, fn HandlerFunc) {
	r.Register(method, fn)
}

// Methods returns the registered method names, sorted.
func (r *Registry) Methods() []string {
	methods := make([]string, 0, len(r.handlers))
	for method := range r.handlers {
		methods = append(methods, method)
	}
	sort.Strings(methods)
	return methods
}

func (r *Registry) snapshot() map[string]Handler {
	handlers := make(map[string]Handler, len(r.handlers))
	for method, handler := range r.handlers {
		handlers[method] = handler
	}
	return handlers
}

// dispatch hands an admitted request to a worker goroutine and
// returns immediately. Concurrency across requests is bounded only by
// the admission caps, which were enforced before the task was
// created.
func (b *Broker) dispatch(ctx context.Context, request *pendingRequest) {
	go b.execute(ctx, request)
}

// execute runs the handler and commits the terminal result. A missing
// handler (allow-list admitted a method the registry lacks) and a
// handler panic both fail safe as internal — execution faults are
// reported asynchronously through the result, never thrown.
func (b *Broker) execute(ctx context.Context, request *pendingRequest) {
	defer func() {
		if recovered := recover(); recovered != nil {
			b.logger.Error("handler panic",
				"method", request.Method,
				"id", request.ID,
				"panic", fmt.Sprint(recovered),
			)
			b.finish(request, nil, Errorf(KindInternal, "handler panic: %v", recovered))
		}
	}()

	handler, ok := b.handlers[request.Method]
	if !ok {
		b.finish(request, nil, Errorf(KindInternal, "no handler registered for method %q", request.Method))
		return
	}

	value, err := handler.Invoke(ctx, request.Params)
	if err != nil {
		b.finish(request, nil, asError(err))
		return
	}
	b.finish(request, value, nil)
}

// finish writes the execution outcome as a completed result. If a
// racing cancel or expiry already committed a terminal state, the
// outcome is dropped silently — first commit wins.
func (b *Broker) finish(request *pendingRequest, value json.RawMessage, failure *Error) {
	res := &result{
		ID:          request.ID,
		State:       StateCompleted,
		Value:       value,
		Err:         failure,
		CompletedAt: b.clk.Now(),
		TTL:         request.ResultTTL,
	}
	if b.store.complete(res) {
		outcome := "success"
		if failure != nil {
			outcome = string(failure.Kind)
		}
		b.metrics.execution(outcome)
	} else {
		b.metrics.droppedOutcome()
	}
}
