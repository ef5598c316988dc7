// Copyright 2026 The AsyncRPC Authors
// SPDX-License-Identifier: Apache-2.0

// Package broker implements an asynchronous RPC broker: a network
// service that accepts method-invocation requests, executes them out
// of band against a handler registry, and lets callers retrieve
// results later by polling or long-polling.
//
// A submission passes the admission gate (auth, body size, method
// allow-list, global/per-IP/per-method pending caps, per-IP token
// bucket, duplicate id), becomes a pending request in the TTL store,
// and returns to the caller immediately. A dispatcher goroutine
// invokes the handler and writes the terminal result back to the
// store, where it is retained for its own TTL. Per id, exactly one of
// pending/completed/cancelled/expired is ever observable; the first
// terminal transition to commit wins and the loser's effect is
// dropped.
//
// The HTTP surface is JSON over a single port:
//
//	POST /rpc          submit             202 {id,state}
//	POST /rpc/batch    batch submit       200 {results}
//	GET  /rpc/await    collect result     200 {id,result|error}, 204 not ready
//	GET  /rpc/status   non-consuming read 200 {id,state}
//	POST /rpc/cancel   cancel pending     200 {id,state}
//	GET  /info         config/runtime snapshot
//	GET  /health       liveness (never requires auth)
//	GET  /metrics      Prometheus text exposition
package broker
