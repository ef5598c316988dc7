// Copyright 2026 The AsyncRPC Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time operations for testability. Production
// code injects Real(); tests inject Fake() with deterministic time
// control.
//
// Every broker component that reads the wall clock or waits on it —
// TTL bookkeeping, the sweep ticker, long-poll budgets, the rate
// limiter — accepts a Clock instead of calling the time package
// directly, so tests can advance time without sleeping.
package clock
