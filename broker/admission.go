// Copyright 2026 The AsyncRPC Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/devioarts/asyncrpc/lib/clock"
)

// admission gates submissions before they may create pending state.
// Checks run in a fixed order, short-circuiting on the first failure:
// method allow-list, global pending cap, per-IP pending cap,
// per-method pending cap, per-IP token bucket. (Auth and body size
// are enforced at the HTTP layer, before a submission is parsed at
// all; the duplicate-id check is the store's put.)
//
// Capacity slots are reserved with compare-and-swap and rolled back
// if a later check fails, so concurrent submissions can never both
// pass a cap of 1 — at cap N, exactly N reservations succeed no
// matter how the submissions interleave.
type admission struct {
	cfg Config
	clk clock.Clock

	// allowed is the configured method allow-list; nil means no
	// restriction.
	allowed map[string]struct{}

	pendingTotal atomic.Int64

	methodMu      sync.Mutex
	methodPending map[string]*atomic.Int64

	ipMu sync.Mutex
	ips  map[string]*ipQuota
}

// ipQuota is the per-source-IP quota state: live pending count and
// token bucket. Created lazily on first submission and evicted once
// idle (see sweepIdle) so the map tracks active callers only.
type ipQuota struct {
	pending  atomic.Int64
	limiter  *rate.Limiter
	lastSeen atomic.Int64 // unix nanos
}

// ipIdleHorizon is how long an IP with no pending requests may go
// unseen before its quota entry (and therefore its accumulated token
// debt) is dropped.
const ipIdleHorizon = 5 * time.Minute

func newAdmission(cfg Config, clk clock.Clock) *admission {
	a := &admission{
		cfg:           cfg,
		clk:           clk,
		methodPending: make(map[string]*atomic.Int64),
		ips:           make(map[string]*ipQuota),
	}
	if len(cfg.AllowedMethods) > 0 {
		a.allowed = make(map[string]struct{}, len(cfg.AllowedMethods))
		for _, method := range cfg.AllowedMethods {
			a.allowed[method] = struct{}{}
		}
	}
	return a
}

// admit runs the gate for one submission. On success the pending
// counters stay reserved until release is called for the same
// (method, sourceIP) pair; the broker wires that to the store's
// leave-pending hook, and calls it directly when the subsequent
// duplicate-id check fails.
func (a *admission) admit(method, sourceIP string) *Error {
	if a.allowed != nil {
		if _, ok := a.allowed[method]; !ok {
			return Errorf(KindMethodNotAllowed, "method %q is not allowed", method)
		}
	}

	if !reserve(&a.pendingTotal, int64(a.cfg.MaxPending)) {
		return Errorf(KindOverCapacity, "pending limit %d reached", a.cfg.MaxPending)
	}

	quota := a.quota(sourceIP)
	if !reserve(&quota.pending, int64(a.cfg.MaxPendingPerIP)) {
		a.pendingTotal.Add(-1)
		return Errorf(KindOverCapacity, "per-ip pending limit %d reached", a.cfg.MaxPendingPerIP)
	}

	if limit, ok := a.cfg.PerMethodLimits[method]; ok {
		if !reserve(a.methodCounter(method), int64(limit)) {
			quota.pending.Add(-1)
			a.pendingTotal.Add(-1)
			return Errorf(KindOverCapacity, "method %q pending limit %d reached", method, limit)
		}
	}

	if a.cfg.RateLimitPerMin > 0 && !quota.limiter.AllowN(a.clk.Now(), 1) {
		a.rollbackMethod(method)
		quota.pending.Add(-1)
		a.pendingTotal.Add(-1)
		return NewError(KindRateLimited, "rate limit exceeded")
	}

	return nil
}

// release returns the capacity reserved by a successful admit. Called
// exactly once per admitted submission, when its request leaves the
// pending state (or immediately, when the duplicate-id check rejects
// it after admission).
func (a *admission) release(method, sourceIP string) {
	a.pendingTotal.Add(-1)
	a.rollbackMethod(method)

	a.ipMu.Lock()
	quota, ok := a.ips[sourceIP]
	a.ipMu.Unlock()
	if ok {
		quota.pending.Add(-1)
	}
}

func (a *admission) rollbackMethod(method string) {
	if _, limited := a.cfg.PerMethodLimits[method]; !limited {
		return
	}
	a.methodMu.Lock()
	counter := a.methodPending[method]
	a.methodMu.Unlock()
	if counter != nil {
		counter.Add(-1)
	}
}

// pendingCount is the number of live admitted requests, for the info
// snapshot.
func (a *admission) pendingCount() int64 { return a.pendingTotal.Load() }

// quota returns the quota entry for an IP, creating it on first use.
func (a *admission) quota(sourceIP string) *ipQuota {
	a.ipMu.Lock()
	defer a.ipMu.Unlock()

	entry, ok := a.ips[sourceIP]
	if !ok {
		entry = &ipQuota{limiter: a.newLimiter()}
		a.ips[sourceIP] = entry
	}
	entry.lastSeen.Store(a.clk.Now().UnixNano())
	return entry
}

func (a *admission) newLimiter() *rate.Limiter {
	if a.cfg.RateLimitPerMin <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := a.cfg.RateLimitBurst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(float64(a.cfg.RateLimitPerMin)/60.0), burst)
}

// sweepIdle drops quota entries for IPs with no pending requests that
// have not been seen for ipIdleHorizon. Run from the broker's sweep
// loop so the quota map cannot grow without bound across many
// one-shot callers.
func (a *admission) sweepIdle(now time.Time) {
	horizon := now.Add(-ipIdleHorizon).UnixNano()

	a.ipMu.Lock()
	defer a.ipMu.Unlock()
	for ip, entry := range a.ips {
		if entry.pending.Load() == 0 && entry.lastSeen.Load() < horizon {
			delete(a.ips, ip)
		}
	}
}

func (a *admission) methodCounter(method string) *atomic.Int64 {
	a.methodMu.Lock()
	defer a.methodMu.Unlock()

	counter, ok := a.methodPending[method]
	if !ok {
		counter = new(atomic.Int64)
		a.methodPending[method] = counter
	}
	return counter
}

// reserve atomically increments counter if the current value is below
// limit. A non-positive limit means unlimited.
func reserve(counter *atomic.Int64, limit int64) bool {
	for {
		current := counter.Load()
		if limit > 0 && current >= limit {
			return false
		}
		if counter.CompareAndSwap(current, current+1) {
			return true
		}
	}
}
