// Copyright 2026 The AsyncRPC Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"sync"
	"time"

	"github.com/devioarts/asyncrpc/lib/clock"
)

// State is the observable lifecycle state of an id.
type State string

const (
	StatePending   State = "pending"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateExpired   State = "expired"
	StateUnknown   State = "unknown"
)

// pendingRequest is a stored, not-yet-terminal invocation. The store
// owns it exclusively; no other component retains a reference across
// calls.
type pendingRequest struct {
	ID          string
	Method      string
	Params      json.RawMessage
	SourceIP    string
	SubmittedAt time.Time
	TTL         time.Duration

	// ResultTTL is the retention the eventual result will carry,
	// already clamped at admission time.
	ResultTTL time.Duration

	// cancel stops the handler's context. Invoked exactly once, when
	// the request leaves the pending state for any reason.
	cancel context.CancelFunc
}

func (p *pendingRequest) deadline() time.Time { return p.SubmittedAt.Add(p.TTL) }

// result is the terminal outcome of a request. Exactly one result is
// ever persisted per id (the first terminal transition to commit
// wins).
type result struct {
	ID          string
	State       State // StateCompleted, StateCancelled, or StateExpired
	Value       json.RawMessage
	Err         *Error // nil iff the outcome is success
	CompletedAt time.Time
	TTL         time.Duration
}

func (r *result) deadline() time.Time { return r.CompletedAt.Add(r.TTL) }

// store is the TTL-governed two-namespace keyed state: pending
// requests and results, both keyed by id. Results take lookup
// precedence (terminal state wins). Ids are sharded so operations on
// unrelated ids never contend on a lock; all mutations for one id
// land on its shard and are serialized by the shard mutex.
//
// Entries whose deadline has passed are never observable: every read
// and put opportunistically sweeps the touched shard, and the periodic
// sweep bounds state lifetime when nothing touches a shard. A pending
// request that expires becomes an expired result so that late pollers
// observe a terminal state rather than "not found".
type store struct {
	clk clock.Clock

	// expiredResultTTL is the retention for sweep-generated expired
	// results.
	expiredResultTTL time.Duration

	// onRelease fires exactly once whenever a request leaves the
	// pending state (completed, cancelled, or expired). The broker
	// wires admission-counter release and context cancellation here.
	onRelease func(*pendingRequest)

	shards [storeShardCount]storeShard
}

const storeShardCount = 32

type storeShard struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest
	results map[string]*result

	// waiters holds long-poll registrations per id. Each channel has
	// capacity 1 and receives exactly one terminal result.
	waiters map[string][]chan *result
}

func newStore(clk clock.Clock, expiredResultTTL time.Duration, onRelease func(*pendingRequest)) *store {
	s := &store{
		clk:              clk,
		expiredResultTTL: expiredResultTTL,
		onRelease:        onRelease,
	}
	for i := range s.shards {
		s.shards[i].pending = make(map[string]*pendingRequest)
		s.shards[i].results = make(map[string]*result)
		s.shards[i].waiters = make(map[string][]chan *result)
	}
	return s
}

func (s *store) shard(id string) *storeShard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &s.shards[h.Sum32()%storeShardCount]
}

// putPending inserts a new pending request. Returns a conflict error
// if the id already denotes a live request or a live result. A result
// whose TTL has lapsed is evicted inline so the id becomes reusable
// without waiting for the sweep.
func (s *store) putPending(request *pendingRequest) error {
	now := s.clk.Now()
	sh := s.shard(request.ID)

	sh.mu.Lock()
	released, woken := sh.sweepLocked(now, s.expiredResultTTL)
	_, pendingExists := sh.pending[request.ID]
	_, resultExists := sh.results[request.ID]
	if !pendingExists && !resultExists {
		sh.pending[request.ID] = request
	}
	sh.mu.Unlock()

	s.finishSweep(released, woken)
	if pendingExists || resultExists {
		return Errorf(KindConflict, "id %q is already in use", request.ID)
	}
	return nil
}

// complete commits a terminal result for an id. It wins only when the
// id is currently pending and no live result exists; otherwise the
// write is dropped silently (the racing transition already committed)
// and complete returns false. On a win, waiters are notified and the
// superseded pending request is released.
func (s *store) complete(res *result) bool {
	now := s.clk.Now()
	sh := s.shard(res.ID)

	sh.mu.Lock()
	if existing, ok := sh.results[res.ID]; ok && now.Before(existing.deadline()) {
		sh.mu.Unlock()
		return false
	}
	previous, ok := sh.pending[res.ID]
	if !ok || !now.Before(previous.deadline()) {
		// Absent, or past its TTL — expiry owns this id now.
		sh.mu.Unlock()
		return false
	}
	delete(sh.pending, res.ID)
	sh.results[res.ID] = res
	waiters := sh.waiters[res.ID]
	delete(sh.waiters, res.ID)
	sh.mu.Unlock()

	for _, waiter := range waiters {
		waiter <- res // capacity 1, never blocks
	}
	s.release([]*pendingRequest{previous})
	return true
}

// fetch returns the live result for an id, or the id's current state
// when no result is available. The touched shard is swept first, so a
// request past its TTL is observed as its expired result, never as
// pending. When consume is set a returned result is evicted in the
// same critical section (at-most-once collection).
func (s *store) fetch(id string, consume bool) (*result, State) {
	now := s.clk.Now()
	sh := s.shard(id)

	sh.mu.Lock()
	released, woken := sh.sweepLocked(now, s.expiredResultTTL)
	res, resultExists := sh.results[id]
	if resultExists && consume {
		delete(sh.results, id)
	}
	_, pendingExists := sh.pending[id]
	sh.mu.Unlock()

	s.finishSweep(released, woken)
	switch {
	case resultExists:
		return res, res.State
	case pendingExists:
		return nil, StatePending
	}
	return nil, StateUnknown
}

// status is the non-consuming, non-blocking read used by the status
// endpoint.
func (s *store) status(id string) State {
	_, state := s.fetch(id, false)
	return state
}

// await blocks until the id reaches a terminal state, the budget
// elapses, or ctx is cancelled. A zero budget degenerates to a single
// fetch. The waiter registration is always removed before await
// returns, so abandoned long-polls leak nothing.
func (s *store) await(ctx context.Context, id string, budget time.Duration, consume bool) (*result, State) {
	res, state := s.fetch(id, consume)
	if res != nil || state != StatePending || budget <= 0 {
		return res, state
	}

	waiter := make(chan *result, 1)
	sh := s.shard(id)

	sh.mu.Lock()
	// Re-check under the shard lock: the terminal write may have
	// slipped between fetch and registration.
	if _, ok := sh.results[id]; ok {
		sh.mu.Unlock()
		return s.fetch(id, consume)
	}
	sh.waiters[id] = append(sh.waiters[id], waiter)
	sh.mu.Unlock()

	select {
	case res := <-waiter:
		return s.collect(id, res, consume)
	case <-ctx.Done():
	case <-s.clk.After(budget):
	}

	s.unregister(id, waiter)
	// The terminal write may have raced the timeout; prefer it.
	select {
	case res := <-waiter:
		return s.collect(id, res, consume)
	default:
	}
	return s.fetch(id, consume)
}

// collect resolves a waiter delivery. Without consume the delivered
// result is returned as-is. With consume, the terminal write fans out
// to every waiter, so collection must be serialized through a
// consuming fetch: exactly one awaiter evicts and returns the result,
// the rest observe the id as unknown.
func (s *store) collect(id string, res *result, consume bool) (*result, State) {
	if !consume {
		return res, res.State
	}
	return s.fetch(id, true)
}

func (s *store) unregister(id string, waiter chan *result) {
	sh := s.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	remaining := sh.waiters[id][:0]
	for _, w := range sh.waiters[id] {
		if w != waiter {
			remaining = append(remaining, w)
		}
	}
	if len(remaining) == 0 {
		delete(sh.waiters, id)
	} else {
		sh.waiters[id] = remaining
	}
}

// sweep removes every entry whose deadline has passed: expired
// results are dropped, and expired pending requests transition to
// expired results (waking their waiters). Returns the number of
// requests expired and results evicted.
func (s *store) sweep(now time.Time) (expiredRequests, evictedResults int) {
	for i := range s.shards {
		sh := &s.shards[i]

		sh.mu.Lock()
		before := len(sh.results)
		released, woken := sh.sweepLocked(now, s.expiredResultTTL)
		evictedResults += before + len(released) - len(sh.results)
		sh.mu.Unlock()

		s.finishSweep(released, woken)
		expiredRequests += len(released)
	}
	return expiredRequests, evictedResults
}

type wakeup struct {
	res     *result
	waiters []chan *result
}

// sweepLocked expires this shard's dead entries. Pending requests
// past their deadline become expired results; results past theirs are
// removed. Returns the expired requests and the waiter deliveries they
// owe — the caller must pass both to finishSweep after dropping the
// shard lock.
func (sh *storeShard) sweepLocked(now time.Time, expiredResultTTL time.Duration) ([]*pendingRequest, []wakeup) {
	for id, res := range sh.results {
		if !now.Before(res.deadline()) {
			delete(sh.results, id)
		}
	}

	var released []*pendingRequest
	var woken []wakeup
	for id, request := range sh.pending {
		if now.Before(request.deadline()) {
			continue
		}
		delete(sh.pending, id)
		res := &result{
			ID:          id,
			State:       StateExpired,
			Err:         NewError(KindExpired, "request ttl elapsed before completion"),
			CompletedAt: now,
			TTL:         expiredResultTTL,
		}
		sh.results[id] = res
		if waiters := sh.waiters[id]; len(waiters) > 0 {
			woken = append(woken, wakeup{res: res, waiters: waiters})
			delete(sh.waiters, id)
		}
		released = append(released, request)
	}
	return released, woken
}

// finishSweep delivers the wakeups and fires the release hooks a
// sweepLocked call produced. Must run without the shard lock held.
func (s *store) finishSweep(released []*pendingRequest, woken []wakeup) {
	for _, w := range woken {
		for _, waiter := range w.waiters {
			waiter <- w.res // capacity 1, never blocks
		}
	}
	s.release(released)
}

// release fires the onRelease hook outside any shard lock.
func (s *store) release(requests []*pendingRequest) {
	if s.onRelease == nil {
		return
	}
	for _, request := range requests {
		s.onRelease(request)
	}
}
