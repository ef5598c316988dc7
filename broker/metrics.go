// Copyright 2026 The AsyncRPC Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"fmt"
	"io"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

// brokerMetrics collects the broker's operational counters in its own
// metrics set, so multiple brokers in one process (tests, embedders)
// never share state. Exposed in Prometheus text format on /metrics.
type brokerMetrics struct {
	set       *metrics.Set
	startedAt time.Time

	accepted *metrics.Counter
	dropped  *metrics.Counter
}

func newBrokerMetrics(startedAt time.Time) *brokerMetrics {
	set := metrics.NewSet()
	return &brokerMetrics{
		set:       set,
		startedAt: startedAt,
		accepted:  set.NewCounter(`rpc_submissions_accepted_total`),
		dropped:   set.NewCounter(`rpc_outcomes_dropped_total`),
	}
}

func (m *brokerMetrics) accept() { m.accepted.Inc() }

func (m *brokerMetrics) reject(kind Kind) {
	m.set.GetOrCreateCounter(fmt.Sprintf(`rpc_submissions_rejected_total{reason=%q}`, kind)).Inc()
}

func (m *brokerMetrics) execution(outcome string) {
	m.set.GetOrCreateCounter(fmt.Sprintf(`rpc_executions_total{outcome=%q}`, outcome)).Inc()
}

// droppedOutcome counts execution outcomes that lost the terminal
// race to a cancel or expiry and were discarded.
func (m *brokerMetrics) droppedOutcome() { m.dropped.Inc() }

func (m *brokerMetrics) sweep(expiredRequests, evictedResults int) {
	if expiredRequests > 0 {
		m.set.GetOrCreateCounter(`rpc_requests_expired_total`).Add(expiredRequests)
	}
	if evictedResults > 0 {
		m.set.GetOrCreateCounter(`rpc_results_evicted_total`).Add(evictedResults)
	}
}

// writePrometheus emits the counter set plus start time and uptime,
// the way long-running daemons conventionally export them.
func (m *brokerMetrics) writePrometheus(w io.Writer, now time.Time) {
	m.set.WritePrometheus(w)
	fmt.Fprintf(w, "rpc_broker_start_timestamp %d\n", m.startedAt.Unix())
	fmt.Fprintf(w, "rpc_broker_uptime_seconds %d\n", int(now.Sub(m.startedAt).Seconds()))
}
