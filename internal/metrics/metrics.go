package metrics

import "sync"

// Counter names used by the relay. Each becomes an `event` label value on the
// simlink_relay_events_total metric exposed by PrometheusHandler.
const (
	AuthFailure        = "auth_failure"
	SessionsMatched    = "sessions_matched"
	PendingReplaced    = "pending_replaced"
	RelayedOffers      = "relayed_offers"
	RelayedAnswers     = "relayed_answers"
	RelayedCandidates  = "relayed_candidates"
	DroppedUnmatched   = "dropped_unmatched"
	DroppedRateLimited = "dropped_rate_limited"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// The production relay is expected to plug into a real metrics backend; this
// type exists to keep relay logic testable and to provide drop counters.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
