package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestIncAndGet(t *testing.T) {
	m := New()
	if got := m.Get(RelayedOffers); got != 0 {
		t.Fatalf("fresh counter = %d, want 0", got)
	}
	m.Inc(RelayedOffers)
	m.Inc(RelayedOffers)
	m.Inc(AuthFailure)
	if got := m.Get(RelayedOffers); got != 2 {
		t.Fatalf("relayed_offers = %d, want 2", got)
	}
	if got := m.Get(AuthFailure); got != 1 {
		t.Fatalf("auth_failure = %d, want 1", got)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.Inc(AuthFailure)
	if got := m.Get(AuthFailure); got != 0 {
		t.Fatalf("nil Get = %d, want 0", got)
	}
	if snap := m.Snapshot(); snap != nil {
		t.Fatalf("nil Snapshot = %v, want nil", snap)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	m := New()
	m.Inc(SessionsMatched)
	snap := m.Snapshot()
	snap[SessionsMatched] = 99
	if got := m.Get(SessionsMatched); got != 1 {
		t.Fatalf("mutating a snapshot changed the counter to %d", got)
	}
}

func TestPrometheusHandlerOutput(t *testing.T) {
	m := New()
	m.Inc(RelayedCandidates)
	m.Inc(RelayedCandidates)
	m.Inc(DroppedRateLimited)

	rec := httptest.NewRecorder()
	PrometheusHandler(m).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"# TYPE simlink_relay_events_total counter",
		`simlink_relay_events_total{event="relayed_candidates"} 2`,
		`simlink_relay_events_total{event="dropped_rate_limited"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics body missing %q:\n%s", want, body)
		}
	}
}

func TestPrometheusHandlerWithoutMetrics(t *testing.T) {
	rec := httptest.NewRecorder()
	PrometheusHandler(nil).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 500 {
		t.Fatalf("status without metrics = %d, want 500", rec.Code)
	}
}
