package relay

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/simlink/simlink/internal/accounts"
	"github.com/simlink/simlink/internal/metrics"
	"github.com/simlink/simlink/internal/signaling"
)

func newTestServer(t *testing.T, cfg Config) (*httptest.Server, string) {
	t.Helper()
	if cfg.Accounts == nil {
		cfg.Accounts = accounts.NewStaticStoreFromPlaintext(map[string]string{
			"alice": "pw",
			"bob":   "pw",
		})
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	srv := NewServer(cfg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/signal"
	return ts, wsURL
}

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendJSON(t *testing.T, conn *websocket.Conn, msg signaling.Message) {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readMessage(t *testing.T, conn *websocket.Conn) signaling.Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	msg, err := signaling.Parse(data)
	if err != nil {
		t.Fatalf("parse %s: %v", data, err)
	}
	return msg
}

func authenticateOK(t *testing.T, conn *websocket.Conn, username string, role signaling.Role) {
	t.Helper()
	sendJSON(t, conn, signaling.Authenticate(username, "pw", role))
	msg := readMessage(t, conn)
	if msg.Event != signaling.EventAuthenticated || msg.Authenticated == nil || !*msg.Authenticated {
		t.Fatalf("authentication reply = %+v, want success", msg)
	}
}

func TestAuthenticationFailures(t *testing.T) {
	_, wsURL := newTestServer(t, Config{})

	tests := []struct {
		name     string
		username string
		password string
		want     string
	}{
		{"missing credentials", "", "", "No username or password was in the request!"},
		{"unknown username", "mallory", "pw", "Username does not exist!"},
		{"wrong password", "alice", "nope", "Wrong password!"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := dialWS(t, wsURL)
			sendJSON(t, conn, signaling.Authenticate(tt.username, tt.password, signaling.RoleOffer))
			msg := readMessage(t, conn)
			if msg.Event != signaling.EventAuthenticated {
				t.Fatalf("event = %q, want authenticated", msg.Event)
			}
			if msg.Authenticated == nil || *msg.Authenticated {
				t.Fatalf("authenticated = %v, want false", msg.Authenticated)
			}
			if msg.Error != tt.want {
				t.Fatalf("error = %q, want %q", msg.Error, tt.want)
			}

			// A failed attempt keeps the connection usable.
			sendJSON(t, conn, signaling.Authenticate("alice", "pw", signaling.RoleOffer))
			msg = readMessage(t, conn)
			if msg.Authenticated == nil || !*msg.Authenticated {
				t.Fatalf("retry after failure = %+v, want success", msg)
			}
		})
	}
}

func TestMatchAndRelay(t *testing.T) {
	m := metrics.New()
	_, wsURL := newTestServer(t, Config{Metrics: m})

	offerer := dialWS(t, wsURL)
	answerer := dialWS(t, wsURL)
	authenticateOK(t, offerer, "alice", signaling.RoleOffer)
	authenticateOK(t, answerer, "alice", signaling.RoleAnswer)

	// The pending offerer receives start.
	if msg := readMessage(t, offerer); msg.Event != signaling.EventStart {
		t.Fatalf("offerer received %q, want start", msg.Event)
	}

	// SDP bodies pass through untouched, whatever they contain.
	offerSDP := "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\nm=audio 9 RTP/AVP 8\r\na=rtpmap:8 PCMA/8000\r\n"
	sendJSON(t, offerer, signaling.Offer(offerSDP))
	msg := readMessage(t, answerer)
	if msg.Event != signaling.EventOffer || msg.SDP != offerSDP {
		t.Fatalf("relayed offer = %+v, want opaque copy", msg)
	}

	answerSDP := "v=0\r\narbitrary answer body"
	sendJSON(t, answerer, signaling.Answer(answerSDP))
	msg = readMessage(t, offerer)
	if msg.Event != signaling.EventAnswer || msg.SDP != answerSDP {
		t.Fatalf("relayed answer = %+v, want opaque copy", msg)
	}

	candidate := "candidate:1 1 udp 2130706431 10.0.0.1 54321 typ host"
	sendJSON(t, offerer, signaling.SendICE(candidate))
	msg = readMessage(t, answerer)
	if msg.Event != signaling.EventSendICE || msg.ICE != candidate {
		t.Fatalf("relayed candidate = %+v, want opaque copy", msg)
	}

	if got := m.Get(metrics.SessionsMatched); got != 1 {
		t.Fatalf("sessions_matched = %d, want 1", got)
	}
	if got := m.Get(metrics.RelayedOffers); got != 1 {
		t.Fatalf("relayed_offers = %d, want 1", got)
	}
}

func TestStartGoesToNewcomerWhenPendingIsAnswerer(t *testing.T) {
	_, wsURL := newTestServer(t, Config{})

	answerer := dialWS(t, wsURL)
	offerer := dialWS(t, wsURL)
	authenticateOK(t, answerer, "alice", signaling.RoleAnswer)
	authenticateOK(t, offerer, "alice", signaling.RoleOffer)

	if msg := readMessage(t, offerer); msg.Event != signaling.EventStart {
		t.Fatalf("newcomer received %q, want start", msg.Event)
	}

	// The pending answerer must not receive start; the next thing it sees is
	// the relayed offer.
	sendJSON(t, offerer, signaling.Offer("v=0"))
	if msg := readMessage(t, answerer); msg.Event != signaling.EventOffer {
		t.Fatalf("pending answerer received %q, want offer", msg.Event)
	}
}

func TestDifferentAccountsAreNotMatched(t *testing.T) {
	m := metrics.New()
	_, wsURL := newTestServer(t, Config{Metrics: m})

	alice := dialWS(t, wsURL)
	bob := dialWS(t, wsURL)
	authenticateOK(t, alice, "alice", signaling.RoleOffer)
	authenticateOK(t, bob, "bob", signaling.RoleAnswer)

	// Neither side is matched, so a sent offer is dropped, not relayed.
	sendJSON(t, alice, signaling.Offer("v=0"))

	waitForCounter(t, m, metrics.DroppedUnmatched, 1)
	if got := m.Get(metrics.SessionsMatched); got != 0 {
		t.Fatalf("sessions_matched = %d, want 0", got)
	}
}

func TestRelayBeforeAuthenticationIsDropped(t *testing.T) {
	m := metrics.New()
	_, wsURL := newTestServer(t, Config{Metrics: m})

	conn := dialWS(t, wsURL)
	sendJSON(t, conn, signaling.Offer("v=0"))
	waitForCounter(t, m, metrics.DroppedUnmatched, 1)

	// The connection survives and can still authenticate.
	sendJSON(t, conn, signaling.Authenticate("alice", "pw", signaling.RoleOffer))
	msg := readMessage(t, conn)
	if msg.Authenticated == nil || !*msg.Authenticated {
		t.Fatalf("authentication after dropped message = %+v, want success", msg)
	}
}

func TestDisconnectedPendingParticipantIsReplaced(t *testing.T) {
	registry := NewRegistry(nil)
	_, wsURL := newTestServer(t, Config{Registry: registry})

	first := dialWS(t, wsURL)
	authenticateOK(t, first, "alice", signaling.RoleOffer)
	first.Close()

	// Wait until the server has processed the disconnect.
	deadline := time.Now().Add(5 * time.Second)
	for registry.PendingCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("server did not process the disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}

	second := dialWS(t, wsURL)
	authenticateOK(t, second, "alice", signaling.RoleOffer)

	third := dialWS(t, wsURL)
	authenticateOK(t, third, "alice", signaling.RoleAnswer)
	if msg := readMessage(t, second); msg.Event != signaling.EventStart {
		t.Fatalf("second connection received %q, want start", msg.Event)
	}
}

func TestMalformedMessageClosesConnection(t *testing.T) {
	_, wsURL := newTestServer(t, Config{})

	conn := dialWS(t, wsURL)
	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("connection stayed open after malformed message")
	}
}

func TestAuthenticationTimeout(t *testing.T) {
	m := metrics.New()
	_, wsURL := newTestServer(t, Config{
		Metrics:     m,
		AuthTimeout: 100 * time.Millisecond,
	})

	conn := dialWS(t, wsURL)
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("unauthenticated connection survived the auth timeout")
	}
	if got := m.Get(metrics.AuthFailure); got != 1 {
		t.Fatalf("auth_failure = %d, want 1", got)
	}
}

func TestRateLimitClosesConnection(t *testing.T) {
	m := metrics.New()
	_, wsURL := newTestServer(t, Config{
		Metrics:              m,
		MaxMessagesPerSecond: 5,
	})

	conn := dialWS(t, wsURL)
	authenticateOK(t, conn, "alice", signaling.RoleOffer)

	for i := 0; i < 50; i++ {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"sendIce","ice":"c"}`)); err != nil {
			break
		}
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	if got := m.Get(metrics.DroppedRateLimited); got != 1 {
		t.Fatalf("dropped_rate_limited = %d, want 1", got)
	}
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	ts, _ := newTestServer(t, Config{})

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", resp.StatusCode)
	}

	resp2, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp2.Body.Close()
	body, err := io.ReadAll(resp2.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(body), "simlink_relay_events_total") {
		t.Fatalf("metrics body missing counter family:\n%s", body)
	}
}

func waitForCounter(t *testing.T, m *metrics.Metrics, name string, want uint64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if m.Get(name) >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("counter %s = %d, want >= %d", name, m.Get(name), want)
}
