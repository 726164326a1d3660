package relay

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/simlink/simlink/internal/accounts"
	"github.com/simlink/simlink/internal/metrics"
	"github.com/simlink/simlink/internal/ratelimit"
	"github.com/simlink/simlink/internal/signaling"
)

const wsWriteWait = 1 * time.Second

// Config wires together the runtime dependencies for the relay server.
type Config struct {
	Accounts accounts.Store
	Registry *Registry
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	// AuthTimeout bounds how long a connection may stay unauthenticated.
	AuthTimeout time.Duration

	// Inbound signaling hardening.
	MaxMessageBytes      int64
	MaxMessagesPerSecond int
}

// Server implements the relay's WebSocket signaling surface.
//
// Endpoints:
//   - GET /signal  : persistent signaling connection (authenticate, offer,
//     answer, sendIce)
//   - GET /healthz : liveness probe
//   - GET /metrics : Prometheus text exposition of internal counters
type Server struct {
	accounts accounts.Store
	registry *Registry
	metrics  *metrics.Metrics
	logger   *slog.Logger

	authTimeout          time.Duration
	maxMessageBytes      int64
	maxMessagesPerSecond int

	upgrader websocket.Upgrader
}

func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry(cfg.Metrics)
	}
	return &Server{
		accounts: cfg.Accounts,
		registry: registry,
		metrics:  cfg.Metrics,
		logger:   logger,

		authTimeout:          cfg.AuthTimeout,
		maxMessageBytes:      cfg.MaxMessageBytes,
		maxMessagesPerSecond: cfg.MaxMessagesPerSecond,

		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) Registry() *Registry { return s.registry }

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /signal", s.handleSignal)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", metrics.PrometheusHandler(s.metrics))
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

func (s *Server) effectiveAuthTimeout() time.Duration {
	if s.authTimeout <= 0 {
		return 10 * time.Second
	}
	return s.authTimeout
}

func (s *Server) effectiveMaxMessageBytes() int64 {
	if s.maxMessageBytes <= 0 {
		return 64 * 1024
	}
	return s.maxMessageBytes
}

func (s *Server) effectiveMaxMessagesPerSecond() int {
	if s.maxMessagesPerSecond <= 0 {
		return 50
	}
	return s.maxMessagesPerSecond
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &wsConn{conn: conn}
	defer c.close()

	conn.SetReadLimit(s.effectiveMaxMessageBytes())
	_ = conn.SetReadDeadline(time.Now().Add(s.effectiveAuthTimeout()))

	rate := int64(s.effectiveMaxMessagesPerSecond())
	limiter := ratelimit.NewTokenBucket(ratelimit.RealClock{}, rate, rate)

	var participant *Participant
	defer func() {
		if participant != nil {
			s.registry.Leave(participant)
			s.logger.Info("participant disconnected",
				"participant_id", participant.ID,
				"account", participant.Account)
		}
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if participant == nil && isTimeout(err) {
				s.metrics.Inc(metrics.AuthFailure)
				c.closeWith(websocket.ClosePolicyViolation, "authentication timeout")
			}
			return
		}
		// Consume the message before enforcing the rate limit so bytes already
		// in the TCP receive buffer are read; closing with unread data can turn
		// into an abortive close and hide the close reason from the client.
		if !limiter.Allow(1) {
			s.metrics.Inc(metrics.DroppedRateLimited)
			c.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			c.closeWith(websocket.CloseUnsupportedData, "expected text message")
			return
		}

		msg, err := signaling.Parse(data)
		if err != nil {
			c.closeWith(websocket.ClosePolicyViolation, "bad message")
			return
		}

		switch msg.Event {
		case signaling.EventAuthenticate:
			if participant != nil {
				c.closeWith(websocket.ClosePolicyViolation, "already authenticated")
				return
			}
			participant = s.authenticate(c, msg)

		case signaling.EventOffer, signaling.EventAnswer, signaling.EventSendICE:
			// Relay only on behalf of authenticated, matched participants.
			// The wire protocol has no error event for this, so anything else
			// is dropped, matching the deployed relay.
			if participant == nil {
				s.metrics.Inc(metrics.DroppedUnmatched)
				s.logger.Warn("dropping message from unauthenticated connection", "event", msg.Event)
				continue
			}
			s.forward(participant, msg)

		default:
			// authenticated/start never originate from clients.
			c.closeWith(websocket.ClosePolicyViolation, "bad message")
			return
		}
	}
}

// authenticate verifies credentials and, on success, joins the registry and
// kicks off matching. It returns the new participant, or nil if the
// connection stays unauthenticated.
func (s *Server) authenticate(c *wsConn, msg signaling.Message) *Participant {
	if err := s.accounts.Verify(msg.Username, msg.Password); err != nil {
		s.metrics.Inc(metrics.AuthFailure)
		s.logger.Info("authentication failed", "account", msg.Username, "reason", err.Error())
		_ = c.Send(signaling.AuthenticateFailed(err.Error()))
		return nil
	}

	role, err := signaling.ParseRole(msg.Role)
	if err != nil {
		// Parse already rejected unknown roles; this is unreachable but keeps
		// the default explicit.
		role = signaling.RoleOffer
	}

	participant := NewParticipant(msg.Username, role, c)
	if err := c.Send(signaling.AuthenticateOK()); err != nil {
		return participant
	}
	_ = c.conn.SetReadDeadline(time.Time{})

	s.logger.Info("participant authenticated",
		"participant_id", participant.ID,
		"account", participant.Account,
		"role", participant.Role)

	if starter, matched := s.registry.Join(participant); matched {
		s.logger.Info("participants matched",
			"session_id", participant.SessionID(),
			"account", participant.Account,
			"starter_id", starter.ID)
		if err := starter.Send(signaling.Start()); err != nil {
			s.logger.Warn("failed to deliver start", "session_id", participant.SessionID(), "err", err)
		}
	}
	return participant
}

// forward relays an offer/answer/sendIce message to the sender's session
// peer, payload untouched.
func (s *Server) forward(from *Participant, msg signaling.Message) {
	peer, ok := s.registry.Peer(from)
	if !ok {
		s.metrics.Inc(metrics.DroppedUnmatched)
		s.logger.Warn("dropping message without matched peer",
			"participant_id", from.ID, "event", msg.Event)
		return
	}

	if err := peer.Send(msg); err != nil {
		s.logger.Warn("failed to relay message",
			"session_id", from.SessionID(), "event", msg.Event, "err", err)
		return
	}

	switch msg.Event {
	case signaling.EventOffer:
		s.metrics.Inc(metrics.RelayedOffers)
	case signaling.EventAnswer:
		s.metrics.Inc(metrics.RelayedAnswers)
	case signaling.EventSendICE:
		s.metrics.Inc(metrics.RelayedCandidates)
	}
}

// wsConn wraps a websocket connection with serialized, deadline-bound writes.
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	closed  atomic.Bool
}

func (c *wsConn) Send(msg signaling.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.closed.Store(true)
		return err
	}
	return nil
}

func (c *wsConn) Closed() bool { return c.closed.Load() }

func (c *wsConn) closeWith(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func (c *wsConn) close() {
	c.closed.Store(true)
	_ = c.conn.Close()
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
