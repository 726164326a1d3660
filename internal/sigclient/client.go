// Package sigclient implements the device side of the relay's signaling
// protocol: authenticate, wait for a match, exchange SDP, and trickle ICE
// candidates.
//
// Candidates generated before the SDP exchange completes are buffered and
// flushed in a batch once the remote description is known, so every
// candidate is delivered exactly once and none race the answer.
package sigclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/simlink/simlink/internal/candbuf"
	"github.com/simlink/simlink/internal/signaling"
)

var ErrConnectionClosed = errors.New("sigclient: connection closed")

// AuthError reports a rejected authenticate request. Reason carries the
// relay's error string verbatim.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("sigclient: authentication rejected: %s", e.Reason)
}

const (
	writeWait   = 5 * time.Second
	authTimeout = 10 * time.Second
)

// Config configures a signaling connection for one call.
type Config struct {
	URL      string
	Username string
	Password string
	Role     signaling.Role

	Logger *slog.Logger

	// OnRemoteCandidate fires for every relayed ICE candidate from the peer.
	OnRemoteCandidate func(candidate string)
}

// Client is a single-call signaling connection. It is live from Dial until
// Close; a closed client cannot be reused.
type Client struct {
	conn   *websocket.Conn
	logger *slog.Logger

	cfg Config

	writeMu sync.Mutex

	startCh  chan struct{}
	offerCh  chan string
	answerCh chan string

	pending  candbuf.Buffer
	answered atomic.Bool

	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// Dial connects to the relay and authenticates. A rejected authentication
// returns an *AuthError and the connection is closed.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Role == "" {
		cfg.Role = signaling.RoleOffer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("sigclient: dial %s: %w", cfg.URL, err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	c := &Client{
		conn:   conn,
		logger: logger,
		cfg:    cfg,

		startCh:  make(chan struct{}),
		offerCh:  make(chan string, 1),
		answerCh: make(chan string, 1),
		done:     make(chan struct{}),
	}

	if err := c.authenticate(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}

	go c.readLoop()
	return c, nil
}

func (c *Client) authenticate(ctx context.Context) error {
	if err := c.send(signaling.Authenticate(c.cfg.Username, c.cfg.Password, c.cfg.Role)); err != nil {
		return err
	}

	deadline := time.Now().Add(authTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetReadDeadline(deadline)
	defer c.conn.SetReadDeadline(time.Time{})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("sigclient: waiting for authentication result: %w", err)
		}
		msg, err := signaling.Parse(data)
		if err != nil {
			return fmt.Errorf("sigclient: bad message during authentication: %w", err)
		}
		if msg.Event != signaling.EventAuthenticated {
			continue
		}
		if !*msg.Authenticated {
			return &AuthError{Reason: msg.Error}
		}
		return nil
	}
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		msg, err := signaling.Parse(data)
		if err != nil {
			c.logger.Warn("dropping malformed signaling message", "err", err)
			continue
		}

		switch msg.Event {
		case signaling.EventStart:
			select {
			case <-c.startCh:
			default:
				close(c.startCh)
			}
		case signaling.EventOffer:
			select {
			case c.offerCh <- msg.SDP:
			default:
				c.logger.Warn("dropping unexpected extra offer")
			}
		case signaling.EventAnswer:
			select {
			case c.answerCh <- msg.SDP:
			default:
				c.logger.Warn("dropping unexpected extra answer")
			}
		case signaling.EventSendICE:
			if c.cfg.OnRemoteCandidate != nil {
				c.cfg.OnRemoteCandidate(msg.ICE)
			}
		default:
			c.logger.Warn("ignoring unexpected signaling event", "event", msg.Event)
		}
	}
}

func (c *Client) fail(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// PostOffer waits for the relay to signal that this side should start, sends
// the offer, and blocks until the peer's answer arrives. On return the
// candidate buffer has been flushed.
func (c *Client) PostOffer(ctx context.Context, sdp string) (string, error) {
	select {
	case <-c.startCh:
	case <-c.done:
		return "", c.closedErr()
	case <-ctx.Done():
		return "", ctx.Err()
	}

	if err := c.send(signaling.Offer(sdp)); err != nil {
		return "", err
	}

	select {
	case answer := <-c.answerCh:
		c.markAnswered()
		return answer, nil
	case <-c.done:
		return "", c.closedErr()
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// GetOffer blocks until the peer's offer arrives.
func (c *Client) GetOffer(ctx context.Context) (string, error) {
	select {
	case offer := <-c.offerCh:
		return offer, nil
	case <-c.done:
		return "", c.closedErr()
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// PostAnswer sends the local answer for a previously received offer and
// flushes the candidate buffer.
func (c *Client) PostAnswer(ctx context.Context, sdp string) error {
	if err := c.send(signaling.Answer(sdp)); err != nil {
		return err
	}
	c.markAnswered()
	return nil
}

// PostCandidate delivers a local ICE candidate to the peer. Before the SDP
// exchange completes candidates are buffered; afterwards they go out
// immediately.
func (c *Client) PostCandidate(candidate string) error {
	select {
	case <-c.done:
		return c.closedErr()
	default:
	}

	if !c.answered.Load() {
		c.pending.Append(candidate)
		// The exchange may have completed while we buffered. Re-check so the
		// candidate cannot be stranded.
		if c.answered.Load() {
			c.flushPending()
		}
		return nil
	}
	return c.send(signaling.SendICE(candidate))
}

func (c *Client) markAnswered() {
	c.answered.Store(true)
	c.flushPending()
}

func (c *Client) flushPending() {
	for _, candidate := range c.pending.Drain() {
		if err := c.send(signaling.SendICE(candidate)); err != nil {
			c.logger.Warn("failed to flush buffered candidate", "err", err)
			return
		}
	}
}

// Done is closed when the connection is lost or Close is called.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) closedErr() error {
	c.errMu.Lock()
	err := c.err
	c.errMu.Unlock()
	if err != nil && !errors.Is(err, ErrConnectionClosed) {
		return fmt.Errorf("%w: %w", ErrConnectionClosed, err)
	}
	return ErrConnectionClosed
}

func (c *Client) send(msg signaling.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("sigclient: write: %w", err)
	}
	return nil
}

// Close tears the connection down. Safe to call more than once and
// concurrently with in-flight operations, which fail with
// ErrConnectionClosed.
func (c *Client) Close() error {
	c.errMu.Lock()
	if c.err == nil {
		c.err = ErrConnectionClosed
	}
	c.errMu.Unlock()
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
	return nil
}
