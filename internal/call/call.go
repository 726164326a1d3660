// Package call orchestrates a single voice call across its three legs: the
// gateway's telephony control, the relay signaling connection, and the
// WebRTC media transport. All state transitions funnel through one mutex so
// user actions, gateway pushes, and media callbacks cannot interleave into
// an inconsistent state.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/simlink/simlink/internal/gateway"
)

var (
	ErrCallEnded    = errors.New("call: already ended")
	ErrInvalidState = errors.New("call: operation not valid in current state")
)

// Signaling is the slice of the relay client a call drives.
type Signaling interface {
	PostOffer(ctx context.Context, sdp string) (answer string, err error)
	GetOffer(ctx context.Context) (string, error)
	PostAnswer(ctx context.Context, sdp string) error
	PostCandidate(candidate string) error
	Close() error
}

// Media is the slice of the media transport a call drives.
type Media interface {
	GenerateOffer(ctx context.Context) (string, error)
	HandleOffer(ctx context.Context, sdp string) (answer string, err error)
	HandleAnswer(sdp string) error
	AddRemoteCandidate(candidate string) error
	SetMuted(muted bool)
	Close() error
}

// Telephony is the platform call-bookkeeping layer (native call UI, OS call
// registry). All methods are best-effort notifications.
type Telephony interface {
	ReportIncomingCall(caller string)
	ReportOutgoingCall(number string)
	ReportCallEnded(reason EndReason)
}

// Direction distinguishes who initiated the call.
type Direction int

const (
	DirectionOutgoing Direction = iota
	DirectionIncoming
)

func (d Direction) String() string {
	if d == DirectionIncoming {
		return "incoming"
	}
	return "outgoing"
}

// Config assembles a call's collaborators.
type Config struct {
	Signaling Signaling
	Media     Media
	Control   gateway.Control

	// Telephony receives call bookkeeping reports. Optional.
	Telephony Telephony

	Logger *slog.Logger

	// OnStateChange fires after every transition, outside the call's lock.
	OnStateChange func(state State)

	// OnGatewayError surfaces non-fatal gateway errors. They are user-visible
	// notifications only and never end the call.
	OnGatewayError func(reason string)
}

// Call is a single call's orchestrator. A Call is single-use: once it
// reaches StateEnded it stays there and every operation fails with
// ErrCallEnded.
type Call struct {
	ID        uuid.UUID
	Direction Direction

	signaling Signaling
	media     Media
	control   gateway.Control
	telephony Telephony
	logger    *slog.Logger
	onState   func(State)
	onGwError func(string)

	mu        sync.Mutex
	state     State
	endReason EndReason
	remote    string
}

// New builds an idle call. Direction is fixed by which start method runs
// first.
func New(cfg Config) *Call {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Call{
		ID:        uuid.New(),
		signaling: cfg.Signaling,
		media:     cfg.Media,
		control:   cfg.Control,
		telephony: cfg.Telephony,
		logger:    logger,
		onState:   cfg.OnStateChange,
		onGwError: cfg.OnGatewayError,
		state:     StateIdle,
	}
	return c
}

// State returns the current lifecycle state.
func (c *Call) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// EndReason is meaningful once State returns StateEnded.
func (c *Call) EndReason() EndReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endReason
}

// Remote returns the dialed number or the caller id of an incoming call.
func (c *Call) Remote() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

func (c *Call) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.logger.Info("call state change", "call_id", c.ID, "from", c.state, "to", s)
	c.state = s
	if c.onState != nil {
		notify := c.onState
		// Callbacks run outside the lock so they may re-enter the call.
		go notify(s)
	}
}

// StartOutgoing dials number through the gateway and, once the gateway
// accepts the dial, negotiates media with the answering device. It returns
// after the offer/answer exchange completes; the transition to
// StateConnected happens when ICE connects (HandleMediaState).
//
// A failed gateway dial aborts the call with EndReasonError before any
// media or signaling traffic happens.
func (c *Call) StartOutgoing(ctx context.Context, number string) error {
	c.mu.Lock()
	if c.state != StateIdle {
		defer c.mu.Unlock()
		return c.invalidState("start outgoing")
	}
	c.Direction = DirectionOutgoing
	c.remote = number
	c.setStateLocked(StateDialing)
	c.mu.Unlock()

	if c.telephony != nil {
		c.telephony.ReportOutgoingCall(number)
	}

	if err := c.control.Dial(ctx, number); err != nil {
		c.abortDial(err)
		return fmt.Errorf("call: gateway dial: %w", err)
	}

	c.mu.Lock()
	if c.state != StateDialing {
		defer c.mu.Unlock()
		return c.invalidState("start outgoing")
	}
	c.mu.Unlock()

	offer, err := c.media.GenerateOffer(ctx)
	if err != nil {
		c.end(EndReasonError)
		return fmt.Errorf("call: generate offer: %w", err)
	}
	answer, err := c.signaling.PostOffer(ctx, offer)
	if err != nil {
		c.end(EndReasonError)
		return fmt.Errorf("call: post offer: %w", err)
	}

	// The local description has been generated and sent; the call stays in
	// awaiting_answer until the relayed answer is applied.
	c.mu.Lock()
	if c.state == StateDialing {
		c.setStateLocked(StateAwaitingAnswer)
	}
	c.mu.Unlock()

	if err := c.media.HandleAnswer(answer); err != nil {
		c.end(EndReasonError)
		return fmt.Errorf("call: apply answer: %w", err)
	}

	c.mu.Lock()
	if c.state == StateAwaitingAnswer {
		c.setStateLocked(StateNegotiatingICE)
	}
	c.mu.Unlock()
	return nil
}

// StartIncoming records an incoming call announced by a gateway push. The
// call waits in StateDialing until the user answers or declines.
func (c *Call) StartIncoming(caller string) error {
	c.mu.Lock()
	if c.state != StateIdle {
		defer c.mu.Unlock()
		return c.invalidState("start incoming")
	}
	c.Direction = DirectionIncoming
	c.remote = caller
	c.setStateLocked(StateDialing)
	c.mu.Unlock()

	if c.telephony != nil {
		c.telephony.ReportIncomingCall(caller)
	}
	return nil
}

// Answer accepts an incoming call: it tells the gateway this device took
// the call, then answers the gateway's SDP offer.
func (c *Call) Answer(ctx context.Context) error {
	c.mu.Lock()
	if c.Direction != DirectionIncoming || c.state != StateDialing {
		defer c.mu.Unlock()
		return c.invalidState("answer")
	}
	c.mu.Unlock()

	if err := c.control.DeviceDidAnswerCall(ctx); err != nil {
		c.end(EndReasonError)
		return fmt.Errorf("call: report answer: %w", err)
	}

	offer, err := c.signaling.GetOffer(ctx)
	if err != nil {
		c.end(EndReasonError)
		return fmt.Errorf("call: wait for offer: %w", err)
	}
	answer, err := c.media.HandleOffer(ctx, offer)
	if err != nil {
		c.end(EndReasonError)
		return fmt.Errorf("call: answer offer: %w", err)
	}
	if err := c.signaling.PostAnswer(ctx, answer); err != nil {
		c.end(EndReasonError)
		return fmt.Errorf("call: post answer: %w", err)
	}

	// Sending the answer completes both negotiation steps at once: the local
	// description is out, and the remote one was applied while producing it.
	c.mu.Lock()
	if c.state == StateDialing {
		c.setStateLocked(StateAwaitingAnswer)
		c.setStateLocked(StateNegotiatingICE)
	}
	c.mu.Unlock()
	return nil
}

// Decline rejects an incoming call and ends it.
func (c *Call) Decline(ctx context.Context) error {
	c.mu.Lock()
	if c.Direction != DirectionIncoming || c.state != StateDialing {
		defer c.mu.Unlock()
		return c.invalidState("decline")
	}
	c.mu.Unlock()

	if err := c.control.DeviceDidDeclineCall(ctx); err != nil {
		c.logger.Warn("failed to report decline", "call_id", c.ID, "err", err)
	}
	// The decline already told the gateway; a hang-up on top of it would end
	// the call for devices still ringing.
	c.teardown(EndReasonUserInitiated, false)
	return nil
}

// Hold parks the cellular leg and mutes outbound audio. The RTP stream keeps
// flowing as silence.
func (c *Call) Hold(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateConnected {
		defer c.mu.Unlock()
		return c.invalidState("hold")
	}
	c.mu.Unlock()

	if err := c.control.HoldCall(ctx); err != nil {
		return fmt.Errorf("call: hold: %w", err)
	}
	c.media.SetMuted(true)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateConnected {
		c.setStateLocked(StateHeld)
	}
	return nil
}

// Resume takes the cellular leg off hold and unmutes outbound audio.
func (c *Call) Resume(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateHeld {
		defer c.mu.Unlock()
		return c.invalidState("resume")
	}
	c.mu.Unlock()

	if err := c.control.ContinueCall(ctx); err != nil {
		return fmt.Errorf("call: resume: %w", err)
	}
	c.media.SetMuted(false)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateHeld {
		c.setStateLocked(StateConnected)
	}
	return nil
}

// SetMuted toggles outbound audio. Valid in any live state; muting a call
// that is still negotiating simply takes effect once audio flows.
func (c *Call) SetMuted(muted bool) error {
	c.mu.Lock()
	if c.state == StateEnded || c.state == StateEnding {
		defer c.mu.Unlock()
		return ErrCallEnded
	}
	c.mu.Unlock()
	c.media.SetMuted(muted)
	return nil
}

// PlayDTMF plays a digit into the cellular call.
func (c *Call) PlayDTMF(ctx context.Context, digit string) error {
	c.mu.Lock()
	if c.state != StateConnected && c.state != StateHeld {
		defer c.mu.Unlock()
		return c.invalidState("dtmf")
	}
	c.mu.Unlock()
	if err := c.control.PlayDTMF(ctx, digit); err != nil {
		return fmt.Errorf("call: dtmf: %w", err)
	}
	return nil
}

// HangUp ends the call at the user's request.
func (c *Call) HangUp() error {
	c.mu.Lock()
	if c.state == StateEnded || c.state == StateEnding {
		defer c.mu.Unlock()
		return ErrCallEnded
	}
	c.mu.Unlock()
	c.end(EndReasonUserInitiated)
	return nil
}

// HandlePush applies a gateway push notification to the call.
func (c *Call) HandlePush(ev gateway.PushEvent) {
	switch ev.Kind {
	case gateway.PushOtherDeviceDidAnswer:
		c.end(EndReasonOtherDeviceAnswered)
	case gateway.PushOtherDeviceDidDecline:
		c.end(EndReasonOtherDeviceDeclined)
	case gateway.PushCallEndedByRemote:
		c.end(EndReasonRemoteEnded)
	case gateway.PushCallUnanswered:
		c.end(EndReasonUnanswered)
	case gateway.PushGatewayError:
		// Gateway errors are user-visible notifications; the call keeps going.
		c.logger.Warn("gateway reported error", "call_id", c.ID, "reason", ev.Reason)
		if c.onGwError != nil {
			c.onGwError(ev.Reason)
		}
	case gateway.PushIncomingCall:
		// Incoming calls are announced before a Call exists; a live call
		// cannot absorb a second one.
		c.logger.Warn("ignoring incomingCall push on live call", "call_id", c.ID)
	}
}

// HandleLocalCandidate forwards a locally gathered ICE candidate to the
// peer. Wire this to the media transport's OnCandidate.
func (c *Call) HandleLocalCandidate(candidate string) {
	if err := c.signaling.PostCandidate(candidate); err != nil {
		c.logger.Warn("failed to send local candidate", "call_id", c.ID, "err", err)
	}
}

// HandleRemoteCandidate applies a relayed ICE candidate from the peer.
// Wire this to the signaling client's OnRemoteCandidate.
func (c *Call) HandleRemoteCandidate(candidate string) {
	if err := c.media.AddRemoteCandidate(candidate); err != nil {
		c.logger.Warn("failed to apply remote candidate", "call_id", c.ID, "err", err)
	}
}

// HandleMediaState applies a PeerConnection state transition. Wire this to
// the media transport's OnConnectionStateChange.
func (c *Call) HandleMediaState(state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		c.mu.Lock()
		if c.state == StateNegotiatingICE || c.state == StateAwaitingAnswer {
			c.setStateLocked(StateConnected)
		}
		c.mu.Unlock()
	case webrtc.PeerConnectionStateFailed:
		c.end(EndReasonError)
	}
}

// abortDial handles a failed gateway dial: nothing was negotiated, so the
// media transport is left alone and only the signaling connection closes.
func (c *Call) abortDial(dialErr error) {
	c.mu.Lock()
	if c.state == StateEnded {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(StateEnding)
	c.mu.Unlock()

	c.logger.Warn("gateway dial failed", "call_id", c.ID, "err", dialErr)
	if err := c.signaling.Close(); err != nil {
		c.logger.Warn("signaling close failed", "call_id", c.ID, "err", err)
	}
	if c.telephony != nil {
		c.telephony.ReportCallEnded(EndReasonError)
	}

	c.mu.Lock()
	c.endReason = EndReasonError
	c.setStateLocked(StateEnded)
	c.mu.Unlock()
}

// end drives the teardown sequence. The gateway hang-up is only sent for
// locally decided endings, the other reasons mean the gateway already knows.
func (c *Call) end(reason EndReason) {
	c.teardown(reason, reason == EndReasonUserInitiated || reason == EndReasonError)
}

// teardown tears each leg down independently; a failure in one never blocks
// the others.
func (c *Call) teardown(reason EndReason, hangup bool) {
	c.mu.Lock()
	if c.state == StateEnded || c.state == StateEnding {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(StateEnding)
	c.mu.Unlock()

	if err := c.media.Close(); err != nil {
		c.logger.Warn("media close failed", "call_id", c.ID, "err", err)
	}
	if err := c.signaling.Close(); err != nil {
		c.logger.Warn("signaling close failed", "call_id", c.ID, "err", err)
	}
	if hangup {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.control.HangUp(ctx); err != nil {
			c.logger.Warn("gateway hangup failed", "call_id", c.ID, "err", err)
		}
		cancel()
	}
	if c.telephony != nil {
		c.telephony.ReportCallEnded(reason)
	}

	c.mu.Lock()
	c.endReason = reason
	c.setStateLocked(StateEnded)
	c.mu.Unlock()

	c.logger.Info("call ended", "call_id", c.ID, "reason", reason)
}

func (c *Call) invalidState(op string) error {
	if c.state == StateEnded || c.state == StateEnding {
		return ErrCallEnded
	}
	return fmt.Errorf("%w: cannot %s while %s", ErrInvalidState, op, c.state)
}
