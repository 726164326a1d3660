package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

var ErrNoAudioSource = errors.New("media: no audio source configured")

// TransportConfig configures a single call's media transport.
type TransportConfig struct {
	// Source supplies outbound call audio. Required.
	Source AudioSource

	Logger *slog.Logger

	// OnCandidate fires for each locally gathered ICE candidate. The empty
	// string marks the end of gathering and is not reported.
	OnCandidate func(candidate string)

	// OnConnectionStateChange fires on every PeerConnection state transition.
	OnConnectionStateChange func(state webrtc.PeerConnectionState)

	// OnRemoteTrack fires when the remote peer's audio track arrives.
	OnRemoteTrack func(track *webrtc.TrackRemote)
}

// Transport wraps a PeerConnection carrying one outbound PCMA track. It is
// created per call and must not be reused after Close.
type Transport struct {
	pc     *webrtc.PeerConnection
	track  *webrtc.TrackLocalStaticSample
	logger *slog.Logger

	muted atomic.Bool

	pumpCtx    context.Context
	pumpCancel context.CancelFunc
	pumpOnce   sync.Once

	closeOnce sync.Once
	closeErr  error
}

func NewTransport(api *webrtc.API, cfg TransportConfig) (*Transport, error) {
	if cfg.Source == nil {
		return nil, ErrNoAudioSource
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypePCMA,
		ClockRate: 8000,
	}, "audio", "simlink")
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("new local track: %w", err)
	}
	if _, err := pc.AddTrack(track); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("add local track: %w", err)
	}

	pumpCtx, pumpCancel := context.WithCancel(context.Background())
	t := &Transport{
		pc:         pc,
		track:      track,
		logger:     logger,
		pumpCtx:    pumpCtx,
		pumpCancel: pumpCancel,
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || cfg.OnCandidate == nil {
			return
		}
		cfg.OnCandidate(c.ToJSON().Candidate)
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if cfg.OnRemoteTrack != nil {
			cfg.OnRemoteTrack(remote)
		}
	})

	source := cfg.Source
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state == webrtc.PeerConnectionStateConnected {
			t.startPump(source)
		}
		if cfg.OnConnectionStateChange != nil {
			cfg.OnConnectionStateChange(state)
		}
	})

	return t, nil
}

func (t *Transport) startPump(source AudioSource) {
	t.pumpOnce.Do(func() {
		go func() {
			err := pumpAudio(t.pumpCtx, source, t.track, t.muted.Load)
			if err != nil && !errors.Is(err, context.Canceled) {
				t.logger.Warn("audio pump stopped", "err", err)
			}
		}()
	})
}

// GenerateOffer creates the local SDP offer with every codec except PCMA
// stripped, commits it as the local description, and returns it. The
// MediaEngine only ever offers PCMA, so the strip is a safety net against a
// pion upgrade widening the codec list.
func (t *Transport) GenerateOffer(ctx context.Context) (string, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	offer.SDP = RestrictToPCMA(offer.SDP)
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return offer.SDP, nil
}

// HandleOffer applies a remote offer and returns the local answer SDP.
// Answers are sent unfiltered; the gateway applies its own restriction on
// the offering side.
func (t *Transport) HandleOffer(ctx context.Context, sdp string) (string, error) {
	if err := t.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	}); err != nil {
		return "", fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return answer.SDP, nil
}

// HandleAnswer applies the remote answer to a previously generated offer.
func (t *Transport) HandleAnswer(sdp string) error {
	if err := t.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	}); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	return nil
}

// AddRemoteCandidate feeds a relayed ICE candidate into the PeerConnection.
// The wire protocol carries bare candidate strings with no mline index, and
// the session always has exactly one audio section.
func (t *Transport) AddRemoteCandidate(candidate string) error {
	mline := uint16(0)
	return t.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     candidate,
		SDPMLineIndex: &mline,
	})
}

// SetMuted switches the outbound track between source audio and silence.
// The RTP stream keeps flowing either way.
func (t *Transport) SetMuted(muted bool) { t.muted.Store(muted) }

func (t *Transport) Muted() bool { return t.muted.Load() }

func (t *Transport) ConnectionState() webrtc.PeerConnectionState {
	return t.pc.ConnectionState()
}

func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.pumpCancel()
		t.closeErr = t.pc.Close()
	})
	return t.closeErr
}
