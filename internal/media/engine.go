// Package media owns the WebRTC side of a call: a PeerConnection carrying a
// single PCMA audio track, SDP negotiation, and ICE candidate exchange.
package media

import (
	"fmt"

	"github.com/pion/logging"
	"github.com/pion/transport/v4"
	"github.com/pion/webrtc/v4"
)

// PortRange restricts the UDP ports ICE binds to.
type PortRange struct {
	Min uint16
	Max uint16
}

// EngineConfig carries the static WebRTC settings shared by every call.
type EngineConfig struct {
	// UDPPortRange restricts ICE UDP sockets. Nil means OS ephemeral ports.
	UDPPortRange *PortRange

	// LoggerFactory routes pion's internal logging. Nil uses pion's default.
	LoggerFactory logging.LoggerFactory

	// Net overrides the network stack, letting tests run over vnet.
	Net transport.Net
}

// NewAPI builds a webrtc.API whose MediaEngine accepts PCMA and nothing
// else. The gateway's telephony stack only handles G.711 A-law, so offering
// any other codec just invites a negotiation that cannot carry audio.
func NewAPI(cfg EngineConfig) (*webrtc.API, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypePCMA,
			ClockRate: 8000,
		},
		PayloadType: 8,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register pcma codec: %w", err)
	}

	se := webrtc.SettingEngine{}
	if cfg.LoggerFactory != nil {
		se.LoggerFactory = cfg.LoggerFactory
	}
	if cfg.Net != nil {
		se.SetNet(cfg.Net)
	}
	if cfg.UDPPortRange != nil {
		if err := se.SetEphemeralUDPPortRange(cfg.UDPPortRange.Min, cfg.UDPPortRange.Max); err != nil {
			return nil, fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}

	return webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithSettingEngine(se)), nil
}
