package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// PushKind identifies a gateway push notification.
type PushKind string

const (
	PushIncomingCall          PushKind = "incomingCall"
	PushOtherDeviceDidAnswer  PushKind = "otherDeviceDidAnswer"
	PushOtherDeviceDidDecline PushKind = "otherDeviceDidDecline"
	PushCallEndedByRemote     PushKind = "callEndedByRemote"
	PushCallUnanswered        PushKind = "callUnanswered"
	PushGatewayError          PushKind = "gatewayError"
)

var ErrUnknownPushKind = errors.New("gateway: unknown push kind")

// PushEvent is a notification from the gateway about the cellular side of a
// call. Caller is only set for incomingCall; Reason only for gatewayError.
type PushEvent struct {
	Kind   PushKind
	Caller string
	Reason string
}

// pushEventWire is the payload shape the gateway sends: the discriminator
// under "event" and the per-event fields nested under "data".
type pushEventWire struct {
	Event PushKind `json:"event"`
	Data  struct {
		Caller string `json:"caller"`
		Reason string `json:"reason"`
	} `json:"data"`
}

// ParsePushEvent decodes a push notification payload. Unknown fields and
// trailing data are rejected.
func ParsePushEvent(data []byte) (PushEvent, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var w pushEventWire
	if err := dec.Decode(&w); err != nil {
		return PushEvent{}, fmt.Errorf("gateway: decode push event: %w", err)
	}
	if dec.More() {
		return PushEvent{}, errors.New("gateway: trailing data after push event")
	}
	if _, err := dec.Token(); err != io.EOF {
		return PushEvent{}, errors.New("gateway: trailing data after push event")
	}

	switch w.Event {
	case PushIncomingCall,
		PushOtherDeviceDidAnswer,
		PushOtherDeviceDidDecline,
		PushCallEndedByRemote,
		PushCallUnanswered,
		PushGatewayError:
		return PushEvent{Kind: w.Event, Caller: w.Data.Caller, Reason: w.Data.Reason}, nil
	default:
		return PushEvent{}, fmt.Errorf("%w: %q", ErrUnknownPushKind, w.Event)
	}
}
