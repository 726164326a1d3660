package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

type Event string

const (
	// Client -> server.
	EventAuthenticate Event = "authenticate"

	// Server -> client.
	EventAuthenticated Event = "authenticated"
	EventStart         Event = "start"

	// Client -> server -> matched peer, payload untouched.
	EventOffer   Event = "offer"
	EventAnswer  Event = "answer"
	EventSendICE Event = "sendIce"
)

// Role is the negotiation role a participant declares when authenticating.
type Role string

const (
	RoleOffer  Role = "offer"
	RoleAnswer Role = "answer"
)

// ParseRole maps the wire role string to a Role. An empty role defaults to
// offer, matching the relay's historical behavior.
func ParseRole(s string) (Role, error) {
	switch s {
	case "", string(RoleOffer):
		return RoleOffer, nil
	case string(RoleAnswer):
		return RoleAnswer, nil
	default:
		return "", fmt.Errorf("unsupported role %q", s)
	}
}

// Message is the single wire envelope. Which fields are meaningful depends on
// Event; Validate enforces the per-event schema.
type Message struct {
	Event Event `json:"event"`

	// authenticate
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Role     string `json:"role,omitempty"`

	// authenticated. Authenticated is a pointer so a failed authentication
	// still encodes "authenticated":false instead of dropping the field.
	Authenticated *bool  `json:"authenticated,omitempty"`
	Error         string `json:"error,omitempty"`

	// offer / answer
	SDP string `json:"sdp,omitempty"`

	// sendIce
	ICE string `json:"ice,omitempty"`
}

func Authenticate(username, password string, role Role) Message {
	return Message{
		Event:    EventAuthenticate,
		Username: username,
		Password: password,
		Role:     string(role),
	}
}

func AuthenticateOK() Message {
	ok := true
	return Message{Event: EventAuthenticated, Authenticated: &ok}
}

func AuthenticateFailed(reason string) Message {
	no := false
	return Message{Event: EventAuthenticated, Authenticated: &no, Error: reason}
}

func Start() Message {
	return Message{Event: EventStart}
}

func Offer(sdp string) Message {
	return Message{Event: EventOffer, SDP: sdp}
}

func Answer(sdp string) Message {
	return Message{Event: EventAnswer, SDP: sdp}
}

func SendICE(candidate string) Message {
	return Message{Event: EventSendICE, ICE: candidate}
}

// Parse decodes and validates a single wire message. Decoding is strict:
// unknown fields and trailing data are rejected.
func Parse(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, fmt.Errorf("unexpected trailing data")
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func (m Message) Validate() error {
	switch m.Event {
	case EventAuthenticate:
		if _, err := ParseRole(m.Role); err != nil {
			return fmt.Errorf("authenticate message: %w", err)
		}
		if m.Authenticated != nil || m.SDP != "" || m.ICE != "" {
			return fmt.Errorf("authenticate message has unexpected fields")
		}
	case EventAuthenticated:
		if m.Authenticated == nil {
			return fmt.Errorf("authenticated message missing authenticated")
		}
		if *m.Authenticated && m.Error != "" {
			return fmt.Errorf("authenticated message has both success and error")
		}
		if m.Username != "" || m.Password != "" || m.Role != "" || m.SDP != "" || m.ICE != "" {
			return fmt.Errorf("authenticated message has unexpected fields")
		}
	case EventStart:
		if m != (Message{Event: EventStart}) {
			return fmt.Errorf("start message has unexpected fields")
		}
	case EventOffer, EventAnswer:
		if m.SDP == "" {
			return fmt.Errorf("%s message missing sdp", m.Event)
		}
		if m.Username != "" || m.Password != "" || m.Role != "" || m.Authenticated != nil || m.Error != "" || m.ICE != "" {
			return fmt.Errorf("%s message has unexpected fields", m.Event)
		}
	case EventSendICE:
		if m.ICE == "" {
			return fmt.Errorf("sendIce message missing ice")
		}
		if m.Username != "" || m.Password != "" || m.Role != "" || m.Authenticated != nil || m.Error != "" || m.SDP != "" {
			return fmt.Errorf("sendIce message has unexpected fields")
		}
	default:
		return fmt.Errorf("unsupported event %q", m.Event)
	}
	return nil
}
