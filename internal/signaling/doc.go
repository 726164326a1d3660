// Package signaling models the wire protocol spoken between call
// participants and the signaling relay: one JSON object per WebSocket text
// message, discriminated by its "event" field.
//
// The package is shared by the relay server and the client; it models the
// protocol surface only and does not depend on any WebRTC library type.
package signaling
