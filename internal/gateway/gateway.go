// Package gateway defines the control surface of the cellular gateway and
// the push events it delivers while a call is in flight.
package gateway

import "context"

// Control drives the gateway's telephony side. Every method is an RPC to
// the gateway host; implementations must honor the context.
type Control interface {
	// Dial starts an outgoing cellular call to number.
	Dial(ctx context.Context, number string) error

	// HangUp ends the active call on the cellular side.
	HangUp(ctx context.Context) error

	// DeviceDidAnswerCall reports that this device answered an incoming call,
	// so the gateway stops ringing other devices.
	DeviceDidAnswerCall(ctx context.Context) error

	// DeviceDidDeclineCall reports that this device declined an incoming call.
	DeviceDidDeclineCall(ctx context.Context) error

	// HoldCall parks the cellular call.
	HoldCall(ctx context.Context) error

	// ContinueCall resumes a held cellular call.
	ContinueCall(ctx context.Context) error

	// PlayDTMF plays a single DTMF digit into the cellular call.
	PlayDTMF(ctx context.Context, digit string) error
}
