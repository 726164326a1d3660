package call

// State is a call's position in its lifecycle. Transitions only move
// forward except for the Connected/Held pair.
type State int

const (
	StateIdle State = iota
	StateDialing
	StateAwaitingAnswer
	StateNegotiatingICE
	StateConnected
	StateHeld
	StateEnding
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDialing:
		return "dialing"
	case StateAwaitingAnswer:
		return "awaiting_answer"
	case StateNegotiatingICE:
		return "negotiating_ice"
	case StateConnected:
		return "connected"
	case StateHeld:
		return "held"
	case StateEnding:
		return "ending"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// EndReason records why a call reached StateEnded.
type EndReason int

const (
	EndReasonNone EndReason = iota
	EndReasonUserInitiated
	EndReasonRemoteEnded
	EndReasonUnanswered
	EndReasonOtherDeviceAnswered
	EndReasonOtherDeviceDeclined
	EndReasonError
)

func (r EndReason) String() string {
	switch r {
	case EndReasonNone:
		return "none"
	case EndReasonUserInitiated:
		return "user_initiated"
	case EndReasonRemoteEnded:
		return "remote_ended"
	case EndReasonUnanswered:
		return "unanswered"
	case EndReasonOtherDeviceAnswered:
		return "other_device_answered"
	case EndReasonOtherDeviceDeclined:
		return "other_device_declined"
	case EndReasonError:
		return "error"
	default:
		return "unknown"
	}
}
