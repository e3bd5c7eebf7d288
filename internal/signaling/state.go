// Package signaling runs the call state machine of one client: creating and
// answering call sessions, ring timeout, duration, and teardown.
package signaling

import (
	"convosync/internal/domain/call"
	"convosync/internal/domain/user"
	"convosync/internal/media"
)

type State string

const (
	StateIdle       State = "idle"
	StateCalling    State = "calling"
	StateRinging    State = "ringing"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateEnded      State = "ended"
	StateDeclined   State = "declined"
	StateMissed     State = "missed"
)

// Terminal states are shown while cleanup runs, then the machine is idle again.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateDeclined || s == StateMissed
}

// Outcome is how the last call finished. It stays on the snapshot after the
// machine returned to idle.
type Outcome string

const (
	OutcomeNone     Outcome = ""
	OutcomeEnded    Outcome = "ended"
	OutcomeDeclined Outcome = "declined"
	OutcomeMissed   Outcome = "missed"
	OutcomeFailed   Outcome = "failed"
)

func (o Outcome) state() State {
	switch o {
	case OutcomeNone:
		return StateIdle
	case OutcomeDeclined:
		return StateDeclined
	case OutcomeMissed:
		return StateMissed
	default:
		return StateEnded
	}
}

func outcomeFor(s call.Status) Outcome {
	switch s {
	case call.StatusDeclined:
		return OutcomeDeclined
	case call.StatusMissed:
		return OutcomeMissed
	default:
		return OutcomeEnded
	}
}

// Remote is another participant of the current call.
type Remote struct {
	Profile   user.Profile `json:"profile"`
	Present   bool         `json:"present"`
	Muted     bool         `json:"muted"`
	CameraOff bool         `json:"camera_off"`
}

// Snapshot is the observable call state.
type Snapshot struct {
	State          State       `json:"state"`
	CallID         string      `json:"call_id,omitempty"`
	ConversationID string      `json:"conversation_id,omitempty"`
	InitiatorID    string      `json:"initiator_id,omitempty"`
	Kind           call.Kind   `json:"kind,omitempty"`
	Incoming       bool        `json:"incoming"`
	Duration       int         `json:"duration_seconds"`
	Remote         []Remote    `json:"remote"`
	Media          media.State `json:"media"`
	Outcome        Outcome     `json:"outcome,omitempty"`
	Err            error       `json:"-"`
}

// Live reports whether a call occupies the machine.
func (s Snapshot) Live() bool {
	return s.State != StateIdle && !s.State.Terminal()
}
