package domain

import (
	"time"
)

// CallKind represents the media kind of a call
type CallKind string

const (
	CallKindAudio CallKind = "audio"
	CallKindVideo CallKind = "video"
)

// Valid reports whether the kind is one of the known call kinds.
func (k CallKind) Valid() bool {
	return k == CallKindAudio || k == CallKindVideo
}

// CallState represents a call session's lifecycle state
type CallState string

const (
	CallStateIdle       CallState = "idle"
	CallStateDialing    CallState = "dialing"
	CallStateRinging    CallState = "ringing"
	CallStateConnecting CallState = "connecting"
	CallStateActive     CallState = "active"
	CallStateEnding     CallState = "ending"
	CallStateEnded      CallState = "ended"
	CallStateFailed     CallState = "failed"
)

// Terminal reports whether the state is a final state of the call machine.
func (s CallState) Terminal() bool {
	return s == CallStateEnded || s == CallStateFailed
}

// CallOutcome classifies how a call reached a terminal state
type CallOutcome string

const (
	OutcomeCompleted   CallOutcome = "completed"
	OutcomeRejected    CallOutcome = "rejected"
	OutcomeCancelled   CallOutcome = "cancelled"
	OutcomeMissed      CallOutcome = "missed"
	OutcomeUnreachable CallOutcome = "unreachable"
	OutcomeGlare       CallOutcome = "glare"
	OutcomeFailed      CallOutcome = "failed"
)

// Participant is denormalized display info for the remote party,
// supplied at invite time so the UI never needs a directory round-trip.
type Participant struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// CallSession is the central call entity. One instance exists per side of
// the call; state transitions are monotonic forward except for the Failed
// escape hatch.
type CallSession struct {
	ID                string      `json:"id"`
	CallerID          string      `json:"caller_id"`
	CalleeID          string      `json:"callee_id"`
	Kind              CallKind    `json:"kind"`
	State             CallState   `json:"state"`
	StartedAt         *time.Time  `json:"started_at,omitempty"`
	EndedAt           *time.Time  `json:"ended_at,omitempty"`
	LocalMuted        bool        `json:"local_muted"`
	LocalVideoEnabled bool        `json:"local_video_enabled"`
	RemoteParticipant Participant `json:"remote_participant"`
	LastError         string      `json:"last_error,omitempty"`
	Outcome           CallOutcome `json:"outcome,omitempty"`
}

// RemoteID returns the user ID of the other party relative to localUserID.
func (s *CallSession) RemoteID(localUserID string) string {
	if s.CallerID == localUserID {
		return s.CalleeID
	}
	return s.CallerID
}

// IsCaller reports whether localUserID initiated this call.
func (s *CallSession) IsCaller(localUserID string) bool {
	return s.CallerID == localUserID
}

// CallRecord is the immutable record emitted to the call-history store on
// every terminal transition.
type CallRecord struct {
	SessionID string      `json:"session_id"`
	CallerID  string      `json:"caller_id"`
	CalleeID  string      `json:"callee_id"`
	Kind      CallKind    `json:"kind"`
	StartedAt *time.Time  `json:"started_at,omitempty"`
	EndedAt   time.Time   `json:"ended_at"`
	Outcome   CallOutcome `json:"outcome"`
}
