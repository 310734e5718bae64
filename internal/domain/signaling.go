package domain

import "time"

// SignalType identifies a signaling message. Each type maps 1:1 to a call
// state machine transition.
type SignalType string

const (
	SignalInvite       SignalType = "invite"
	SignalAccept       SignalType = "accept"
	SignalReject       SignalType = "reject"
	SignalCancel       SignalType = "cancel"
	SignalOffer        SignalType = "offer"
	SignalAnswer       SignalType = "answer"
	SignalICECandidate SignalType = "ice_candidate"
	SignalHangup       SignalType = "hangup"
	SignalRenegotiate  SignalType = "renegotiate"
	SignalMediaState   SignalType = "media_state"
)

// ICECandidate carries one connectivity candidate between peers.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdp_mid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdp_mline_index,omitempty"`
}

// MediaState mirrors the sender's local mute/video flags so the remote UI
// can render them. Purely informational; never triggers renegotiation.
type MediaState struct {
	Muted        bool `json:"muted"`
	VideoEnabled bool `json:"video_enabled"`
}

// SignalingMessage is the ephemeral wire message exchanged between the two
// parties of a call. It is never persisted beyond delivery.
type SignalingMessage struct {
	Type      SignalType    `json:"type"`
	SessionID string        `json:"session_id"`
	From      string        `json:"from"`
	To        string        `json:"to"`
	Kind      CallKind      `json:"kind,omitempty"`
	SDP       string        `json:"sdp,omitempty"`
	Candidate *ICECandidate `json:"candidate,omitempty"`
	Caller    *Participant  `json:"caller,omitempty"`
	Media     *MediaState   `json:"media,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}
