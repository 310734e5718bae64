package domain

import "time"

// PresenceRecord tracks one user's reachability for calling.
// ActiveCallID is non-empty exactly when the user is party to a
// non-terminal call session.
type PresenceRecord struct {
	UserID       string    `json:"user_id"`
	IsOnline     bool      `json:"is_online"`
	LastSeenAt   time.Time `json:"last_seen_at"`
	ActiveCallID string    `json:"active_call_id,omitempty"`
}
