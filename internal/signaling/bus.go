package signaling

import (
	"context"

	"peercall-backend/internal/domain"
)

// Topic returns the per-user signaling topic. All messages addressed to a
// user flow through their topic regardless of which call session they
// belong to; session routing happens at the receiving engine.
func Topic(userID string) string {
	return "calls:" + userID
}

// Subscription is a live feed of signaling messages for one topic.
// Messages is closed after Close or when the transport drops.
type Subscription interface {
	Messages() <-chan *domain.SignalingMessage
	Close() error
}

// Bus carries signaling messages between users, possibly across service
// instances. Delivery is at-most-once and best-effort; the call state
// machine's timeouts cover lost messages.
type Bus interface {
	Publish(ctx context.Context, topic string, msg *domain.SignalingMessage) error
	Subscribe(ctx context.Context, topic string) (Subscription, error)
}
