package signaling

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"peercall-backend/internal/domain"
	"peercall-backend/pkg/logger"
)

// Handler consumes inbound signaling messages for one user. Invocations are
// serialized in arrival order; a slow handler applies backpressure to the
// subscription buffer, never reordering.
type Handler func(msg *domain.SignalingMessage)

// MetricsRecorder is the slice of the metrics surface the channel touches.
type MetricsRecorder interface {
	RecordSignal(msgType, direction string)
	RecordSignalError(operation string)
}

// Channel is one user's connection to the signaling bus: a single ordered
// inbound dispatch loop plus an outbound send path that stamps sender and
// timestamp.
type Channel struct {
	bus     Bus
	userID  string
	handler Handler
	metrics MetricsRecorder
	now     func() time.Time

	mu     sync.Mutex
	sub    Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

// NewChannel creates a signaling channel for userID. metrics may be nil.
func NewChannel(bus Bus, userID string, handler Handler, m MetricsRecorder) *Channel {
	return &Channel{
		bus:     bus,
		userID:  userID,
		handler: handler,
		metrics: m,
		now:     time.Now,
	}
}

// Open subscribes to the user's topic and starts the dispatch loop.
func (c *Channel) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub != nil {
		return nil
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub, err := c.bus.Subscribe(subCtx, Topic(c.userID))
	if err != nil {
		cancel()
		if c.metrics != nil {
			c.metrics.RecordSignalError("subscribe")
		}
		return err
	}

	c.sub = sub
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.dispatch(sub, c.done)

	logger.Info("signaling channel opened", zap.String("user_id", c.userID))
	return nil
}

func (c *Channel) dispatch(sub Subscription, done chan struct{}) {
	defer close(done)
	for msg := range sub.Messages() {
		if c.metrics != nil {
			c.metrics.RecordSignal(string(msg.Type), "inbound")
		}
		c.handler(msg)
	}
}

// Send publishes a message to the recipient's topic. From and Timestamp are
// stamped here so callers only fill the semantic fields.
func (c *Channel) Send(ctx context.Context, msg *domain.SignalingMessage) error {
	msg.From = c.userID
	msg.Timestamp = c.now()

	if err := c.bus.Publish(ctx, Topic(msg.To), msg); err != nil {
		if c.metrics != nil {
			c.metrics.RecordSignalError("publish")
		}
		logger.Error("failed to send signaling message",
			zap.String("type", string(msg.Type)),
			zap.String("session_id", msg.SessionID),
			zap.String("to", msg.To),
			zap.Error(err))
		return err
	}

	if c.metrics != nil {
		c.metrics.RecordSignal(string(msg.Type), "outbound")
	}
	return nil
}

// Close tears down the subscription and waits for the dispatch loop to
// drain. Safe to call on an unopened channel.
func (c *Channel) Close() {
	c.mu.Lock()
	sub, cancel, done := c.sub, c.cancel, c.done
	c.sub, c.cancel, c.done = nil, nil, nil
	c.mu.Unlock()

	if sub == nil {
		return
	}
	cancel()
	sub.Close()
	<-done
	logger.Info("signaling channel closed", zap.String("user_id", c.userID))
}
