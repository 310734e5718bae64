package signaling

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"peercall-backend/internal/domain"
	"peercall-backend/pkg/logger"
)

// MemoryBus is an in-process signaling bus for single-instance deployments
// and tests. Semantics match RedisBus: best-effort, at-most-once.
type MemoryBus struct {
	mu   sync.RWMutex
	subs map[string]map[int]*memorySubscription
	next int
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[int]*memorySubscription)}
}

// Publish delivers the message to every live subscriber of the topic.
// A subscriber with a full buffer drops the message rather than blocking
// the publisher.
func (b *MemoryBus) Publish(_ context.Context, topic string, msg *domain.SignalingMessage) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs[topic] {
		select {
		case sub.out <- msg:
		default:
			logger.Warn("signaling subscriber buffer full, dropping message",
				zap.String("topic", topic),
				zap.String("type", string(msg.Type)))
		}
	}
	return nil
}

// Subscribe registers a subscriber on a topic.
func (b *MemoryBus) Subscribe(_ context.Context, topic string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]*memorySubscription)
	}
	id := b.next
	b.next++

	sub := &memorySubscription{
		out: make(chan *domain.SignalingMessage, 64),
		close: func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if s, ok := b.subs[topic][id]; ok {
				delete(b.subs[topic], id)
				close(s.out)
			}
		},
	}
	b.subs[topic][id] = sub
	return sub, nil
}

type memorySubscription struct {
	out   chan *domain.SignalingMessage
	once  sync.Once
	close func()
}

func (s *memorySubscription) Messages() <-chan *domain.SignalingMessage {
	return s.out
}

func (s *memorySubscription) Close() error {
	s.once.Do(s.close)
	return nil
}
