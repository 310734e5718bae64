package history

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"peercall-backend/internal/domain"
	"peercall-backend/pkg/logger"
)

// Store persists immutable call records.
type Store interface {
	Save(ctx context.Context, rec *domain.CallRecord) error
	UserCalls(ctx context.Context, userID string, limit, offset int) ([]*domain.CallRecord, error)
}

// Sink receives a record on every terminal call transition.
type Sink interface {
	Record(rec *domain.CallRecord)
}

// AsyncSink forwards records to a Store off the caller's goroutine.
// History writes must never block or fail call teardown; a failed write is
// logged and dropped.
type AsyncSink struct {
	store   Store
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewAsyncSink wraps a store in fire-and-forget delivery.
func NewAsyncSink(store Store) *AsyncSink {
	return &AsyncSink{store: store, timeout: 5 * time.Second}
}

// Record schedules a background write of the record.
func (s *AsyncSink) Record(rec *domain.CallRecord) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()

		if err := s.store.Save(ctx, rec); err != nil {
			logger.Error("failed to persist call record",
				zap.String("session_id", rec.SessionID),
				zap.String("outcome", string(rec.Outcome)),
				zap.Error(err))
			return
		}
		logger.Debug("call record persisted",
			zap.String("session_id", rec.SessionID),
			zap.String("outcome", string(rec.Outcome)))
	}()
}

// Drain waits for in-flight writes, bounded by ctx. Called on shutdown.
func (s *AsyncSink) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NopSink discards records, for deployments without a history store.
type NopSink struct{}

func (NopSink) Record(*domain.CallRecord) {}
