package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"peercall-backend/internal/domain"
	"peercall-backend/pkg/errors"
	"peercall-backend/pkg/logger"
)

// Mirror persists presence changes to an external store (Redis) so other
// service instances can see them. Mirror failures are logged and never
// block in-process presence.
type Mirror interface {
	SetOnline(ctx context.Context, userID string) error
	SetOffline(ctx context.Context, userID string) error
	Refresh(ctx context.Context, userID string) error
}

// Subscriber receives presence change notifications for one user.
type Subscriber func(domain.PresenceRecord)

// Registry is the single owner of presence state. All mutation goes through
// its API; per-user entries serialize concurrent mutations so call
// reservations cannot race across two attempts targeting the same user.
type Registry struct {
	mu      sync.RWMutex
	users   map[string]*entry
	mirror  Mirror
	ttl     time.Duration
	now     func() time.Time
	onCount func(online int)
}

type entry struct {
	mu      sync.Mutex
	rec     domain.PresenceRecord
	subs    map[int]Subscriber
	nextSub int
}

// Option configures a Registry.
type Option func(*Registry)

// WithMirror attaches an external presence mirror.
func WithMirror(m Mirror) Option {
	return func(r *Registry) { r.mirror = m }
}

// WithHeartbeatTTL sets how long a user stays online without a heartbeat.
func WithHeartbeatTTL(ttl time.Duration) Option {
	return func(r *Registry) { r.ttl = ttl }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithOnlineCountHook registers a callback invoked with the online-user
// count after every online/offline change (used for the presence gauge).
func WithOnlineCountHook(fn func(online int)) Option {
	return func(r *Registry) { r.onCount = fn }
}

// NewRegistry creates an empty presence registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		users: make(map[string]*entry),
		ttl:   5 * time.Minute,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) entryFor(userID string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.users[userID]
	if !ok {
		e = &entry{
			rec:  domain.PresenceRecord{UserID: userID},
			subs: make(map[int]Subscriber),
		}
		r.users[userID] = e
	}
	return e
}

// SetOnline marks a user as reachable. Idempotent.
func (r *Registry) SetOnline(ctx context.Context, userID string) {
	e := r.entryFor(userID)

	e.mu.Lock()
	e.rec.IsOnline = true
	e.rec.LastSeenAt = r.now()
	rec, subs := e.snapshot()
	e.mu.Unlock()

	r.notify(rec, subs)
	r.reportCount()

	if r.mirror != nil {
		if err := r.mirror.SetOnline(ctx, userID); err != nil {
			logger.Warn("presence mirror set online failed", zap.String("user_id", userID), zap.Error(err))
		}
	}
}

// SetOffline marks a user as unreachable. Idempotent. The active call
// reservation is left untouched: the owning session observes the presence
// change and tears itself down through its own lifecycle.
func (r *Registry) SetOffline(ctx context.Context, userID string) {
	e := r.entryFor(userID)

	e.mu.Lock()
	e.rec.IsOnline = false
	e.rec.LastSeenAt = r.now()
	rec, subs := e.snapshot()
	e.mu.Unlock()

	r.notify(rec, subs)
	r.reportCount()

	if r.mirror != nil {
		if err := r.mirror.SetOffline(ctx, userID); err != nil {
			logger.Warn("presence mirror set offline failed", zap.String("user_id", userID), zap.Error(err))
		}
	}
}

// Heartbeat refreshes a user's liveness window.
func (r *Registry) Heartbeat(ctx context.Context, userID string) {
	e := r.entryFor(userID)

	e.mu.Lock()
	e.rec.LastSeenAt = r.now()
	online := e.rec.IsOnline
	e.mu.Unlock()

	if online && r.mirror != nil {
		if err := r.mirror.Refresh(ctx, userID); err != nil {
			logger.Warn("presence mirror refresh failed", zap.String("user_id", userID), zap.Error(err))
		}
	}
}

// Get returns a copy of a user's presence record.
func (r *Registry) Get(userID string) domain.PresenceRecord {
	e := r.entryFor(userID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec
}

// IsReachable reports whether a user is online and not already in a call.
func (r *Registry) IsReachable(userID string) bool {
	e := r.entryFor(userID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec.IsOnline && e.rec.ActiveCallID == ""
}

// MarkInCall reserves a user for one call session. Fails with
// ALREADY_IN_CALL when the user is reserved for a different session;
// re-marking the same session is a no-op.
func (r *Registry) MarkInCall(userID, sessionID string) error {
	e := r.entryFor(userID)

	e.mu.Lock()
	if e.rec.ActiveCallID != "" && e.rec.ActiveCallID != sessionID {
		e.mu.Unlock()
		return errors.AlreadyInCallError()
	}
	e.rec.ActiveCallID = sessionID
	rec, subs := e.snapshot()
	e.mu.Unlock()

	r.notify(rec, subs)
	return nil
}

// ClearInCall releases a user's call reservation. Clearing an already-clear
// reservation is a no-op; a sessionID mismatch means another call has since
// reserved the user, and the stale clear is ignored.
func (r *Registry) ClearInCall(userID, sessionID string) {
	e := r.entryFor(userID)

	e.mu.Lock()
	if e.rec.ActiveCallID != sessionID {
		e.mu.Unlock()
		return
	}
	e.rec.ActiveCallID = ""
	rec, subs := e.snapshot()
	e.mu.Unlock()

	r.notify(rec, subs)
}

// Subscribe registers a callback fired synchronously on every presence
// change for userID. The returned cancel func removes the subscription.
func (r *Registry) Subscribe(userID string, fn Subscriber) (cancel func()) {
	e := r.entryFor(userID)

	e.mu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = fn
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.subs, id)
		e.mu.Unlock()
	}
}

// OnlineCount returns the number of users currently online.
func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, e := range r.users {
		e.mu.Lock()
		if e.rec.IsOnline {
			count++
		}
		e.mu.Unlock()
	}
	return count
}

// StartReaper runs a background loop that marks users offline once their
// heartbeat window lapses, so a vanished callee is detected mid-ring.
func (r *Registry) StartReaper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.reap(ctx)
			}
		}
	}()
}

func (r *Registry) reap(ctx context.Context) {
	cutoff := r.now().Add(-r.ttl)

	r.mu.RLock()
	stale := make([]string, 0)
	for id, e := range r.users {
		e.mu.Lock()
		if e.rec.IsOnline && e.rec.LastSeenAt.Before(cutoff) {
			stale = append(stale, id)
		}
		e.mu.Unlock()
	}
	r.mu.RUnlock()

	for _, id := range stale {
		logger.Info("presence heartbeat expired", zap.String("user_id", id))
		r.SetOffline(ctx, id)
	}
}

// snapshot must be called with e.mu held.
func (e *entry) snapshot() (domain.PresenceRecord, []Subscriber) {
	subs := make([]Subscriber, 0, len(e.subs))
	for _, fn := range e.subs {
		subs = append(subs, fn)
	}
	return e.rec, subs
}

// notify invokes subscribers outside the entry lock so a callback can call
// back into the registry without deadlocking.
func (r *Registry) notify(rec domain.PresenceRecord, subs []Subscriber) {
	for _, fn := range subs {
		fn(rec)
	}
}

func (r *Registry) reportCount() {
	if r.onCount != nil {
		r.onCount(r.OnlineCount())
	}
}
