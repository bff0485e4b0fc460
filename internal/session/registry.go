// Package session keeps one in-memory cart per storefront session. Sessions
// are created explicitly, expire after an idle timeout and are discarded,
// cart included, when they end.
package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mZeeshan-IQBAL/shopme/internal/cart"
	apperrors "github.com/mZeeshan-IQBAL/shopme/pkg/errors"
)

var (
	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "storefront_sessions_active",
		Help: "Number of live storefront sessions holding a cart",
	})

	sessionsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storefront_sessions_expired_total",
		Help: "Total number of storefront sessions removed by the idle janitor",
	})
)

// Session is one shopper's cart plus its bookkeeping.
type Session struct {
	ID        string
	Cart      *cart.Store
	CreatedAt time.Time

	expiresAt atomic.Int64 // unix nanos
	done      chan struct{}
	closeOnce sync.Once
}

// Done is closed once the session has been ended or swept.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) discard() {
	s.closeOnce.Do(func() { close(s.done) })
}

// ExpiresAt is the instant the session expires unless it is used again.
func (s *Session) ExpiresAt() time.Time {
	return time.Unix(0, s.expiresAt.Load()).UTC()
}

func (s *Session) touch(deadline time.Time) {
	s.expiresAt.Store(deadline.UnixNano())
}

// Hook runs once for every new session before it is handed out, typically
// to subscribe observers to its cart.
type Hook func(*Session)

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the registry clock. Tests use it to drive expiry.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithHook adds a hook run for each created session.
func WithHook(h Hook) Option {
	return func(r *Registry) { r.hooks = append(r.hooks, h) }
}

// Registry owns all live sessions.
type Registry struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	idleTimeout time.Duration
	hooks       []Hook
	logger      *slog.Logger
	now         func() time.Time
}

// NewRegistry creates an empty registry whose sessions expire after
// idleTimeout without use.
func NewRegistry(idleTimeout time.Duration, logger *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		sessions:    make(map[string]*Session),
		idleTimeout: idleTimeout,
		logger:      logger,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create starts a new session with an empty cart.
func (r *Registry) Create(ctx context.Context) *Session {
	now := r.now()
	sess := &Session{
		ID:        uuid.New().String(),
		Cart:      cart.NewStore(),
		CreatedAt: now.UTC(),
		done:      make(chan struct{}),
	}
	sess.touch(now.Add(r.idleTimeout))

	for _, h := range r.hooks {
		h(sess)
	}

	r.mu.Lock()
	r.sessions[sess.ID] = sess
	n := len(r.sessions)
	r.mu.Unlock()
	sessionsActive.Set(float64(n))

	r.logger.InfoContext(ctx, "session created",
		slog.String("session_id", sess.ID),
		slog.Time("expires_at", sess.ExpiresAt()),
	)
	return sess
}

// Get returns the live session with the given ID and pushes its expiry
// forward. Unknown, malformed and expired IDs yield a NOT_FOUND error.
func (r *Registry) Get(id string) (*Session, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, apperrors.NotFound("session", id)
	}

	r.mu.RLock()
	sess, ok := r.sessions[id]
	r.mu.RUnlock()

	now := r.now()
	if !ok || !now.Before(sess.ExpiresAt()) {
		return nil, apperrors.NotFound("session", id)
	}
	sess.touch(now.Add(r.idleTimeout))
	return sess, nil
}

// End discards the session and its cart. Ending an unknown session is a
// no-op.
func (r *Registry) End(ctx context.Context, id string) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	delete(r.sessions, id)
	n := len(r.sessions)
	r.mu.Unlock()

	if !ok {
		return
	}
	sess.discard()
	sessionsActive.Set(float64(n))
	r.logger.InfoContext(ctx, "session ended", slog.String("session_id", id))
}

// Count reports the number of sessions currently held.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sweep removes every session whose expiry is not after now and returns the
// number removed.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	removed := 0
	for id, sess := range r.sessions {
		if !now.Before(sess.ExpiresAt()) {
			delete(r.sessions, id)
			sess.discard()
			removed++
		}
	}
	n := len(r.sessions)
	r.mu.Unlock()

	sessionsActive.Set(float64(n))
	if removed > 0 {
		sessionsExpired.Add(float64(removed))
	}
	return removed
}

// Run sweeps expired sessions every interval until ctx is cancelled.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := r.Sweep(r.now()); removed > 0 {
				r.logger.Info("expired sessions swept", slog.Int("removed", removed))
			}
		}
	}
}
