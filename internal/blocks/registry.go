// Package blocks tracks sources that refused or throttled us, and suppresses
// them until their block window expires.
package blocks

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/datapack-cli/internal/model"
)

// Kind distinguishes throttling from refusal.
type Kind string

const (
	KindBlocked     Kind = "blocked"
	KindRateLimited Kind = "rate_limited"
)

// Record is the block state of one source id (adapter id or domain).
type Record struct {
	ID               string    `json:"id"`
	BlockedUntil     time.Time `json:"blocked_until"`
	ConsecutiveCount int       `json:"consecutive_count"`
	LastStatus       int       `json:"last_status,omitempty"`
	LastError        string    `json:"last_error,omitempty"`
	Kind             Kind      `json:"kind,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Active reports whether the block window is still open at now.
func (r Record) Active(now time.Time) bool {
	return r.BlockedUntil.After(now)
}

// Store persists block records. Get returns (nil, nil) for unknown ids.
type Store interface {
	Get(ctx context.Context, id string) (*Record, error)
	Put(ctx context.Context, rec Record) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]Record, error)
	// DeleteExpiredCleared removes records whose window ended before now and
	// whose consecutive count is zero.
	DeleteExpiredCleared(ctx context.Context, now time.Time) (int, error)
}

// Locker is implemented by stores shared between processes. Lock blocks until
// id is held or ctx is done; the returned func releases it.
type Locker interface {
	Lock(ctx context.Context, id string) (func(), error)
}

// ActiveError is returned by Guard when the source is inside its window.
type ActiveError struct {
	Record Record
}

func (e *ActiveError) Error() string {
	return fmt.Sprintf("%s %s until %s", e.Record.ID, e.Record.Kind, e.Record.BlockedUntil.UTC().Format(time.RFC3339))
}

// Options configures block windows.
type Options struct {
	// DefaultWindow is the first block window when the source gives no
	// retry-after. Repeated blocks double it.
	DefaultWindow time.Duration
	// MaxWindow caps escalated windows.
	MaxWindow time.Duration
}

// Registry is the source block registry. Writes to one id are serialized so
// Guard can check, act, and record atomically. Serialization spans processes
// only when the store is a Locker.
type Registry struct {
	store   Store
	opts    Options
	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	nowFunc func() time.Time
}

// New creates a Registry over store.
func New(store Store, opts Options) *Registry {
	if opts.DefaultWindow <= 0 {
		opts.DefaultWindow = 6 * time.Hour
	}
	if opts.MaxWindow <= 0 {
		opts.MaxWindow = 48 * time.Hour
	}
	if opts.MaxWindow < opts.DefaultWindow {
		opts.MaxWindow = opts.DefaultWindow
	}
	return &Registry{
		store:   store,
		opts:    opts,
		locks:   make(map[string]*sync.Mutex),
		nowFunc: time.Now,
	}
}

// lock takes id's in-process lock, then the store's lock when the store is a
// Locker. A store lock failure is logged and the in-process lock alone is
// held.
func (r *Registry) lock(ctx context.Context, id string) func() {
	r.mu.Lock()
	l, ok := r.locks[id]
	if !ok {
		l = &sync.Mutex{}
		r.locks[id] = l
	}
	r.mu.Unlock()
	l.Lock()

	locker, ok := r.store.(Locker)
	if !ok {
		return l.Unlock
	}
	release, err := locker.Lock(ctx, id)
	if err != nil {
		zap.L().Warn("blocks: shared lock failed, holding local lock only", zap.String("id", id), zap.Error(err))
		return l.Unlock
	}
	return func() {
		release()
		l.Unlock()
	}
}

// Window returns the escalated window for the nth consecutive block.
func (r *Registry) Window(count int) time.Duration {
	if count < 1 {
		count = 1
	}
	// Past 2^16 the cap always applies.
	mult := math.Pow(2, float64(min(count-1, 16)))
	w := time.Duration(float64(r.opts.DefaultWindow) * mult)
	return min(w, r.opts.MaxWindow)
}

// IsBlocked reports whether id is inside an active window. Store failures
// are logged and treated as not blocked.
func (r *Registry) IsBlocked(ctx context.Context, id string) bool {
	rec, err := r.store.Get(ctx, id)
	if err != nil {
		zap.L().Warn("blocks: lookup failed, allowing source",
			zap.String("id", id),
			zap.Error(err),
		)
		return false
	}
	return rec != nil && rec.Active(r.nowFunc())
}

// Check returns the active record for id, or nil when id may be used.
func (r *Registry) Check(ctx context.Context, id string) (*Record, error) {
	rec, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "blocks: check %s", id)
	}
	if rec == nil || !rec.Active(r.nowFunc()) {
		return nil, nil
	}
	return rec, nil
}

// Block records a block for id. until overrides the escalated window when
// set. The window is extended, never shortened. A 429 status marks the
// record rate limited.
func (r *Registry) Block(ctx context.Context, id string, until *time.Time, status int, reason string) error {
	unlock := r.lock(ctx, id)
	defer unlock()
	_, err := r.block(ctx, id, until, status, reason)
	return err
}

func (r *Registry) block(ctx context.Context, id string, until *time.Time, status int, reason string) (Record, error) {
	rec, err := r.store.Get(ctx, id)
	if err != nil {
		return Record{}, eris.Wrapf(err, "blocks: load %s", id)
	}
	if rec == nil {
		rec = &Record{ID: id}
	}
	now := r.nowFunc().UTC()

	rec.ConsecutiveCount++
	end := now.Add(r.Window(rec.ConsecutiveCount))
	if until != nil && until.After(now) {
		end = until.UTC()
	}
	if end.After(rec.BlockedUntil) {
		rec.BlockedUntil = end
	}
	rec.LastStatus = status
	rec.LastError = reason
	rec.Kind = KindBlocked
	if status == http.StatusTooManyRequests {
		rec.Kind = KindRateLimited
	}
	rec.UpdatedAt = now

	if err := r.store.Put(ctx, *rec); err != nil {
		return Record{}, eris.Wrapf(err, "blocks: save %s", id)
	}
	zap.L().Info("blocks: source blocked",
		zap.String("id", id),
		zap.String("kind", string(rec.Kind)),
		zap.Int("consecutive", rec.ConsecutiveCount),
		zap.Time("until", rec.BlockedUntil),
	)
	return *rec, nil
}

// Clear ends the block window for id and resets its count, keeping the
// record for history.
func (r *Registry) Clear(ctx context.Context, id string) error {
	unlock := r.lock(ctx, id)
	defer unlock()

	rec, err := r.store.Get(ctx, id)
	if err != nil {
		return eris.Wrapf(err, "blocks: load %s", id)
	}
	if rec == nil {
		return nil
	}
	now := r.nowFunc().UTC()
	rec.ConsecutiveCount = 0
	if rec.BlockedUntil.After(now) {
		rec.BlockedUntil = now
	}
	rec.UpdatedAt = now
	return eris.Wrapf(r.store.Put(ctx, *rec), "blocks: clear %s", id)
}

// CleanupExpired purges cleared records whose window has passed. Records
// still escalating are kept.
func (r *Registry) CleanupExpired(ctx context.Context) (int, error) {
	n, err := r.store.DeleteExpiredCleared(ctx, r.nowFunc().UTC())
	if err != nil {
		return 0, eris.Wrap(err, "blocks: cleanup")
	}
	return n, nil
}

// Get returns the record for id, or nil.
func (r *Registry) Get(ctx context.Context, id string) (*Record, error) {
	rec, err := r.store.Get(ctx, id)
	return rec, eris.Wrapf(err, "blocks: get %s", id)
}

// List returns every record.
func (r *Registry) List(ctx context.Context) ([]Record, error) {
	recs, err := r.store.List(ctx)
	return recs, eris.Wrap(err, "blocks: list")
}

// Guard runs fn while holding id's lock. If id is blocked, fn is not called
// and an *ActiveError is returned. A *model.BlockedError or
// *model.RateLimitError from fn is recorded before it is returned. A
// successful fn resets an escalating count.
func (r *Registry) Guard(ctx context.Context, id string, fn func(context.Context) error) error {
	unlock := r.lock(ctx, id)
	defer unlock()

	rec, err := r.store.Get(ctx, id)
	if err != nil {
		zap.L().Warn("blocks: lookup failed, allowing source", zap.String("id", id), zap.Error(err))
		rec = nil
	}
	if rec != nil && rec.Active(r.nowFunc()) {
		return &ActiveError{Record: *rec}
	}

	fnErr := fn(ctx)

	var (
		be *model.BlockedError
		rl *model.RateLimitError
	)
	switch {
	case errors.As(fnErr, &be):
		if _, err := r.block(ctx, id, be.RetryAfter, be.StatusCode, be.Error()); err != nil {
			zap.L().Warn("blocks: failed to record block", zap.String("id", id), zap.Error(err))
		}
	case errors.As(fnErr, &rl):
		if _, err := r.block(ctx, id, rl.RetryAfter, http.StatusTooManyRequests, rl.Error()); err != nil {
			zap.L().Warn("blocks: failed to record rate limit", zap.String("id", id), zap.Error(err))
		}
	case fnErr == nil && rec != nil && rec.ConsecutiveCount > 0:
		rec.ConsecutiveCount = 0
		rec.UpdatedAt = r.nowFunc().UTC()
		if err := r.store.Put(ctx, *rec); err != nil {
			zap.L().Warn("blocks: failed to reset count", zap.String("id", id), zap.Error(err))
		}
	}
	return fnErr
}
