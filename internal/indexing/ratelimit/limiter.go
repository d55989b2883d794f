package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/yungbote/catalog-indexer/internal/platform/ctxutil"
)

const DefaultPollInterval = 20 * time.Millisecond

// WindowStore holds the per-second and per-minute counters. Acquire must take a token from both
// windows or from neither.
type WindowStore interface {
	Acquire(ctx context.Context, key string, now time.Time, perSecond, perMinute int) (bool, error)
}

// Limiter gates calls so that no more than perSecond happen in any wall-clock second and no more
// than perMinute in any wall-clock minute. Windows refill when they roll over.
type Limiter struct {
	key       string
	perSecond int
	perMinute int
	store     WindowStore
	poll      time.Duration
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

type Option func(*Limiter)

func WithStore(store WindowStore) Option {
	return func(l *Limiter) {
		if store != nil {
			l.store = store
		}
	}
}

func WithKey(key string) Option {
	return func(l *Limiter) { l.key = key }
}

func WithPollInterval(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.poll = d
		}
	}
}

// WithClock replaces the wall clock and the sleep used while waiting.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
		if sleep != nil {
			l.sleep = sleep
		}
	}
}

func New(perSecond, perMinute int, opts ...Option) (*Limiter, error) {
	if perSecond <= 0 || perMinute <= 0 {
		return nil, fmt.Errorf("rate limits must be positive: per_second=%d per_minute=%d", perSecond, perMinute)
	}
	l := &Limiter{
		key:       "default",
		perSecond: perSecond,
		perMinute: perMinute,
		store:     NewMemoryStore(),
		poll:      DefaultPollInterval,
		now:       time.Now,
		sleep:     sleepContext,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

func (l *Limiter) PerSecond() int { return l.perSecond }
func (l *Limiter) PerMinute() int { return l.perMinute }

// TryAcquire takes a slot if both windows have one.
func (l *Limiter) TryAcquire(ctx context.Context) (bool, error) {
	return l.store.Acquire(ctxutil.Default(ctx), l.key, l.now(), l.perSecond, l.perMinute)
}

// WaitForAvailableSlot blocks until a slot is granted or ctx is done.
func (l *Limiter) WaitForAvailableSlot(ctx context.Context) error {
	ctx = ctxutil.Default(ctx)
	for {
		ok, err := l.TryAcquire(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if err := l.sleep(ctx, l.poll); err != nil {
			return err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func secondWindow(now time.Time) int64 { return now.Unix() }
func minuteWindow(now time.Time) int64 { return now.Unix() / 60 }
