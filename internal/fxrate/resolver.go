package fxrate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/paymint/transfer-engine/internal/domain"
	"github.com/paymint/transfer-engine/internal/observability"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrRateUnavailable is returned when no fresh rate could be obtained within
// the resolver's deadline. Callers must fail closed: no rate, no debit.
var ErrRateUnavailable = errors.New("exchange rate unavailable")

var one = decimal.NewFromInt(1)

// Resolver resolves conversion rates relative to the home (settlement)
// currency. Concurrent cache misses for the same base currency are collapsed
// into a single outbound fetch: the caller that wins the per-base try-lock
// fetches, everyone else polls the cache until a fresh entry appears or the
// wait deadline elapses.
type Resolver struct {
	home     string
	cache    Cache
	primary  Provider
	fallback Provider

	ttl          time.Duration
	pollInterval time.Duration
	waitTimeout  time.Duration

	locks sync.Map // base currency -> *sync.Mutex
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithFallback sets the secondary provider tried when the primary fails.
func WithFallback(p Provider) Option {
	return func(r *Resolver) { r.fallback = p }
}

// WithPollInterval sets the cache poll interval for non-winning callers.
func WithPollInterval(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.pollInterval = d
		}
	}
}

// WithWaitTimeout sets the absolute deadline for a single rate resolution.
func WithWaitTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.waitTimeout = d
		}
	}
}

// NewResolver creates a resolver with the given home currency, cache, primary
// provider and entry TTL.
func NewResolver(home string, cache Cache, primary Provider, ttl time.Duration, opts ...Option) *Resolver {
	r := &Resolver{
		home:         home,
		cache:        cache,
		primary:      primary,
		ttl:          ttl,
		pollInterval: 50 * time.Millisecond,
		waitTimeout:  3 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Rate returns how many units of `from` currency one unit of `to` currency
// costs, so that a destination-denominated amount times the rate is the
// source-side debit and the debit divided by the rate is the credit.
func (r *Resolver) Rate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	if from == to {
		return one, nil
	}

	fromRate, err := r.homeRate(ctx, from)
	if err != nil {
		return decimal.Zero, err
	}
	toRate, err := r.homeRate(ctx, to)
	if err != nil {
		return decimal.Zero, err
	}
	return toRate.DivRound(fromRate, domain.RateDivisionScale), nil
}

// homeRate returns the home-units-per-unit rate for one currency.
func (r *Resolver) homeRate(ctx context.Context, currency string) (decimal.Decimal, error) {
	if currency == r.home {
		return one, nil
	}
	entry, err := r.resolveBase(ctx, currency)
	if err != nil {
		return decimal.Zero, err
	}
	return entry.Rate, nil
}

// resolveBase returns a fresh cache entry for base, fetching at most once per
// TTL window across all concurrent callers. The try-lock is attempted exactly
// once: a caller that loses it never fetches, even if the lock frees while it
// is still waiting.
func (r *Resolver) resolveBase(ctx context.Context, base string) (Entry, error) {
	if entry, ok := r.freshEntry(ctx, base); ok {
		observability.IncrementRateCacheEvent("hit")
		return entry, nil
	}

	muAny, _ := r.locks.LoadOrStore(base, &sync.Mutex{})
	mu := muAny.(*sync.Mutex)

	if mu.TryLock() {
		entry, err := r.refresh(ctx, base)
		mu.Unlock()
		if err != nil {
			return Entry{}, err
		}
		return entry, nil
	}

	// Another caller is fetching this base. Poll the cache until the winner
	// publishes a fresh entry or the deadline elapses.
	observability.IncrementRateCacheEvent("wait")
	deadline := time.Now().Add(r.waitTimeout)
	for {
		select {
		case <-ctx.Done():
			return Entry{}, fmt.Errorf("%w: %s: %v", ErrRateUnavailable, base, ctx.Err())
		case <-time.After(r.pollInterval):
		}

		if entry, ok := r.freshEntry(ctx, base); ok {
			observability.IncrementRateCacheEvent("hit")
			return entry, nil
		}
		if time.Now().After(deadline) {
			observability.IncrementRateCacheEvent("wait_timeout")
			return Entry{}, fmt.Errorf("%w: %s (deadline elapsed)", ErrRateUnavailable, base)
		}
	}
}

func (r *Resolver) freshEntry(ctx context.Context, base string) (Entry, bool) {
	entry, ok := r.cache.Get(ctx, base)
	if !ok {
		return Entry{}, false
	}
	if time.Since(entry.FetchedAt) >= r.ttl {
		return Entry{}, false
	}
	return entry, true
}

// refresh performs the single outbound fetch for a base currency. Must be
// called holding the per-base lock.
func (r *Resolver) refresh(ctx context.Context, base string) (Entry, error) {
	// Another winner may have refreshed between our cache miss and winning
	// the lock.
	if entry, ok := r.freshEntry(ctx, base); ok {
		return entry, nil
	}

	rate, err := r.fetch(ctx, base)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %s: %v", ErrRateUnavailable, base, err)
	}

	entry := Entry{Rate: rate, FetchedAt: time.Now()}
	r.cache.Set(ctx, base, entry)
	return entry, nil
}

func (r *Resolver) fetch(ctx context.Context, base string) (decimal.Decimal, error) {
	fetchCtx, cancel := context.WithDeadline(ctx, time.Now().Add(r.waitTimeout))
	defer cancel()

	rate, err := r.primary.Fetch(fetchCtx, base, r.home)
	if err == nil {
		observability.IncrementRateFetch(r.primary.Name(), "success")
		return rate, nil
	}
	observability.IncrementRateFetch(r.primary.Name(), "failure")
	zap.L().Warn("primary rate provider failed",
		zap.String("provider", r.primary.Name()),
		zap.String("base", base),
		zap.Error(err),
	)

	if r.fallback == nil {
		return decimal.Zero, err
	}

	rate, fbErr := r.fallback.Fetch(fetchCtx, base, r.home)
	if fbErr != nil {
		observability.IncrementRateFetch(r.fallback.Name(), "failure")
		return decimal.Zero, fmt.Errorf("primary: %v, fallback: %w", err, fbErr)
	}
	observability.IncrementRateFetch(r.fallback.Name(), "success")
	return rate, nil
}
