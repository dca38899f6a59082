// Package locks provides the per-pool and per-router mutual exclusion used
// by allocation, re-homing and reconciliation.
package locks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"
)

// ErrContended is returned when a lock could not be taken before the
// contention budget ran out.
var ErrContended = errors.New("lock contended")

// Release gives a lock back
type Release func()

// RetryPolicy bounds how long a caller spins on a contended lock
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsed      time.Duration
}

// DefaultRetryPolicy is used when a zero policy is given
var DefaultRetryPolicy = RetryPolicy{
	InitialInterval: 5 * time.Millisecond,
	MaxInterval:     250 * time.Millisecond,
	MaxElapsed:      10 * time.Second,
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	if p == (RetryPolicy{}) {
		p = DefaultRetryPolicy
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.MaxElapsedTime = p.MaxElapsed
	b.RandomizationFactor = 0.5
	return backoff.WithContext(b, ctx)
}

// acquire tries weight on sem, retrying with jitter while it is held
func acquire(ctx context.Context, sem *semaphore.Weighted, weight int64, policy RetryPolicy) error {
	err := backoff.Retry(func() error {
		if sem.TryAcquire(weight) {
			return nil
		}
		return ErrContended
	}, policy.backOff(ctx))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return ErrContended
	}
	return nil
}

// Keyed hands out one exclusive lock per key
type Keyed struct {
	mu     sync.Mutex
	locks  map[string]*keyedEntry
	policy RetryPolicy
}

type keyedEntry struct {
	sem  *semaphore.Weighted
	refs int
}

// NewKeyed creates a keyed lock set
func NewKeyed(policy RetryPolicy) *Keyed {
	return &Keyed{locks: make(map[string]*keyedEntry), policy: policy}
}

// Lock takes the lock for key
func (k *Keyed) Lock(ctx context.Context, key string) (Release, error) {
	entry := k.ref(key)
	if err := acquire(ctx, entry.sem, 1, k.policy); err != nil {
		k.unref(key)
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			entry.sem.Release(1)
			k.unref(key)
		})
	}, nil
}

func (k *Keyed) ref(key string) *keyedEntry {
	k.mu.Lock()
	defer k.mu.Unlock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &keyedEntry{sem: semaphore.NewWeighted(1)}
		k.locks[key] = entry
	}
	entry.refs++
	return entry
}

func (k *Keyed) unref(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	entry := k.locks[key]
	entry.refs--
	if entry.refs == 0 {
		delete(k.locks, key)
	}
}
