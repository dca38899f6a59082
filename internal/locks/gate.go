package locks

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// maxShared caps concurrent shared holders of one router gate
const maxShared = 1 << 16

// RouterGate is a per-router reader/writer gate. State-machine transitions
// hold it shared; a reconciliation pass holds it exclusively.
type RouterGate struct {
	mu     sync.Mutex
	gates  map[string]*semaphore.Weighted
	policy RetryPolicy
}

// NewRouterGate creates a gate set
func NewRouterGate(policy RetryPolicy) *RouterGate {
	return &RouterGate{gates: make(map[string]*semaphore.Weighted), policy: policy}
}

func (g *RouterGate) gate(routerID string) *semaphore.Weighted {
	g.mu.Lock()
	defer g.mu.Unlock()
	sem, ok := g.gates[routerID]
	if !ok {
		sem = semaphore.NewWeighted(maxShared)
		g.gates[routerID] = sem
	}
	return sem
}

// Shared enters the router gate alongside other shared holders
func (g *RouterGate) Shared(ctx context.Context, routerID string) (Release, error) {
	return g.enter(ctx, routerID, 1)
}

// Exclusive waits for every shared holder to leave and keeps others out
func (g *RouterGate) Exclusive(ctx context.Context, routerID string) (Release, error) {
	return g.enter(ctx, routerID, maxShared)
}

func (g *RouterGate) enter(ctx context.Context, routerID string, weight int64) (Release, error) {
	sem := g.gate(routerID)
	if err := wait(ctx, sem, weight, g.policy); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() { sem.Release(weight) })
	}, nil
}

// wait queues for weight on sem until the policy's budget runs out. Waiters
// are served in arrival order, so shared entries arriving after an
// exclusive waiter queue behind it.
func wait(ctx context.Context, sem *semaphore.Weighted, weight int64, policy RetryPolicy) error {
	budget := policy.MaxElapsed
	if budget <= 0 {
		budget = DefaultRetryPolicy.MaxElapsed
	}
	waitCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	if err := sem.Acquire(waitCtx, weight); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return ErrContended
	}
	return nil
}
