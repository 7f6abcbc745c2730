package lifecycle

import (
	"context"
	"sync/atomic"
)

// Guard serializes reconciliation sweeps. TryAcquire never blocks: a sweep
// that loses the race reports itself skipped instead of queueing behind the
// winner, since back-to-back sweeps do redundant work.
type Guard interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// MemoryGuard is the in-process Guard used by single-instance deployments
// and tests.
type MemoryGuard struct {
	held atomic.Bool
}

func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{}
}

func (g *MemoryGuard) TryAcquire(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return g.held.CompareAndSwap(false, true), nil
}

func (g *MemoryGuard) Release(ctx context.Context) error {
	g.held.Store(false)
	return nil
}
