package reconcile

import (
	"context"
	"fmt"

	"voltchain/internal/storage"
)

// Locker guarantees a single flush at a time across processes.
type Locker interface {
	TryLock(ctx context.Context) (unlock func(), acquired bool, err error)
}

// AdvisoryLock adapts a postgres advisory lock key to Locker.
type AdvisoryLock struct {
	Locker storage.AdvisoryLocker
	Key    int64
}

// TryLock implements Locker.
func (a AdvisoryLock) TryLock(ctx context.Context) (func(), bool, error) {
	return a.Locker.TryAdvisoryLock(ctx, a.Key)
}

func (p *Processor) acquireLock(ctx context.Context) (func(), bool, error) {
	if p.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := p.locker.TryLock(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire flush lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
