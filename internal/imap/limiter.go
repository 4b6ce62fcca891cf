package imap

import (
	"context"
	"sync"
)

// ConnectionLimiter caps the number of simultaneous connections per account, so a manual
// sync racing a background sync cannot exhaust a provider's connection quota.
type ConnectionLimiter struct {
	max int

	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewConnectionLimiter allows up to max connections per account (3 when max < 1).
func NewConnectionLimiter(max int) *ConnectionLimiter {
	if max < 1 {
		max = 3
	}
	return &ConnectionLimiter{max: max, slots: make(map[string]chan struct{})}
}

// Acquire blocks until a slot for the account is free or ctx is done.
// The returned release function is safe to call more than once.
func (l *ConnectionLimiter) Acquire(ctx context.Context, accountID string) (func(), error) {
	sem := l.semaphore(accountID)

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { <-sem })
	}, nil
}

// InUse returns how many connections the account currently holds.
func (l *ConnectionLimiter) InUse(accountID string) int {
	return len(l.semaphore(accountID))
}

func (l *ConnectionLimiter) semaphore(accountID string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	sem, ok := l.slots[accountID]
	if !ok {
		sem = make(chan struct{}, l.max)
		l.slots[accountID] = sem
	}
	return sem
}
