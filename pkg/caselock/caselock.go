// Package caselock provides the single-writer-per-case discipline: two
// engine or resume instances must never both advance the same case and
// fork its hash chain. This is the one mandatory lock in the system;
// everything else is lock-free by case isolation.
package caselock

import (
	"context"
	"errors"
	"sync"
)

// ErrHeld is returned when another writer already owns the case.
var ErrHeld = errors.New("case is held by another writer")

// Lease is a held lock on one case.
type Lease interface {
	Release(ctx context.Context) error
}

// Locker acquires exclusive per-case write ownership. Acquire fails fast
// with ErrHeld rather than queueing: the caller that lost the race must
// not proceed, and retrying later goes through Resume anyway.
type Locker interface {
	Acquire(ctx context.Context, caseID string) (Lease, error)
}

// KeyedMutex is the in-process Locker for single-node deployments.
type KeyedMutex struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewKeyedMutex creates an in-process locker.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{held: make(map[string]struct{})}
}

func (k *KeyedMutex) Acquire(ctx context.Context, caseID string) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, taken := k.held[caseID]; taken {
		return nil, ErrHeld
	}
	k.held[caseID] = struct{}{}
	return &memLease{owner: k, caseID: caseID}, nil
}

type memLease struct {
	owner  *KeyedMutex
	caseID string
	once   sync.Once
}

func (l *memLease) Release(ctx context.Context) error {
	l.once.Do(func() {
		l.owner.mu.Lock()
		delete(l.owner.held, l.caseID)
		l.owner.mu.Unlock()
	})
	return nil
}
