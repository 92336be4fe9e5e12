package leases

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Elector tracks whether this instance currently leads. Call Tick once per sync
// pass; a lost or expired lease demotes the instance on the next Tick.
type Elector struct {
	store Store
	name  string
	owner string
	ttl   time.Duration

	mu     sync.Mutex
	leader bool
}

func NewElector(store Store, name, owner string, ttl time.Duration) (*Elector, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidInput)
	}
	if err := Validate(name, owner, ttl); err != nil {
		return nil, err
	}
	return &Elector{store: store, name: name, owner: owner, ttl: ttl}, nil
}

func (e *Elector) Owner() string { return e.owner }

// Tick acquires or renews the lease and reports whether this instance leads.
// On a store error the instance steps down.
func (e *Elector) Tick(ctx context.Context) (bool, error) {
	_, ok, err := e.store.Acquire(ctx, e.name, e.owner, e.ttl)
	e.mu.Lock()
	e.leader = ok && err == nil
	e.mu.Unlock()
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (e *Elector) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leader
}

// Resign releases the lease if held.
func (e *Elector) Resign(ctx context.Context) error {
	e.mu.Lock()
	was := e.leader
	e.leader = false
	e.mu.Unlock()
	if !was {
		return nil
	}
	return e.store.Release(ctx, e.name, e.owner)
}
