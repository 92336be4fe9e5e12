package leases

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStore_AcquireRenewAndExpiry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore(func() time.Time { return now })

	l, ok, err := s.Acquire(ctx, "sync", "a", 10*time.Second)
	if err != nil || !ok {
		t.Fatalf("Acquire a: ok=%v err=%v", ok, err)
	}
	if !l.ExpiresAt.Equal(now.Add(10 * time.Second)) {
		t.Fatalf("expiresAt: got %v", l.ExpiresAt)
	}

	cur, ok, err := s.Acquire(ctx, "sync", "b", 10*time.Second)
	if err != nil || ok {
		t.Fatalf("Acquire b while held: ok=%v err=%v", ok, err)
	}
	if cur.Owner != "a" {
		t.Fatalf("holder: got %q want a", cur.Owner)
	}

	now = now.Add(5 * time.Second)
	l, ok, _ = s.Acquire(ctx, "sync", "a", 10*time.Second)
	if !ok || !l.ExpiresAt.Equal(now.Add(10*time.Second)) {
		t.Fatalf("renew: ok=%v expiresAt=%v", ok, l.ExpiresAt)
	}

	now = now.Add(11 * time.Second)
	if l, ok, _ := s.Acquire(ctx, "sync", "b", 10*time.Second); !ok || l.Owner != "b" {
		t.Fatalf("steal after expiry: ok=%v owner=%q", ok, l.Owner)
	}
	if err := s.Release(ctx, "sync", "a"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("Release by non-owner: got %v want ErrNotOwner", err)
	}
	if err := s.Release(ctx, "sync", "b"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := s.Get(ctx, "sync"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after release: got %v want ErrNotFound", err)
	}
	if _, _, err := s.Acquire(ctx, "", "a", time.Second); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("empty name: got %v want ErrInvalidInput", err)
	}
}

func TestElector_SingleLeaderAndResign(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore(nil)
	a, err := NewElector(s, "sync", "a", time.Minute)
	if err != nil {
		t.Fatalf("NewElector: %v", err)
	}
	b, _ := NewElector(s, "sync", "b", time.Minute)

	if ok, err := a.Tick(ctx); err != nil || !ok {
		t.Fatalf("a.Tick: ok=%v err=%v", ok, err)
	}
	if ok, _ := b.Tick(ctx); ok || b.IsLeader() {
		t.Fatalf("b became leader while a holds the lease")
	}
	if !a.IsLeader() {
		t.Fatalf("a should lead")
	}

	if err := a.Resign(ctx); err != nil {
		t.Fatalf("Resign: %v", err)
	}
	if a.IsLeader() {
		t.Fatalf("a still leader after resign")
	}
	if ok, _ := b.Tick(ctx); !ok {
		t.Fatalf("b should lead after a resigned")
	}
	if _, err := NewElector(nil, "sync", "a", time.Minute); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("nil store: got %v want ErrInvalidInput", err)
	}
}
