//go:build integration

package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/veilpool/veil-core/internal/leases"
	"github.com/veilpool/veil-core/internal/pgtest"
)

func TestStore_AcquireRenewRelease(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	t.Cleanup(cancel)

	s, err := New(pgtest.Start(t, ctx))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}

	if l, ok, err := s.Acquire(ctx, "sync", "a", 2*time.Second); err != nil || !ok || l.Owner != "a" {
		t.Fatalf("Acquire a: ok=%v owner=%q err=%v", ok, l.Owner, err)
	}
	if l, ok, err := s.Acquire(ctx, "sync", "b", 2*time.Second); err != nil || ok || l.Owner != "a" {
		t.Fatalf("Acquire b while held: ok=%v owner=%q err=%v", ok, l.Owner, err)
	}
	if _, ok, err := s.Acquire(ctx, "sync", "a", 200*time.Millisecond); err != nil || !ok {
		t.Fatalf("renew a: ok=%v err=%v", ok, err)
	}

	time.Sleep(400 * time.Millisecond)
	if l, ok, err := s.Acquire(ctx, "sync", "b", time.Second); err != nil || !ok || l.Owner != "b" {
		t.Fatalf("steal after expiry: ok=%v owner=%q err=%v", ok, l.Owner, err)
	}
	if err := s.Release(ctx, "sync", "a"); !errors.Is(err, leases.ErrNotOwner) {
		t.Fatalf("Release by a: got %v want ErrNotOwner", err)
	}
	if err := s.Release(ctx, "sync", "b"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := s.Release(ctx, "sync", "b"); err != nil {
		t.Fatalf("Release twice: %v", err)
	}
}
