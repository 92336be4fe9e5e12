package transaction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("transaction: not found")
	ErrAlreadyExists     = errors.New("transaction: already exists")
	ErrInvalidTransition = errors.New("transaction: invalid transition")
	ErrInvalidInput      = errors.New("transaction: invalid input")
	ErrConflict          = errors.New("transaction: concurrent modification")
)

type UpdateFunc func(cur Transaction) (Transaction, error)

type Store interface {
	Insert(ctx context.Context, t Transaction) (Transaction, error)
	Get(ctx context.Context, id uuid.UUID) (Transaction, error)
	Update(ctx context.Context, id uuid.UUID, fn UpdateFunc) (Transaction, error)
	List(ctx context.Context, f Filter) ([]Transaction, error)
}

func Validate(t Transaction) error {
	if t.ID == uuid.Nil {
		return fmt.Errorf("%w: id must be set", ErrInvalidInput)
	}
	if t.ChainID == 0 {
		return fmt.Errorf("%w: chain id must be non-zero", ErrInvalidInput)
	}
	if t.Type != TypeTransfer && t.Type != TypeWithdraw {
		return fmt.Errorf("%w: unknown type %s", ErrInvalidInput, t.Type)
	}
	if t.Status == StatusUnknown {
		return fmt.Errorf("%w: status must be set", ErrInvalidInput)
	}
	if len(t.InputCommitments) == 0 {
		return fmt.Errorf("%w: at least one input is required", ErrInvalidInput)
	}
	return nil
}

func checkUpdate(cur, next Transaction) error {
	if next.ID != cur.ID {
		return fmt.Errorf("%w: update changed identity of %s", ErrInvalidInput, cur.ID)
	}
	if err := Validate(next); err != nil {
		return err
	}
	if !CanTransition(cur.Status, next.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, next.Status)
	}
	return nil
}

type MemoryStore struct {
	Now func() time.Time

	mu    sync.Mutex
	txs   map[uuid.UUID]Transaction
	order []uuid.UUID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		Now: time.Now,
		txs: make(map[uuid.UUID]Transaction),
	}
}

func (s *MemoryStore) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

func (s *MemoryStore) Insert(_ context.Context, t Transaction) (Transaction, error) {
	if err := Validate(t); err != nil {
		return Transaction{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.txs[t.ID]; ok {
		return Transaction{}, fmt.Errorf("%w: %s", ErrAlreadyExists, t.ID)
	}
	now := s.now()
	t = t.Clone()
	t.Version = 1
	t.CreatedAt = now
	t.UpdatedAt = now
	s.txs[t.ID] = t
	s.order = append(s.order, t.ID)
	return t.Clone(), nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.txs[id]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	return t.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, id uuid.UUID, fn UpdateFunc) (Transaction, error) {
	if fn == nil {
		return Transaction{}, fmt.Errorf("%w: nil update func", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.txs[id]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	next, err := fn(cur.Clone())
	if err != nil {
		return Transaction{}, err
	}
	if err := checkUpdate(cur, next); err != nil {
		return Transaction{}, err
	}
	if cur.SameContent(next) {
		return cur.Clone(), nil
	}
	next = next.Clone()
	next.Version = cur.Version + 1
	next.CreatedAt = cur.CreatedAt
	next.UpdatedAt = s.now()
	s.txs[id] = next
	return next.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context, f Filter) ([]Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Transaction
	for _, id := range s.order {
		t := s.txs[id]
		if !f.Match(t) {
			continue
		}
		out = append(out, t.Clone())
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
