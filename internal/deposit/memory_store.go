package deposit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

type MemoryStore struct {
	Now func() time.Time

	mu       sync.Mutex
	deposits map[uuid.UUID]Deposit
	order    []uuid.UUID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		Now:      time.Now,
		deposits: make(map[uuid.UUID]Deposit),
	}
}

func (s *MemoryStore) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

func (s *MemoryStore) Insert(_ context.Context, d Deposit) (Deposit, error) {
	if err := Validate(d); err != nil {
		return Deposit{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.deposits[d.ID]; ok {
		return Deposit{}, fmt.Errorf("%w: %s", ErrAlreadyExists, d.ID)
	}
	now := s.now()
	d = d.Clone()
	d.Version = 1
	d.CreatedAt = now
	d.UpdatedAt = now
	s.deposits[d.ID] = d
	s.order = append(s.order, d.ID)
	return d.Clone(), nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (Deposit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deposits[id]
	if !ok {
		return Deposit{}, ErrNotFound
	}
	return d.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, id uuid.UUID, fn UpdateFunc) (Deposit, error) {
	if fn == nil {
		return Deposit{}, fmt.Errorf("%w: nil update func", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.deposits[id]
	if !ok {
		return Deposit{}, ErrNotFound
	}
	next, err := fn(cur.Clone())
	if err != nil {
		return Deposit{}, err
	}
	if err := checkUpdate(cur, next); err != nil {
		return Deposit{}, err
	}
	if cur.SameContent(next) {
		return cur.Clone(), nil
	}
	next = next.Clone()
	next.Version = cur.Version + 1
	next.CreatedAt = cur.CreatedAt
	next.UpdatedAt = s.now()
	s.deposits[id] = next
	return next.Clone(), nil
}

func (s *MemoryStore) FindByCommitment(_ context.Context, dstChainID uint64, dstPool common.Address, commitmentHash common.Hash) ([]Deposit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Deposit
	for _, id := range s.order {
		d := s.deposits[id]
		if d.DstChainID == dstChainID && d.DstPoolAddress == dstPool && d.CommitmentHash == commitmentHash {
			out = append(out, d.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) List(_ context.Context, f Filter) ([]Deposit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Deposit
	for _, id := range s.order {
		d := s.deposits[id]
		if !f.Match(d) {
			continue
		}
		out = append(out, d.Clone())
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
