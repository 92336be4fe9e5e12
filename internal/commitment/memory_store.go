package commitment

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type nullifierKey struct {
	chainID  uint64
	contract common.Address
	serial   common.Hash
}

// MemoryStore keeps commitments in process. Update and Upsert callbacks run under the
// store lock and must not call back into the store.
type MemoryStore struct {
	Now func() time.Time

	mu          sync.Mutex
	commitments map[ID]Commitment
	nullifiers  map[nullifierKey]Nullifier
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		Now:         time.Now,
		commitments: make(map[ID]Commitment),
		nullifiers:  make(map[nullifierKey]Nullifier),
	}
}

func (s *MemoryStore) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

func (s *MemoryStore) Get(_ context.Context, id ID) (Commitment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.commitments[id]
	if !ok {
		return Commitment{}, ErrNotFound
	}
	return c.Clone(), nil
}

func (s *MemoryStore) Insert(_ context.Context, c Commitment) (Commitment, error) {
	if err := Validate(c); err != nil {
		return Commitment{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id := c.ID()
	if _, ok := s.commitments[id]; ok {
		return Commitment{}, fmt.Errorf("%w: %s", ErrAlreadyExists, id)
	}
	now := s.now()
	c = c.Clone()
	c.Version = 1
	c.CreatedAt = now
	c.UpdatedAt = now
	s.commitments[id] = c
	return c.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, id ID, fn UpdateFunc) (Commitment, error) {
	if fn == nil {
		return Commitment{}, fmt.Errorf("%w: nil update func", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.commitments[id]
	if !ok {
		return Commitment{}, ErrNotFound
	}
	next, err := fn(cur.Clone())
	if err != nil {
		return Commitment{}, err
	}
	return s.replaceLocked(id, cur, true, next)
}

func (s *MemoryStore) Upsert(_ context.Context, id ID, fn UpsertFunc) (Commitment, bool, error) {
	if fn == nil {
		return Commitment{}, false, fmt.Errorf("%w: nil upsert func", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, exists := s.commitments[id]
	next, err := fn(cur.Clone(), exists)
	if err != nil {
		return Commitment{}, false, err
	}
	out, err := s.replaceLocked(id, cur, exists, next)
	if err != nil {
		return Commitment{}, false, err
	}
	return out, !exists, nil
}

func (s *MemoryStore) BulkUpsert(_ context.Context, cs []Commitment) error {
	for _, c := range cs {
		if err := Validate(c); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range cs {
		id := c.ID()
		cur, exists := s.commitments[id]
		if _, err := s.replaceLocked(id, cur, exists, c); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) replaceLocked(id ID, cur Commitment, exists bool, next Commitment) (Commitment, error) {
	if next.ID() != id {
		return Commitment{}, fmt.Errorf("%w: update changed identity of %s", ErrInvalidInput, id)
	}
	if err := Validate(next); err != nil {
		return Commitment{}, err
	}
	if exists && cur.SameContent(next) {
		return cur.Clone(), nil
	}
	now := s.now()
	next = next.Clone()
	if exists {
		next.Version = cur.Version + 1
		next.CreatedAt = cur.CreatedAt
	} else {
		next.Version = 1
		next.CreatedAt = now
	}
	next.UpdatedAt = now
	s.commitments[id] = next
	return next.Clone(), nil
}

func (s *MemoryStore) Find(_ context.Context, q Query) ([]Commitment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Commitment
	for _, c := range s.commitments {
		if q.Match(c) {
			out = append(out, c.Clone())
		}
	}
	SortByLeaf(out)
	return out, nil
}

func (s *MemoryStore) DeleteByContract(_ context.Context, chainID uint64, contract common.Address) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id := range s.commitments {
		if id.ChainID == chainID && id.Contract == contract {
			delete(s.commitments, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) UpsertNullifier(_ context.Context, n Nullifier) (bool, error) {
	if n.ChainID == 0 || (n.SerialNumber == common.Hash{}) {
		return false, fmt.Errorf("%w: nullifier requires chain id and serial number", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := nullifierKey{chainID: n.ChainID, contract: n.Contract, serial: n.SerialNumber}
	if _, ok := s.nullifiers[key]; ok {
		return false, nil
	}
	n.CreatedAt = s.now()
	s.nullifiers[key] = n
	return true, nil
}

func (s *MemoryStore) GetNullifier(_ context.Context, chainID uint64, contract common.Address, serial common.Hash) (Nullifier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nullifiers[nullifierKey{chainID: chainID, contract: contract, serial: serial}]
	if !ok {
		return Nullifier{}, ErrNotFound
	}
	return n, nil
}

func (s *MemoryStore) DeleteNullifiers(_ context.Context, chainID uint64, contract common.Address) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key := range s.nullifiers {
		if key.chainID == chainID && key.contract == contract {
			delete(s.nullifiers, key)
			n++
		}
	}
	return n, nil
}

// SortByLeaf orders commitments by chain, contract, leaf index (unindexed last) and hash.
func SortByLeaf(cs []Commitment) {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if a.ChainID != b.ChainID {
			return a.ChainID < b.ChainID
		}
		if c := bytes.Compare(a.Contract[:], b.Contract[:]); c != 0 {
			return c < 0
		}
		if a.HasLeafIndex != b.HasLeafIndex {
			return a.HasLeafIndex
		}
		if a.HasLeafIndex && a.LeafIndex != b.LeafIndex {
			return a.LeafIndex < b.LeafIndex
		}
		return bytes.Compare(a.CommitmentHash[:], b.CommitmentHash[:]) < 0
	})
}

// Validate checks the fields every persisted commitment must carry.
func Validate(c Commitment) error {
	if c.ChainID == 0 {
		return fmt.Errorf("%w: chain id must be non-zero", ErrInvalidInput)
	}
	if (c.Contract == common.Address{}) {
		return fmt.Errorf("%w: contract must be non-zero", ErrInvalidInput)
	}
	if (c.CommitmentHash == common.Hash{}) {
		return fmt.Errorf("%w: commitment hash must be non-zero", ErrInvalidInput)
	}
	if c.Status == StatusUnknown {
		return fmt.Errorf("%w: status must be set", ErrInvalidInput)
	}
	if c.Amount != nil && c.Amount.Sign() < 0 {
		return fmt.Errorf("%w: negative amount", ErrInvalidInput)
	}
	if c.RollupFee != nil && c.RollupFee.Sign() < 0 {
		return fmt.Errorf("%w: negative rollup fee", ErrInvalidInput)
	}
	return nil
}

var (
	_ Store          = (*MemoryStore)(nil)
	_ NullifierStore = (*MemoryStore)(nil)
)
