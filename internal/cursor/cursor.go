package cursor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var ErrInvalidInput = errors.New("cursor: invalid input")

// Key addresses a chain-level cursor (zero Contract) or a per-contract cursor.
type Key struct {
	ChainID  uint64
	Contract common.Address
}

func ChainKey(chainID uint64) Key { return Key{ChainID: chainID} }

func ContractKey(chainID uint64, contract common.Address) Key {
	return Key{ChainID: chainID, Contract: contract}
}

func (k Key) String() string {
	if (k.Contract == common.Address{}) {
		return fmt.Sprintf("%d", k.ChainID)
	}
	return fmt.Sprintf("%d/%s", k.ChainID, k.Contract.Hex())
}

// Store persists sync cursors.
//
// Semantics:
// - Advance never lowers a cursor; it returns the stored value after the call.
// - Reset is the only way to move a cursor backwards and is reserved for resync.
type Store interface {
	Get(ctx context.Context, key Key) (uint64, bool, error)
	Advance(ctx context.Context, key Key, block uint64) (uint64, error)
	Reset(ctx context.Context, key Key, block uint64) error
}

type MemoryStore struct {
	mu      sync.Mutex
	cursors map[Key]uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cursors: make(map[Key]uint64)}
}

func (s *MemoryStore) Get(_ context.Context, key Key) (uint64, bool, error) {
	if key.ChainID == 0 {
		return 0, false, fmt.Errorf("%w: chain id must be non-zero", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.cursors[key]
	return v, ok, nil
}

func (s *MemoryStore) Advance(_ context.Context, key Key, block uint64) (uint64, error) {
	if key.ChainID == 0 {
		return 0, fmt.Errorf("%w: chain id must be non-zero", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.cursors[key]
	if !ok || block > cur {
		s.cursors[key] = block
		return block, nil
	}
	return cur, nil
}

func (s *MemoryStore) Reset(_ context.Context, key Key, block uint64) error {
	if key.ChainID == 0 {
		return fmt.Errorf("%w: chain id must be non-zero", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cursors[key] = block
	return nil
}

var _ Store = (*MemoryStore)(nil)
