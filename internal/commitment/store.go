package commitment

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrNotFound      = errors.New("commitment: not found")
	ErrAlreadyExists = errors.New("commitment: already exists")
	ErrConflict      = errors.New("commitment: concurrent modification")
	ErrInvalidInput  = errors.New("commitment: invalid input")

	// ErrCorruptedData means local state contradicts chain ordering, e.g. an inclusion
	// for a commitment that was never queued or a gap in leaf indices. Resync to recover.
	ErrCorruptedData = errors.New("commitment: corrupted data")
)

// UpdateFunc receives the currently persisted record and returns the next one.
// Returning a record with identical content is a no-op.
type UpdateFunc func(cur Commitment) (Commitment, error)

// UpsertFunc is like UpdateFunc but is also called when the record does not exist yet,
// with exists=false and a zero-valued cur.
type UpsertFunc func(cur Commitment, exists bool) (Commitment, error)

// Store persists commitments with optimistic single-record updates.
//
// Semantics:
// - Update and Upsert re-read the current value and apply fn atomically; implementations
//   retry fn on concurrent modification, so fn must be free of side effects.
// - Find returns commitments ordered by (chain, contract, leaf index, hash).
type Store interface {
	Get(ctx context.Context, id ID) (Commitment, error)
	Insert(ctx context.Context, c Commitment) (Commitment, error)
	Update(ctx context.Context, id ID, fn UpdateFunc) (Commitment, error)
	Upsert(ctx context.Context, id ID, fn UpsertFunc) (Commitment, bool, error)
	BulkUpsert(ctx context.Context, cs []Commitment) error
	Find(ctx context.Context, q Query) ([]Commitment, error)
	DeleteByContract(ctx context.Context, chainID uint64, contract common.Address) (int, error)
}

type NullifierStore interface {
	// UpsertNullifier returns created=true the first time a serial number is recorded.
	UpsertNullifier(ctx context.Context, n Nullifier) (bool, error)
	GetNullifier(ctx context.Context, chainID uint64, contract common.Address, serial common.Hash) (Nullifier, error)
	DeleteNullifiers(ctx context.Context, chainID uint64, contract common.Address) (int, error)
}
