package deposit

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("deposit: not found")
	ErrAlreadyExists     = errors.New("deposit: already exists")
	ErrInvalidTransition = errors.New("deposit: invalid transition")
	ErrInvalidInput      = errors.New("deposit: invalid input")
	ErrConflict          = errors.New("deposit: concurrent modification")
)

type UpdateFunc func(cur Deposit) (Deposit, error)

// Store persists deposit records.
//
// Semantics:
// - Update applies fn to the current record atomically; a result equal to the current
//   record is a no-op and a status change that violates CanTransition fails with
//   ErrInvalidTransition.
// - FindByCommitment matches on the destination chain and pool, where the commitment lands.
// - List returns records oldest first.
type Store interface {
	Insert(ctx context.Context, d Deposit) (Deposit, error)
	Get(ctx context.Context, id uuid.UUID) (Deposit, error)
	Update(ctx context.Context, id uuid.UUID, fn UpdateFunc) (Deposit, error)
	FindByCommitment(ctx context.Context, dstChainID uint64, dstPool common.Address, commitmentHash common.Hash) ([]Deposit, error)
	List(ctx context.Context, f Filter) ([]Deposit, error)
}

// Validate checks the fields every persisted deposit must carry.
func Validate(d Deposit) error {
	if d.ID == uuid.Nil {
		return fmt.Errorf("%w: id must be set", ErrInvalidInput)
	}
	if d.ChainID == 0 || d.DstChainID == 0 {
		return fmt.Errorf("%w: chain ids must be non-zero", ErrInvalidInput)
	}
	if (d.CommitmentHash == common.Hash{}) {
		return fmt.Errorf("%w: commitment hash must be set", ErrInvalidInput)
	}
	if d.Status == StatusUnknown {
		return fmt.Errorf("%w: status must be set", ErrInvalidInput)
	}
	if d.Amount == nil || d.Amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be > 0", ErrInvalidInput)
	}
	return nil
}

func checkUpdate(cur, next Deposit) error {
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
