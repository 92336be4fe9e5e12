package syncer

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/veilpool/veil-core/internal/commitment"
	"github.com/veilpool/veil-core/internal/config"
	"github.com/veilpool/veil-core/internal/cursor"
)

// Stores is the commitment and nullifier storage a reset clears.
type Stores interface {
	commitment.Store
	commitment.NullifierStore
}

// TreeCache drops cached Merkle trees; *merkle.Service implements it.
type TreeCache interface {
	Invalidate(chainID uint64, contract common.Address)
}

// Resetter rewinds one chain to its configured start blocks.
type Resetter struct {
	commitments Stores
	cursors     cursor.Store
	trees       TreeCache
	log         *slog.Logger
}

// NewResetter builds a Resetter. trees may be nil.
func NewResetter(commitments Stores, cursors cursor.Store, trees TreeCache, log *slog.Logger) (*Resetter, error) {
	if commitments == nil || cursors == nil {
		return nil, fmt.Errorf("%w: reset needs commitment and cursor stores", ErrInvalidConfig)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Resetter{commitments: commitments, cursors: cursors, trees: trees, log: log}, nil
}

// Reset deletes the chain's commitments and nullifiers and moves every cursor
// to the block before its contract's start block. Deposits and transactions
// are kept; the applier reconciles them again on the next import.
func (r *Resetter) Reset(ctx context.Context, ch config.ChainConfig) error {
	var (
		chainStart uint64
		first      = true
	)
	for _, addr := range ch.ContractAddresses() {
		start := ch.StartBlock(addr)
		if start > 0 {
			start--
		}
		if first || start < chainStart {
			chainStart, first = start, false
		}

		cs, err := r.commitments.DeleteByContract(ctx, ch.ChainID, addr)
		if err != nil {
			return fmt.Errorf("syncer: delete commitments of %s: %w", addr, err)
		}
		ns, err := r.commitments.DeleteNullifiers(ctx, ch.ChainID, addr)
		if err != nil {
			return fmt.Errorf("syncer: delete nullifiers of %s: %w", addr, err)
		}
		if err := r.cursors.Reset(ctx, cursor.ContractKey(ch.ChainID, addr), start); err != nil {
			return fmt.Errorf("syncer: reset cursor of %s: %w", addr, err)
		}
		if r.trees != nil {
			r.trees.Invalidate(ch.ChainID, addr)
		}
		r.log.Info("reset contract", "chain_id", ch.ChainID, "contract", addr, "commitments", cs, "nullifiers", ns, "cursor", start)
	}
	if err := r.cursors.Reset(ctx, cursor.ChainKey(ch.ChainID), chainStart); err != nil {
		return fmt.Errorf("syncer: reset chain cursor: %w", err)
	}
	return nil
}
