package deposit

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/veilpool/veil-core/internal/config"
)

type Status uint8

const (
	StatusUnknown Status = iota
	StatusInit
	StatusAssetApproving
	StatusAssetApproved
	StatusSrcPending
	StatusSrcSucceeded
	StatusQueued
	StatusIncluded
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusInit:
		return "init"
	case StatusAssetApproving:
		return "asset_approving"
	case StatusAssetApproved:
		return "asset_approved"
	case StatusSrcPending:
		return "src_pending"
	case StatusSrcSucceeded:
		return "src_succeeded"
	case StatusQueued:
		return "queued"
	case StatusIncluded:
		return "included"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

func (s Status) Terminal() bool {
	return s == StatusIncluded || s == StatusFailed
}

// CanTransition reports whether a deposit may move from one status to another.
// Statuses only move forward; FAILED is reachable from any non-terminal status.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	if from.Terminal() || to == StatusUnknown {
		return false
	}
	if to == StatusFailed {
		return true
	}
	return to > from
}

type Deposit struct {
	ID uuid.UUID

	ChainID         uint64
	ContractAddress common.Address
	DstChainID      uint64
	DstPoolAddress  common.Address
	BridgeType      config.BridgeType

	AssetSymbol   string
	AssetAddress  common.Address
	AssetDecimals int32

	Amount      *big.Int
	RollupFee   *big.Int
	BridgeFee   *big.Int
	ExecutorFee *big.Int

	ShieldedRecipient string
	CommitmentHash    common.Hash

	Status       Status
	ErrorMessage string

	AssetApproveTxHash common.Hash
	SrcTxHash          common.Hash
	QueuedTxHash       common.Hash
	IncludedTxHash     common.Hash

	Version   uint64
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (d Deposit) Clone() Deposit {
	d.Amount = cloneBig(d.Amount)
	d.RollupFee = cloneBig(d.RollupFee)
	d.BridgeFee = cloneBig(d.BridgeFee)
	d.ExecutorFee = cloneBig(d.ExecutorFee)
	return d
}

// SameContent compares every persisted field except bookkeeping (version, timestamps).
func (d Deposit) SameContent(o Deposit) bool {
	return d.ID == o.ID &&
		d.ChainID == o.ChainID &&
		d.ContractAddress == o.ContractAddress &&
		d.DstChainID == o.DstChainID &&
		d.DstPoolAddress == o.DstPoolAddress &&
		d.BridgeType == o.BridgeType &&
		d.AssetSymbol == o.AssetSymbol &&
		d.AssetAddress == o.AssetAddress &&
		d.AssetDecimals == o.AssetDecimals &&
		bigEqual(d.Amount, o.Amount) &&
		bigEqual(d.RollupFee, o.RollupFee) &&
		bigEqual(d.BridgeFee, o.BridgeFee) &&
		bigEqual(d.ExecutorFee, o.ExecutorFee) &&
		d.ShieldedRecipient == o.ShieldedRecipient &&
		d.CommitmentHash == o.CommitmentHash &&
		d.Status == o.Status &&
		d.ErrorMessage == o.ErrorMessage &&
		d.AssetApproveTxHash == o.AssetApproveTxHash &&
		d.SrcTxHash == o.SrcTxHash &&
		d.QueuedTxHash == o.QueuedTxHash &&
		d.IncludedTxHash == o.IncludedTxHash
}

// Filter selects deposits. Zero-valued fields do not filter.
type Filter struct {
	ChainID    uint64
	DstChainID uint64
	Statuses   []Status
	Limit      int
}

func (f Filter) Match(d Deposit) bool {
	if f.ChainID != 0 && d.ChainID != f.ChainID {
		return false
	}
	if f.DstChainID != 0 && d.DstChainID != f.DstChainID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if d.Status == s {
			return true
		}
	}
	return false
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

func bigEqual(a, b *big.Int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Cmp(b) == 0
}
