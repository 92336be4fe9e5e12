package transaction

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

type Type uint8

const (
	TypeUnknown Type = iota
	TypeTransfer
	TypeWithdraw
)

func (t Type) String() string {
	switch t {
	case TypeTransfer:
		return "transfer"
	case TypeWithdraw:
		return "withdraw"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

type Status uint8

const (
	StatusUnknown Status = iota
	StatusInit
	StatusProofGenerating
	StatusProofGenerated
	StatusPending
	StatusSucceeded
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusInit:
		return "init"
	case StatusProofGenerating:
		return "proof_generating"
	case StatusProofGenerated:
		return "proof_generated"
	case StatusPending:
		return "pending"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

func (s Status) Terminal() bool { return s == StatusSucceeded || s == StatusFailed }

// CanTransition reports whether a transaction may move between statuses.
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

type Transaction struct {
	ID uuid.UUID

	ChainID     uint64
	PoolAddress common.Address
	Type        Type

	AssetSymbol   string
	AssetDecimals int32

	// Amount is the user-requested spend; PublicAmount is what leaves the pool on withdraw.
	Amount            *big.Int
	PublicAmount      *big.Int
	RollupFee         *big.Int
	GasRelayerFee     *big.Int
	GasRelayerAddress common.Address

	SenderShieldedAddress    string
	RecipientShieldedAddress string
	PublicRecipient          common.Address

	InputCommitments  []common.Hash
	OutputCommitments []common.Hash
	SerialNumbers     []common.Hash
	RootHash          common.Hash

	Status       Status
	ErrorMessage string
	TxHash       common.Hash
	RelayerJobID string

	Version   uint64
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (t Transaction) Clone() Transaction {
	t.Amount = cloneBig(t.Amount)
	t.PublicAmount = cloneBig(t.PublicAmount)
	t.RollupFee = cloneBig(t.RollupFee)
	t.GasRelayerFee = cloneBig(t.GasRelayerFee)
	t.InputCommitments = cloneHashes(t.InputCommitments)
	t.OutputCommitments = cloneHashes(t.OutputCommitments)
	t.SerialNumbers = cloneHashes(t.SerialNumbers)
	return t
}

func (t Transaction) SameContent(o Transaction) bool {
	return t.ID == o.ID &&
		t.ChainID == o.ChainID &&
		t.PoolAddress == o.PoolAddress &&
		t.Type == o.Type &&
		t.AssetSymbol == o.AssetSymbol &&
		t.AssetDecimals == o.AssetDecimals &&
		bigEqual(t.Amount, o.Amount) &&
		bigEqual(t.PublicAmount, o.PublicAmount) &&
		bigEqual(t.RollupFee, o.RollupFee) &&
		bigEqual(t.GasRelayerFee, o.GasRelayerFee) &&
		t.GasRelayerAddress == o.GasRelayerAddress &&
		t.SenderShieldedAddress == o.SenderShieldedAddress &&
		t.RecipientShieldedAddress == o.RecipientShieldedAddress &&
		t.PublicRecipient == o.PublicRecipient &&
		hashesEqual(t.InputCommitments, o.InputCommitments) &&
		hashesEqual(t.OutputCommitments, o.OutputCommitments) &&
		hashesEqual(t.SerialNumbers, o.SerialNumbers) &&
		t.RootHash == o.RootHash &&
		t.Status == o.Status &&
		t.ErrorMessage == o.ErrorMessage &&
		t.TxHash == o.TxHash &&
		t.RelayerJobID == o.RelayerJobID
}

type Filter struct {
	ChainID  uint64
	Statuses []Status
	Limit    int
}

func (f Filter) Match(t Transaction) bool {
	if f.ChainID != 0 && t.ChainID != f.ChainID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if t.Status == s {
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

func cloneHashes(hs []common.Hash) []common.Hash {
	if hs == nil {
		return nil
	}
	return append([]common.Hash(nil), hs...)
}

func hashesEqual(a, b []common.Hash) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
