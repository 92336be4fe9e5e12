package commitment

import (
	"bytes"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type Status uint8

const (
	StatusUnknown Status = iota
	StatusInit
	StatusSrcSucceeded
	StatusQueued
	StatusIncluded
	StatusSpent
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusInit:
		return "init"
	case StatusSrcSucceeded:
		return "src_succeeded"
	case StatusQueued:
		return "queued"
	case StatusIncluded:
		return "included"
	case StatusSpent:
		return "spent"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// InTree reports whether a commitment with this status occupies a Merkle leaf.
func (s Status) InTree() bool {
	return s == StatusIncluded || s == StatusSpent
}

// ID identifies a commitment within one pool contract.
type ID struct {
	ChainID  uint64
	Contract common.Address
	Hash     common.Hash
}

func (id ID) String() string {
	return fmt.Sprintf("%d/%s/%s", id.ChainID, id.Contract.Hex(), id.Hash.Hex())
}

type Commitment struct {
	ChainID        uint64
	Contract       common.Address
	CommitmentHash common.Hash

	Status Status

	HasLeafIndex bool
	LeafIndex    uint64

	EncryptedNote []byte
	Amount        *big.Int
	RollupFee     *big.Int

	// SerialNumber and ShieldedAddress are set once the note has been decrypted by an owned account.
	SerialNumber    common.Hash
	ShieldedAddress string

	CreationTxHash common.Hash
	RelayTxHash    common.Hash
	RollupTxHash   common.Hash
	SpendingTxHash common.Hash

	Version   uint64
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (c Commitment) ID() ID {
	return ID{ChainID: c.ChainID, Contract: c.Contract, Hash: c.CommitmentHash}
}

// Owned reports whether the commitment has been assigned to one of the wallet's accounts.
func (c Commitment) Owned() bool { return c.ShieldedAddress != "" }

func (c Commitment) SetLeafIndex(i uint64) Commitment {
	c.HasLeafIndex = true
	c.LeafIndex = i
	return c
}

// Clone returns a deep copy safe to hand across goroutines.
func (c Commitment) Clone() Commitment {
	c.EncryptedNote = cloneBytes(c.EncryptedNote)
	c.Amount = cloneBig(c.Amount)
	c.RollupFee = cloneBig(c.RollupFee)
	return c
}

// SameContent compares every persisted field except bookkeeping (version, timestamps).
func (c Commitment) SameContent(o Commitment) bool {
	return c.ChainID == o.ChainID &&
		c.Contract == o.Contract &&
		c.CommitmentHash == o.CommitmentHash &&
		c.Status == o.Status &&
		c.HasLeafIndex == o.HasLeafIndex &&
		c.LeafIndex == o.LeafIndex &&
		bytes.Equal(c.EncryptedNote, o.EncryptedNote) &&
		bigEqual(c.Amount, o.Amount) &&
		bigEqual(c.RollupFee, o.RollupFee) &&
		c.SerialNumber == o.SerialNumber &&
		c.ShieldedAddress == o.ShieldedAddress &&
		c.CreationTxHash == o.CreationTxHash &&
		c.RelayTxHash == o.RelayTxHash &&
		c.RollupTxHash == o.RollupTxHash &&
		c.SpendingTxHash == o.SpendingTxHash
}

// Nullifier records an on-chain spend of a serial number.
type Nullifier struct {
	ChainID      uint64
	Contract     common.Address
	SerialNumber common.Hash
	TxHash       common.Hash
	CreatedAt    time.Time
}

// Query selects commitments. Zero-valued fields do not filter.
type Query struct {
	ChainID  uint64
	Contract common.Address

	Statuses          []Status
	ShieldedAddresses []string
	SerialNumber      common.Hash
	Hashes            []common.Hash

	// OnlyOwned keeps commitments with a shielded address; OnlyUnowned keeps the rest.
	OnlyOwned   bool
	OnlyUnowned bool
}

func (q Query) Match(c Commitment) bool {
	if q.ChainID != 0 && c.ChainID != q.ChainID {
		return false
	}
	if (q.Contract != common.Address{}) && c.Contract != q.Contract {
		return false
	}
	if len(q.Statuses) > 0 && !containsStatus(q.Statuses, c.Status) {
		return false
	}
	if len(q.ShieldedAddresses) > 0 && !containsString(q.ShieldedAddresses, c.ShieldedAddress) {
		return false
	}
	if (q.SerialNumber != common.Hash{}) && c.SerialNumber != q.SerialNumber {
		return false
	}
	if len(q.Hashes) > 0 && !containsHash(q.Hashes, c.CommitmentHash) {
		return false
	}
	if q.OnlyOwned && !c.Owned() {
		return false
	}
	if q.OnlyUnowned && c.Owned() {
		return false
	}
	return true
}

func containsStatus(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsHash(list []common.Hash, h common.Hash) bool {
	for _, v := range list {
		if v == h {
			return true
		}
	}
	return false
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
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
