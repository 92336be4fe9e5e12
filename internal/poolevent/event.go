package poolevent

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/veilpool/veil-core/internal/chain"
)

const PayloadVersion = "veil.pool.event.v1"

var ErrInvalidEvent = errors.New("poolevent: invalid event")

type Kind uint8

const (
	KindUnknown Kind = iota
	KindQueued
	KindIncluded
	KindSpent
)

func (k Kind) String() string {
	switch k {
	case KindQueued:
		return "queued"
	case KindIncluded:
		return "included"
	case KindSpent:
		return "spent"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "queued", "commitment_queued":
		return KindQueued, nil
	case "included", "commitment_included":
		return KindIncluded, nil
	case "spent", "commitment_spent":
		return KindSpent, nil
	default:
		return KindUnknown, fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, s)
	}
}

// Event is one QUEUED, INCLUDED or SPENT occurrence on a pool contract.
// Queued events carry LeafIndex, RollupFee and EncryptedNote; spent events carry
// RootHash and SerialNumber and no commitment hash.
type Event struct {
	Kind     Kind
	ChainID  uint64
	Contract common.Address

	CommitmentHash common.Hash
	LeafIndex      uint64
	RollupFee      *big.Int
	EncryptedNote  []byte

	RootHash     common.Hash
	SerialNumber common.Hash

	TxHash      common.Hash
	BlockNumber uint64
	LogIndex    uint
}

func (e Event) Validate() error {
	if e.ChainID == 0 || (e.Contract == common.Address{}) {
		return fmt.Errorf("%w: chain id and contract are required", ErrInvalidEvent)
	}
	switch e.Kind {
	case KindQueued, KindIncluded:
		if (e.CommitmentHash == common.Hash{}) {
			return fmt.Errorf("%w: %s event without commitment", ErrInvalidEvent, e.Kind)
		}
	case KindSpent:
		if (e.SerialNumber == common.Hash{}) {
			return fmt.Errorf("%w: spent event without serial number", ErrInvalidEvent)
		}
	default:
		return fmt.Errorf("%w: kind %s", ErrInvalidEvent, e.Kind)
	}
	return nil
}

func FromQueued(chainID uint64, lg chain.QueuedLog) Event {
	fee := new(big.Int)
	if lg.RollupFee != nil {
		fee.Set(lg.RollupFee)
	}
	return Event{
		Kind:           KindQueued,
		ChainID:        chainID,
		Contract:       lg.Contract,
		CommitmentHash: lg.Commitment,
		LeafIndex:      lg.LeafIndex,
		RollupFee:      fee,
		EncryptedNote:  append([]byte(nil), lg.EncryptedNote...),
		TxHash:         lg.TxHash,
		BlockNumber:    lg.BlockNumber,
		LogIndex:       lg.LogIndex,
	}
}

func FromIncluded(chainID uint64, lg chain.IncludedLog) Event {
	return Event{
		Kind:           KindIncluded,
		ChainID:        chainID,
		Contract:       lg.Contract,
		CommitmentHash: lg.Commitment,
		TxHash:         lg.TxHash,
		BlockNumber:    lg.BlockNumber,
		LogIndex:       lg.LogIndex,
	}
}

func FromSpent(chainID uint64, lg chain.SpentLog) Event {
	return Event{
		Kind:         KindSpent,
		ChainID:      chainID,
		Contract:     lg.Contract,
		RootHash:     lg.RootHash,
		SerialNumber: lg.SerialNumber,
		TxHash:       lg.TxHash,
		BlockNumber:  lg.BlockNumber,
		LogIndex:     lg.LogIndex,
	}
}

// SortQueued orders queued events by contract, then leaf index, which is the
// order leaves must be assigned in.
func SortQueued(evs []Event) {
	sort.SliceStable(evs, func(i, j int) bool {
		if c := bytes.Compare(evs[i].Contract[:], evs[j].Contract[:]); c != 0 {
			return c < 0
		}
		return evs[i].LeafIndex < evs[j].LeafIndex
	})
}

// SortByPosition orders events by block then log index.
func SortByPosition(evs []Event) {
	sort.SliceStable(evs, func(i, j int) bool {
		if evs[i].BlockNumber != evs[j].BlockNumber {
			return evs[i].BlockNumber < evs[j].BlockNumber
		}
		return evs[i].LogIndex < evs[j].LogIndex
	})
}

// Payload is the JSON form exchanged with the sequencer, the packer and the notifier.
type Payload struct {
	Version       string  `json:"version,omitempty"`
	Kind          string  `json:"kind"`
	ChainID       uint64  `json:"chainId"`
	Contract      string  `json:"contract"`
	Commitment    string  `json:"commitment,omitempty"`
	LeafIndex     *uint64 `json:"leafIndex,omitempty"`
	RollupFee     string  `json:"rollupFee,omitempty"`
	EncryptedNote string  `json:"encryptedNote,omitempty"`
	RootHash      string  `json:"rootHash,omitempty"`
	SerialNumber  string  `json:"serialNumber,omitempty"`
	TxHash        string  `json:"txHash"`
	BlockNumber   uint64  `json:"blockNumber"`
	LogIndex      uint    `json:"logIndex"`
}

func (e Event) Payload() Payload {
	p := Payload{
		Version:     PayloadVersion,
		Kind:        e.Kind.String(),
		ChainID:     e.ChainID,
		Contract:    e.Contract.Hex(),
		TxHash:      e.TxHash.Hex(),
		BlockNumber: e.BlockNumber,
		LogIndex:    e.LogIndex,
	}
	switch e.Kind {
	case KindQueued:
		idx := e.LeafIndex
		p.Commitment = e.CommitmentHash.Hex()
		p.LeafIndex = &idx
		if e.RollupFee != nil {
			p.RollupFee = e.RollupFee.String()
		}
		p.EncryptedNote = "0x" + hex.EncodeToString(e.EncryptedNote)
	case KindIncluded:
		p.Commitment = e.CommitmentHash.Hex()
	case KindSpent:
		p.RootHash = e.RootHash.Hex()
		p.SerialNumber = e.SerialNumber.Hex()
	}
	return p
}

// Event converts and validates a wire payload. An empty version is accepted for
// sources that do not stamp one.
func (p Payload) Event() (Event, error) {
	if p.Version != "" && p.Version != PayloadVersion {
		return Event{}, fmt.Errorf("%w: unsupported version %q", ErrInvalidEvent, p.Version)
	}
	kind, err := ParseKind(p.Kind)
	if err != nil {
		return Event{}, err
	}
	e := Event{Kind: kind, ChainID: p.ChainID, BlockNumber: p.BlockNumber, LogIndex: p.LogIndex}
	if e.Contract, err = parseAddress(p.Contract); err != nil {
		return Event{}, err
	}
	if e.TxHash, err = parseHash(p.TxHash, true); err != nil {
		return Event{}, err
	}
	if e.CommitmentHash, err = parseHash(p.Commitment, kind == KindSpent); err != nil {
		return Event{}, err
	}
	if kind == KindQueued {
		if p.LeafIndex == nil {
			return Event{}, fmt.Errorf("%w: queued event without leaf index", ErrInvalidEvent)
		}
		e.LeafIndex = *p.LeafIndex
		e.RollupFee = new(big.Int)
		if p.RollupFee != "" {
			if _, ok := e.RollupFee.SetString(p.RollupFee, 10); !ok || e.RollupFee.Sign() < 0 {
				return Event{}, fmt.Errorf("%w: rollup fee %q", ErrInvalidEvent, p.RollupFee)
			}
		}
		if e.EncryptedNote, err = parseBytes(p.EncryptedNote); err != nil {
			return Event{}, err
		}
	}
	if kind == KindSpent {
		if e.RootHash, err = parseHash(p.RootHash, true); err != nil {
			return Event{}, err
		}
		if e.SerialNumber, err = parseHash(p.SerialNumber, false); err != nil {
			return Event{}, err
		}
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}

func Encode(e Event) ([]byte, error) {
	return json.Marshal(e.Payload())
}

func Decode(b []byte) (Event, error) {
	var p Payload
	if err := json.Unmarshal(b, &p); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return p.Event()
}

func parseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: address %q", ErrInvalidEvent, s)
	}
	return common.HexToAddress(s), nil
}

func parseHash(s string, optional bool) (common.Hash, error) {
	s = strings.TrimSpace(s)
	if s == "" && optional {
		return common.Hash{}, nil
	}
	b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X"))
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("%w: hash %q", ErrInvalidEvent, s)
	}
	return common.BytesToHash(b), nil
}

func parseBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if s == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: bytes: %v", ErrInvalidEvent, err)
	}
	return b, nil
}
