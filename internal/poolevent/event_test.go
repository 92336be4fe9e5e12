package poolevent

import (
	"bytes"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

var (
	poolA = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	poolB = common.HexToAddress("0x00000000000000000000000000000000000000b1")
)

func TestPayload_QueuedAndSpentConvert(t *testing.T) {
	t.Parallel()

	q := Event{
		Kind:           KindQueued,
		ChainID:        5,
		Contract:       poolA,
		CommitmentHash: common.HexToHash("0xc1"),
		LeafIndex:      9,
		RollupFee:      big.NewInt(100),
		EncryptedNote:  []byte{1, 2, 3},
		TxHash:         common.HexToHash("0xf1"),
		BlockNumber:    40,
		LogIndex:       2,
	}
	b, err := Encode(q)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.LeafIndex != 9 || got.RollupFee.Int64() != 100 || !bytes.Equal(got.EncryptedNote, q.EncryptedNote) || got.CommitmentHash != q.CommitmentHash {
		t.Fatalf("queued: got %+v", got)
	}

	p := Event{Kind: KindSpent, ChainID: 5, Contract: poolA, SerialNumber: common.HexToHash("0x55"), RootHash: common.HexToHash("0x66")}.Payload()
	if p.Commitment != "" || p.LeafIndex != nil {
		t.Fatalf("spent payload carries queued fields: %+v", p)
	}
	if e, err := p.Event(); err != nil || e.SerialNumber != common.HexToHash("0x55") {
		t.Fatalf("spent: got %+v err %v", e, err)
	}
}

func TestPayload_Rejects(t *testing.T) {
	t.Parallel()

	idx := uint64(1)
	for _, tc := range []struct {
		name string
		p    Payload
	}{
		{name: "version", p: Payload{Version: "v0", Kind: "included", ChainID: 1, Contract: poolA.Hex(), Commitment: common.HexToHash("0x1").Hex()}},
		{name: "kind", p: Payload{Kind: "minted", ChainID: 1, Contract: poolA.Hex()}},
		{name: "queued without leaf", p: Payload{Kind: "queued", ChainID: 1, Contract: poolA.Hex(), Commitment: common.HexToHash("0x1").Hex()}},
		{name: "short hash", p: Payload{Kind: "included", ChainID: 1, Contract: poolA.Hex(), Commitment: "0x01"}},
		{name: "no chain", p: Payload{Kind: "queued", Contract: poolA.Hex(), Commitment: common.HexToHash("0x1").Hex(), LeafIndex: &idx}},
		{name: "spent without serial", p: Payload{Kind: "spent", ChainID: 1, Contract: poolA.Hex()}},
	} {
		if _, err := tc.p.Event(); !errors.Is(err, ErrInvalidEvent) {
			t.Fatalf("%s: got %v want ErrInvalidEvent", tc.name, err)
		}
	}
}

func TestSortQueued_ByContractThenLeaf(t *testing.T) {
	t.Parallel()

	evs := []Event{
		{Contract: poolB, LeafIndex: 0},
		{Contract: poolA, LeafIndex: 2},
		{Contract: poolA, LeafIndex: 1},
	}
	SortQueued(evs)
	if evs[0].Contract != poolA || evs[0].LeafIndex != 1 || evs[1].LeafIndex != 2 || evs[2].Contract != poolB {
		t.Fatalf("order: %+v", evs)
	}
}
