package poolabi

import (
	"bytes"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

func TestParseQueued(t *testing.T) {
	t.Parallel()

	if err := initABI(); err != nil {
		t.Fatalf("initABI: %v", err)
	}
	ev := poolABI.Events["CommitmentQueued"]
	data, err := ev.Inputs.NonIndexed().Pack(big.NewInt(7), big.NewInt(3), []byte{0xaa, 0xbb})
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	cm := common.HexToHash("0xc0")
	got, err := ParseQueued(types.Log{Topics: []common.Hash{QueuedTopic(), cm}, Data: data})
	if err != nil {
		t.Fatalf("ParseQueued: %v", err)
	}
	if got.Commitment != cm || got.LeafIndex != 3 || got.RollupFee.Int64() != 7 || !bytes.Equal(got.EncryptedNote, []byte{0xaa, 0xbb}) {
		t.Fatalf("ParseQueued: got %+v", got)
	}

	if _, err := ParseQueued(types.Log{Topics: []common.Hash{IncludedTopic(), cm}}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("wrong topic: got %v want ErrInvalidInput", err)
	}
}

func TestParseSpent(t *testing.T) {
	t.Parallel()

	root := common.HexToHash("0x01")
	sn := common.HexToHash("0x02")
	got, err := ParseSpent(types.Log{Topics: []common.Hash{SpentTopic(), root, sn}})
	if err != nil {
		t.Fatalf("ParseSpent: %v", err)
	}
	if got.RootHash != root || got.SerialNumber != sn {
		t.Fatalf("ParseSpent: got %+v", got)
	}
}

func TestTransact_PackUnpackAndSigningHash(t *testing.T) {
	t.Parallel()

	req := TransactRequest{
		Proof:          []byte{0x01},
		RootHash:       common.HexToHash("0xaa"),
		SerialNumbers:  []common.Hash{common.HexToHash("0x10")},
		Commitments:    []common.Hash{common.HexToHash("0x20"), common.HexToHash("0x21")},
		EncryptedNotes: [][]byte{{0x01}, {0x02}},
		PublicAmount:   big.NewInt(5),
		RollupFee:      big.NewInt(1),
		SigPk:          common.HexToAddress("0x00000000000000000000000000000000000000f1"),
	}
	calldata, err := PackTransact(req, []byte{0x99})
	if err != nil {
		t.Fatalf("PackTransact: %v", err)
	}
	got, sig, err := UnpackTransact(calldata)
	if err != nil {
		t.Fatalf("UnpackTransact: %v", err)
	}
	if !bytes.Equal(sig, []byte{0x99}) || got.RootHash != req.RootHash || len(got.Commitments) != 2 || got.SigPk != req.SigPk {
		t.Fatalf("UnpackTransact: got %+v", got)
	}

	h1, err := TransactSigningHash(req)
	if err != nil {
		t.Fatalf("TransactSigningHash: %v", err)
	}
	req.RelayerFee = big.NewInt(1)
	h2, _ := TransactSigningHash(req)
	if h1 == h2 {
		t.Fatalf("signing hash does not cover relayer fee")
	}

	req.EncryptedNotes = req.EncryptedNotes[:1]
	if _, err := PackTransact(req, nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("mismatched notes: got %v want ErrInvalidInput", err)
	}
}

func TestUnpackBool(t *testing.T) {
	t.Parallel()

	one := common.LeftPadBytes([]byte{1}, 32)
	if v, err := UnpackBool(one); err != nil || !v {
		t.Fatalf("UnpackBool(1): %v %v", v, err)
	}
	if _, err := UnpackBool([]byte{1}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("short: got %v want ErrInvalidInput", err)
	}
}
