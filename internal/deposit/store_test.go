package deposit

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/veilpool/veil-core/internal/config"
)

var testPool = common.HexToAddress("0x0000000000000000000000000000000000000a01")

func testDeposit() Deposit {
	return Deposit{
		ID:                uuid.New(),
		ChainID:           1,
		ContractAddress:   common.HexToAddress("0x0000000000000000000000000000000000000d01"),
		DstChainID:        1,
		DstPoolAddress:    testPool,
		BridgeType:        config.BridgeLoop,
		AssetSymbol:       "ETH",
		AssetDecimals:     18,
		Amount:            big.NewInt(1000),
		RollupFee:         big.NewInt(10),
		ShieldedRecipient: "recipient",
		CommitmentHash:    common.HexToHash("0xc0"),
		Status:            StatusInit,
	}
}

func TestCanTransition(t *testing.T) {
	t.Parallel()

	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusInit, StatusAssetApproving, true},
		{StatusInit, StatusSrcPending, true},
		{StatusSrcPending, StatusQueued, true},
		{StatusSrcSucceeded, StatusQueued, true},
		{StatusQueued, StatusSrcSucceeded, false},
		{StatusQueued, StatusIncluded, true},
		{StatusQueued, StatusFailed, true},
		{StatusIncluded, StatusFailed, false},
		{StatusFailed, StatusQueued, false},
		{StatusFailed, StatusFailed, true},
		{StatusInit, StatusUnknown, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Fatalf("CanTransition(%s, %s): got %v want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestMemoryStore_UpdateEnforcesTransitions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	d, err := s.Insert(ctx, testDeposit())
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := s.Insert(ctx, d); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("Insert dup: got %v want ErrAlreadyExists", err)
	}

	d, err = s.Update(ctx, d.ID, func(cur Deposit) (Deposit, error) {
		cur.Status = StatusQueued
		cur.SrcTxHash = common.HexToHash("0x01")
		return cur, nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if d.Version != 2 {
		t.Fatalf("version: got %d want 2", d.Version)
	}

	_, err = s.Update(ctx, d.ID, func(cur Deposit) (Deposit, error) {
		cur.Status = StatusSrcPending
		return cur, nil
	})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("regress: got %v want ErrInvalidTransition", err)
	}

	same, err := s.Update(ctx, d.ID, func(cur Deposit) (Deposit, error) { return cur, nil })
	if err != nil {
		t.Fatalf("no-op Update: %v", err)
	}
	if same.Version != 2 {
		t.Fatalf("no-op bumped version: %d", same.Version)
	}
}

func TestMemoryStore_FindByCommitmentAndList(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	a := testDeposit()
	b := testDeposit()
	b.CommitmentHash = common.HexToHash("0xc1")
	b.Status = StatusFailed
	for _, d := range []Deposit{a, b} {
		if _, err := s.Insert(ctx, d); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	got, err := s.FindByCommitment(ctx, 1, testPool, a.CommitmentHash)
	if err != nil {
		t.Fatalf("FindByCommitment: %v", err)
	}
	if len(got) != 1 || got[0].ID != a.ID {
		t.Fatalf("FindByCommitment: got %+v", got)
	}
	if got, _ := s.FindByCommitment(ctx, 2, testPool, a.CommitmentHash); len(got) != 0 {
		t.Fatalf("FindByCommitment wrong chain: got %d", len(got))
	}

	failed, err := s.List(ctx, Filter{Statuses: []Status{StatusFailed}})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != b.ID {
		t.Fatalf("List: got %+v", failed)
	}
	all, _ := s.List(ctx, Filter{Limit: 1})
	if len(all) != 1 || all[0].ID != a.ID {
		t.Fatalf("List limit: got %+v", all)
	}
}
