//go:build integration

package postgres

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/veilpool/veil-core/internal/commitment"
	"github.com/veilpool/veil-core/internal/pgtest"
)

func TestStore_OptimisticUpdates(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	t.Cleanup(cancel)

	s, err := New(pgtest.Start(t, ctx))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}

	pool := common.HexToAddress("0x0000000000000000000000000000000000000a01")
	c := commitment.Commitment{
		ChainID:        1,
		Contract:       pool,
		CommitmentHash: common.HexToHash("0x01"),
		Status:         commitment.StatusQueued,
		EncryptedNote:  []byte{0x01, 0x02},
		RollupFee:      big.NewInt(100),
	}.SetLeafIndex(0)

	got, err := s.Insert(ctx, c)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if got.Version != 1 || got.RollupFee.Int64() != 100 || !got.HasLeafIndex {
		t.Fatalf("Insert: got %+v", got)
	}
	if _, err := s.Insert(ctx, c); !errors.Is(err, commitment.ErrAlreadyExists) {
		t.Fatalf("Insert dup: got %v want ErrAlreadyExists", err)
	}

	same, err := s.Update(ctx, c.ID(), func(cur commitment.Commitment) (commitment.Commitment, error) { return cur, nil })
	if err != nil {
		t.Fatalf("Update no-op: %v", err)
	}
	if same.Version != 1 {
		t.Fatalf("no-op bumped version: %d", same.Version)
	}

	amt, _ := new(big.Int).SetString("9900000000000000000", 10)
	upd, err := s.Update(ctx, c.ID(), func(cur commitment.Commitment) (commitment.Commitment, error) {
		cur.Status = commitment.StatusIncluded
		cur.Amount = amt
		cur.ShieldedAddress = "addr"
		cur.SerialNumber = common.HexToHash("0x5e")
		return cur, nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if upd.Version != 2 || upd.Amount.Cmp(amt) != 0 || upd.Status != commitment.StatusIncluded {
		t.Fatalf("Update: got %+v", upd)
	}

	found, err := s.Find(ctx, commitment.Query{SerialNumber: common.HexToHash("0x5e"), OnlyOwned: true})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("Find: got %d want 1", len(found))
	}

	created, err := s.UpsertNullifier(ctx, commitment.Nullifier{ChainID: 1, Contract: pool, SerialNumber: common.HexToHash("0x5e")})
	if err != nil || !created {
		t.Fatalf("UpsertNullifier: created=%v err=%v", created, err)
	}
	created, err = s.UpsertNullifier(ctx, commitment.Nullifier{ChainID: 1, Contract: pool, SerialNumber: common.HexToHash("0x5e")})
	if err != nil || created {
		t.Fatalf("UpsertNullifier dup: created=%v err=%v", created, err)
	}

	n, err := s.DeleteByContract(ctx, 1, pool)
	if err != nil || n != 1 {
		t.Fatalf("DeleteByContract: n=%d err=%v", n, err)
	}
}
