package commitment

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

var testPool = common.HexToAddress("0x0000000000000000000000000000000000000a01")

func testCommitment(b byte, leaf uint64) Commitment {
	var h common.Hash
	h[31] = b
	return Commitment{
		ChainID:        1,
		Contract:       testPool,
		CommitmentHash: h,
		Status:         StatusQueued,
		HasLeafIndex:   true,
		LeafIndex:      leaf,
		EncryptedNote:  []byte{b, b},
		RollupFee:      big.NewInt(10),
	}
}

func TestMemoryStore_UpdateUnchangedIsNoop(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	c, err := s.Insert(ctx, testCommitment(1, 0))
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if c.Version != 1 {
		t.Fatalf("version: got %d want 1", c.Version)
	}

	got, err := s.Update(ctx, c.ID(), func(cur Commitment) (Commitment, error) { return cur, nil })
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.Version != 1 || !got.UpdatedAt.Equal(c.UpdatedAt) {
		t.Fatalf("no-op update bumped bookkeeping: %+v", got)
	}

	got, err = s.Update(ctx, c.ID(), func(cur Commitment) (Commitment, error) {
		cur.Status = StatusIncluded
		return cur, nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.Version != 2 || got.Status != StatusIncluded {
		t.Fatalf("update: got %+v", got)
	}
}

func TestMemoryStore_UpdateRejectsIdentityChange(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	c, err := s.Insert(ctx, testCommitment(1, 0))
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	_, err = s.Update(ctx, c.ID(), func(cur Commitment) (Commitment, error) {
		cur.CommitmentHash[0] = 0xff
		return cur, nil
	})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("Update: got %v want ErrInvalidInput", err)
	}
	if _, err := s.Update(ctx, testCommitment(9, 0).ID(), func(cur Commitment) (Commitment, error) { return cur, nil }); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Update missing: got %v want ErrNotFound", err)
	}
}

func TestMemoryStore_UpsertCreatesOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	want := testCommitment(2, 3)

	calls := 0
	fn := func(cur Commitment, exists bool) (Commitment, error) {
		calls++
		if exists {
			return cur, nil
		}
		return want, nil
	}
	_, created, err := s.Upsert(ctx, want.ID(), fn)
	if err != nil || !created {
		t.Fatalf("Upsert #1: created=%v err=%v", created, err)
	}
	got, created, err := s.Upsert(ctx, want.ID(), fn)
	if err != nil || created {
		t.Fatalf("Upsert #2: created=%v err=%v", created, err)
	}
	if got.Version != 1 || calls != 2 {
		t.Fatalf("got version %d calls %d", got.Version, calls)
	}
}

func TestMemoryStore_ConcurrentUpdatesSerialize(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	c, err := s.Insert(ctx, testCommitment(1, 0))
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Update(ctx, c.ID(), func(cur Commitment) (Commitment, error) {
				cur.RollupFee = new(big.Int).Add(cur.RollupFee, big.NewInt(1))
				return cur, nil
			})
		}()
	}
	wg.Wait()

	got, err := s.Get(ctx, c.ID())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.RollupFee.Int64() != 60 || got.Version != 51 {
		t.Fatalf("got fee %s version %d", got.RollupFee, got.Version)
	}
}

func TestMemoryStore_FindOrdersByLeafAndFilters(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	for _, c := range []Commitment{testCommitment(3, 2), testCommitment(1, 0), testCommitment(2, 1)} {
		if _, err := s.Insert(ctx, c); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	owned := testCommitment(4, 3)
	owned.ShieldedAddress = "addr"
	owned.Status = StatusIncluded
	if _, err := s.Insert(ctx, owned); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	all, err := s.Find(ctx, Query{ChainID: 1, Contract: testPool})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	for i, c := range all {
		if c.LeafIndex != uint64(i) {
			t.Fatalf("order: index %d has leaf %d", i, c.LeafIndex)
		}
	}

	got, err := s.Find(ctx, Query{ShieldedAddresses: []string{"addr"}, Statuses: []Status{StatusIncluded}})
	if err != nil {
		t.Fatalf("Find owned: %v", err)
	}
	if len(got) != 1 || got[0].CommitmentHash != owned.CommitmentHash {
		t.Fatalf("owned: got %+v", got)
	}

	unowned, err := s.Find(ctx, Query{OnlyUnowned: true})
	if err != nil {
		t.Fatalf("Find unowned: %v", err)
	}
	if len(unowned) != 3 {
		t.Fatalf("unowned: got %d want 3", len(unowned))
	}

	n, err := s.DeleteByContract(ctx, 1, testPool)
	if err != nil || n != 4 {
		t.Fatalf("DeleteByContract: n=%d err=%v", n, err)
	}
}

func TestMemoryStore_Nullifiers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	n := Nullifier{ChainID: 1, Contract: testPool, SerialNumber: common.HexToHash("0x5e"), TxHash: common.HexToHash("0x77")}

	created, err := s.UpsertNullifier(ctx, n)
	if err != nil || !created {
		t.Fatalf("UpsertNullifier #1: created=%v err=%v", created, err)
	}
	created, err = s.UpsertNullifier(ctx, n)
	if err != nil || created {
		t.Fatalf("UpsertNullifier #2: created=%v err=%v", created, err)
	}
	got, err := s.GetNullifier(ctx, 1, testPool, n.SerialNumber)
	if err != nil || got.TxHash != n.TxHash {
		t.Fatalf("GetNullifier: %+v err=%v", got, err)
	}
}

func TestMemoryStore_GetReturnsCopies(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	c, err := s.Insert(ctx, testCommitment(1, 0))
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	c.EncryptedNote[0] = 0xff
	c.RollupFee.SetInt64(99)

	got, err := s.Get(ctx, c.ID())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.EncryptedNote[0] != 1 || got.RollupFee.Int64() != 10 {
		t.Fatalf("store aliased caller memory: %+v", got)
	}
}
