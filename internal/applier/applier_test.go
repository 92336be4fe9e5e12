package applier

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/veilpool/veil-core/internal/commitment"
	"github.com/veilpool/veil-core/internal/config"
	"github.com/veilpool/veil-core/internal/deposit"
	"github.com/veilpool/veil-core/internal/importer"
	"github.com/veilpool/veil-core/internal/poolevent"
	"github.com/veilpool/veil-core/internal/protocol"
	"github.com/veilpool/veil-core/internal/scanner"
)

var (
	pool       = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bridgePool = common.HexToAddress("0x00000000000000000000000000000000000000a2")
)

func testConfig() *config.Config {
	return &config.Config{Chains: []config.ChainConfig{{
		ChainID: 5,
		Pools: []config.PoolConfig{
			{Address: pool, BridgeType: config.BridgeLoop},
			{Address: bridgePool, BridgeType: config.BridgeTBridge},
		},
	}}}
}

type fixture struct {
	store    *commitment.MemoryStore
	deposits *deposit.MemoryStore
	applier  *Applier
}

func newFixture(t *testing.T, sc Scanner) fixture {
	t.Helper()
	f := fixture{store: commitment.NewMemoryStore(), deposits: deposit.NewMemoryStore()}
	a, err := New(Config{Config: testConfig(), Commitments: f.store, Deposits: f.deposits, Scanner: sc})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.applier = a
	return f
}

func queued(contract common.Address, hash common.Hash, leaf uint64) poolevent.Event {
	return poolevent.Event{
		Kind: poolevent.KindQueued, ChainID: 5, Contract: contract, CommitmentHash: hash,
		LeafIndex: leaf, RollupFee: big.NewInt(1), EncryptedNote: []byte{0x01},
		TxHash: common.HexToHash("0xe1"),
	}
}

func included(contract common.Address, hash common.Hash) poolevent.Event {
	return poolevent.Event{Kind: poolevent.KindIncluded, ChainID: 5, Contract: contract, CommitmentHash: hash, TxHash: common.HexToHash("0xe2")}
}

func spent(serial common.Hash) poolevent.Event {
	return poolevent.Event{Kind: poolevent.KindSpent, ChainID: 5, Contract: pool, SerialNumber: serial, RootHash: common.HexToHash("0xee"), TxHash: common.HexToHash("0xe3")}
}

func TestApplier_IsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, nil)
	h := common.HexToHash("0xc1")
	b := importer.Batch{
		ChainID:  5,
		Queued:   []poolevent.Event{queued(pool, h, 0)},
		Included: []poolevent.Event{included(pool, h)},
	}

	if err := f.applier.ApplyBatch(ctx, b); err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}
	first, err := f.store.Get(ctx, commitment.ID{ChainID: 5, Contract: pool, Hash: h})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := f.applier.ApplyBatch(ctx, b); err != nil {
		t.Fatalf("ApplyBatch again: %v", err)
	}
	second, _ := f.store.Get(ctx, first.ID())
	if second.Version != first.Version || !second.SameContent(first) {
		t.Fatalf("replay changed state: %+v -> %+v", first, second)
	}
	if first.Status != commitment.StatusIncluded || !first.HasLeafIndex || first.LeafIndex != 0 {
		t.Fatalf("commitment: %+v", first)
	}
	if first.CreationTxHash != common.HexToHash("0xe1") || first.RollupTxHash != common.HexToHash("0xe2") {
		t.Fatalf("tx hashes: %+v", first)
	}

	// A late queued replay must not regress the status.
	if err := f.applier.Apply(ctx, queued(pool, h, 0)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if c, _ := f.store.Get(ctx, first.ID()); c.Status != commitment.StatusIncluded {
		t.Fatalf("status regressed to %s", c.Status)
	}
}

func TestApplier_BridgedQueuedRecordsRelayTx(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, nil)
	h := common.HexToHash("0xc2")
	if _, err := f.store.Insert(ctx, commitment.Commitment{ChainID: 5, Contract: bridgePool, CommitmentHash: h, Status: commitment.StatusSrcSucceeded}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := f.applier.Apply(ctx, queued(bridgePool, h, 3)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	c, _ := f.store.Get(ctx, commitment.ID{ChainID: 5, Contract: bridgePool, Hash: h})
	if c.Status != commitment.StatusQueued || c.RelayTxHash != common.HexToHash("0xe1") || (c.CreationTxHash != common.Hash{}) {
		t.Fatalf("commitment: %+v", c)
	}
}

func TestApplier_IncludedWithoutQueuedIsCorrupted(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	err := f.applier.Apply(context.Background(), included(pool, common.HexToHash("0xc3")))
	if !errors.Is(err, commitment.ErrCorruptedData) {
		t.Fatalf("Apply: got %v want ErrCorruptedData", err)
	}
}

func TestApplier_PromotesDeposits(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, nil)
	h := common.HexToHash("0xc4")
	d, err := f.deposits.Insert(ctx, deposit.Deposit{
		ID: uuid.New(), ChainID: 5, ContractAddress: common.HexToAddress("0xd1"), DstChainID: 5, DstPoolAddress: pool,
		Amount: big.NewInt(10), CommitmentHash: h, Status: deposit.StatusSrcSucceeded,
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := f.applier.Apply(ctx, queued(pool, h, 0)); err != nil {
		t.Fatalf("Apply queued: %v", err)
	}
	if got, _ := f.deposits.Get(ctx, d.ID); got.Status != deposit.StatusQueued || got.QueuedTxHash != common.HexToHash("0xe1") {
		t.Fatalf("after queued: %+v", got)
	}
	if err := f.applier.Apply(ctx, included(pool, h)); err != nil {
		t.Fatalf("Apply included: %v", err)
	}
	if got, _ := f.deposits.Get(ctx, d.ID); got.Status != deposit.StatusIncluded || got.IncludedTxHash != common.HexToHash("0xe2") {
		t.Fatalf("after included: %+v", got)
	}
	// Replays leave the terminal deposit untouched.
	if err := f.applier.Apply(ctx, queued(pool, h, 0)); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if got, _ := f.deposits.Get(ctx, d.ID); got.Status != deposit.StatusIncluded {
		t.Fatalf("deposit regressed to %s", got.Status)
	}
}

func TestApplier_SpentMarksEveryNonFailedMatch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, nil)
	serial := common.HexToHash("0x5e")
	for i, st := range []commitment.Status{commitment.StatusIncluded, commitment.StatusIncluded, commitment.StatusFailed} {
		_, err := f.store.Insert(ctx, commitment.Commitment{
			ChainID: 5, Contract: pool, CommitmentHash: common.BigToHash(big.NewInt(int64(0xc10 + i))),
			Status: st, SerialNumber: serial, ShieldedAddress: "veil1x",
		})
		if err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	if err := f.applier.Apply(ctx, spent(serial)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	cs, _ := f.store.Find(ctx, commitment.Query{ChainID: 5, SerialNumber: serial})
	var nSpent, nFailed int
	for _, c := range cs {
		switch c.Status {
		case commitment.StatusSpent:
			nSpent++
			if c.SpendingTxHash != common.HexToHash("0xe3") {
				t.Fatalf("spending tx: %+v", c)
			}
		case commitment.StatusFailed:
			nFailed++
		}
	}
	if nSpent != 2 || nFailed != 1 {
		t.Fatalf("spent=%d failed=%d", nSpent, nFailed)
	}
	n, err := f.store.GetNullifier(ctx, 5, pool, serial)
	if err != nil || n.TxHash != common.HexToHash("0xe3") {
		t.Fatalf("nullifier: %+v %v", n, err)
	}
}

func TestApplier_ScansNewCommitments(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	crypto := protocol.NewKeccak()
	keys, err := protocol.DeriveAccountKeys(bytes.Repeat([]byte{7}, 32))
	if err != nil {
		t.Fatalf("DeriveAccountKeys: %v", err)
	}
	store := commitment.NewMemoryStore()
	sc, err := scanner.New(scanner.Config{Commitments: store, Crypto: crypto, Accounts: scanner.StaticAccounts{{Name: "a", Keys: keys}}})
	if err != nil {
		t.Fatalf("scanner.New: %v", err)
	}
	a, err := New(Config{Config: testConfig(), Commitments: store, Deposits: deposit.NewMemoryStore(), Scanner: sc})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	note, _ := crypto.NewNote(keys.Address(), big.NewInt(25))
	h, _ := crypto.Commitment(note)
	ct, _ := crypto.EncryptNote(note)
	e := queued(pool, h, 0)
	e.EncryptedNote = ct
	if err := a.Apply(ctx, e); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	c, _ := store.Get(ctx, commitment.ID{ChainID: 5, Contract: pool, Hash: h})
	if c.ShieldedAddress != keys.Address().String() || c.Amount.Int64() != 25 {
		t.Fatalf("commitment not assigned: %+v", c)
	}
}

func TestApplier_OwnedNoteSpentInSameBatch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	crypto := protocol.NewKeccak()
	keys, err := protocol.DeriveAccountKeys(bytes.Repeat([]byte{9}, 32))
	if err != nil {
		t.Fatalf("DeriveAccountKeys: %v", err)
	}
	store := commitment.NewMemoryStore()
	sc, err := scanner.New(scanner.Config{Commitments: store, Crypto: crypto, Accounts: scanner.StaticAccounts{{Name: "a", Keys: keys}}})
	if err != nil {
		t.Fatalf("scanner.New: %v", err)
	}
	a, err := New(Config{Config: testConfig(), Commitments: store, Deposits: deposit.NewMemoryStore(), Scanner: sc})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	note, _ := crypto.NewNote(keys.Address(), big.NewInt(40))
	h, _ := crypto.Commitment(note)
	ct, _ := crypto.EncryptNote(note)
	q := queued(pool, h, 0)
	q.EncryptedNote = ct
	b := importer.Batch{
		ChainID:  5,
		Queued:   []poolevent.Event{q},
		Included: []poolevent.Event{included(pool, h)},
		Spent:    []poolevent.Event{spent(crypto.SerialNumber(keys, note))},
	}
	if err := a.ApplyBatch(ctx, b); err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}

	c, err := store.Get(ctx, commitment.ID{ChainID: 5, Contract: pool, Hash: h})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !c.Owned() {
		t.Fatalf("commitment not assigned: %+v", c)
	}
	if c.Status != commitment.StatusSpent {
		t.Fatalf("status: got %v want %v", c.Status, commitment.StatusSpent)
	}
	if c.SpendingTxHash != common.HexToHash("0xe3") {
		t.Fatalf("spending tx: got %s want 0xe3", c.SpendingTxHash)
	}

	// Replaying the chunk leaves the note spent.
	if err := a.ApplyBatch(ctx, b); err != nil {
		t.Fatalf("ApplyBatch replay: %v", err)
	}
	if c, _ := store.Get(ctx, c.ID()); c.Status != commitment.StatusSpent {
		t.Fatalf("status after replay: got %v want %v", c.Status, commitment.StatusSpent)
	}
}
