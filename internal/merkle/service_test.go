package merkle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/veilpool/veil-core/internal/blobstore"
	"github.com/veilpool/veil-core/internal/chain"
	"github.com/veilpool/veil-core/internal/chain/chaintest"
	"github.com/veilpool/veil-core/internal/commitment"
	"github.com/veilpool/veil-core/internal/config"
)

var testPool = common.HexToAddress("0x00000000000000000000000000000000000000a1")

func testConfig(mode config.Rehydration) *config.Config {
	return &config.Config{
		Merkle: config.MerkleConfig{Depth: 8, Rehydration: mode},
		Chains: []config.ChainConfig{{
			ChainID:         5,
			EventFilterSize: 3,
			Pools:           []config.PoolConfig{{Address: testPool, StartBlock: 1, BridgeType: config.BridgeLoop}},
		}},
	}
}

func rootOf(t *testing.T, leaves ...common.Hash) common.Hash {
	t.Helper()
	tr, _ := NewTree(8)
	if err := tr.BulkInsert(leaves); err != nil {
		t.Fatalf("BulkInsert: %v", err)
	}
	return tr.Root()
}

func TestService_RemoteExtendsSnapshotAndChecksRoot(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := chaintest.New(5)
	snaps := blobstore.NewMemory("")

	// Snapshot covers leaves 0-1 through block 4; leaves 2-3 arrive later, out of log order.
	if err := blobstore.PutJSON(ctx, snaps, SnapshotKey(5, testPool), Snapshot{
		ChainID: 5, Contract: testPool, Block: 4, Leaves: []common.Hash{leaf(0), leaf(1)},
	}); err != nil {
		t.Fatalf("PutJSON: %v", err)
	}
	p.AddIncluded(testPool, 3, leaf(99)) // already in snapshot range, must be skipped
	p.AddIncluded(testPool, 9, leaf(3))
	p.AddIncluded(testPool, 6, leaf(2))
	p.SetHead(10)
	want := rootOf(t, leaf(0), leaf(1), leaf(2), leaf(3))
	p.SetKnownRoot(want, true)

	svc, err := NewService(ServiceConfig{
		Config:    testConfig(config.RehydrateRemote),
		Providers: chain.NewRegistry(p),
		Snapshots: snaps,
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	tr, err := svc.Tree(ctx, 5, testPool)
	if err != nil {
		t.Fatalf("Tree: %v", err)
	}
	if tr.Root() != want || tr.Len() != 4 {
		t.Fatalf("tree: got root %s len %d want %s len 4", tr.Root(), tr.Len(), want)
	}

	// Incremental: a new inclusion extends the cached tree.
	p.AddIncluded(testPool, 11, leaf(4))
	p.SetHead(11)
	want2 := rootOf(t, leaf(0), leaf(1), leaf(2), leaf(3), leaf(4))
	p.SetKnownRoot(want2, true)

	c := commitment.Commitment{CommitmentHash: leaf(2)}.SetLeafIndex(2)
	proof, err := svc.Proofs(ctx, 5, testPool, []commitment.Commitment{c})
	if err != nil {
		t.Fatalf("Proofs: %v", err)
	}
	if proof.Root != want2 {
		t.Fatalf("proof root: got %s want %s", proof.Root, want2)
	}
	if !VerifyPath(proof.Root, leaf(2), 2, proof.Paths[0]) {
		t.Fatalf("proof path does not verify")
	}

	bad := commitment.Commitment{CommitmentHash: leaf(7)}.SetLeafIndex(1)
	if _, err := svc.Proofs(ctx, 5, testPool, []commitment.Commitment{bad}); !errors.Is(err, commitment.ErrCorruptedData) {
		t.Fatalf("mismatched leaf: got %v want ErrCorruptedData", err)
	}

	snap, err := svc.PublishSnapshot(ctx, 5, testPool)
	if err != nil {
		t.Fatalf("PublishSnapshot: %v", err)
	}
	if snap.Block != 11 || len(snap.Leaves) != 5 || snap.Root != want2 {
		t.Fatalf("snapshot: got %+v", snap)
	}
}

func TestService_UnknownRootFailsAfterOneRebuild(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := chaintest.New(5)
	p.AddIncluded(testPool, 2, leaf(0))
	p.SetHead(2)

	svc, err := NewService(ServiceConfig{Config: testConfig(config.RehydrateRemote), Providers: chain.NewRegistry(p)})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	if _, err := svc.Tree(ctx, 5, testPool); !errors.Is(err, ErrUnknownMerkleRoot) {
		t.Fatalf("Tree: got %v want ErrUnknownMerkleRoot", err)
	}

	p.SetKnownRoot(rootOf(t, leaf(0)), true)
	if _, err := svc.Tree(ctx, 5, testPool); err != nil {
		t.Fatalf("Tree after root became known: %v", err)
	}
	if _, err := svc.Tree(ctx, 6, testPool); !errors.Is(err, config.ErrUnknownChain) {
		t.Fatalf("unknown chain: got %v", err)
	}
}

func TestService_LocalRebuildDetectsGaps(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := chaintest.New(5)
	store := commitment.NewMemoryStore()
	put := func(h common.Hash, idx uint64, st commitment.Status) {
		t.Helper()
		c := commitment.Commitment{ChainID: 5, Contract: testPool, CommitmentHash: h, Status: st}.SetLeafIndex(idx)
		if _, err := store.Insert(ctx, c); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	put(leaf(0), 0, commitment.StatusSpent)
	put(leaf(1), 1, commitment.StatusIncluded)
	// Queued commitments are not part of the tree.
	put(leaf(5), 5, commitment.StatusQueued)
	p.SetKnownRoot(rootOf(t, leaf(0), leaf(1)), true)

	svc, err := NewService(ServiceConfig{
		Config:      testConfig(config.RehydrateLocal),
		Providers:   chain.NewRegistry(p),
		Commitments: store,
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	tr, err := svc.Tree(ctx, 5, testPool)
	if err != nil {
		t.Fatalf("Tree: %v", err)
	}
	if tr.Len() != 2 {
		t.Fatalf("len: got %d want 2", tr.Len())
	}

	put(leaf(3), 3, commitment.StatusIncluded)
	if _, err := svc.Tree(ctx, 5, testPool); !errors.Is(err, commitment.ErrCorruptedData) {
		t.Fatalf("gap: got %v want ErrCorruptedData", err)
	}
}

// stalledRoots never answers IsKnownRoot before its context ends.
type stalledRoots struct{ *chaintest.Provider }

func (stalledRoots) IsKnownRoot(ctx context.Context, _ common.Address, _ common.Hash) (bool, error) {
	<-ctx.Done()
	return false, ctx.Err()
}

func TestService_ContractReadsHaveDeadline(t *testing.T) {
	t.Parallel()

	p := chaintest.New(5)
	p.AddIncluded(testPool, 2, leaf(0))
	p.SetHead(2)
	cfg := testConfig(config.RehydrateRemote)
	cfg.Protocol.RPCTimeout = 20 * time.Millisecond

	svc, err := NewService(ServiceConfig{Config: cfg, Providers: chain.NewRegistry(stalledRoots{p})})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	done := make(chan error, 1)
	go func() {
		_, err := svc.Tree(context.Background(), 5, testPool)
		done <- err
	}()
	select {
	case err := <-done:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("Tree: got %v want %v", err, context.DeadlineExceeded)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Tree did not return after the rpc timeout")
	}
}
