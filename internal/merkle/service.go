package merkle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/veilpool/veil-core/internal/blobstore"
	"github.com/veilpool/veil-core/internal/chain"
	"github.com/veilpool/veil-core/internal/commitment"
	"github.com/veilpool/veil-core/internal/config"
)

var (
	ErrInvalidConfig = errors.New("merkle: invalid config")
	ErrInvalidInput  = errors.New("merkle: invalid input")

	// ErrUnknownMerkleRoot means the rebuilt tree's root is still not recognised by the
	// pool contract. The caller must resync before retrying.
	ErrUnknownMerkleRoot = errors.New("merkle: unknown merkle root")
)

// Providers resolves the chain provider for a chain id; *chain.Registry implements it.
type Providers interface {
	Get(chainID uint64) (chain.Provider, error)
}

// Snapshot is the persisted form of a tree, complete through Block.
type Snapshot struct {
	ChainID  uint64         `json:"chainId"`
	Contract common.Address `json:"contract"`
	Block    uint64         `json:"block"`
	Root     common.Hash    `json:"root"`
	Leaves   []common.Hash  `json:"leaves"`
}

// SnapshotKey is the blob store key of the snapshot for one pool contract.
func SnapshotKey(chainID uint64, contract common.Address) string {
	return fmt.Sprintf("merkle/v1/chain_%d/%s.json", chainID, strings.ToLower(contract.Hex()))
}

type ServiceConfig struct {
	Config      *config.Config
	Providers   Providers
	Commitments commitment.Store
	// Snapshots seeds remote rehydration; nil starts every tree from the pool's start block.
	Snapshots blobstore.Store
	Log       *slog.Logger
}

type treeKey struct {
	chainID  uint64
	contract common.Address
}

type entry struct {
	mu    sync.Mutex
	tree  *Tree
	block uint64
}

// Service keeps one cached tree per (chain, contract).
type Service struct {
	cfg         *config.Config
	providers   Providers
	commitments commitment.Store
	snapshots   blobstore.Store
	log         *slog.Logger

	mu      sync.Mutex
	entries map[treeKey]*entry
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Config == nil || cfg.Providers == nil {
		return nil, fmt.Errorf("%w: config and providers are required", ErrInvalidConfig)
	}
	if cfg.Config.Merkle.Rehydration == config.RehydrateLocal && cfg.Commitments == nil {
		return nil, fmt.Errorf("%w: local rehydration requires a commitment store", ErrInvalidConfig)
	}
	if cfg.Config.Merkle.Depth <= 0 || cfg.Config.Merkle.Depth > MaxDepth {
		return nil, fmt.Errorf("%w: depth %d", ErrInvalidDepth, cfg.Config.Merkle.Depth)
	}
	log := cfg.Log
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Service{
		cfg:         cfg.Config,
		providers:   cfg.Providers,
		commitments: cfg.Commitments,
		snapshots:   cfg.Snapshots,
		log:         log,
		entries:     make(map[treeKey]*entry),
	}, nil
}

func (s *Service) entry(k treeKey) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[k]
	if !ok {
		e = &entry{}
		s.entries[k] = e
	}
	return e
}

// Invalidate drops the cached tree so the next use rebuilds it.
func (s *Service) Invalidate(chainID uint64, contract common.Address) {
	e := s.entry(treeKey{chainID, contract})
	e.mu.Lock()
	e.tree = nil
	e.block = 0
	e.mu.Unlock()
}

// Tree returns a copy of the up-to-date tree whose root the pool contract accepts.
func (s *Service) Tree(ctx context.Context, chainID uint64, contract common.Address) (*Tree, error) {
	k := treeKey{chainID, contract}
	e := s.entry(k)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := s.trustedLocked(ctx, k, e); err != nil {
		return nil, err
	}
	return e.tree.Clone(), nil
}

// Proof authenticates a set of leaves against one root.
type Proof struct {
	Root  common.Hash
	Paths [][]common.Hash
}

// Proofs returns authentication paths for commitments that must already carry leaf indices.
// A leaf that does not hold the commitment's hash is corrupted local state.
func (s *Service) Proofs(ctx context.Context, chainID uint64, contract common.Address, cs []commitment.Commitment) (Proof, error) {
	if len(cs) == 0 {
		return Proof{}, fmt.Errorf("%w: no commitments", ErrInvalidInput)
	}
	for _, c := range cs {
		if !c.HasLeafIndex {
			return Proof{}, fmt.Errorf("%w: commitment %s has no leaf index", ErrInvalidInput, c.CommitmentHash)
		}
	}
	t, err := s.Tree(ctx, chainID, contract)
	if err != nil {
		return Proof{}, err
	}
	leaves := t.nodes[0]
	out := Proof{Root: t.Root(), Paths: make([][]common.Hash, 0, len(cs))}
	for _, c := range cs {
		if c.LeafIndex >= uint64(len(leaves)) {
			return Proof{}, fmt.Errorf("%w: leaf %d beyond tree size %d", commitment.ErrCorruptedData, c.LeafIndex, len(leaves))
		}
		if leaves[c.LeafIndex] != c.CommitmentHash {
			return Proof{}, fmt.Errorf("%w: leaf %d holds %s, want %s", commitment.ErrCorruptedData, c.LeafIndex, leaves[c.LeafIndex], c.CommitmentHash)
		}
		path, err := t.Path(c.LeafIndex)
		if err != nil {
			return Proof{}, err
		}
		out.Paths = append(out.Paths, path)
	}
	return out, nil
}

// PublishSnapshot writes the cached tree for contract to the blob store.
func (s *Service) PublishSnapshot(ctx context.Context, chainID uint64, contract common.Address) (Snapshot, error) {
	if s.snapshots == nil || s.cfg.Merkle.Rehydration != config.RehydrateRemote {
		return Snapshot{}, fmt.Errorf("%w: snapshots need remote rehydration and a snapshot store", ErrInvalidConfig)
	}
	k := treeKey{chainID, contract}
	e := s.entry(k)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := s.refreshLocked(ctx, k, e); err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{
		ChainID:  chainID,
		Contract: contract,
		Block:    e.block,
		Root:     e.tree.Root(),
		Leaves:   e.tree.Leaves(),
	}
	if err := blobstore.PutJSON(ctx, s.snapshots, SnapshotKey(chainID, contract), snap); err != nil {
		return Snapshot{}, err
	}
	s.log.Info("published merkle snapshot", "chain_id", chainID, "contract", contract, "block", snap.Block, "leaves", len(snap.Leaves))
	return snap, nil
}

func (s *Service) trustedLocked(ctx context.Context, k treeKey, e *entry) error {
	p, err := s.providers.Get(k.chainID)
	if err != nil {
		return err
	}
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			e.tree = nil
			e.block = 0
		}
		if err := s.refreshLocked(ctx, k, e); err != nil {
			return err
		}
		root := e.tree.Root()
		rctx, cancel := s.rpcContext(ctx)
		known, err := p.IsKnownRoot(rctx, k.contract, root)
		cancel()
		if err != nil {
			return fmt.Errorf("merkle: isKnownRoot: %w", err)
		}
		if known {
			return nil
		}
		s.log.Warn("merkle root not known on chain", "chain_id", k.chainID, "contract", k.contract, "root", root, "leaves", e.tree.Len(), "attempt", attempt+1)
	}
	root := e.tree.Root()
	e.tree = nil
	e.block = 0
	return fmt.Errorf("%w: chain %d contract %s root %s", ErrUnknownMerkleRoot, k.chainID, k.contract, root)
}

// rpcContext bounds one contract read.
func (s *Service) rpcContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if t := s.cfg.Protocol.RPCTimeout; t > 0 {
		return context.WithTimeout(ctx, t)
	}
	return context.WithCancel(ctx)
}

func (s *Service) refreshLocked(ctx context.Context, k treeKey, e *entry) error {
	ch, err := s.cfg.Chain(k.chainID)
	if err != nil {
		return err
	}
	if _, err := s.cfg.Pool(k.chainID, k.contract); err != nil {
		return err
	}
	if s.cfg.Merkle.Rehydration == config.RehydrateLocal {
		t, err := s.rebuildLocal(ctx, k)
		if err != nil {
			return err
		}
		e.tree = t
		return nil
	}
	if e.tree == nil {
		t, block, err := s.loadSnapshot(ctx, k, ch)
		if err != nil {
			return err
		}
		e.tree, e.block = t, block
	}
	return s.extendRemote(ctx, k, ch, e)
}

func (s *Service) loadSnapshot(ctx context.Context, k treeKey, ch config.ChainConfig) (*Tree, uint64, error) {
	t, err := NewTree(s.cfg.Merkle.Depth)
	if err != nil {
		return nil, 0, err
	}
	block := ch.StartBlock(k.contract)
	if block > 0 {
		block--
	}
	if s.snapshots == nil {
		return t, block, nil
	}
	var snap Snapshot
	err = blobstore.GetJSON(ctx, s.snapshots, SnapshotKey(k.chainID, k.contract), &snap)
	if errors.Is(err, blobstore.ErrNotFound) {
		return t, block, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("merkle: load snapshot: %w", err)
	}
	if snap.ChainID != k.chainID || snap.Contract != k.contract {
		return nil, 0, fmt.Errorf("%w: snapshot for %d/%s stored under %d/%s", commitment.ErrCorruptedData, snap.ChainID, snap.Contract, k.chainID, k.contract)
	}
	if err := t.BulkInsert(snap.Leaves); err != nil {
		return nil, 0, err
	}
	if (snap.Root != common.Hash{}) && snap.Root != t.Root() {
		return nil, 0, fmt.Errorf("%w: snapshot root %s does not match leaves (%s)", commitment.ErrCorruptedData, snap.Root, t.Root())
	}
	if snap.Block > block {
		block = snap.Block
	}
	s.log.Debug("loaded merkle snapshot", "chain_id", k.chainID, "contract", k.contract, "block", block, "leaves", len(snap.Leaves))
	return t, block, nil
}

func (s *Service) extendRemote(ctx context.Context, k treeKey, ch config.ChainConfig, e *entry) error {
	p, err := s.providers.Get(k.chainID)
	if err != nil {
		return err
	}
	rctx, cancel := s.rpcContext(ctx)
	head, err := p.CurrentBlock(rctx)
	cancel()
	if err != nil {
		return fmt.Errorf("merkle: current block: %w", err)
	}
	step := ch.EventFilterSize
	if step == 0 {
		step = 2000
	}
	next := e.tree.Clone()
	block := e.block
	for block < head {
		from := block + 1
		to := block + step
		if to > head {
			to = head
		}
		rctx, cancel := s.rpcContext(ctx)
		logs, err := p.QueryIncluded(rctx, []common.Address{k.contract}, from, to)
		cancel()
		if err != nil {
			return fmt.Errorf("merkle: query included [%d,%d]: %w", from, to, err)
		}
		sortIncluded(logs)
		for _, lg := range logs {
			if _, err := next.Insert(lg.Commitment); err != nil {
				return err
			}
		}
		block = to
	}
	e.tree, e.block = next, block
	return nil
}

func (s *Service) rebuildLocal(ctx context.Context, k treeKey) (*Tree, error) {
	cs, err := s.commitments.Find(ctx, commitment.Query{
		ChainID:  k.chainID,
		Contract: k.contract,
		Statuses: []commitment.Status{commitment.StatusIncluded, commitment.StatusSpent},
	})
	if err != nil {
		return nil, fmt.Errorf("merkle: find included commitments: %w", err)
	}
	commitment.SortByLeaf(cs)
	t, err := NewTree(s.cfg.Merkle.Depth)
	if err != nil {
		return nil, err
	}
	for i, c := range cs {
		if !c.HasLeafIndex || c.LeafIndex != uint64(i) {
			return nil, fmt.Errorf("%w: commitment %s at rank %d has leaf index %s", commitment.ErrCorruptedData, c.CommitmentHash, i, leafString(c))
		}
		if _, err := t.Insert(c.CommitmentHash); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func leafString(c commitment.Commitment) string {
	if !c.HasLeafIndex {
		return "unset"
	}
	return fmt.Sprintf("%d", c.LeafIndex)
}

func sortIncluded(logs []chain.IncludedLog) {
	sort.SliceStable(logs, func(i, j int) bool {
		a, b := logs[i].LogMeta, logs[j].LogMeta
		if a.BlockNumber != b.BlockNumber {
			return a.BlockNumber < b.BlockNumber
		}
		return a.LogIndex < b.LogIndex
	})
}
