package importer

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/veilpool/veil-core/internal/config"
	"github.com/veilpool/veil-core/internal/cursor"
	"github.com/veilpool/veil-core/internal/metrics"
	"github.com/veilpool/veil-core/internal/poolevent"
	"golang.org/x/sync/errgroup"
)

// HeadReader reports the chain head; chain.Provider implements it.
type HeadReader interface {
	CurrentBlock(ctx context.Context) (uint64, error)
}

type Config struct {
	Chain config.ChainConfig
	Head  HeadReader

	Source Source
	// CatchUp serves blocks beyond Source's watermark and any span below it
	// that Source does not cover. Without it the import target is capped at the
	// watermark and the import stops at the first uncovered block.
	CatchUp Source

	Cursors cursor.Store
	Metrics *metrics.Metrics
	Log     *slog.Logger
}

// Batch holds the events of one chunk. Queued events are in leaf order per
// contract; included and spent events in chain order.
type Batch struct {
	ChainID   uint64
	Contracts []common.Address
	From      uint64
	To        uint64
	Source    string

	Queued   []poolevent.Event
	Included []poolevent.Event
	Spent    []poolevent.Event
}

func (b Batch) Len() int { return len(b.Queued) + len(b.Included) + len(b.Spent) }

// Handler applies a batch. An error stops the import before cursors move.
type Handler func(ctx context.Context, b Batch) error

type Result struct {
	Start  uint64
	Synced uint64
	Target uint64
	Chunks int
	Events int
}

type Importer struct {
	chain   config.ChainConfig
	head    HeadReader
	source  Source
	catchUp Source
	cursors cursor.Store
	metrics *metrics.Metrics
	log     *slog.Logger
}

func New(cfg Config) (*Importer, error) {
	if cfg.Chain.ChainID == 0 || cfg.Head == nil || cfg.Source == nil || cfg.Cursors == nil {
		return nil, fmt.Errorf("%w: chain, head reader, source and cursor store are required", ErrInvalidConfig)
	}
	if cfg.Chain.EventFilterSize == 0 {
		return nil, fmt.Errorf("%w: event filter size must be > 0", ErrInvalidConfig)
	}
	log := cfg.Log
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Importer{
		chain:   cfg.Chain,
		head:    cfg.Head,
		source:  cfg.Source,
		catchUp: cfg.CatchUp,
		cursors: cfg.Cursors,
		metrics: cfg.Metrics,
		log:     log.With("chain_id", cfg.Chain.ChainID),
	}, nil
}

// Import fetches and handles every chunk between the cursor and the target
// block. contracts narrows the import; empty means every pool on the chain.
func (im *Importer) Import(ctx context.Context, contracts []common.Address, h Handler) (Result, error) {
	all := im.chain.ContractAddresses()
	if len(contracts) == 0 {
		contracts = all
	}
	for _, c := range contracts {
		if !containsAddress(all, c) {
			return Result{}, fmt.Errorf("%w: %s on chain %d", config.ErrUnknownContract, c, im.chain.ChainID)
		}
	}
	if len(contracts) == 0 {
		return Result{}, nil
	}
	wholeChain := len(contracts) == len(all)

	start, err := im.startBlock(ctx, contracts)
	if err != nil {
		return Result{}, err
	}
	head, err := im.withTimeout(ctx, im.head.CurrentBlock)
	if err != nil {
		return Result{Start: start, Synced: start}, fmt.Errorf("importer: current block: %w", err)
	}
	target := uint64(0)
	if head > im.chain.Confirmations {
		target = head - im.chain.Confirmations
	}
	watermark, err := im.withTimeout(ctx, im.source.Watermark)
	if err != nil {
		return Result{Start: start, Synced: start}, fmt.Errorf("importer: %s watermark: %w", im.source.Name(), err)
	}
	if im.catchUp == nil && watermark < target {
		target = watermark
	}

	res := Result{Start: start, Synced: start, Target: target}
	for res.Synced < target {
		from := res.Synced + 1
		to := res.Synced + im.chain.EventFilterSize
		if to > target {
			to = target
		}
		src, end, ok := im.route(from, watermark)
		if !ok {
			im.log.Debug("no source covers block", "source", im.source.Name(), "block", from)
			break
		}
		if end < to {
			to = end
		}

		b, err := im.fetch(ctx, src, Range{ChainID: im.chain.ChainID, Contracts: contracts, From: from, To: to})
		if err != nil {
			return res, err
		}
		if err := h(ctx, b); err != nil {
			return res, fmt.Errorf("importer: handle [%d,%d]: %w", from, to, err)
		}
		if err := im.advance(ctx, contracts, wholeChain, to); err != nil {
			return res, err
		}
		res.Synced = to
		res.Chunks++
		res.Events += b.Len()
		im.metrics.SetSyncedBlock(im.chain.ChainID, to)
		im.log.Debug("imported chunk", "source", src.Name(), "from", from, "to", to, "events", b.Len())
	}
	return res, nil
}

// spanSource is a source that serves only some spans of blocks below its
// watermark; PackerSource implements it.
type spanSource interface {
	Covered(block uint64) (end uint64, ok bool, next uint64)
}

// route picks the source for the chunk starting at from and the last block
// that source may serve in it. ok is false when no source can serve from.
func (im *Importer) route(from, watermark uint64) (Source, uint64, bool) {
	const open = ^uint64(0)
	if from > watermark {
		if im.catchUp == nil {
			return nil, 0, false
		}
		return im.catchUp, open, true
	}
	spans, isSpans := im.source.(spanSource)
	if !isSpans {
		return im.source, watermark, true
	}
	end, covered, next := spans.Covered(from)
	switch {
	case covered:
		return im.source, end, true
	case im.catchUp == nil:
		return nil, 0, false
	case next == 0:
		return im.catchUp, open, true
	default:
		return im.catchUp, next - 1, true
	}
}

func (im *Importer) startBlock(ctx context.Context, contracts []common.Address) (uint64, error) {
	var (
		start uint64
		first = true
	)
	for _, c := range contracts {
		v, ok, err := im.cursors.Get(ctx, cursor.ContractKey(im.chain.ChainID, c))
		if err != nil {
			return 0, fmt.Errorf("importer: read cursor: %w", err)
		}
		if !ok {
			v = im.chain.StartBlock(c)
			if v > 0 {
				v--
			}
		}
		if first || v < start {
			start, first = v, false
		}
	}
	return start, nil
}

func (im *Importer) advance(ctx context.Context, contracts []common.Address, wholeChain bool, to uint64) error {
	for _, c := range contracts {
		if _, err := im.cursors.Advance(ctx, cursor.ContractKey(im.chain.ChainID, c), to); err != nil {
			return fmt.Errorf("importer: advance cursor: %w", err)
		}
	}
	if wholeChain {
		if _, err := im.cursors.Advance(ctx, cursor.ChainKey(im.chain.ChainID), to); err != nil {
			return fmt.Errorf("importer: advance chain cursor: %w", err)
		}
	}
	return nil
}

func (im *Importer) fetch(ctx context.Context, src Source, r Range) (Batch, error) {
	ctx, cancel := im.timeoutCtx(ctx)
	defer cancel()

	b := Batch{ChainID: r.ChainID, Contracts: r.Contracts, From: r.From, To: r.To, Source: src.Name()}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		evs, err := src.FetchQueued(gctx, r)
		b.Queued = evs
		return wrapFetch(src, "queued", r, err)
	})
	g.Go(func() error {
		evs, err := src.FetchIncluded(gctx, r)
		b.Included = evs
		return wrapFetch(src, "included", r, err)
	})
	g.Go(func() error {
		evs, err := src.FetchSpent(gctx, r)
		b.Spent = evs
		return wrapFetch(src, "spent", r, err)
	})
	if err := g.Wait(); err != nil {
		return Batch{}, err
	}

	poolevent.SortQueued(b.Queued)
	poolevent.SortByPosition(b.Included)
	poolevent.SortByPosition(b.Spent)
	im.metrics.AddImported(r.ChainID, src.Name(), poolevent.KindQueued.String(), len(b.Queued))
	im.metrics.AddImported(r.ChainID, src.Name(), poolevent.KindIncluded.String(), len(b.Included))
	im.metrics.AddImported(r.ChainID, src.Name(), poolevent.KindSpent.String(), len(b.Spent))
	return b, nil
}

func wrapFetch(src Source, kind string, r Range, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("importer: %s fetch %s [%d,%d]: %w", src.Name(), kind, r.From, r.To, err)
}

func (im *Importer) timeoutCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if im.chain.SyncTimeout > 0 {
		return context.WithTimeout(ctx, im.chain.SyncTimeout)
	}
	return context.WithCancel(ctx)
}

func (im *Importer) withTimeout(ctx context.Context, fn func(context.Context) (uint64, error)) (uint64, error) {
	ctx, cancel := im.timeoutCtx(ctx)
	defer cancel()
	return fn(ctx)
}

func containsAddress(list []common.Address, a common.Address) bool {
	for _, v := range list {
		if v == a {
			return true
		}
	}
	return false
}

