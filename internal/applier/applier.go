package applier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/veilpool/veil-core/internal/commitment"
	"github.com/veilpool/veil-core/internal/config"
	"github.com/veilpool/veil-core/internal/deposit"
	"github.com/veilpool/veil-core/internal/importer"
	"github.com/veilpool/veil-core/internal/metrics"
	"github.com/veilpool/veil-core/internal/poolevent"
)

var ErrInvalidConfig = errors.New("applier: invalid config")

// Scanner assigns ownership of freshly written commitments.
type Scanner interface {
	Scan(ctx context.Context, cs []commitment.Commitment) (int, error)
}

// CommitmentStore is the commitment and nullifier persistence the applier writes.
type CommitmentStore interface {
	commitment.Store
	commitment.NullifierStore
}

type Config struct {
	Config      *config.Config
	Commitments CommitmentStore
	Deposits    deposit.Store
	// Scanner is optional; without it ownership is left for a later rescan.
	Scanner Scanner
	Metrics *metrics.Metrics
	Log     *slog.Logger
}

type Applier struct {
	cfg      *config.Config
	store    CommitmentStore
	deposits deposit.Store
	scanner  Scanner
	metrics  *metrics.Metrics
	log      *slog.Logger
}

func New(cfg Config) (*Applier, error) {
	if cfg.Config == nil || cfg.Commitments == nil || cfg.Deposits == nil {
		return nil, fmt.Errorf("%w: config, commitment and deposit stores are required", ErrInvalidConfig)
	}
	log := cfg.Log
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Applier{
		cfg:      cfg.Config,
		store:    cfg.Commitments,
		deposits: cfg.Deposits,
		scanner:  cfg.Scanner,
		metrics:  cfg.Metrics,
		log:      log,
	}, nil
}

// Apply applies a single event and scans the commitment it touched.
func (a *Applier) Apply(ctx context.Context, e poolevent.Event) error {
	touched, err := a.apply(ctx, e)
	if err != nil {
		return err
	}
	return a.scan(ctx, touched)
}

// ApplyBatch applies queued, then included, then spent events of one import
// chunk and scans every touched commitment once. It is an importer.Handler.
func (a *Applier) ApplyBatch(ctx context.Context, b importer.Batch) error {
	var touched []commitment.Commitment
	for _, group := range [][]poolevent.Event{b.Queued, b.Included, b.Spent} {
		for _, e := range group {
			cs, err := a.apply(ctx, e)
			if err != nil {
				return err
			}
			touched = append(touched, cs...)
		}
	}
	return a.scan(ctx, touched)
}

func (a *Applier) apply(ctx context.Context, e poolevent.Event) ([]commitment.Commitment, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	var (
		touched []commitment.Commitment
		err     error
	)
	switch e.Kind {
	case poolevent.KindQueued:
		var c commitment.Commitment
		c, err = a.applyQueued(ctx, e)
		touched = []commitment.Commitment{c}
	case poolevent.KindIncluded:
		var c commitment.Commitment
		c, err = a.applyIncluded(ctx, e)
		touched = []commitment.Commitment{c}
	case poolevent.KindSpent:
		err = a.applySpent(ctx, e)
	}
	if err != nil {
		return nil, err
	}
	a.metrics.IncApplied(e.ChainID, e.Kind.String())
	return touched, nil
}

func (a *Applier) scan(ctx context.Context, cs []commitment.Commitment) error {
	if a.scanner == nil || len(cs) == 0 {
		return nil
	}
	if _, err := a.scanner.Scan(ctx, cs); err != nil {
		return fmt.Errorf("applier: scan: %w", err)
	}
	return nil
}

func eventID(e poolevent.Event) commitment.ID {
	return commitment.ID{ChainID: e.ChainID, Contract: e.Contract, Hash: e.CommitmentHash}
}

func (a *Applier) applyQueued(ctx context.Context, e poolevent.Event) (commitment.Commitment, error) {
	ch, err := a.cfg.Chain(e.ChainID)
	if err != nil {
		return commitment.Commitment{}, err
	}
	loop := ch.BridgeTypeOf(e.Contract).IsLoop()

	c, _, err := a.store.Upsert(ctx, eventID(e), func(cur commitment.Commitment, exists bool) (commitment.Commitment, error) {
		next := cur.Clone()
		if !exists {
			next = commitment.Commitment{
				ChainID:        e.ChainID,
				Contract:       e.Contract,
				CommitmentHash: e.CommitmentHash,
				Status:         commitment.StatusQueued,
			}
		}
		if next.Status == commitment.StatusInit || next.Status == commitment.StatusSrcSucceeded {
			next.Status = commitment.StatusQueued
		}
		next = next.SetLeafIndex(e.LeafIndex)
		if e.RollupFee != nil {
			next.RollupFee = e.RollupFee
		}
		if len(e.EncryptedNote) > 0 {
			next.EncryptedNote = e.EncryptedNote
		}
		if loop {
			next.CreationTxHash = e.TxHash
		} else {
			next.RelayTxHash = e.TxHash
		}
		return next, nil
	})
	if err != nil {
		return commitment.Commitment{}, fmt.Errorf("applier: queued %s: %w", eventID(e), err)
	}
	if err := a.promoteDeposits(ctx, e, deposit.StatusQueued); err != nil {
		return commitment.Commitment{}, err
	}
	return c, nil
}

func (a *Applier) applyIncluded(ctx context.Context, e poolevent.Event) (commitment.Commitment, error) {
	c, err := a.store.Update(ctx, eventID(e), func(cur commitment.Commitment) (commitment.Commitment, error) {
		next := cur.Clone()
		switch cur.Status {
		case commitment.StatusInit, commitment.StatusQueued, commitment.StatusSrcSucceeded:
			next.Status = commitment.StatusIncluded
		}
		next.RollupTxHash = e.TxHash
		return next, nil
	})
	if errors.Is(err, commitment.ErrNotFound) {
		return commitment.Commitment{}, fmt.Errorf("%w: inclusion of %s which was never queued", commitment.ErrCorruptedData, eventID(e))
	}
	if err != nil {
		return commitment.Commitment{}, fmt.Errorf("applier: included %s: %w", eventID(e), err)
	}
	if err := a.promoteDeposits(ctx, e, deposit.StatusIncluded); err != nil {
		return commitment.Commitment{}, err
	}
	return c, nil
}

func (a *Applier) applySpent(ctx context.Context, e poolevent.Event) error {
	if _, err := a.store.UpsertNullifier(ctx, commitment.Nullifier{
		ChainID:      e.ChainID,
		Contract:     e.Contract,
		SerialNumber: e.SerialNumber,
		TxHash:       e.TxHash,
	}); err != nil {
		return fmt.Errorf("applier: nullifier %s: %w", e.SerialNumber, err)
	}

	cs, err := a.store.Find(ctx, commitment.Query{ChainID: e.ChainID, Contract: e.Contract, SerialNumber: e.SerialNumber})
	if err != nil {
		return fmt.Errorf("applier: find by serial: %w", err)
	}
	n := 0
	for _, c := range cs {
		if c.Status == commitment.StatusFailed {
			continue
		}
		n++
		_, err := a.store.Update(ctx, c.ID(), func(cur commitment.Commitment) (commitment.Commitment, error) {
			if cur.Status == commitment.StatusFailed {
				return cur, nil
			}
			next := cur.Clone()
			next.Status = commitment.StatusSpent
			next.SpendingTxHash = e.TxHash
			return next, nil
		})
		if err != nil {
			return fmt.Errorf("applier: spend %s: %w", c.ID(), err)
		}
	}
	if n > 1 {
		a.metrics.IncDuplicateSerial(e.ChainID)
		a.log.Warn("serial number matches several commitments", "chain_id", e.ChainID, "contract", e.Contract, "serial", e.SerialNumber, "count", n)
	}
	return nil
}

// promoteDeposits moves deposits that created the commitment forward to status.
// Deposits already at or past it, or failed, are left alone.
func (a *Applier) promoteDeposits(ctx context.Context, e poolevent.Event, status deposit.Status) error {
	ds, err := a.deposits.FindByCommitment(ctx, e.ChainID, e.Contract, e.CommitmentHash)
	if err != nil {
		return fmt.Errorf("applier: find deposits: %w", err)
	}
	for _, d := range ds {
		if d.Status.Terminal() || d.Status >= status {
			continue
		}
		_, err := a.deposits.Update(ctx, d.ID, func(cur deposit.Deposit) (deposit.Deposit, error) {
			if cur.Status.Terminal() || cur.Status >= status {
				return cur, nil
			}
			next := cur.Clone()
			next.Status = status
			if status == deposit.StatusQueued {
				next.QueuedTxHash = e.TxHash
			} else {
				next.IncludedTxHash = e.TxHash
			}
			return next, nil
		})
		if err != nil {
			return fmt.Errorf("applier: promote deposit %s: %w", d.ID, err)
		}
		a.metrics.IncDeposit(status.String())
	}
	return nil
}
