// Package syncer runs periodic synchronization passes across every configured
// chain. One instance leads through a lease and imports; the others follow the
// leader's status through the notifier.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/veilpool/veil-core/internal/config"
	"github.com/veilpool/veil-core/internal/importer"
	"github.com/veilpool/veil-core/internal/leases"
	"github.com/veilpool/veil-core/internal/merkle"
	"github.com/veilpool/veil-core/internal/metrics"
	"github.com/veilpool/veil-core/internal/notify"
)

var (
	ErrInvalidConfig  = errors.New("syncer: invalid config")
	ErrPassInProgress = errors.New("syncer: pass in progress")
	ErrUnknownChain   = errors.New("syncer: unknown chain")
)

type EventType string

const (
	EventSynchronizing      EventType = "SYNCHRONIZING"
	EventChainSynchronizing EventType = "CHAIN_SYNCHRONIZING"
	EventChainSynchronized  EventType = "CHAIN_SYNCHRONIZED"
	EventChainFailed        EventType = "CHAIN_FAILED"
	EventSynchronized       EventType = "SYNCHRONIZED"
	EventFailed             EventType = "FAILED"
)

// Event is one lifecycle step of a pass. Mirrored events were produced by
// another instance and received through the notifier.
type Event struct {
	Type     EventType
	ChainID  uint64
	Block    uint64
	Err      string
	Owner    string
	Mirrored bool
	At       time.Time
}

type Listener func(Event)

type listener struct {
	fn    Listener
	types map[EventType]bool
}

func (l listener) wants(t EventType) bool { return len(l.types) == 0 || l.types[t] }

// ChainImporter is the per-chain import pipeline; *importer.Importer implements it.
type ChainImporter interface {
	Import(ctx context.Context, contracts []common.Address, h importer.Handler) (importer.Result, error)
}

// Applier applies one imported batch; *applier.Applier implements it.
type Applier interface {
	ApplyBatch(ctx context.Context, b importer.Batch) error
}

// Snapshotter publishes Merkle snapshots after a chain synchronized; *merkle.Service implements it.
type Snapshotter interface {
	PublishSnapshot(ctx context.Context, chainID uint64, contract common.Address) (merkle.Snapshot, error)
}

type Config struct {
	Config    *config.Config
	Importers map[uint64]ChainImporter
	Applier   Applier

	// Reset enables ResetChain.
	Reset *Resetter
	// Snapshots is optional; when set the leader publishes every pool's tree after a chain synchronized.
	Snapshots Snapshotter
	// Elector is optional; without it the instance always leads.
	Elector *leases.Elector
	// Notifier is optional; it carries the leader's events to followers.
	Notifier notify.Notifier
	// Owner identifies this instance in published statuses.
	Owner string

	Metrics *metrics.Metrics
	Log     *slog.Logger
	Now     func() time.Time
}

type Scheduler struct {
	cfg       *config.Config
	importers map[uint64]ChainImporter
	applier   Applier
	reset     *Resetter
	snapshots Snapshotter
	elector   *leases.Elector
	notifier  notify.Notifier
	owner     string
	metrics   *metrics.Metrics
	log       *slog.Logger
	now       func() time.Time

	running atomic.Bool
	passes  sync.WaitGroup

	mu        sync.RWMutex
	listeners []listener
}

func New(cfg Config) (*Scheduler, error) {
	if cfg.Config == nil || cfg.Applier == nil {
		return nil, fmt.Errorf("%w: config and applier are required", ErrInvalidConfig)
	}
	for _, ch := range cfg.Config.Chains {
		if cfg.Importers[ch.ChainID] == nil {
			return nil, fmt.Errorf("%w: no importer for chain %d", ErrInvalidConfig, ch.ChainID)
		}
	}
	owner := cfg.Owner
	if owner == "" && cfg.Elector != nil {
		owner = cfg.Elector.Owner()
	}
	log := cfg.Log
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		cfg:       cfg.Config,
		importers: cfg.Importers,
		applier:   cfg.Applier,
		reset:     cfg.Reset,
		snapshots: cfg.Snapshots,
		elector:   cfg.Elector,
		notifier:  cfg.Notifier,
		owner:     owner,
		metrics:   cfg.Metrics,
		log:       log,
		now:       now,
	}, nil
}

// AddListener registers fn for the given event types, or for every type when none are given.
func (s *Scheduler) AddListener(fn Listener, types ...EventType) {
	if fn == nil {
		return
	}
	l := listener{fn: fn}
	if len(types) > 0 {
		l.types = make(map[EventType]bool, len(types))
		for _, t := range types {
			l.types[t] = true
		}
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
}

func (s *Scheduler) deliver(ev Event) {
	s.mu.RLock()
	ls := append([]listener(nil), s.listeners...)
	s.mu.RUnlock()
	for _, l := range ls {
		if !l.wants(ev.Type) {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("sync listener panicked", "event", ev.Type, "chain_id", ev.ChainID, "panic", r)
				}
			}()
			l.fn(ev)
		}()
	}
}

// emit delivers a locally produced event and publishes it for followers.
func (s *Scheduler) emit(ctx context.Context, ev Event) {
	ev.Owner = s.owner
	ev.At = s.now()
	s.deliver(ev)
	if s.notifier == nil {
		return
	}
	err := s.notifier.Publish(ctx, notify.Status{
		Owner:   ev.Owner,
		Event:   string(ev.Type),
		ChainID: ev.ChainID,
		Block:   ev.Block,
		Error:   ev.Err,
		At:      ev.At,
	})
	if err != nil {
		s.log.Warn("publish sync status", "event", ev.Type, "err", err)
	}
}

func (s *Scheduler) mirror(st notify.Status) {
	if st.Owner != "" && st.Owner == s.owner {
		return
	}
	s.deliver(Event{
		Type:     EventType(st.Event),
		ChainID:  st.ChainID,
		Block:    st.Block,
		Err:      st.Error,
		Owner:    st.Owner,
		Mirrored: true,
		At:       st.At,
	})
}

// Follow mirrors statuses published by other instances to local listeners
// until ctx is done. Run calls it; it is a no-op without a notifier.
func (s *Scheduler) Follow(ctx context.Context) error {
	if s.notifier == nil {
		return nil
	}
	if err := s.notifier.Subscribe(ctx, s.mirror); err != nil {
		return fmt.Errorf("syncer: subscribe: %w", err)
	}
	return nil
}

// Run drives passes on a single timer until ctx is done: the first after the
// initial delay, then every interval. A tick that lands while a pass is still
// running is skipped.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.cfg.Sync.Interval
	if interval <= 0 {
		return fmt.Errorf("%w: sync interval must be > 0", ErrInvalidConfig)
	}
	if err := s.Follow(ctx); err != nil {
		return err
	}

	t := time.NewTimer(s.cfg.Sync.InitialDelay)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			s.passes.Wait()
			s.resign()
			return nil
		case <-t.C:
			t.Reset(interval)
			if !s.running.CompareAndSwap(false, true) {
				s.log.Warn("previous sync pass still running; skipping tick")
				continue
			}
			s.passes.Add(1)
			go func() {
				defer s.passes.Done()
				defer s.running.Store(false)
				if err := s.pass(ctx); err != nil {
					s.log.Error("sync pass", "err", err)
				}
			}()
		}
	}
}

func (s *Scheduler) resign() {
	if s.elector == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.elector.Resign(ctx); err != nil {
		s.log.Warn("resign leadership", "err", err)
	}
	s.metrics.SetLeader(false)
}

// SyncOnce runs one pass now. It returns ErrPassInProgress if another pass or
// reset is running.
func (s *Scheduler) SyncOnce(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrPassInProgress
	}
	defer s.running.Store(false)
	return s.pass(ctx)
}

func (s *Scheduler) lead(ctx context.Context) (bool, error) {
	if s.elector == nil {
		s.metrics.SetLeader(true)
		return true, nil
	}
	leader, err := s.elector.Tick(ctx)
	s.metrics.SetLeader(leader)
	if err != nil {
		return false, fmt.Errorf("syncer: leader election: %w", err)
	}
	return leader, nil
}

func (s *Scheduler) pass(ctx context.Context) error {
	leader, err := s.lead(ctx)
	if err != nil {
		return err
	}
	if !leader {
		s.log.Debug("not the sync leader; following")
		return nil
	}

	start := s.now()
	s.emit(ctx, Event{Type: EventSynchronizing})

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, ch := range s.cfg.Chains {
		wg.Add(1)
		go func(ch config.ChainConfig) {
			defer wg.Done()
			if err := s.syncChain(ctx, ch); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("chain %d: %w", ch.ChainID, err))
				mu.Unlock()
			}
		}(ch)
	}
	wg.Wait()

	err = errors.Join(errs...)
	s.metrics.ObservePass(err)
	if err != nil {
		s.emit(ctx, Event{Type: EventFailed, Err: err.Error()})
		return err
	}
	s.emit(ctx, Event{Type: EventSynchronized})
	s.log.Info("sync pass complete", "chains", len(s.cfg.Chains), "took", s.now().Sub(start))
	return nil
}

func (s *Scheduler) syncChain(ctx context.Context, ch config.ChainConfig) (err error) {
	started := s.now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("syncer: chain %d panicked: %v", ch.ChainID, r)
		}
		s.metrics.ObserveChain(ch.ChainID, s.now().Sub(started), err)
		if err != nil {
			s.log.Error("chain sync failed", "chain_id", ch.ChainID, "err", err)
			s.emit(ctx, Event{Type: EventChainFailed, ChainID: ch.ChainID, Err: err.Error()})
		}
	}()

	s.emit(ctx, Event{Type: EventChainSynchronizing, ChainID: ch.ChainID})

	timeout := s.cfg.Sync.ChainTimeout
	cctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	res, err := s.importers[ch.ChainID].Import(cctx, nil, s.applier.ApplyBatch)
	if err != nil {
		return err
	}
	if s.snapshots != nil && res.Events > 0 {
		for _, p := range ch.Pools {
			if p.Disabled {
				continue
			}
			if _, err := s.snapshots.PublishSnapshot(cctx, ch.ChainID, p.Address); err != nil {
				s.log.Warn("publish merkle snapshot", "chain_id", ch.ChainID, "pool", p.Address, "err", err)
			}
		}
	}
	s.log.Info("chain synchronized", "chain_id", ch.ChainID, "from", res.Start, "to", res.Synced, "chunks", res.Chunks, "events", res.Events)
	s.emit(ctx, Event{Type: EventChainSynchronized, ChainID: ch.ChainID, Block: res.Synced})
	return nil
}

// ResetChain drops every locally mirrored record of a chain and rewinds its
// cursors so that the next pass imports it again from the start blocks.
func (s *Scheduler) ResetChain(ctx context.Context, chainID uint64) error {
	if s.reset == nil {
		return fmt.Errorf("%w: reset is not configured", ErrInvalidConfig)
	}
	if _, ok := s.importers[chainID]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownChain, chainID)
	}
	if !s.running.CompareAndSwap(false, true) {
		return ErrPassInProgress
	}
	defer s.running.Store(false)
	ch, err := s.cfg.Chain(chainID)
	if err != nil {
		return err
	}
	return s.reset.Reset(ctx, ch)
}
