package scanner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/veilpool/veil-core/internal/commitment"
	"github.com/veilpool/veil-core/internal/metrics"
	"github.com/veilpool/veil-core/internal/protocol"
	"golang.org/x/sync/errgroup"
)

var ErrInvalidConfig = errors.New("scanner: invalid config")

// Accounts opens the wallet's accounts for the duration of fn;
// keyvault.Unlocked implements it.
type Accounts interface {
	WithAccounts(ctx context.Context, fn func([]protocol.Account) error) error
}

// StaticAccounts serves a fixed account list.
type StaticAccounts []protocol.Account

func (a StaticAccounts) WithAccounts(_ context.Context, fn func([]protocol.Account) error) error {
	return fn(a)
}

// Store is the commitment persistence the scanner reads and writes; nullifiers
// recorded before a note was identified mark it spent on assignment.
type Store interface {
	commitment.Store
	commitment.NullifierStore
}

type Config struct {
	Commitments Store
	Crypto      protocol.Crypto
	Accounts    Accounts
	// Concurrency bounds parallel decryption; <= 0 means 4.
	Concurrency int
	Metrics     *metrics.Metrics
	Log         *slog.Logger
}

type Scanner struct {
	store    Store
	crypto   protocol.Crypto
	accounts Accounts
	limit    int
	metrics  *metrics.Metrics
	log      *slog.Logger
}

func New(cfg Config) (*Scanner, error) {
	if cfg.Commitments == nil || cfg.Crypto == nil || cfg.Accounts == nil {
		return nil, fmt.Errorf("%w: store, crypto and accounts are required", ErrInvalidConfig)
	}
	limit := cfg.Concurrency
	if limit <= 0 {
		limit = 4
	}
	log := cfg.Log
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Scanner{
		store:    cfg.Commitments,
		crypto:   cfg.Crypto,
		accounts: cfg.Accounts,
		limit:    limit,
		metrics:  cfg.Metrics,
		log:      log,
	}, nil
}

// Identify trial-decrypts c against accounts; the first account whose
// decryption reproduces the commitment hash wins.
func Identify(crypto protocol.Crypto, accounts []protocol.Account, c commitment.Commitment) (protocol.Account, protocol.Note, bool) {
	if len(c.EncryptedNote) == 0 {
		return protocol.Account{}, protocol.Note{}, false
	}
	for _, a := range accounts {
		n, err := crypto.DecryptNote(a.Keys, c.EncryptedNote, c.CommitmentHash)
		if err != nil {
			continue
		}
		return a, n, true
	}
	return protocol.Account{}, protocol.Note{}, false
}

// Scan tries to assign every unowned commitment in cs and returns how many matched.
func (s *Scanner) Scan(ctx context.Context, cs []commitment.Commitment) (int, error) {
	pending := make([]commitment.Commitment, 0, len(cs))
	for _, c := range cs {
		if !c.Owned() && len(c.EncryptedNote) > 0 && c.Status != commitment.StatusFailed {
			pending = append(pending, c)
		}
	}
	if len(pending) == 0 {
		return 0, nil
	}

	matched := make([]bool, len(pending))
	err := s.accounts.WithAccounts(ctx, func(accounts []protocol.Account) error {
		if len(accounts) == 0 {
			return nil
		}
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.limit)
		for i, c := range pending {
			i, c := i, c
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				acct, note, ok := Identify(s.crypto, accounts, c)
				s.metrics.IncScanned(ok)
				if !ok {
					return nil
				}
				if err := s.assign(gctx, c.ID(), acct.Keys, note); err != nil {
					return err
				}
				matched[i] = true
				s.log.Debug("commitment assigned", "chain_id", c.ChainID, "contract", c.Contract, "commitment", c.CommitmentHash, "account", acct.Name)
				return nil
			})
		}
		return g.Wait()
	})
	n := 0
	for _, m := range matched {
		if m {
			n++
		}
	}
	return n, err
}

func (s *Scanner) assign(ctx context.Context, id commitment.ID, keys protocol.AccountKeys, note protocol.Note) error {
	serial := s.crypto.SerialNumber(keys, note)
	addr := keys.Address().String()
	nf, err := s.store.GetNullifier(ctx, id.ChainID, id.Contract, serial)
	spent := err == nil
	if err != nil && !errors.Is(err, commitment.ErrNotFound) {
		return fmt.Errorf("scanner: nullifier for %s: %w", id, err)
	}
	_, err = s.store.Update(ctx, id, func(cur commitment.Commitment) (commitment.Commitment, error) {
		if cur.Owned() && cur.ShieldedAddress != addr {
			return cur, nil
		}
		next := cur.Clone()
		next.Amount = note.Amount
		next.SerialNumber = serial
		next.ShieldedAddress = addr
		// The spend may have been applied before ownership was known.
		if spent && cur.Status != commitment.StatusFailed {
			next.Status = commitment.StatusSpent
			next.SpendingTxHash = nf.TxHash
		}
		return next, nil
	})
	if err != nil {
		return fmt.Errorf("scanner: assign %s: %w", id, err)
	}
	return nil
}

// Rescan scans unowned commitments selected by q, e.g. after an account was added.
func (s *Scanner) Rescan(ctx context.Context, q commitment.Query) (int, error) {
	q.OnlyOwned = false
	q.OnlyUnowned = true
	cs, err := s.store.Find(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("scanner: find: %w", err)
	}
	return s.Scan(ctx, cs)
}
