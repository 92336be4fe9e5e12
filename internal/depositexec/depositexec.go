package depositexec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/veilpool/veil-core/internal/amount"
	"github.com/veilpool/veil-core/internal/chain"
	"github.com/veilpool/veil-core/internal/commitment"
	"github.com/veilpool/veil-core/internal/config"
	"github.com/veilpool/veil-core/internal/deposit"
	"github.com/veilpool/veil-core/internal/eth"
	"github.com/veilpool/veil-core/internal/metrics"
	"github.com/veilpool/veil-core/internal/poolabi"
	"github.com/veilpool/veil-core/internal/protocol"
)

var (
	ErrInvalidConfig              = errors.New("depositexec: invalid config")
	ErrInvalidDepositOptions      = errors.New("depositexec: invalid deposit options")
	ErrDuplicateDepositCommitment = errors.New("depositexec: duplicate deposit commitment")
	ErrInsufficientBalance        = errors.New("depositexec: insufficient balance")
	ErrFeeTooLow                  = errors.New("depositexec: fee too low")
	ErrTxFailed                   = errors.New("depositexec: transaction failed")
)

type Providers interface {
	Get(chainID uint64) (chain.Provider, error)
}

// Options describe one deposit. Amounts are decimal strings in the asset's
// units ("10", "0.5"); BridgeFee is in the source chain's native currency.
// An empty RollupFee pays the pool minimum.
type Options struct {
	SrcChainID  uint64
	DstChainID  uint64
	AssetSymbol string
	BridgeType  config.BridgeType

	Amount      string
	RollupFee   string
	BridgeFee   string
	ExecutorFee string

	Recipient protocol.ShieldedAddress
}

// Summary is a validated deposit quote.
type Summary struct {
	Route   config.DepositConfig
	DstPool config.PoolConfig

	Amount       *big.Int
	RollupFee    *big.Int
	BridgeFee    *big.Int
	ExecutorFee  *big.Int
	MinRollupFee *big.Int

	// AssetTotal is drawn from the asset; NativeValue is attached to the deposit call.
	AssetTotal  *big.Int
	NativeValue *big.Int

	AssetBalance  *big.Int
	NativeBalance *big.Int
}

// Event reports one status transition of a deposit.
type Event struct {
	Deposit  deposit.Deposit
	Previous deposit.Status
	Current  deposit.Status
}

type Listener func(Event)

type Config struct {
	Config      *config.Config
	Providers   Providers
	Deposits    deposit.Store
	Commitments commitment.Store
	Crypto      protocol.Crypto
	Metrics     *metrics.Metrics
	Log         *slog.Logger
}

type Engine struct {
	cfg         *config.Config
	providers   Providers
	deposits    deposit.Store
	commitments commitment.Store
	crypto      protocol.Crypto
	metrics     *metrics.Metrics
	log         *slog.Logger

	mu        sync.RWMutex
	listeners []Listener
}

func New(cfg Config) (*Engine, error) {
	if cfg.Config == nil || cfg.Providers == nil || cfg.Deposits == nil || cfg.Commitments == nil || cfg.Crypto == nil {
		return nil, fmt.Errorf("%w: config, providers, stores and crypto are required", ErrInvalidConfig)
	}
	log := cfg.Log
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Engine{
		cfg:         cfg.Config,
		providers:   cfg.Providers,
		deposits:    cfg.Deposits,
		commitments: cfg.Commitments,
		crypto:      cfg.Crypto,
		metrics:     cfg.Metrics,
		log:         log,
	}, nil
}

func (e *Engine) AddListener(l Listener) {
	if l == nil {
		return
	}
	e.mu.Lock()
	e.listeners = append(e.listeners, l)
	e.mu.Unlock()
}

func (e *Engine) emit(ev Event) {
	e.mu.RLock()
	ls := append([]Listener(nil), e.listeners...)
	e.mu.RUnlock()
	for _, l := range ls {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Error("deposit listener panicked", "deposit_id", ev.Deposit.ID, "status", ev.Current, "panic", r)
				}
			}()
			l(ev)
		}()
	}
}

// Summary validates opts against the route configuration, the live minimum
// rollup fee and the wallet balances on the source chain.
func (e *Engine) Summary(ctx context.Context, opts Options) (Summary, error) {
	if opts.Recipient.IsZero() {
		return Summary{}, fmt.Errorf("%w: recipient is required", ErrInvalidDepositOptions)
	}
	route, err := e.cfg.DepositRoute(opts.SrcChainID, opts.DstChainID, opts.AssetSymbol, opts.BridgeType)
	if err != nil {
		return Summary{}, err
	}
	pool, err := e.cfg.Pool(opts.DstChainID, route.PeerPoolAddress)
	if err != nil {
		return Summary{}, err
	}
	if pool.Disabled {
		return Summary{}, fmt.Errorf("%w: destination pool %s is disabled", ErrInvalidDepositOptions, pool.Address)
	}
	srcChain, err := e.cfg.Chain(opts.SrcChainID)
	if err != nil {
		return Summary{}, err
	}

	s := Summary{Route: route, DstPool: pool}
	if s.Amount, err = parseAmount("amount", opts.Amount, route.AssetDecimals, false); err != nil {
		return Summary{}, err
	}
	if s.Amount.Sign() <= 0 {
		return Summary{}, fmt.Errorf("%w: amount must be > 0", ErrInvalidDepositOptions)
	}
	if lo := route.MinAmount.Big(); lo.Sign() > 0 && s.Amount.Cmp(lo) < 0 {
		return Summary{}, fmt.Errorf("%w: amount below minimum %s", ErrInvalidDepositOptions, amount.String(lo, route.AssetDecimals))
	}
	if hi := route.MaxAmount.Big(); hi.Sign() > 0 && s.Amount.Cmp(hi) > 0 {
		return Summary{}, fmt.Errorf("%w: amount above maximum %s", ErrInvalidDepositOptions, amount.String(hi, route.AssetDecimals))
	}

	s.MinRollupFee = e.minRollupFee(ctx, opts.DstChainID, pool)
	if strings.TrimSpace(opts.RollupFee) == "" {
		s.RollupFee = new(big.Int).Set(s.MinRollupFee)
	} else if s.RollupFee, err = parseAmount("rollup fee", opts.RollupFee, route.AssetDecimals, true); err != nil {
		return Summary{}, err
	}
	if s.RollupFee.Cmp(s.MinRollupFee) < 0 {
		return Summary{}, fmt.Errorf("%w: rollup fee below minimum %s", ErrFeeTooLow, amount.String(s.MinRollupFee, route.AssetDecimals))
	}

	if s.BridgeFee, err = parseAmount("bridge fee", opts.BridgeFee, srcChain.AssetDecimals, true); err != nil {
		return Summary{}, err
	}
	if s.ExecutorFee, err = parseAmount("executor fee", opts.ExecutorFee, route.AssetDecimals, true); err != nil {
		return Summary{}, err
	}
	if route.BridgeType.IsLoop() {
		if s.BridgeFee.Sign() != 0 || s.ExecutorFee.Sign() != 0 {
			return Summary{}, fmt.Errorf("%w: loop deposits carry no bridge or executor fee", ErrInvalidDepositOptions)
		}
	} else {
		if s.BridgeFee.Cmp(route.MinBridgeFee.Big()) < 0 {
			return Summary{}, fmt.Errorf("%w: bridge fee below minimum %s", ErrFeeTooLow, amount.String(route.MinBridgeFee.Big(), srcChain.AssetDecimals))
		}
		if s.ExecutorFee.Cmp(route.MinExecutorFee.Big()) < 0 {
			return Summary{}, fmt.Errorf("%w: executor fee below minimum %s", ErrFeeTooLow, amount.String(route.MinExecutorFee.Big(), route.AssetDecimals))
		}
	}

	s.AssetTotal = new(big.Int).Add(s.Amount, s.RollupFee)
	s.AssetTotal.Add(s.AssetTotal, s.ExecutorFee)
	s.NativeValue = new(big.Int).Set(s.BridgeFee)
	if route.IsNative() {
		s.NativeValue.Add(s.NativeValue, s.AssetTotal)
	}

	p, err := e.providers.Get(opts.SrcChainID)
	if err != nil {
		return Summary{}, err
	}
	owner := p.Account()
	if (owner == common.Address{}) {
		return Summary{}, fmt.Errorf("%w: chain %d has no wallet", chain.ErrNoWallet, opts.SrcChainID)
	}
	rctx, cancel := e.rpcContext(ctx)
	defer cancel()
	if s.NativeBalance, err = p.AssetBalance(rctx, common.Address{}, owner); err != nil {
		return Summary{}, fmt.Errorf("depositexec: native balance: %w", err)
	}
	s.AssetBalance = s.NativeBalance
	if !route.IsNative() {
		if s.AssetBalance, err = p.AssetBalance(rctx, route.AssetAddress, owner); err != nil {
			return Summary{}, fmt.Errorf("depositexec: asset balance: %w", err)
		}
		if s.AssetBalance.Cmp(s.AssetTotal) < 0 {
			return Summary{}, fmt.Errorf("%w: need %s %s, have %s", ErrInsufficientBalance,
				amount.String(s.AssetTotal, route.AssetDecimals), route.AssetSymbol, amount.String(s.AssetBalance, route.AssetDecimals))
		}
	}
	if s.NativeBalance.Cmp(s.NativeValue) < 0 {
		return Summary{}, fmt.Errorf("%w: need %s native, have %s", ErrInsufficientBalance,
			amount.String(s.NativeValue, srcChain.AssetDecimals), amount.String(s.NativeBalance, srcChain.AssetDecimals))
	}
	return s, nil
}

// minRollupFee prefers the live value on the destination pool and falls back to configuration.
func (e *Engine) minRollupFee(ctx context.Context, dstChainID uint64, pool config.PoolConfig) *big.Int {
	p, err := e.providers.Get(dstChainID)
	if err == nil {
		rctx, cancel := e.rpcContext(ctx)
		defer cancel()
		var v *big.Int
		v, err = p.MinRollupFee(rctx, pool.Address)
		if err == nil && v != nil {
			return v
		}
	}
	e.log.Warn("using configured minimum rollup fee", "chain_id", dstChainID, "pool", pool.Address, "err", err)
	return new(big.Int).Set(pool.MinRollupFee.Big())
}

func parseAmount(field, s string, decimals int32, optional bool) (*big.Int, error) {
	if strings.TrimSpace(s) == "" && optional {
		return new(big.Int), nil
	}
	v, err := amount.ToBase(s, decimals)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidDepositOptions, field, err)
	}
	return v, nil
}

// Execute runs a deposit to completion on the source chain. The returned
// deposit is QUEUED for loop pools and SRC_SUCCEEDED for bridged ones; later
// statuses arrive through event synchronization.
func (e *Engine) Execute(ctx context.Context, opts Options) (deposit.Deposit, error) {
	s, err := e.Summary(ctx, opts)
	if err != nil {
		return deposit.Deposit{}, err
	}

	note, err := e.crypto.NewNote(opts.Recipient, s.Amount)
	if err != nil {
		return deposit.Deposit{}, fmt.Errorf("depositexec: new note: %w", err)
	}
	hash, err := e.crypto.Commitment(note)
	if err != nil {
		return deposit.Deposit{}, fmt.Errorf("depositexec: commitment: %w", err)
	}
	encrypted, err := e.crypto.EncryptNote(note)
	if err != nil {
		return deposit.Deposit{}, fmt.Errorf("depositexec: encrypt note: %w", err)
	}
	if err := e.checkDuplicate(ctx, opts.DstChainID, s.DstPool.Address, hash); err != nil {
		return deposit.Deposit{}, err
	}

	d, err := e.deposits.Insert(ctx, deposit.Deposit{
		ID:                uuid.New(),
		ChainID:           opts.SrcChainID,
		ContractAddress:   s.Route.Address,
		DstChainID:        opts.DstChainID,
		DstPoolAddress:    s.DstPool.Address,
		BridgeType:        s.Route.BridgeType,
		AssetSymbol:       s.Route.AssetSymbol,
		AssetAddress:      s.Route.AssetAddress,
		AssetDecimals:     s.Route.AssetDecimals,
		Amount:            s.Amount,
		RollupFee:         s.RollupFee,
		BridgeFee:         s.BridgeFee,
		ExecutorFee:       s.ExecutorFee,
		ShieldedRecipient: opts.Recipient.String(),
		CommitmentHash:    hash,
		Status:            deposit.StatusInit,
	})
	if err != nil {
		return deposit.Deposit{}, fmt.Errorf("depositexec: persist deposit: %w", err)
	}
	e.metrics.IncDeposit(d.Status.String())
	e.emit(Event{Deposit: d, Previous: deposit.StatusUnknown, Current: d.Status})
	e.log.Info("deposit created", "deposit_id", d.ID, "src_chain_id", d.ChainID, "dst_chain_id", d.DstChainID, "commitment", hash)

	out, err := e.run(ctx, d, s, encrypted)
	if err != nil {
		return e.fail(ctx, out, err)
	}
	return out, nil
}

func (e *Engine) checkDuplicate(ctx context.Context, dstChainID uint64, pool common.Address, hash common.Hash) error {
	ds, err := e.deposits.FindByCommitment(ctx, dstChainID, pool, hash)
	if err != nil {
		return fmt.Errorf("depositexec: find deposits: %w", err)
	}
	if len(ds) > 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateDepositCommitment, hash)
	}
	_, err = e.commitments.Get(ctx, commitment.ID{ChainID: dstChainID, Contract: pool, Hash: hash})
	switch {
	case err == nil:
		return fmt.Errorf("%w: %s", ErrDuplicateDepositCommitment, hash)
	case errors.Is(err, commitment.ErrNotFound):
		return nil
	default:
		return fmt.Errorf("depositexec: get commitment: %w", err)
	}
}

func (e *Engine) run(ctx context.Context, d deposit.Deposit, s Summary, encryptedNote []byte) (deposit.Deposit, error) {
	p, err := e.providers.Get(d.ChainID)
	if err != nil {
		return d, err
	}

	if !s.Route.IsNative() {
		rctx, cancel := e.rpcContext(ctx)
		allowance, err := p.Allowance(rctx, s.Route.AssetAddress, p.Account(), s.Route.Address)
		cancel()
		if err != nil {
			return d, fmt.Errorf("depositexec: allowance: %w", err)
		}
		if allowance.Cmp(s.AssetTotal) < 0 {
			if d, err = e.transition(ctx, d, deposit.StatusAssetApproving, nil); err != nil {
				return d, err
			}
			data, err := poolabi.PackApprove(s.Route.Address, s.AssetTotal)
			if err != nil {
				return d, err
			}
			res, err := e.send(ctx, p, eth.TxRequest{To: s.Route.AssetAddress, Data: data})
			if err != nil {
				return d, fmt.Errorf("depositexec: approve: %w", err)
			}
			if d, err = e.transition(ctx, d, deposit.StatusAssetApproved, func(next *deposit.Deposit) {
				next.AssetApproveTxHash = res.TxHash
			}); err != nil {
				return d, err
			}
		}
	}

	if d, err = e.transition(ctx, d, deposit.StatusSrcPending, nil); err != nil {
		return d, err
	}
	data, err := poolabi.PackDeposit(poolabi.DepositRequest{
		Commitment:    d.CommitmentHash,
		Amount:        s.Amount,
		RollupFee:     s.RollupFee,
		BridgeFee:     s.BridgeFee,
		ExecutorFee:   s.ExecutorFee,
		EncryptedNote: encryptedNote,
	})
	if err != nil {
		return d, err
	}
	res, err := e.send(ctx, p, eth.TxRequest{To: s.Route.Address, Data: data, Value: s.NativeValue})
	if err != nil {
		return d, fmt.Errorf("depositexec: deposit: %w", err)
	}

	next := deposit.StatusSrcSucceeded
	cstatus := commitment.StatusSrcSucceeded
	if s.Route.BridgeType.IsLoop() {
		next = deposit.StatusQueued
		cstatus = commitment.StatusQueued
	}
	if d, err = e.transition(ctx, d, next, func(n *deposit.Deposit) {
		n.SrcTxHash = res.TxHash
		if next == deposit.StatusQueued {
			n.QueuedTxHash = res.TxHash
		}
	}); err != nil {
		return d, err
	}

	if err := e.provisionCommitment(ctx, d, cstatus, s, encryptedNote, res.TxHash); err != nil {
		// The deposit itself went through; the commitment will be created by sync.
		e.log.Warn("provisional commitment not stored", "deposit_id", d.ID, "err", err)
	}
	e.log.Info("deposit submitted", "deposit_id", d.ID, "status", d.Status, "tx", res.TxHash)
	return d, nil
}

func (e *Engine) rpcContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if t := e.cfg.Protocol.RPCTimeout; t > 0 {
		return context.WithTimeout(ctx, t)
	}
	return context.WithCancel(ctx)
}

func (e *Engine) send(ctx context.Context, p chain.Provider, req eth.TxRequest) (eth.SendResult, error) {
	if t := e.cfg.Protocol.TxTimeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	res, err := p.Send(ctx, req)
	if err != nil {
		return res, err
	}
	if res.Receipt != nil && res.Receipt.Status != types.ReceiptStatusSuccessful {
		return res, fmt.Errorf("%w: %s reverted", ErrTxFailed, res.TxHash)
	}
	return res, nil
}

func (e *Engine) provisionCommitment(ctx context.Context, d deposit.Deposit, status commitment.Status, s Summary, encryptedNote []byte, txHash common.Hash) error {
	id := commitment.ID{ChainID: d.DstChainID, Contract: d.DstPoolAddress, Hash: d.CommitmentHash}
	_, _, err := e.commitments.Upsert(ctx, id, func(cur commitment.Commitment, exists bool) (commitment.Commitment, error) {
		next := cur.Clone()
		if !exists {
			next = commitment.Commitment{
				ChainID:        id.ChainID,
				Contract:       id.Contract,
				CommitmentHash: id.Hash,
				Status:         status,
			}
		}
		next.Amount = new(big.Int).Set(s.Amount)
		next.RollupFee = new(big.Int).Set(s.RollupFee)
		if len(next.EncryptedNote) == 0 {
			next.EncryptedNote = encryptedNote
		}
		next.CreationTxHash = txHash
		return next, nil
	})
	return err
}

func (e *Engine) transition(ctx context.Context, d deposit.Deposit, to deposit.Status, mutate func(*deposit.Deposit)) (deposit.Deposit, error) {
	prev := d.Status
	out, err := e.deposits.Update(ctx, d.ID, func(cur deposit.Deposit) (deposit.Deposit, error) {
		next := cur.Clone()
		// Sync may have promoted the deposit already; never move it back.
		if to == deposit.StatusFailed || cur.Status == deposit.StatusFailed || cur.Status < to {
			next.Status = to
		}
		if mutate != nil {
			mutate(&next)
		}
		return next, nil
	})
	if err != nil {
		return d, fmt.Errorf("depositexec: %s -> %s: %w", prev, to, err)
	}
	if out.Status != to {
		e.log.Debug("deposit already advanced", "deposit_id", d.ID, "status", out.Status, "wanted", to)
		return out, nil
	}
	e.metrics.IncDeposit(to.String())
	e.emit(Event{Deposit: out, Previous: prev, Current: to})
	return out, nil
}

// fail records cause on the deposit even when ctx has been cancelled.
func (e *Engine) fail(ctx context.Context, d deposit.Deposit, cause error) (deposit.Deposit, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	out, err := e.transition(ctx, d, deposit.StatusFailed, func(next *deposit.Deposit) {
		next.ErrorMessage = cause.Error()
	})
	if err != nil {
		e.log.Error("record deposit failure", "deposit_id", d.ID, "cause", cause, "err", err)
		return d, cause
	}
	e.log.Warn("deposit failed", "deposit_id", d.ID, "err", cause)
	return out, cause
}
