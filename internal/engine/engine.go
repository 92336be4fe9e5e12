// Package engine routes deposit and transaction requests to the executors of
// the protocol version deployed at the target contract.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/veilpool/veil-core/internal/config"
	"github.com/veilpool/veil-core/internal/deposit"
	"github.com/veilpool/veil-core/internal/depositexec"
	"github.com/veilpool/veil-core/internal/transaction"
	"github.com/veilpool/veil-core/internal/txexec"
)

var (
	ErrInvalidConfig      = errors.New("engine: invalid config")
	ErrUnsupportedVersion = errors.New("engine: unsupported protocol version")
)

// DepositExecutor is implemented by *depositexec.Engine.
type DepositExecutor interface {
	Summary(ctx context.Context, opts depositexec.Options) (depositexec.Summary, error)
	Execute(ctx context.Context, opts depositexec.Options) (deposit.Deposit, error)
}

// TransactionExecutor is implemented by *txexec.Engine.
type TransactionExecutor interface {
	Summary(ctx context.Context, opts txexec.Options) (txexec.Summary, error)
	Execute(ctx context.Context, opts txexec.Options) (transaction.Transaction, error)
}

// Executors serve one protocol version.
type Executors struct {
	Deposits     DepositExecutor
	Transactions TransactionExecutor
}

type Engine struct {
	cfg   *config.Config
	table map[config.ProtocolVersion]Executors
}

// New checks that every enabled contract in cfg has executors for its version.
func New(cfg *config.Config, table map[config.ProtocolVersion]Executors) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", ErrInvalidConfig)
	}
	for v, ex := range table {
		if ex.Deposits == nil || ex.Transactions == nil {
			return nil, fmt.Errorf("%w: version %d lacks an executor", ErrInvalidConfig, v)
		}
	}
	for _, ch := range cfg.Chains {
		for _, p := range ch.Pools {
			if _, ok := table[p.Version]; !ok && !p.Disabled {
				return nil, fmt.Errorf("%w: pool %s on chain %d is version %d", ErrUnsupportedVersion, p.Address, ch.ChainID, p.Version)
			}
		}
		for _, d := range ch.Deposits {
			if _, ok := table[d.Version]; !ok && !d.Disabled {
				return nil, fmt.Errorf("%w: deposit contract %s on chain %d is version %d", ErrUnsupportedVersion, d.Address, ch.ChainID, d.Version)
			}
		}
	}
	return &Engine{cfg: cfg, table: table}, nil
}

func (e *Engine) depositExecutor(opts depositexec.Options) (DepositExecutor, error) {
	bridge := opts.BridgeType
	if bridge == "" {
		bridge = config.BridgeLoop
	}
	route, err := e.cfg.DepositRoute(opts.SrcChainID, opts.DstChainID, opts.AssetSymbol, bridge)
	if err != nil {
		return nil, err
	}
	ex, ok := e.table[route.Version]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, route.Version)
	}
	return ex.Deposits, nil
}

func (e *Engine) transactionExecutor(opts txexec.Options) (TransactionExecutor, txexec.Options, error) {
	bridge := opts.BridgeType
	if bridge == "" {
		bridge = config.BridgeLoop
	}
	pool, err := e.cfg.PoolByAsset(opts.ChainID, opts.AssetSymbol, bridge, opts.Version)
	if err != nil {
		return nil, opts, err
	}
	ex, ok := e.table[pool.Version]
	if !ok {
		return nil, opts, fmt.Errorf("%w: %d", ErrUnsupportedVersion, pool.Version)
	}
	// Pin the version so the executor resolves the same pool.
	opts.Version = pool.Version
	return ex.Transactions, opts, nil
}

func (e *Engine) DepositSummary(ctx context.Context, opts depositexec.Options) (depositexec.Summary, error) {
	ex, err := e.depositExecutor(opts)
	if err != nil {
		return depositexec.Summary{}, err
	}
	return ex.Summary(ctx, opts)
}

func (e *Engine) Deposit(ctx context.Context, opts depositexec.Options) (deposit.Deposit, error) {
	ex, err := e.depositExecutor(opts)
	if err != nil {
		return deposit.Deposit{}, err
	}
	return ex.Execute(ctx, opts)
}

func (e *Engine) TransactionSummary(ctx context.Context, opts txexec.Options) (txexec.Summary, error) {
	ex, opts, err := e.transactionExecutor(opts)
	if err != nil {
		return txexec.Summary{}, err
	}
	return ex.Summary(ctx, opts)
}

func (e *Engine) Transact(ctx context.Context, opts txexec.Options) (transaction.Transaction, error) {
	ex, opts, err := e.transactionExecutor(opts)
	if err != nil {
		return transaction.Transaction{}, err
	}
	return ex.Execute(ctx, opts)
}
