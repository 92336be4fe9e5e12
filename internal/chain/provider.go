package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/veilpool/veil-core/internal/config"
	"github.com/veilpool/veil-core/internal/eth"
	"github.com/veilpool/veil-core/internal/poolabi"
)

var (
	ErrInvalidConfig = errors.New("chain: invalid config")
	ErrNoWallet      = errors.New("chain: no wallet configured")
)

// LogMeta locates an event on chain.
type LogMeta struct {
	Contract    common.Address
	BlockNumber uint64
	LogIndex    uint
	TxHash      common.Hash
}

type QueuedLog struct {
	LogMeta
	poolabi.QueuedEvent
}

type IncludedLog struct {
	LogMeta
	poolabi.IncludedEvent
}

type SpentLog struct {
	LogMeta
	poolabi.SpentEvent
}

// Provider is everything the engine reads from or writes to one chain.
// A zero asset address means the native currency.
type Provider interface {
	ChainID() uint64
	CurrentBlock(ctx context.Context) (uint64, error)

	QueryQueued(ctx context.Context, contracts []common.Address, from, to uint64) ([]QueuedLog, error)
	QueryIncluded(ctx context.Context, contracts []common.Address, from, to uint64) ([]IncludedLog, error)
	QuerySpent(ctx context.Context, contracts []common.Address, from, to uint64) ([]SpentLog, error)

	AssetBalance(ctx context.Context, asset, owner common.Address) (*big.Int, error)
	Allowance(ctx context.Context, asset, owner, spender common.Address) (*big.Int, error)
	IsKnownRoot(ctx context.Context, pool common.Address, root common.Hash) (bool, error)
	IsSpentSerialNumber(ctx context.Context, pool common.Address, serial common.Hash) (bool, error)
	MinRollupFee(ctx context.Context, pool common.Address) (*big.Int, error)

	// Account is the wallet address used by Send; zero when read-only.
	Account() common.Address
	Send(ctx context.Context, req eth.TxRequest) (eth.SendResult, error)
}

// RPC is the subset of ethclient.Client the provider reads through.
type RPC interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// Wallet submits transactions; *eth.Sender implements it.
type Wallet interface {
	Address() common.Address
	Send(ctx context.Context, req eth.TxRequest) (eth.SendResult, error)
}

type EthProvider struct {
	chainID uint64
	rpc     RPC
	wallet  Wallet
}

// NewEthProvider builds a provider; wallet may be nil for read-only use.
func NewEthProvider(chainID uint64, rpc RPC, wallet Wallet) (*EthProvider, error) {
	if chainID == 0 || rpc == nil {
		return nil, fmt.Errorf("%w: chain id and rpc are required", ErrInvalidConfig)
	}
	return &EthProvider{chainID: chainID, rpc: rpc, wallet: wallet}, nil
}

func (p *EthProvider) ChainID() uint64 { return p.chainID }

func (p *EthProvider) CurrentBlock(ctx context.Context) (uint64, error) {
	n, err := p.rpc.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("chain %d: block number: %w", p.chainID, err)
	}
	return n, nil
}

func (p *EthProvider) QueryQueued(ctx context.Context, contracts []common.Address, from, to uint64) ([]QueuedLog, error) {
	logs, err := p.filter(ctx, contracts, poolabi.QueuedTopic(), from, to)
	if err != nil {
		return nil, err
	}
	out := make([]QueuedLog, 0, len(logs))
	for _, lg := range logs {
		ev, err := poolabi.ParseQueued(lg)
		if err != nil {
			return nil, fmt.Errorf("chain %d: block %d log %d: %w", p.chainID, lg.BlockNumber, lg.Index, err)
		}
		out = append(out, QueuedLog{LogMeta: metaOf(lg), QueuedEvent: ev})
	}
	return out, nil
}

func (p *EthProvider) QueryIncluded(ctx context.Context, contracts []common.Address, from, to uint64) ([]IncludedLog, error) {
	logs, err := p.filter(ctx, contracts, poolabi.IncludedTopic(), from, to)
	if err != nil {
		return nil, err
	}
	out := make([]IncludedLog, 0, len(logs))
	for _, lg := range logs {
		ev, err := poolabi.ParseIncluded(lg)
		if err != nil {
			return nil, fmt.Errorf("chain %d: block %d log %d: %w", p.chainID, lg.BlockNumber, lg.Index, err)
		}
		out = append(out, IncludedLog{LogMeta: metaOf(lg), IncludedEvent: ev})
	}
	return out, nil
}

func (p *EthProvider) QuerySpent(ctx context.Context, contracts []common.Address, from, to uint64) ([]SpentLog, error) {
	logs, err := p.filter(ctx, contracts, poolabi.SpentTopic(), from, to)
	if err != nil {
		return nil, err
	}
	out := make([]SpentLog, 0, len(logs))
	for _, lg := range logs {
		ev, err := poolabi.ParseSpent(lg)
		if err != nil {
			return nil, fmt.Errorf("chain %d: block %d log %d: %w", p.chainID, lg.BlockNumber, lg.Index, err)
		}
		out = append(out, SpentLog{LogMeta: metaOf(lg), SpentEvent: ev})
	}
	return out, nil
}

func (p *EthProvider) filter(ctx context.Context, contracts []common.Address, topic common.Hash, from, to uint64) ([]types.Log, error) {
	if from > to {
		return nil, fmt.Errorf("%w: from %d > to %d", ErrInvalidConfig, from, to)
	}
	if len(contracts) == 0 {
		return nil, nil
	}
	logs, err := p.rpc.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: contracts,
		Topics:    [][]common.Hash{{topic}},
	})
	if err != nil {
		return nil, fmt.Errorf("chain %d: filter logs [%d,%d]: %w", p.chainID, from, to, err)
	}
	kept := logs[:0]
	for _, lg := range logs {
		if !lg.Removed {
			kept = append(kept, lg)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].BlockNumber != kept[j].BlockNumber {
			return kept[i].BlockNumber < kept[j].BlockNumber
		}
		return kept[i].Index < kept[j].Index
	})
	return kept, nil
}

func metaOf(lg types.Log) LogMeta {
	return LogMeta{Contract: lg.Address, BlockNumber: lg.BlockNumber, LogIndex: lg.Index, TxHash: lg.TxHash}
}

func (p *EthProvider) AssetBalance(ctx context.Context, asset, owner common.Address) (*big.Int, error) {
	if (asset == common.Address{}) {
		v, err := p.rpc.BalanceAt(ctx, owner, nil)
		if err != nil {
			return nil, fmt.Errorf("chain %d: balance: %w", p.chainID, err)
		}
		return v, nil
	}
	data, err := poolabi.PackBalanceOf(owner)
	if err != nil {
		return nil, err
	}
	return p.callUint(ctx, asset, data)
}

func (p *EthProvider) Allowance(ctx context.Context, asset, owner, spender common.Address) (*big.Int, error) {
	data, err := poolabi.PackAllowance(owner, spender)
	if err != nil {
		return nil, err
	}
	return p.callUint(ctx, asset, data)
}

func (p *EthProvider) IsKnownRoot(ctx context.Context, pool common.Address, root common.Hash) (bool, error) {
	data, err := poolabi.PackIsKnownRoot(root)
	if err != nil {
		return false, err
	}
	return p.callBool(ctx, pool, data)
}

func (p *EthProvider) IsSpentSerialNumber(ctx context.Context, pool common.Address, serial common.Hash) (bool, error) {
	data, err := poolabi.PackIsSpentSerialNumber(serial)
	if err != nil {
		return false, err
	}
	return p.callBool(ctx, pool, data)
}

func (p *EthProvider) MinRollupFee(ctx context.Context, pool common.Address) (*big.Int, error) {
	data, err := poolabi.PackMinRollupFee()
	if err != nil {
		return nil, err
	}
	return p.callUint(ctx, pool, data)
}

func (p *EthProvider) Account() common.Address {
	if p.wallet == nil {
		return common.Address{}
	}
	return p.wallet.Address()
}

func (p *EthProvider) Send(ctx context.Context, req eth.TxRequest) (eth.SendResult, error) {
	if p.wallet == nil {
		return eth.SendResult{}, ErrNoWallet
	}
	return p.wallet.Send(ctx, req)
}

func (p *EthProvider) call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	ret, err := p.rpc.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("chain %d: call %s: %w", p.chainID, to, err)
	}
	return ret, nil
}

func (p *EthProvider) callBool(ctx context.Context, to common.Address, data []byte) (bool, error) {
	ret, err := p.call(ctx, to, data)
	if err != nil {
		return false, err
	}
	return poolabi.UnpackBool(ret)
}

func (p *EthProvider) callUint(ctx context.Context, to common.Address, data []byte) (*big.Int, error) {
	ret, err := p.call(ctx, to, data)
	if err != nil {
		return nil, err
	}
	return poolabi.UnpackUint256(ret)
}

var _ Provider = (*EthProvider)(nil)

// Registry maps chain ids to providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[uint64]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[uint64]Provider, len(providers))}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

func (r *Registry) Register(p Provider) {
	if p == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ChainID()] = p
}

func (r *Registry) Get(chainID uint64) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[chainID]
	if !ok {
		return nil, fmt.Errorf("%w: no provider for chain %d", config.ErrUnknownChain, chainID)
	}
	return p, nil
}
