package chaintest

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/veilpool/veil-core/internal/chain"
	"github.com/veilpool/veil-core/internal/eth"
	"github.com/veilpool/veil-core/internal/poolabi"
)

type Provider struct {
	ID      uint64
	Wallet  common.Address
	FailAll error

	mu          sync.Mutex
	head        uint64
	logIndex    uint
	queued      []chain.QueuedLog
	included    []chain.IncludedLog
	spent       []chain.SpentLog
	knownRoots  map[common.Hash]bool
	spentSerial map[common.Hash]bool
	balances    map[[2]common.Address]*big.Int
	allowances  map[[2]common.Address]*big.Int
	minFee      map[common.Address]*big.Int
	sent        []eth.TxRequest

	// OnSend, when set, decides the outcome of Send. It runs without the lock.
	OnSend func(req eth.TxRequest) (eth.SendResult, error)
}

func New(chainID uint64) *Provider {
	return &Provider{
		ID:          chainID,
		Wallet:      common.HexToAddress("0x000000000000000000000000000000000000beef"),
		knownRoots:  make(map[common.Hash]bool),
		spentSerial: make(map[common.Hash]bool),
		balances:    make(map[[2]common.Address]*big.Int),
		allowances:  make(map[[2]common.Address]*big.Int),
		minFee:      make(map[common.Address]*big.Int),
	}
}

func (p *Provider) SetHead(n uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.head = n
}

func (p *Provider) meta(contract common.Address, block uint64) chain.LogMeta {
	p.logIndex++
	return chain.LogMeta{
		Contract:    contract,
		BlockNumber: block,
		LogIndex:    p.logIndex,
		TxHash:      crypto.Keccak256Hash(contract[:], new(big.Int).SetUint64(block).Bytes(), new(big.Int).SetUint64(uint64(p.logIndex)).Bytes()),
	}
}

func (p *Provider) AddQueued(contract common.Address, block uint64, ev poolabi.QueuedEvent) chain.LogMeta {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.meta(contract, block)
	p.queued = append(p.queued, chain.QueuedLog{LogMeta: m, QueuedEvent: ev})
	return m
}

func (p *Provider) AddIncluded(contract common.Address, block uint64, commitment common.Hash) chain.LogMeta {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.meta(contract, block)
	p.included = append(p.included, chain.IncludedLog{LogMeta: m, IncludedEvent: poolabi.IncludedEvent{Commitment: commitment}})
	return m
}

func (p *Provider) AddSpent(contract common.Address, block uint64, root, serial common.Hash) chain.LogMeta {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.meta(contract, block)
	p.spent = append(p.spent, chain.SpentLog{LogMeta: m, SpentEvent: poolabi.SpentEvent{RootHash: root, SerialNumber: serial}})
	p.spentSerial[serial] = true
	return m
}

func (p *Provider) SetKnownRoot(root common.Hash, known bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.knownRoots[root] = known
}

func (p *Provider) SetSpent(serial common.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.spentSerial[serial] = true
}

func (p *Provider) SetBalance(asset, owner common.Address, v *big.Int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balances[[2]common.Address{asset, owner}] = new(big.Int).Set(v)
}

func (p *Provider) SetAllowance(asset, owner common.Address, v *big.Int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.allowances[[2]common.Address{asset, owner}] = new(big.Int).Set(v)
}

func (p *Provider) SetMinRollupFee(pool common.Address, v *big.Int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.minFee[pool] = v
}

func (p *Provider) Sent() []eth.TxRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]eth.TxRequest(nil), p.sent...)
}

func (p *Provider) ChainID() uint64 { return p.ID }

func (p *Provider) CurrentBlock(context.Context) (uint64, error) {
	if p.FailAll != nil {
		return 0, p.FailAll
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.head, nil
}

func inRange(contracts []common.Address, m chain.LogMeta, from, to uint64) bool {
	if m.BlockNumber < from || m.BlockNumber > to {
		return false
	}
	for _, c := range contracts {
		if c == m.Contract {
			return true
		}
	}
	return false
}

func (p *Provider) QueryQueued(_ context.Context, contracts []common.Address, from, to uint64) ([]chain.QueuedLog, error) {
	if p.FailAll != nil {
		return nil, p.FailAll
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []chain.QueuedLog
	for _, lg := range p.queued {
		if inRange(contracts, lg.LogMeta, from, to) {
			out = append(out, lg)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return before(out[i].LogMeta, out[j].LogMeta) })
	return out, nil
}

func (p *Provider) QueryIncluded(_ context.Context, contracts []common.Address, from, to uint64) ([]chain.IncludedLog, error) {
	if p.FailAll != nil {
		return nil, p.FailAll
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []chain.IncludedLog
	for _, lg := range p.included {
		if inRange(contracts, lg.LogMeta, from, to) {
			out = append(out, lg)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return before(out[i].LogMeta, out[j].LogMeta) })
	return out, nil
}

func (p *Provider) QuerySpent(_ context.Context, contracts []common.Address, from, to uint64) ([]chain.SpentLog, error) {
	if p.FailAll != nil {
		return nil, p.FailAll
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []chain.SpentLog
	for _, lg := range p.spent {
		if inRange(contracts, lg.LogMeta, from, to) {
			out = append(out, lg)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return before(out[i].LogMeta, out[j].LogMeta) })
	return out, nil
}

func before(a, b chain.LogMeta) bool {
	if a.BlockNumber != b.BlockNumber {
		return a.BlockNumber < b.BlockNumber
	}
	return a.LogIndex < b.LogIndex
}

func (p *Provider) AssetBalance(_ context.Context, asset, owner common.Address) (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v, ok := p.balances[[2]common.Address{asset, owner}]; ok {
		return new(big.Int).Set(v), nil
	}
	return new(big.Int), nil
}

func (p *Provider) Allowance(_ context.Context, asset, owner, _ common.Address) (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v, ok := p.allowances[[2]common.Address{asset, owner}]; ok {
		return new(big.Int).Set(v), nil
	}
	return new(big.Int), nil
}

func (p *Provider) IsKnownRoot(_ context.Context, _ common.Address, root common.Hash) (bool, error) {
	if p.FailAll != nil {
		return false, p.FailAll
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.knownRoots[root], nil
}

func (p *Provider) IsSpentSerialNumber(_ context.Context, _ common.Address, serial common.Hash) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.spentSerial[serial], nil
}

func (p *Provider) MinRollupFee(_ context.Context, pool common.Address) (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.minFee[pool]
	if !ok {
		return nil, errors.New("chaintest: minRollupFee not set")
	}
	return new(big.Int).Set(v), nil
}

func (p *Provider) Account() common.Address { return p.Wallet }

func (p *Provider) Send(_ context.Context, req eth.TxRequest) (eth.SendResult, error) {
	p.mu.Lock()
	p.sent = append(p.sent, req)
	n := len(p.sent)
	p.head++
	head := p.head
	p.mu.Unlock()

	if p.OnSend != nil {
		return p.OnSend(req)
	}
	h := crypto.Keccak256Hash(req.To[:], req.Data, new(big.Int).SetUint64(uint64(n)).Bytes())
	return eth.SendResult{
		From:   p.Wallet,
		Nonce:  uint64(n - 1),
		TxHash: h,
		Receipt: &types.Receipt{
			TxHash:      h,
			Status:      types.ReceiptStatusSuccessful,
			BlockNumber: new(big.Int).SetUint64(head),
		},
	}, nil
}

var _ chain.Provider = (*Provider)(nil)
