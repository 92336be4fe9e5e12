package depositexec

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/veilpool/veil-core/internal/chain"
	"github.com/veilpool/veil-core/internal/chain/chaintest"
	"github.com/veilpool/veil-core/internal/commitment"
	"github.com/veilpool/veil-core/internal/config"
	"github.com/veilpool/veil-core/internal/deposit"
	"github.com/veilpool/veil-core/internal/eth"
	"github.com/veilpool/veil-core/internal/protocol"
)

var (
	loopPool      = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bridgePool    = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	loopDeposit   = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	bridgeDeposit = common.HexToAddress("0x00000000000000000000000000000000000000d2")
	usdt          = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	ether         = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
)

func eth18(n int64) *big.Int { return new(big.Int).Mul(big.NewInt(n), ether) }

func testConfig() *config.Config {
	return &config.Config{Chains: []config.ChainConfig{
		{
			ChainID: 5, AssetSymbol: "ETH", AssetDecimals: 18,
			Pools: []config.PoolConfig{
				{Address: loopPool, AssetSymbol: "ETH", AssetDecimals: 18, BridgeType: config.BridgeLoop, Version: config.ProtocolV2},
				{Address: bridgePool, AssetSymbol: "USDT", AssetAddress: usdt, AssetDecimals: 6, BridgeType: config.BridgeTBridge, Version: config.ProtocolV2},
			},
			Deposits: []config.DepositConfig{
				{Address: loopDeposit, AssetSymbol: "ETH", AssetDecimals: 18, BridgeType: config.BridgeLoop, PeerPoolAddress: loopPool},
			},
		},
		{
			ChainID: 97, AssetSymbol: "BNB", AssetDecimals: 18,
			Deposits: []config.DepositConfig{{
				Address: bridgeDeposit, AssetSymbol: "USDT", AssetAddress: usdt, AssetDecimals: 6,
				BridgeType: config.BridgeTBridge, PeerChainID: 5, PeerPoolAddress: bridgePool,
				MinBridgeFee: config.NewAmount(1000),
			}},
		},
	}}
}

type fixture struct {
	src, dst    *chaintest.Provider
	deposits    *deposit.MemoryStore
	commitments *commitment.MemoryStore
	engine      *Engine
	recipient   protocol.ShieldedAddress

	mu     sync.Mutex
	events []Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	keys, err := protocol.DeriveAccountKeys(bytes.Repeat([]byte{3}, 32))
	if err != nil {
		t.Fatalf("DeriveAccountKeys: %v", err)
	}
	f := &fixture{
		src:         chaintest.New(97),
		dst:         chaintest.New(5),
		deposits:    deposit.NewMemoryStore(),
		commitments: commitment.NewMemoryStore(),
		recipient:   keys.Address(),
	}
	e, err := New(Config{
		Config:      testConfig(),
		Providers:   chain.NewRegistry(f.src, f.dst),
		Deposits:    f.deposits,
		Commitments: f.commitments,
		Crypto:      protocol.NewKeccak(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e.AddListener(func(ev Event) {
		f.mu.Lock()
		f.events = append(f.events, ev)
		f.mu.Unlock()
	})
	f.engine = e
	return f
}

func (f *fixture) statuses() []deposit.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]deposit.Status, 0, len(f.events))
	for _, ev := range f.events {
		out = append(out, ev.Current)
	}
	return out
}

func equalStatuses(a, b []deposit.Status) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestExecute_LoopDeposit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	f.dst.SetBalance(common.Address{}, f.dst.Wallet, eth18(100))
	f.dst.SetMinRollupFee(loopPool, big.NewInt(1))
	f.engine.AddListener(func(Event) { panic("listener bug") })

	d, err := f.engine.Execute(ctx, Options{
		SrcChainID: 5, DstChainID: 5, AssetSymbol: "ETH", BridgeType: config.BridgeLoop,
		Amount: "10", RollupFee: "1", Recipient: f.recipient,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if d.Status != deposit.StatusQueued || (d.SrcTxHash == common.Hash{}) {
		t.Fatalf("deposit: %+v", d)
	}
	want := []deposit.Status{deposit.StatusInit, deposit.StatusSrcPending, deposit.StatusQueued}
	if got := f.statuses(); !equalStatuses(got, want) {
		t.Fatalf("transitions: got %v want %v", got, want)
	}

	c, err := f.commitments.Get(ctx, commitment.ID{ChainID: 5, Contract: loopPool, Hash: d.CommitmentHash})
	if err != nil {
		t.Fatalf("Get commitment: %v", err)
	}
	if c.Status != commitment.StatusQueued || c.Amount.Cmp(eth18(10)) != 0 || len(c.EncryptedNote) == 0 {
		t.Fatalf("commitment: %+v", c)
	}

	sent := f.dst.Sent()
	if len(sent) != 1 || sent[0].To != loopDeposit || sent[0].Value.Cmp(eth18(11)) != 0 {
		t.Fatalf("sent: %+v", sent)
	}
}

func TestExecute_BridgedTokenApprovesFirst(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	f.src.SetBalance(common.Address{}, f.src.Wallet, eth18(1))
	f.src.SetBalance(usdt, f.src.Wallet, big.NewInt(50_000_000))

	d, err := f.engine.Execute(ctx, Options{
		SrcChainID: 97, DstChainID: 5, AssetSymbol: "USDT", BridgeType: config.BridgeTBridge,
		Amount: "20", BridgeFee: "0.001", Recipient: f.recipient,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if d.Status != deposit.StatusSrcSucceeded || (d.AssetApproveTxHash == common.Hash{}) {
		t.Fatalf("deposit: %+v", d)
	}
	want := []deposit.Status{
		deposit.StatusInit, deposit.StatusAssetApproving, deposit.StatusAssetApproved,
		deposit.StatusSrcPending, deposit.StatusSrcSucceeded,
	}
	if got := f.statuses(); !equalStatuses(got, want) {
		t.Fatalf("transitions: got %v want %v", got, want)
	}
	sent := f.src.Sent()
	if len(sent) != 2 || sent[0].To != usdt || sent[1].To != bridgeDeposit {
		t.Fatalf("sent: %+v", sent)
	}
	if sent[1].Value.Cmp(new(big.Int).Exp(big.NewInt(10), big.NewInt(15), nil)) != 0 {
		t.Fatalf("deposit value: got %s want bridge fee only", sent[1].Value)
	}
	c, err := f.commitments.Get(ctx, commitment.ID{ChainID: 5, Contract: bridgePool, Hash: d.CommitmentHash})
	if err != nil || c.Status != commitment.StatusSrcSucceeded || c.Amount.Int64() != 20_000_000 {
		t.Fatalf("commitment: %+v %v", c, err)
	}

	// Enough allowance skips the approval.
	f.src.SetAllowance(usdt, f.src.Wallet, big.NewInt(50_000_000))
	if _, err := f.engine.Execute(ctx, Options{
		SrcChainID: 97, DstChainID: 5, AssetSymbol: "USDT", BridgeType: config.BridgeTBridge,
		Amount: "1", BridgeFee: "0.001", Recipient: f.recipient,
	}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if n := len(f.src.Sent()); n != 3 {
		t.Fatalf("sent count: got %d want 3", n)
	}
}

func TestExecute_FailureIsRecorded(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	f.dst.SetBalance(common.Address{}, f.dst.Wallet, eth18(100))
	f.dst.SetMinRollupFee(loopPool, big.NewInt(1))
	boom := errors.New("nonce too low")
	f.dst.OnSend = func(eth.TxRequest) (eth.SendResult, error) { return eth.SendResult{}, boom }

	d, err := f.engine.Execute(ctx, Options{
		SrcChainID: 5, DstChainID: 5, AssetSymbol: "ETH", BridgeType: config.BridgeLoop,
		Amount: "1", Recipient: f.recipient,
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Execute: got %v want %v", err, boom)
	}
	stored, _ := f.deposits.Get(ctx, d.ID)
	if stored.Status != deposit.StatusFailed || stored.ErrorMessage == "" {
		t.Fatalf("deposit: %+v", stored)
	}
	if _, err := f.commitments.Get(ctx, commitment.ID{ChainID: 5, Contract: loopPool, Hash: d.CommitmentHash}); !errors.Is(err, commitment.ErrNotFound) {
		t.Fatalf("failed deposit left a commitment: %v", err)
	}
}

func TestExecute_KeepsStatusAdvancedBySync(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	f.dst.SetBalance(common.Address{}, f.dst.Wallet, eth18(100))
	f.dst.SetMinRollupFee(loopPool, big.NewInt(1))
	txHash := common.HexToHash("0x5e")
	f.dst.OnSend = func(eth.TxRequest) (eth.SendResult, error) {
		// The sync daemon sees the deposit land before Send returns.
		f.mu.Lock()
		id := f.events[len(f.events)-1].Deposit.ID
		f.mu.Unlock()
		_, err := f.deposits.Update(ctx, id, func(cur deposit.Deposit) (deposit.Deposit, error) {
			next := cur.Clone()
			next.Status = deposit.StatusIncluded
			next.IncludedTxHash = common.HexToHash("0x77")
			return next, nil
		})
		if err != nil {
			return eth.SendResult{}, err
		}
		return eth.SendResult{TxHash: txHash}, nil
	}

	d, err := f.engine.Execute(ctx, Options{
		SrcChainID: 5, DstChainID: 5, AssetSymbol: "ETH", BridgeType: config.BridgeLoop,
		Amount: "1", Recipient: f.recipient,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if d.Status != deposit.StatusIncluded || d.SrcTxHash != txHash {
		t.Fatalf("deposit: %+v", d)
	}
	stored, _ := f.deposits.Get(ctx, d.ID)
	if stored.Status != deposit.StatusIncluded || stored.ErrorMessage != "" {
		t.Fatalf("stored deposit: %+v", stored)
	}
	want := []deposit.Status{deposit.StatusInit, deposit.StatusSrcPending}
	if got := f.statuses(); !equalStatuses(got, want) {
		t.Fatalf("transitions: got %v want %v", got, want)
	}
}

func TestSummary_Rejections(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	f.dst.SetBalance(common.Address{}, f.dst.Wallet, eth18(5))
	f.dst.SetMinRollupFee(loopPool, eth18(1))

	base := Options{SrcChainID: 5, DstChainID: 5, AssetSymbol: "ETH", BridgeType: config.BridgeLoop, Recipient: f.recipient}
	for _, tc := range []struct {
		name string
		mut  func(*Options)
		want error
	}{
		{name: "fee below live minimum", mut: func(o *Options) { o.Amount, o.RollupFee = "1", "0.5" }, want: ErrFeeTooLow},
		{name: "balance", mut: func(o *Options) { o.Amount = "10" }, want: ErrInsufficientBalance},
		{name: "zero amount", mut: func(o *Options) { o.Amount = "0" }, want: ErrInvalidDepositOptions},
		{name: "too precise", mut: func(o *Options) { o.Amount = "0.0000000000000000001" }, want: ErrInvalidDepositOptions},
		{name: "loop with bridge fee", mut: func(o *Options) { o.Amount, o.BridgeFee = "1", "0.1" }, want: ErrInvalidDepositOptions},
		{name: "no recipient", mut: func(o *Options) { o.Amount, o.Recipient = "1", protocol.ShieldedAddress{} }, want: ErrInvalidDepositOptions},
		{name: "unknown route", mut: func(o *Options) { o.Amount, o.AssetSymbol = "1", "DAI" }, want: config.ErrUnknownContract},
	} {
		opts := base
		tc.mut(&opts)
		if _, err := f.engine.Summary(ctx, opts); !errors.Is(err, tc.want) {
			t.Fatalf("%s: got %v want %v", tc.name, err, tc.want)
		}
	}

	s, err := f.engine.Summary(ctx, Options{SrcChainID: 5, DstChainID: 5, AssetSymbol: "ETH", BridgeType: config.BridgeLoop, Amount: "2", Recipient: f.recipient})
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if s.RollupFee.Cmp(eth18(1)) != 0 || s.NativeValue.Cmp(eth18(3)) != 0 {
		t.Fatalf("summary: fee=%s value=%s", s.RollupFee, s.NativeValue)
	}
}
