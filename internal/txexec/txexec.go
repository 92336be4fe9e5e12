package txexec

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/veilpool/veil-core/internal/amount"
	"github.com/veilpool/veil-core/internal/chain"
	"github.com/veilpool/veil-core/internal/commitment"
	"github.com/veilpool/veil-core/internal/config"
	"github.com/veilpool/veil-core/internal/merkle"
	"github.com/veilpool/veil-core/internal/metrics"
	"github.com/veilpool/veil-core/internal/protocol"
	"github.com/veilpool/veil-core/internal/relayerclient"
	"github.com/veilpool/veil-core/internal/transaction"
)

// MaxInputs is the number of notes one transact call can spend.
const MaxInputs = 2

var (
	ErrInvalidConfig             = errors.New("txexec: invalid config")
	ErrInvalidTransactionOptions = errors.New("txexec: invalid transaction options")
	ErrInvalidTransactionRequest = errors.New("txexec: invalid transaction request")
	ErrInvalidAuditorKeys        = errors.New("txexec: invalid auditor keys")
	ErrInsufficientBalance       = errors.New("txexec: insufficient balance")
	ErrInsufficientPoolBalance   = errors.New("txexec: insufficient pool balance")
	ErrFeeTooLow                 = errors.New("txexec: fee too low")
	ErrTxFailed                  = errors.New("txexec: transaction failed")
)

type Providers interface {
	Get(chainID uint64) (chain.Provider, error)
}

// Accounts exposes unlocked account keys for the duration of fn.
type Accounts interface {
	WithAccounts(ctx context.Context, fn func([]protocol.Account) error) error
}

// Merkle returns authentication paths against a root the pool accepts; *merkle.Service implements it.
type Merkle interface {
	Proofs(ctx context.Context, chainID uint64, contract common.Address, cs []commitment.Commitment) (merkle.Proof, error)
}

// Relayer submits signed transact calls on behalf of the user; *relayerclient.Client implements it.
type Relayer interface {
	Transact(ctx context.Context, req relayerclient.TransactRequest) (string, error)
	WaitJob(ctx context.Context, id string) (relayerclient.Job, error)
}

// Options describe one transfer or withdrawal. Amounts are decimal strings in
// the pool asset's units. Amount is the total leaving the sender's balance,
// fees included. An empty RollupFee pays the pool minimum for every output.
type Options struct {
	Type        transaction.Type
	ChainID     uint64
	AssetSymbol string
	BridgeType  config.BridgeType
	Version     config.ProtocolVersion

	Sender          protocol.ShieldedAddress
	Recipient       protocol.ShieldedAddress
	PublicRecipient common.Address

	Amount    string
	RollupFee string

	// UseRelayer submits through the gas relayer, paying RelayerFee to RelayerAddress.
	UseRelayer     bool
	RelayerFee     string
	RelayerAddress common.Address
}

// Summary is a validated quote for a transaction.
type Summary struct {
	Pool   config.PoolConfig
	Inputs []commitment.Commitment

	Amount     *big.Int
	RollupFee  *big.Int
	RelayerFee *big.Int
	// PaymentAmount goes to the recipient's note on transfer and to the public recipient on withdraw.
	PaymentAmount *big.Int
	Change        *big.Int

	PreviousBalance *big.Int
	NewBalance      *big.Int
}

// Event reports one status transition of a transaction.
type Event struct {
	Transaction transaction.Transaction
	Previous    transaction.Status
	Current     transaction.Status
}

type Listener func(Event)

type Config struct {
	Config       *config.Config
	Providers    Providers
	Commitments  commitment.Store
	Transactions transaction.Store
	Merkle       Merkle
	Crypto       protocol.Crypto
	Prover       protocol.Prover
	Accounts     Accounts
	// Relayer is optional; without it UseRelayer is rejected.
	Relayer Relayer
	Metrics *metrics.Metrics
	Log     *slog.Logger
}

type Engine struct {
	cfg          *config.Config
	providers    Providers
	commitments  commitment.Store
	transactions transaction.Store
	merkle       Merkle
	crypto       protocol.Crypto
	prover       protocol.Prover
	accounts     Accounts
	relayer      Relayer
	metrics      *metrics.Metrics
	log          *slog.Logger

	mu        sync.RWMutex
	listeners []Listener
}

func New(cfg Config) (*Engine, error) {
	if cfg.Config == nil || cfg.Providers == nil || cfg.Commitments == nil || cfg.Transactions == nil {
		return nil, fmt.Errorf("%w: config, providers and stores are required", ErrInvalidConfig)
	}
	if cfg.Merkle == nil || cfg.Crypto == nil || cfg.Prover == nil || cfg.Accounts == nil {
		return nil, fmt.Errorf("%w: merkle, crypto, prover and accounts are required", ErrInvalidConfig)
	}
	log := cfg.Log
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Engine{
		cfg:          cfg.Config,
		providers:    cfg.Providers,
		commitments:  cfg.Commitments,
		transactions: cfg.Transactions,
		merkle:       cfg.Merkle,
		crypto:       cfg.Crypto,
		prover:       cfg.Prover,
		accounts:     cfg.Accounts,
		relayer:      cfg.Relayer,
		metrics:      cfg.Metrics,
		log:          log,
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
					e.log.Error("transaction listener panicked", "tx_id", ev.Transaction.ID, "status", ev.Current, "panic", r)
				}
			}()
			l(ev)
		}()
	}
}

// AuditorKeys decodes the configured auditor public keys and checks their count.
func AuditorKeys(p config.ProtocolConfig) ([][32]byte, error) {
	if len(p.AuditorPublicKeys) != p.AuditorCount {
		return nil, fmt.Errorf("%w: have %d keys, protocol requires %d", ErrInvalidAuditorKeys, len(p.AuditorPublicKeys), p.AuditorCount)
	}
	out := make([][32]byte, 0, len(p.AuditorPublicKeys))
	for i, s := range p.AuditorPublicKeys {
		b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
		if err != nil || len(b) != 32 {
			return nil, fmt.Errorf("%w: key %d is not 32 hex bytes", ErrInvalidAuditorKeys, i)
		}
		var k [32]byte
		copy(k[:], b)
		out = append(out, k)
	}
	return out, nil
}

// Balance sums the owned, spendable notes of addr in a pool.
func (e *Engine) Balance(ctx context.Context, chainID uint64, pool common.Address, addr protocol.ShieldedAddress) (*big.Int, error) {
	cs, err := e.spendable(ctx, chainID, pool, addr)
	if err != nil {
		return nil, err
	}
	return sum(cs), nil
}

func (e *Engine) spendable(ctx context.Context, chainID uint64, pool common.Address, addr protocol.ShieldedAddress) ([]commitment.Commitment, error) {
	cs, err := e.commitments.Find(ctx, commitment.Query{
		ChainID:           chainID,
		Contract:          pool,
		Statuses:          []commitment.Status{commitment.StatusIncluded},
		ShieldedAddresses: []string{addr.String()},
	})
	if err != nil {
		return nil, fmt.Errorf("txexec: find notes: %w", err)
	}
	out := cs[:0]
	for _, c := range cs {
		if c.Amount != nil && c.Amount.Sign() > 0 && c.HasLeafIndex {
			out = append(out, c)
		}
	}
	return out, nil
}

func sum(cs []commitment.Commitment) *big.Int {
	total := new(big.Int)
	for _, c := range cs {
		if c.Amount != nil {
			total.Add(total, c.Amount)
		}
	}
	return total
}

// SelectInputs picks at most MaxInputs notes covering target: the fewest notes
// first, then the smallest covering sum.
func SelectInputs(notes []commitment.Commitment, target *big.Int) ([]commitment.Commitment, bool) {
	var (
		best    []commitment.Commitment
		bestSum *big.Int
	)
	consider := func(sel []commitment.Commitment) {
		s := sum(sel)
		if s.Cmp(target) < 0 {
			return
		}
		if best == nil || len(sel) < len(best) || (len(sel) == len(best) && s.Cmp(bestSum) < 0) {
			best, bestSum = sel, s
		}
	}
	for i := range notes {
		consider([]commitment.Commitment{notes[i]})
	}
	if best != nil {
		return best, true
	}
	for i := range notes {
		for j := i + 1; j < len(notes); j++ {
			consider([]commitment.Commitment{notes[i], notes[j]})
		}
	}
	return best, best != nil
}

// Summary validates opts and selects the notes to spend without touching any state.
func (e *Engine) Summary(ctx context.Context, opts Options) (Summary, error) {
	if _, err := AuditorKeys(e.cfg.Protocol); err != nil {
		return Summary{}, err
	}
	switch opts.Type {
	case transaction.TypeTransfer:
		if opts.Recipient.IsZero() {
			return Summary{}, fmt.Errorf("%w: transfer needs a shielded recipient", ErrInvalidTransactionOptions)
		}
	case transaction.TypeWithdraw:
		if (opts.PublicRecipient == common.Address{}) {
			return Summary{}, fmt.Errorf("%w: withdraw needs a public recipient", ErrInvalidTransactionOptions)
		}
	default:
		return Summary{}, fmt.Errorf("%w: unknown type %s", ErrInvalidTransactionOptions, opts.Type)
	}
	if opts.Sender.IsZero() {
		return Summary{}, fmt.Errorf("%w: sender is required", ErrInvalidTransactionOptions)
	}
	if opts.UseRelayer && (e.relayer == nil || (opts.RelayerAddress == common.Address{})) {
		return Summary{}, fmt.Errorf("%w: relayer submission needs a relayer client and address", ErrInvalidTransactionOptions)
	}

	bridge := opts.BridgeType
	if bridge == "" {
		bridge = config.BridgeLoop
	}
	pool, err := e.cfg.PoolByAsset(opts.ChainID, opts.AssetSymbol, bridge, opts.Version)
	if err != nil {
		return Summary{}, err
	}

	s := Summary{Pool: pool}
	if s.Amount, err = parseAmount("amount", opts.Amount, pool.AssetDecimals, false); err != nil {
		return Summary{}, err
	}
	if s.RelayerFee, err = parseAmount("relayer fee", opts.RelayerFee, pool.AssetDecimals, true); err != nil {
		return Summary{}, err
	}
	if !opts.UseRelayer && s.RelayerFee.Sign() != 0 {
		return Summary{}, fmt.Errorf("%w: relayer fee without relayer submission", ErrInvalidTransactionOptions)
	}

	notes, err := e.spendable(ctx, opts.ChainID, pool.Address, opts.Sender)
	if err != nil {
		return Summary{}, err
	}
	s.PreviousBalance = sum(notes)
	inputs, ok := SelectInputs(notes, s.Amount)
	if !ok {
		return Summary{}, fmt.Errorf("%w: %s %s cannot be covered by %d notes (balance %s)", ErrInsufficientBalance,
			amount.String(s.Amount, pool.AssetDecimals), pool.AssetSymbol, MaxInputs, amount.String(s.PreviousBalance, pool.AssetDecimals))
	}
	s.Inputs = inputs
	s.Change = new(big.Int).Sub(sum(inputs), s.Amount)

	outputs := 0
	if opts.Type == transaction.TypeTransfer {
		outputs++
	}
	if s.Change.Sign() > 0 {
		outputs++
	}
	minFee := e.minRollupFee(ctx, opts.ChainID, pool)
	minFee.Mul(minFee, big.NewInt(int64(outputs)))
	if strings.TrimSpace(opts.RollupFee) == "" {
		s.RollupFee = minFee
	} else if s.RollupFee, err = parseAmount("rollup fee", opts.RollupFee, pool.AssetDecimals, false); err != nil {
		return Summary{}, err
	}
	if s.RollupFee.Cmp(minFee) < 0 {
		return Summary{}, fmt.Errorf("%w: rollup fee below minimum %s", ErrFeeTooLow, amount.String(minFee, pool.AssetDecimals))
	}

	s.PaymentAmount = new(big.Int).Sub(s.Amount, s.RollupFee)
	s.PaymentAmount.Sub(s.PaymentAmount, s.RelayerFee)
	if s.PaymentAmount.Sign() <= 0 {
		return Summary{}, fmt.Errorf("%w: fees exceed amount", ErrInvalidTransactionOptions)
	}
	s.NewBalance = new(big.Int).Sub(s.PreviousBalance, s.Amount)

	if opts.Type == transaction.TypeWithdraw {
		p, err := e.providers.Get(opts.ChainID)
		if err != nil {
			return Summary{}, err
		}
		rctx, cancel := e.rpcContext(ctx)
		held, err := p.AssetBalance(rctx, pool.AssetAddress, pool.Address)
		cancel()
		if err != nil {
			return Summary{}, fmt.Errorf("txexec: pool balance: %w", err)
		}
		if held.Cmp(s.PaymentAmount) < 0 {
			return Summary{}, fmt.Errorf("%w: pool holds %s %s", ErrInsufficientPoolBalance, amount.String(held, pool.AssetDecimals), pool.AssetSymbol)
		}
	}
	return s, nil
}

func (e *Engine) minRollupFee(ctx context.Context, chainID uint64, pool config.PoolConfig) *big.Int {
	p, err := e.providers.Get(chainID)
	if err == nil {
		rctx, cancel := e.rpcContext(ctx)
		defer cancel()
		var v *big.Int
		if v, err = p.MinRollupFee(rctx, pool.Address); err == nil && v != nil {
			return v
		}
	}
	e.log.Warn("using configured minimum rollup fee", "chain_id", chainID, "pool", pool.Address, "err", err)
	return pool.MinRollupFee.Big()
}

func parseAmount(field, s string, decimals int32, optional bool) (*big.Int, error) {
	if strings.TrimSpace(s) == "" && optional {
		return new(big.Int), nil
	}
	v, err := amount.ToBase(s, decimals)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTransactionOptions, field, err)
	}
	if v.Sign() == 0 && !optional {
		return nil, fmt.Errorf("%w: %s must be > 0", ErrInvalidTransactionOptions, field)
	}
	return v, nil
}
