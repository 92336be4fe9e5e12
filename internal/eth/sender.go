package eth

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	ErrInvalidSenderConfig = errors.New("eth: invalid sender config")
	ErrTxReverted          = errors.New("eth: transaction reverted")
)

// Backend is the subset of ethclient.Client used to send transactions.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	BlockNumber(ctx context.Context) (uint64, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

type SenderConfig struct {
	ChainID            *big.Int
	GasLimitMultiplier float64
	// MinTipCap floors the priority fee, or the gas price on legacy chains.
	MinTipCap *big.Int

	ReceiptPollInterval time.Duration
	// Confirmations counts the inclusion block; 0 and 1 both mean "mined".
	Confirmations uint64

	ReplaceAfter           time.Duration
	MaxReplacements        int
	ReplacementBumpPercent int
	MinReplacementBump     *big.Int

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

type TxRequest struct {
	To       common.Address
	Data     []byte
	Value    *big.Int
	GasLimit uint64 // 0 => estimate
}

type SendResult struct {
	From         common.Address
	Nonce        uint64
	TxHash       common.Hash
	Receipt      *types.Receipt
	Replacements int
}

// Sender submits transactions from a single wallet account and waits for them
// to be mined, replacing stuck transactions with higher-priced ones.
type Sender struct {
	backend Backend
	signer  Signer
	cfg     SenderConfig

	mu        sync.Mutex
	nextNonce uint64
	haveNonce bool
}

func NewSender(backend Backend, signer Signer, cfg SenderConfig) (*Sender, error) {
	if backend == nil || signer == nil || (signer.Address() == common.Address{}) {
		return nil, ErrInvalidSenderConfig
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("%w: chain id must be > 0", ErrInvalidSenderConfig)
	}
	if cfg.GasLimitMultiplier <= 0 {
		cfg.GasLimitMultiplier = 1
	}
	if cfg.MinTipCap == nil {
		cfg.MinTipCap = new(big.Int)
	}
	if cfg.MinTipCap.Sign() < 0 {
		return nil, fmt.Errorf("%w: min tip cap must be >= 0", ErrInvalidSenderConfig)
	}
	if cfg.ReceiptPollInterval <= 0 {
		return nil, fmt.Errorf("%w: receipt poll interval must be > 0", ErrInvalidSenderConfig)
	}
	if cfg.MaxReplacements < 0 {
		return nil, fmt.Errorf("%w: max replacements must be >= 0", ErrInvalidSenderConfig)
	}
	if cfg.MaxReplacements > 0 {
		if cfg.ReplaceAfter <= 0 || cfg.ReplacementBumpPercent <= 0 {
			return nil, fmt.Errorf("%w: replacement requires replace-after and bump percent", ErrInvalidSenderConfig)
		}
		if cfg.MinReplacementBump != nil && cfg.MinReplacementBump.Sign() < 0 {
			return nil, fmt.Errorf("%w: min replacement bump must be >= 0", ErrInvalidSenderConfig)
		}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	return &Sender{backend: backend, signer: signer, cfg: cfg}, nil
}

func (s *Sender) Address() common.Address { return s.signer.Address() }

// Send broadcasts req and blocks until it is mined with the configured number
// of confirmations. A mined but failed transaction returns its result together
// with ErrTxReverted.
func (s *Sender) Send(ctx context.Context, req TxRequest) (SendResult, error) {
	from := s.signer.Address()
	value := req.Value
	if value == nil {
		value = new(big.Int)
	}

	gasLimit := req.GasLimit
	if gasLimit == 0 {
		est, err := s.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &req.To, Value: value, Data: req.Data})
		if err != nil {
			return SendResult{}, fmt.Errorf("eth: estimate gas: %w", err)
		}
		gasLimit = applyGasMultiplier(est, s.cfg.GasLimitMultiplier)
	}

	quote, err := s.quote(ctx)
	if err != nil {
		return SendResult{}, err
	}

	nonce, err := s.reserveNonce(ctx)
	if err != nil {
		return SendResult{}, err
	}

	build := func(q FeeQuote) (*types.Transaction, error) {
		to := req.To
		var inner types.TxData
		if q.Legacy {
			inner = &types.LegacyTx{Nonce: nonce, GasPrice: q.GasPrice, Gas: gasLimit, To: &to, Value: value, Data: req.Data}
		} else {
			inner = &types.DynamicFeeTx{ChainID: s.cfg.ChainID, Nonce: nonce, GasTipCap: q.TipCap, GasFeeCap: q.FeeCap, Gas: gasLimit, To: &to, Value: value, Data: req.Data}
		}
		return s.signer.SignTx(types.NewTx(inner), s.cfg.ChainID)
	}

	signed, err := build(quote)
	if err != nil {
		s.releaseNonce(nonce)
		return SendResult{}, err
	}
	if err := s.backend.SendTransaction(ctx, signed); err != nil {
		s.releaseNonce(nonce)
		return SendResult{}, fmt.Errorf("eth: send transaction: %w", err)
	}

	sent := []common.Hash{signed.Hash()}
	lastSentAt := s.cfg.Now()
	replacements := 0

	for {
		for _, h := range sent {
			receipt, err := s.backend.TransactionReceipt(ctx, h)
			if err == nil {
				res := SendResult{From: from, Nonce: nonce, TxHash: h, Receipt: receipt, Replacements: replacements}
				if err := s.awaitConfirmations(ctx, receipt); err != nil {
					return res, err
				}
				if receipt.Status != types.ReceiptStatusSuccessful {
					return res, fmt.Errorf("%w: %s", ErrTxReverted, h)
				}
				return res, nil
			}
			if !errors.Is(err, ethereum.NotFound) {
				return SendResult{}, fmt.Errorf("eth: receipt %s: %w", h, err)
			}
		}

		if replacements < s.cfg.MaxReplacements && s.cfg.Now().Sub(lastSentAt) >= s.cfg.ReplaceAfter {
			quote, err = quote.Bump(s.cfg.ReplacementBumpPercent, s.cfg.MinReplacementBump)
			if err != nil {
				return SendResult{}, err
			}
			signed, err := build(quote)
			if err != nil {
				return SendResult{}, err
			}
			if err := s.backend.SendTransaction(ctx, signed); err != nil {
				return SendResult{}, fmt.Errorf("eth: send replacement: %w", err)
			}
			sent = append(sent, signed.Hash())
			lastSentAt = s.cfg.Now()
			replacements++
			continue
		}

		if err := s.cfg.Sleep(ctx, s.cfg.ReceiptPollInterval); err != nil {
			return SendResult{}, err
		}
	}
}

func (s *Sender) quote(ctx context.Context) (FeeQuote, error) {
	header, err := s.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return FeeQuote{}, fmt.Errorf("eth: latest header: %w", err)
	}
	if header.BaseFee == nil {
		price, err := s.backend.SuggestGasPrice(ctx)
		if err != nil {
			return FeeQuote{}, fmt.Errorf("eth: suggest gas price: %w", err)
		}
		return QuoteLegacy(price, s.cfg.MinTipCap)
	}
	tip, err := s.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return FeeQuote{}, fmt.Errorf("eth: suggest tip cap: %w", err)
	}
	return Quote1559(header.BaseFee, tip, s.cfg.MinTipCap)
}

func (s *Sender) awaitConfirmations(ctx context.Context, receipt *types.Receipt) error {
	if s.cfg.Confirmations <= 1 || receipt.BlockNumber == nil {
		return nil
	}
	target := receipt.BlockNumber.Uint64() + s.cfg.Confirmations - 1
	for {
		head, err := s.backend.BlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("eth: block number: %w", err)
		}
		if head >= target {
			return nil
		}
		if err := s.cfg.Sleep(ctx, s.cfg.ReceiptPollInterval); err != nil {
			return err
		}
	}
}

// reserveNonce loads the pending nonce once and allocates locally afterwards.
func (s *Sender) reserveNonce(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.haveNonce {
		n, err := s.backend.PendingNonceAt(ctx, s.signer.Address())
		if err != nil {
			return 0, fmt.Errorf("eth: pending nonce: %w", err)
		}
		s.nextNonce = n
		s.haveNonce = true
	}
	n := s.nextNonce
	s.nextNonce++
	return n, nil
}

// releaseNonce returns a never-broadcast nonce. If later nonces were handed
// out meanwhile the counter is reloaded from the node on next use.
func (s *Sender) releaseNonce(n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.haveNonce && s.nextNonce == n+1 {
		s.nextNonce = n
		return
	}
	s.haveNonce = false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func applyGasMultiplier(est uint64, mult float64) uint64 {
	if mult <= 1 {
		return est
	}
	out := uint64(math.Ceil(float64(est) * mult))
	if out < est {
		return est
	}
	return out
}
