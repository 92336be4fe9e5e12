package prover

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/veilpool/veil-core/internal/protocol"
	"github.com/veilpool/veil-core/internal/queue"
)

const (
	requestVersion     = "veil.proof.request.v1"
	fulfillmentVersion = "veil.proof.fulfillment.v1"
	failureVersion     = "veil.proof.failure.v1"
)

var (
	ErrInvalidConfig = errors.New("prover: invalid config")
	ErrProofFailed   = errors.New("prover: proof request failed")
)

// FailureError is a failure reported by the proving service.
type FailureError struct {
	Code      string
	Retryable bool
	Message   string
}

func (e *FailureError) Error() string {
	switch {
	case e == nil:
		return ""
	case e.Code == "" && e.Message == "":
		return ErrProofFailed.Error()
	case e.Code == "":
		return e.Message
	case e.Message == "":
		return e.Code
	default:
		return e.Code + ": " + e.Message
	}
}

func (e *FailureError) Unwrap() error { return ErrProofFailed }

type QueueConfig struct {
	RequestTopic string

	Producer queue.Producer
	// Consumer must be subscribed to the fulfillment and failure topics.
	Consumer queue.Consumer

	AckTimeout time.Duration
	Log        *slog.Logger
}

// QueueProver publishes proof jobs and waits for the matching response. The
// job id is the public-input digest, so a retried request is deduplicated by
// the service.
type QueueProver struct {
	cfg QueueConfig
}

func NewQueueProver(cfg QueueConfig) (*QueueProver, error) {
	if cfg.Producer == nil || cfg.Consumer == nil {
		return nil, fmt.Errorf("%w: producer and consumer are required", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.RequestTopic) == "" {
		return nil, fmt.Errorf("%w: request topic is required", ErrInvalidConfig)
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 5 * time.Second
	}
	if cfg.Log == nil {
		cfg.Log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &QueueProver{cfg: cfg}, nil
}

type wireInput struct {
	Amount       string   `json:"amount"`
	Randomness   string   `json:"randomness"`
	LeafIndex    uint64   `json:"leaf_index"`
	Path         []string `json:"path"`
	SerialNumber string   `json:"serial_number"`
}

type wireOutput struct {
	Recipient  string `json:"recipient"`
	Amount     string `json:"amount"`
	Randomness string `json:"randomness"`
}

func encodeRequest(req protocol.ProofRequest) ([]byte, error) {
	pub := req.Public
	inputs := make([]wireInput, 0, len(req.Inputs))
	for _, in := range req.Inputs {
		if in.Note.Amount == nil {
			return nil, fmt.Errorf("%w: input without amount", ErrInvalidConfig)
		}
		path := make([]string, len(in.Path))
		for i, h := range in.Path {
			path[i] = h.Hex()
		}
		inputs = append(inputs, wireInput{
			Amount:       in.Note.Amount.String(),
			Randomness:   "0x" + hex.EncodeToString(in.Note.Randomness[:]),
			LeafIndex:    in.LeafIndex,
			Path:         path,
			SerialNumber: in.SerialNumber.Hex(),
		})
	}
	outputs := make([]wireOutput, 0, len(req.Outputs))
	for _, out := range req.Outputs {
		if out.Amount == nil {
			return nil, fmt.Errorf("%w: output without amount", ErrInvalidConfig)
		}
		outputs = append(outputs, wireOutput{
			Recipient:  out.Recipient.String(),
			Amount:     out.Amount.String(),
			Randomness: "0x" + hex.EncodeToString(out.Randomness[:]),
		})
	}
	return json.Marshal(map[string]any{
		"version":       requestVersion,
		"job_id":        pub.Digest().Hex(),
		"chain_id":      pub.ChainID,
		"pool":          pub.Pool.Hex(),
		"root_hash":     pub.RootHash.Hex(),
		"serials":       pub.SerialNumbers,
		"commitments":   pub.Commitments,
		"public_amount": bigString(pub.PublicAmount),
		"recipient":     pub.PublicRecipient.Hex(),
		"rollup_fee":    bigString(pub.RollupFee),
		"relayer_fee":   bigString(pub.RelayerFee),
		"relayer":       pub.RelayerAddress.Hex(),
		"sig_pk":        pub.SigPk.Hex(),
		"inputs":        inputs,
		"outputs":       outputs,
	})
}

func (p *QueueProver) Prove(ctx context.Context, req protocol.ProofRequest) ([]byte, error) {
	if len(req.Inputs) == 0 {
		return nil, fmt.Errorf("%w: no inputs", ErrInvalidConfig)
	}
	jobID := req.Public.Digest()
	payload, err := encodeRequest(req)
	if err != nil {
		return nil, err
	}
	if err := p.cfg.Producer.Publish(ctx, p.cfg.RequestTopic, jobID[:], payload); err != nil {
		return nil, fmt.Errorf("prover: publish request: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case err, ok := <-p.cfg.Consumer.Errors():
			if ok && err != nil {
				return nil, fmt.Errorf("prover: consume: %w", err)
			}
		case msg, ok := <-p.cfg.Consumer.Messages():
			if !ok {
				return nil, errors.New("prover: response consumer closed")
			}
			proof, matched, err := p.handle(msg, jobID)
			p.ack(msg)
			if err != nil {
				return nil, err
			}
			if matched {
				return proof, nil
			}
		}
	}
}

func (p *QueueProver) handle(msg queue.Message, jobID common.Hash) ([]byte, bool, error) {
	var env struct {
		Version string `json:"version"`
		JobID   string `json:"job_id"`
		Proof   string `json:"proof"`

		ErrorCode string `json:"error_code"`
		Retryable bool   `json:"retryable"`
		Message   string `json:"message"`
	}
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		p.cfg.Log.Warn("prover: ignore invalid response payload", "err", err)
		return nil, false, nil
	}
	if common.HexToHash(strings.TrimSpace(env.JobID)) != jobID {
		return nil, false, nil
	}
	switch strings.TrimSpace(env.Version) {
	case fulfillmentVersion:
		proof, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(env.Proof), "0x"))
		if err != nil {
			return nil, true, fmt.Errorf("prover: decode proof: %w", err)
		}
		return proof, true, nil
	case failureVersion:
		return nil, true, &FailureError{
			Code:      strings.TrimSpace(env.ErrorCode),
			Retryable: env.Retryable,
			Message:   strings.TrimSpace(env.Message),
		}
	default:
		p.cfg.Log.Warn("prover: ignore unknown response version", "version", env.Version)
		return nil, false, nil
	}
}

func (p *QueueProver) ack(msg queue.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.AckTimeout)
	defer cancel()
	if err := msg.Ack(ctx); err != nil && !errors.Is(err, context.Canceled) {
		p.cfg.Log.Warn("prover: ack failed", "err", err)
	}
}

// Verify checks that proof opens with the public-input digest.
func (p *QueueProver) Verify(_ context.Context, public protocol.PublicInputs, proof []byte) error {
	return VerifyBinding(public, proof)
}

func VerifyBinding(public protocol.PublicInputs, proof []byte) error {
	d := public.Digest()
	if len(proof) < len(d) || !bytes.Equal(proof[:len(d)], d[:]) {
		return fmt.Errorf("%w: proof is not bound to public inputs", protocol.ErrInvalidProof)
	}
	return nil
}

// Local produces binding-only proofs in process, for development chains
// whose verifier accepts them.
type Local struct {
	Err error
}

func (l *Local) Prove(ctx context.Context, req protocol.ProofRequest) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if l != nil && l.Err != nil {
		return nil, l.Err
	}
	if len(req.Inputs) == 0 {
		return nil, fmt.Errorf("%w: no inputs", ErrInvalidConfig)
	}
	d := req.Public.Digest()
	witness, err := encodeRequest(req)
	if err != nil {
		return nil, err
	}
	return append(d[:], crypto.Keccak256(witness)...), nil
}

func (l *Local) Verify(_ context.Context, public protocol.PublicInputs, proof []byte) error {
	return VerifyBinding(public, proof)
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

var (
	_ protocol.Prover = (*QueueProver)(nil)
	_ protocol.Prover = (*Local)(nil)
)
