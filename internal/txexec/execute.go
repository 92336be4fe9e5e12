package txexec

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/veilpool/veil-core/internal/chain"
	"github.com/veilpool/veil-core/internal/commitment"
	"github.com/veilpool/veil-core/internal/eth"
	"github.com/veilpool/veil-core/internal/poolabi"
	"github.com/veilpool/veil-core/internal/protocol"
	"github.com/veilpool/veil-core/internal/relayerclient"
	"github.com/veilpool/veil-core/internal/transaction"
)

type output struct {
	note         protocol.Note
	hash         common.Hash
	encrypted    []byte
	auditorNotes [][]byte
	// owner and serial are set for change notes, which belong to the sender.
	owner  string
	serial common.Hash
}

type plan struct {
	inputs  []protocol.InputWitness
	outputs []output
}

func (p plan) outputHashes() []common.Hash {
	out := make([]common.Hash, 0, len(p.outputs))
	for _, o := range p.outputs {
		out = append(out, o.hash)
	}
	return out
}

func (p plan) serials() []common.Hash {
	out := make([]common.Hash, 0, len(p.inputs))
	for _, in := range p.inputs {
		out = append(out, in.SerialNumber)
	}
	return out
}

// Execute runs a transfer or withdrawal to completion. Outputs are created
// INIT before proving; on success inputs are SPENT and outputs QUEUED, on
// failure the transaction and its outputs end FAILED.
func (e *Engine) Execute(ctx context.Context, opts Options) (transaction.Transaction, error) {
	s, err := e.Summary(ctx, opts)
	if err != nil {
		return transaction.Transaction{}, err
	}
	auditors, err := AuditorKeys(e.cfg.Protocol)
	if err != nil {
		return transaction.Transaction{}, err
	}

	var pl plan
	err = e.accounts.WithAccounts(ctx, func(accounts []protocol.Account) error {
		var err error
		pl, err = e.plan(accounts, opts, s, auditors)
		return err
	})
	if err != nil {
		return transaction.Transaction{}, err
	}

	inputs := make([]common.Hash, 0, len(s.Inputs))
	for _, c := range s.Inputs {
		inputs = append(inputs, c.CommitmentHash)
	}
	publicAmount := new(big.Int)
	if opts.Type == transaction.TypeWithdraw {
		publicAmount.Set(s.PaymentAmount)
	}
	tx, err := e.transactions.Insert(ctx, transaction.Transaction{
		ID:                       uuid.New(),
		ChainID:                  opts.ChainID,
		PoolAddress:              s.Pool.Address,
		Type:                     opts.Type,
		AssetSymbol:              s.Pool.AssetSymbol,
		AssetDecimals:            s.Pool.AssetDecimals,
		Amount:                   s.Amount,
		PublicAmount:             publicAmount,
		RollupFee:                s.RollupFee,
		GasRelayerFee:            s.RelayerFee,
		GasRelayerAddress:        opts.RelayerAddress,
		SenderShieldedAddress:    opts.Sender.String(),
		RecipientShieldedAddress: recipientString(opts),
		PublicRecipient:          opts.PublicRecipient,
		InputCommitments:         inputs,
		OutputCommitments:        pl.outputHashes(),
		SerialNumbers:            pl.serials(),
		Status:                   transaction.StatusInit,
	})
	if err != nil {
		return transaction.Transaction{}, fmt.Errorf("txexec: persist transaction: %w", err)
	}
	e.metrics.IncTransaction(tx.Type.String(), tx.Status.String())
	e.emit(Event{Transaction: tx, Previous: transaction.StatusUnknown, Current: tx.Status})
	e.log.Info("transaction created", "tx_id", tx.ID, "type", tx.Type, "chain_id", tx.ChainID, "inputs", len(inputs), "outputs", len(pl.outputs))

	if err := e.persistOutputs(ctx, tx, pl); err != nil {
		return e.fail(ctx, tx, err)
	}
	out, err := e.run(ctx, tx, opts, s, pl)
	if err != nil {
		return e.fail(ctx, out, err)
	}
	return out, nil
}

func recipientString(opts Options) string {
	if opts.Recipient.IsZero() {
		return ""
	}
	return opts.Recipient.String()
}

// plan opens the input notes and builds the output notes. It is the only step
// that sees account keys.
func (e *Engine) plan(accounts []protocol.Account, opts Options, s Summary, auditors [][32]byte) (plan, error) {
	var keys *protocol.AccountKeys
	for i := range accounts {
		if accounts[i].Keys.Address() == opts.Sender {
			keys = &accounts[i].Keys
			break
		}
	}
	if keys == nil {
		return plan{}, fmt.Errorf("%w: sender %s is not an unlocked account", ErrInvalidTransactionOptions, opts.Sender)
	}

	var pl plan
	for _, c := range s.Inputs {
		note, err := e.crypto.DecryptNote(*keys, c.EncryptedNote, c.CommitmentHash)
		if err != nil {
			return plan{}, fmt.Errorf("%w: owned note %s does not open: %v", commitment.ErrCorruptedData, c.CommitmentHash, err)
		}
		serial := c.SerialNumber
		if (serial == common.Hash{}) {
			serial = e.crypto.SerialNumber(*keys, note)
		}
		pl.inputs = append(pl.inputs, protocol.InputWitness{Note: note, LeafIndex: c.LeafIndex, SerialNumber: serial})
	}

	build := func(to protocol.ShieldedAddress, v *big.Int, change bool) error {
		note, err := e.crypto.NewNote(to, v)
		if err != nil {
			return err
		}
		o := output{note: note}
		if o.hash, err = e.crypto.Commitment(note); err != nil {
			return err
		}
		if o.encrypted, err = e.crypto.EncryptNote(note); err != nil {
			return err
		}
		for _, a := range auditors {
			ct, err := e.crypto.EncryptForAuditor(a, note)
			if err != nil {
				return err
			}
			o.auditorNotes = append(o.auditorNotes, ct)
		}
		if change {
			o.owner = to.String()
			o.serial = e.crypto.SerialNumber(*keys, note)
		}
		pl.outputs = append(pl.outputs, o)
		return nil
	}
	if opts.Type == transaction.TypeTransfer {
		if err := build(opts.Recipient, s.PaymentAmount, false); err != nil {
			return plan{}, fmt.Errorf("txexec: payment note: %w", err)
		}
	}
	if s.Change.Sign() > 0 {
		if err := build(opts.Sender, s.Change, true); err != nil {
			return plan{}, fmt.Errorf("txexec: change note: %w", err)
		}
	}
	return pl, nil
}

func (e *Engine) persistOutputs(ctx context.Context, tx transaction.Transaction, pl plan) error {
	for _, o := range pl.outputs {
		_, err := e.commitments.Insert(ctx, commitment.Commitment{
			ChainID:         tx.ChainID,
			Contract:        tx.PoolAddress,
			CommitmentHash:  o.hash,
			Status:          commitment.StatusInit,
			EncryptedNote:   o.encrypted,
			Amount:          new(big.Int).Set(o.note.Amount),
			ShieldedAddress: o.owner,
			SerialNumber:    o.serial,
		})
		if err != nil {
			return fmt.Errorf("txexec: persist output %s: %w", o.hash, err)
		}
	}
	return nil
}

func (e *Engine) run(ctx context.Context, tx transaction.Transaction, opts Options, s Summary, pl plan) (transaction.Transaction, error) {
	p, err := e.providers.Get(tx.ChainID)
	if err != nil {
		return tx, err
	}
	if err := e.guardDoubleSpend(ctx, p, s, pl); err != nil {
		return tx, err
	}

	proof, err := e.merkle.Proofs(ctx, tx.ChainID, tx.PoolAddress, s.Inputs)
	if err != nil {
		return tx, err
	}
	for i := range pl.inputs {
		pl.inputs[i].Path = proof.Paths[i]
	}
	if tx, err = e.transition(ctx, tx, transaction.StatusProofGenerating, func(t *transaction.Transaction) {
		t.RootHash = proof.Root
	}); err != nil {
		return tx, err
	}

	signer, err := eth.NewEphemeralSigner()
	if err != nil {
		return tx, err
	}
	public := protocol.PublicInputs{
		ChainID:         tx.ChainID,
		Pool:            tx.PoolAddress,
		RootHash:        proof.Root,
		SerialNumbers:   pl.serials(),
		Commitments:     pl.outputHashes(),
		PublicAmount:    tx.PublicAmount,
		PublicRecipient: tx.PublicRecipient,
		RollupFee:       tx.RollupFee,
		RelayerFee:      tx.GasRelayerFee,
		RelayerAddress:  tx.GasRelayerAddress,
		SigPk:           signer.Address(),
	}
	outNotes := make([]protocol.Note, 0, len(pl.outputs))
	for _, o := range pl.outputs {
		outNotes = append(outNotes, o.note)
	}
	zkProof, err := e.prove(ctx, protocol.ProofRequest{Public: public, Inputs: pl.inputs, Outputs: outNotes})
	if err != nil {
		return tx, err
	}
	if err := e.prover.Verify(ctx, public, zkProof); err != nil {
		return tx, fmt.Errorf("txexec: local proof verification: %w", err)
	}
	if tx, err = e.transition(ctx, tx, transaction.StatusProofGenerated, nil); err != nil {
		return tx, err
	}

	req := poolabi.TransactRequest{
		Proof:           zkProof,
		RootHash:        proof.Root,
		SerialNumbers:   public.SerialNumbers,
		Commitments:     public.Commitments,
		PublicAmount:    public.PublicAmount,
		PublicRecipient: public.PublicRecipient,
		RollupFee:       public.RollupFee,
		RelayerFee:      public.RelayerFee,
		RelayerAddress:  public.RelayerAddress,
		SigPk:           public.SigPk,
	}
	for _, o := range pl.outputs {
		req.EncryptedNotes = append(req.EncryptedNotes, o.encrypted)
		req.EncryptedAuditorNotes = append(req.EncryptedAuditorNotes, o.auditorNotes...)
	}
	digest, err := poolabi.TransactSigningHash(req)
	if err != nil {
		return tx, err
	}
	sig, err := signer.SignHash(digest)
	if err != nil {
		return tx, err
	}
	calldata, err := poolabi.PackTransact(req, sig)
	if err != nil {
		return tx, err
	}

	if tx, err = e.transition(ctx, tx, transaction.StatusPending, nil); err != nil {
		return tx, err
	}
	var txHash common.Hash
	if opts.UseRelayer {
		tx, txHash, err = e.submitRelayer(ctx, tx, calldata)
	} else {
		txHash, err = e.submitDirect(ctx, p, tx.PoolAddress, calldata)
	}
	if err != nil {
		return tx, err
	}
	return e.finalize(ctx, tx, s, pl, txHash)
}

// guardDoubleSpend aborts when any input is already spent on chain and records the spend locally.
func (e *Engine) guardDoubleSpend(ctx context.Context, p chain.Provider, s Summary, pl plan) error {
	var spent []common.Hash
	for i, c := range s.Inputs {
		rctx, cancel := e.rpcContext(ctx)
		ok, err := p.IsSpentSerialNumber(rctx, c.Contract, pl.inputs[i].SerialNumber)
		cancel()
		if err != nil {
			return fmt.Errorf("txexec: isSpentSerialNumber: %w", err)
		}
		if !ok {
			continue
		}
		spent = append(spent, c.CommitmentHash)
		if _, err := e.commitments.Update(ctx, c.ID(), func(cur commitment.Commitment) (commitment.Commitment, error) {
			if cur.Status == commitment.StatusFailed {
				return cur, nil
			}
			next := cur.Clone()
			next.Status = commitment.StatusSpent
			return next, nil
		}); err != nil {
			e.log.Warn("mark input spent", "commitment", c.CommitmentHash, "err", err)
		}
	}
	if len(spent) > 0 {
		return fmt.Errorf("%w: inputs %v already spent on chain", ErrInvalidTransactionRequest, spent)
	}
	return nil
}

// rpcContext bounds one contract read.
func (e *Engine) rpcContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if t := e.cfg.Protocol.RPCTimeout; t > 0 {
		return context.WithTimeout(ctx, t)
	}
	return context.WithCancel(ctx)
}

type proofResult struct {
	proof []byte
	err   error
}

// prove runs the prover on its own goroutine so a slow proof never outlives ctx.
func (e *Engine) prove(ctx context.Context, req protocol.ProofRequest) ([]byte, error) {
	if t := e.cfg.Protocol.ProofTimeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	ch := make(chan proofResult, 1)
	go func() {
		p, err := e.prover.Prove(ctx, req)
		ch <- proofResult{proof: p, err: err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("txexec: prove: %w", r.err)
		}
		return r.proof, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("txexec: prove: %w", ctx.Err())
	}
}

func (e *Engine) submitDirect(ctx context.Context, p chain.Provider, pool common.Address, calldata []byte) (common.Hash, error) {
	if t := e.cfg.Protocol.TxTimeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	res, err := p.Send(ctx, eth.TxRequest{To: pool, Data: calldata})
	if err != nil {
		return common.Hash{}, fmt.Errorf("txexec: send: %w", err)
	}
	if res.Receipt != nil && res.Receipt.Status != types.ReceiptStatusSuccessful {
		return res.TxHash, fmt.Errorf("%w: %s reverted", ErrTxFailed, res.TxHash)
	}
	return res.TxHash, nil
}

func (e *Engine) submitRelayer(ctx context.Context, tx transaction.Transaction, calldata []byte) (transaction.Transaction, common.Hash, error) {
	if t := e.cfg.Protocol.RelayerTimeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	jobID, err := e.relayer.Transact(ctx, relayerclient.TransactRequest{
		ChainID:     tx.ChainID,
		PoolAddress: tx.PoolAddress.Hex(),
		Calldata:    hexutil.Encode(calldata),
		RelayerFee:  tx.GasRelayerFee.String(),
	})
	if err != nil {
		return tx, common.Hash{}, fmt.Errorf("txexec: relayer transact: %w", err)
	}
	if tx, err = e.transition(ctx, tx, transaction.StatusPending, func(t *transaction.Transaction) {
		t.RelayerJobID = jobID
	}); err != nil {
		return tx, common.Hash{}, err
	}
	job, err := e.relayer.WaitJob(ctx, jobID)
	if err != nil {
		return tx, common.Hash{}, fmt.Errorf("txexec: relayer job %s: %w", jobID, err)
	}
	if job.TxHash == "" {
		return tx, common.Hash{}, fmt.Errorf("%w: relayer job %s has no tx hash", ErrTxFailed, jobID)
	}
	return tx, common.HexToHash(job.TxHash), nil
}

func (e *Engine) finalize(ctx context.Context, tx transaction.Transaction, s Summary, pl plan, txHash common.Hash) (transaction.Transaction, error) {
	for _, c := range s.Inputs {
		if _, err := e.commitments.Update(ctx, c.ID(), func(cur commitment.Commitment) (commitment.Commitment, error) {
			next := cur.Clone()
			if next.Status != commitment.StatusFailed {
				next.Status = commitment.StatusSpent
			}
			next.SpendingTxHash = txHash
			return next, nil
		}); err != nil {
			e.log.Warn("mark input spent", "tx_id", tx.ID, "commitment", c.CommitmentHash, "err", err)
		}
	}
	for _, o := range pl.outputs {
		id := commitment.ID{ChainID: tx.ChainID, Contract: tx.PoolAddress, Hash: o.hash}
		if _, err := e.commitments.Update(ctx, id, func(cur commitment.Commitment) (commitment.Commitment, error) {
			next := cur.Clone()
			if next.Status == commitment.StatusInit {
				next.Status = commitment.StatusQueued
			}
			next.CreationTxHash = txHash
			return next, nil
		}); err != nil {
			e.log.Warn("mark output queued", "tx_id", tx.ID, "commitment", o.hash, "err", err)
		}
	}
	out, err := e.transition(ctx, tx, transaction.StatusSucceeded, func(t *transaction.Transaction) {
		t.TxHash = txHash
	})
	if err != nil {
		return tx, err
	}
	e.log.Info("transaction succeeded", "tx_id", out.ID, "tx", txHash)
	return out, nil
}

func (e *Engine) transition(ctx context.Context, tx transaction.Transaction, to transaction.Status, mutate func(*transaction.Transaction)) (transaction.Transaction, error) {
	prev := tx.Status
	out, err := e.transactions.Update(ctx, tx.ID, func(cur transaction.Transaction) (transaction.Transaction, error) {
		next := cur.Clone()
		next.Status = to
		if mutate != nil {
			mutate(&next)
		}
		return next, nil
	})
	if err != nil {
		return tx, fmt.Errorf("txexec: %s -> %s: %w", prev, to, err)
	}
	if prev != to {
		e.metrics.IncTransaction(out.Type.String(), to.String())
		e.emit(Event{Transaction: out, Previous: prev, Current: to})
	}
	return out, nil
}

// fail marks the transaction and its still-unconfirmed outputs FAILED, even when ctx is done.
func (e *Engine) fail(ctx context.Context, tx transaction.Transaction, cause error) (transaction.Transaction, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	for _, h := range tx.OutputCommitments {
		id := commitment.ID{ChainID: tx.ChainID, Contract: tx.PoolAddress, Hash: h}
		_, err := e.commitments.Update(ctx, id, func(cur commitment.Commitment) (commitment.Commitment, error) {
			if cur.Status != commitment.StatusInit {
				return cur, nil
			}
			next := cur.Clone()
			next.Status = commitment.StatusFailed
			return next, nil
		})
		if err != nil && !errors.Is(err, commitment.ErrNotFound) {
			e.log.Error("mark output failed", "tx_id", tx.ID, "commitment", h, "err", err)
		}
	}
	out, err := e.transition(ctx, tx, transaction.StatusFailed, func(t *transaction.Transaction) {
		t.ErrorMessage = cause.Error()
	})
	if err != nil {
		e.log.Error("record transaction failure", "tx_id", tx.ID, "cause", cause, "err", err)
		return tx, cause
	}
	e.log.Warn("transaction failed", "tx_id", tx.ID, "err", cause)
	return out, cause
}
