package protocol

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var ErrInvalidProof = errors.New("protocol: invalid proof")

// PublicInputs are the values a transact proof is bound to on chain.
type PublicInputs struct {
	ChainID         uint64
	Pool            common.Address
	RootHash        common.Hash
	SerialNumbers   []common.Hash
	Commitments     []common.Hash
	PublicAmount    *big.Int
	PublicRecipient common.Address
	RollupFee       *big.Int
	RelayerFee      *big.Int
	RelayerAddress  common.Address
	SigPk           common.Address
}

// Digest is the Keccak-256 binding of every public input.
func (p PublicInputs) Digest() common.Hash {
	parts := [][]byte{
		[]byte("veil.public"),
		new(big.Int).SetUint64(p.ChainID).FillBytes(make([]byte, 8)),
		p.Pool[:],
		p.RootHash[:],
		{byte(len(p.SerialNumbers))},
	}
	for _, s := range p.SerialNumbers {
		parts = append(parts, s[:])
	}
	parts = append(parts, []byte{byte(len(p.Commitments))})
	for _, c := range p.Commitments {
		parts = append(parts, c[:])
	}
	parts = append(parts,
		word(p.PublicAmount),
		p.PublicRecipient[:],
		word(p.RollupFee),
		word(p.RelayerFee),
		p.RelayerAddress[:],
		p.SigPk[:],
	)
	return common.BytesToHash(keccak(parts...))
}

func word(v *big.Int) []byte {
	if v == nil {
		return make([]byte, 32)
	}
	return common.LeftPadBytes(v.Bytes(), 32)
}

// InputWitness is the private data for one spent note.
type InputWitness struct {
	Note         Note
	LeafIndex    uint64
	Path         []common.Hash
	SerialNumber common.Hash
}

// ProofRequest carries everything a prover needs for one transact call.
type ProofRequest struct {
	Public  PublicInputs
	Inputs  []InputWitness
	Outputs []Note
}

// Prover produces and checks transact proofs.
type Prover interface {
	Prove(ctx context.Context, req ProofRequest) ([]byte, error)
	Verify(ctx context.Context, public PublicInputs, proof []byte) error
}
