package protocol

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/nacl/box"
)

// Note is the plaintext behind a commitment.
type Note struct {
	Recipient  ShieldedAddress
	Amount     *big.Int
	Randomness [32]byte
}

// Crypto is the protocol cryptography the engines depend on.
type Crypto interface {
	// NewNote draws fresh randomness for a note paying amount to recipient.
	NewNote(recipient ShieldedAddress, amount *big.Int) (Note, error)
	Commitment(n Note) (common.Hash, error)
	EncryptNote(n Note) ([]byte, error)
	// DecryptNote opens ciphertext with keys and checks it against want.
	DecryptNote(keys AccountKeys, ciphertext []byte, want common.Hash) (Note, error)
	SerialNumber(keys AccountKeys, n Note) common.Hash
	EncryptForAuditor(auditor [32]byte, n Note) ([]byte, error)
}

// notePlaintextLen is amount (32) || randomness (32).
const notePlaintextLen = 64

// Keccak commits with Keccak-256 and seals notes with NaCl anonymous boxes.
type Keccak struct {
	Rand io.Reader
}

func NewKeccak() *Keccak { return &Keccak{Rand: rand.Reader} }

func (c *Keccak) rand() io.Reader {
	if c == nil || c.Rand == nil {
		return rand.Reader
	}
	return c.Rand
}

func (c *Keccak) NewNote(recipient ShieldedAddress, amount *big.Int) (Note, error) {
	if recipient.IsZero() {
		return Note{}, fmt.Errorf("%w: empty recipient", ErrInvalidAddress)
	}
	if amount == nil || amount.Sign() < 0 || amount.BitLen() > 256 {
		return Note{}, fmt.Errorf("%w: amount out of range", ErrInvalidNote)
	}
	n := Note{Recipient: recipient, Amount: new(big.Int).Set(amount)}
	if _, err := io.ReadFull(c.rand(), n.Randomness[:]); err != nil {
		return Note{}, fmt.Errorf("protocol: read randomness: %w", err)
	}
	return n, nil
}

func (c *Keccak) Commitment(n Note) (common.Hash, error) {
	if n.Amount == nil || n.Amount.Sign() < 0 || n.Amount.BitLen() > 256 {
		return common.Hash{}, fmt.Errorf("%w: amount out of range", ErrInvalidNote)
	}
	return commitmentOf(n.Recipient.VerifyPublicKey, n.Amount, n.Randomness), nil
}

func commitmentOf(verifyPub [32]byte, amount *big.Int, randomness [32]byte) common.Hash {
	return common.BytesToHash(keccak([]byte("veil.commitment"), verifyPub[:], common.LeftPadBytes(amount.Bytes(), 32), randomness[:]))
}

func (c *Keccak) EncryptNote(n Note) ([]byte, error) {
	return c.seal(n.Recipient.EncryptPublicKey, n)
}

func (c *Keccak) EncryptForAuditor(auditor [32]byte, n Note) ([]byte, error) {
	if auditor == ([32]byte{}) {
		return nil, fmt.Errorf("%w: empty auditor key", ErrInvalidKey)
	}
	return c.seal(auditor, n)
}

func (c *Keccak) seal(to [32]byte, n Note) ([]byte, error) {
	if n.Amount == nil || n.Amount.Sign() < 0 || n.Amount.BitLen() > 256 {
		return nil, fmt.Errorf("%w: amount out of range", ErrInvalidNote)
	}
	msg := make([]byte, 0, notePlaintextLen)
	msg = append(msg, common.LeftPadBytes(n.Amount.Bytes(), 32)...)
	msg = append(msg, n.Randomness[:]...)
	out, err := box.SealAnonymous(nil, msg, &to, c.rand())
	if err != nil {
		return nil, fmt.Errorf("protocol: seal note: %w", err)
	}
	return out, nil
}

func (c *Keccak) DecryptNote(keys AccountKeys, ciphertext []byte, want common.Hash) (Note, error) {
	msg, ok := box.OpenAnonymous(nil, ciphertext, &keys.EncryptPublicKey, &keys.EncryptSecretKey)
	if !ok || len(msg) != notePlaintextLen {
		return Note{}, ErrNoteMismatch
	}
	n := Note{Recipient: keys.Address(), Amount: new(big.Int).SetBytes(msg[:32])}
	copy(n.Randomness[:], msg[32:])
	if commitmentOf(keys.VerifyPublicKey, n.Amount, n.Randomness) != want {
		return Note{}, ErrNoteMismatch
	}
	return n, nil
}

func (c *Keccak) SerialNumber(keys AccountKeys, n Note) common.Hash {
	return common.BytesToHash(keccak([]byte("veil.serial"), keys.VerifySecretKey[:], n.Randomness[:]))
}

var _ Crypto = (*Keccak)(nil)
