package protocol

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/sha3"
)

var (
	ErrInvalidKey     = errors.New("protocol: invalid key")
	ErrInvalidAddress = errors.New("protocol: invalid shielded address")
	ErrInvalidNote    = errors.New("protocol: invalid note")
	ErrNoteMismatch   = errors.New("protocol: note does not match commitment")
)

const addressPrefix = "veil1"

// AccountKeys are the secrets of one shielded account. The verification key
// pair authorizes spends; the encryption key pair receives notes.
type AccountKeys struct {
	VerifySecretKey  [32]byte
	VerifyPublicKey  [32]byte
	EncryptSecretKey [32]byte
	EncryptPublicKey [32]byte
}

// Account is a named key set unlocked from the vault.
type Account struct {
	Name string
	Keys AccountKeys
}

// DeriveAccountKeys deterministically expands a 32-byte seed.
func DeriveAccountKeys(seed []byte) (AccountKeys, error) {
	if len(seed) < 32 {
		return AccountKeys{}, fmt.Errorf("%w: seed must be at least 32 bytes", ErrInvalidKey)
	}
	var k AccountKeys
	copy(k.VerifySecretKey[:], keccak([]byte("veil.verify"), seed))
	copy(k.VerifyPublicKey[:], keccak(k.VerifySecretKey[:]))
	copy(k.EncryptSecretKey[:], keccak([]byte("veil.encrypt"), seed))
	pub, err := curve25519.X25519(k.EncryptSecretKey[:], curve25519.Basepoint)
	if err != nil {
		return AccountKeys{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	copy(k.EncryptPublicKey[:], pub)
	return k, nil
}

// GenerateAccountKeys creates keys from a fresh random seed, returned so the
// caller can store it.
func GenerateAccountKeys() (AccountKeys, []byte, error) {
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return AccountKeys{}, nil, fmt.Errorf("protocol: read seed: %w", err)
	}
	k, err := DeriveAccountKeys(seed)
	if err != nil {
		return AccountKeys{}, nil, err
	}
	return k, seed, nil
}

func (k AccountKeys) Address() ShieldedAddress {
	return ShieldedAddress{VerifyPublicKey: k.VerifyPublicKey, EncryptPublicKey: k.EncryptPublicKey}
}

// Zero wipes the secret halves.
func (k *AccountKeys) Zero() {
	for i := range k.VerifySecretKey {
		k.VerifySecretKey[i] = 0
	}
	for i := range k.EncryptSecretKey {
		k.EncryptSecretKey[i] = 0
	}
}

// ShieldedAddress is the public half of an account.
type ShieldedAddress struct {
	VerifyPublicKey  [32]byte
	EncryptPublicKey [32]byte
}

func (a ShieldedAddress) IsZero() bool { return a == ShieldedAddress{} }

func (a ShieldedAddress) String() string {
	return addressPrefix + hex.EncodeToString(a.VerifyPublicKey[:]) + hex.EncodeToString(a.EncryptPublicKey[:])
}

func ParseShieldedAddress(s string) (ShieldedAddress, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, addressPrefix) {
		return ShieldedAddress{}, fmt.Errorf("%w: missing %q prefix", ErrInvalidAddress, addressPrefix)
	}
	b, err := hex.DecodeString(strings.TrimPrefix(s, addressPrefix))
	if err != nil || len(b) != 64 {
		return ShieldedAddress{}, fmt.Errorf("%w: want 64 hex bytes", ErrInvalidAddress)
	}
	var a ShieldedAddress
	copy(a.VerifyPublicKey[:], b[:32])
	copy(a.EncryptPublicKey[:], b[32:])
	if a.IsZero() {
		return ShieldedAddress{}, ErrInvalidAddress
	}
	return a, nil
}

func keccak(parts ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}
