package protocol

import (
	"bytes"
	"errors"
	"math/big"
	"testing"
)

func testKeys(t *testing.T, b byte) AccountKeys {
	t.Helper()
	k, err := DeriveAccountKeys(bytes.Repeat([]byte{b}, 32))
	if err != nil {
		t.Fatalf("DeriveAccountKeys: %v", err)
	}
	return k
}

func TestDeriveAccountKeys_Deterministic(t *testing.T) {
	t.Parallel()

	a := testKeys(t, 1)
	b := testKeys(t, 1)
	if a != b {
		t.Fatalf("same seed produced different keys")
	}
	if c := testKeys(t, 2); c.VerifyPublicKey == a.VerifyPublicKey {
		t.Fatalf("different seeds share a verify key")
	}
	if _, err := DeriveAccountKeys([]byte{1}); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("short seed: got %v want ErrInvalidKey", err)
	}

	a.Zero()
	if a.VerifySecretKey != ([32]byte{}) || a.EncryptSecretKey != ([32]byte{}) {
		t.Fatalf("Zero left secret material")
	}
}

func TestShieldedAddress_ParseString(t *testing.T) {
	t.Parallel()

	addr := testKeys(t, 3).Address()
	got, err := ParseShieldedAddress(addr.String())
	if err != nil {
		t.Fatalf("ParseShieldedAddress: %v", err)
	}
	if got != addr {
		t.Fatalf("parsed address differs")
	}
	if _, err := ParseShieldedAddress("0x1234"); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("bad prefix: got %v", err)
	}
}

func TestKeccak_OnlyOwnerDecrypts(t *testing.T) {
	t.Parallel()

	c := NewKeccak()
	alice := testKeys(t, 4)
	bob := testKeys(t, 5)

	note, err := c.NewNote(alice.Address(), big.NewInt(990))
	if err != nil {
		t.Fatalf("NewNote: %v", err)
	}
	cm, err := c.Commitment(note)
	if err != nil {
		t.Fatalf("Commitment: %v", err)
	}
	ct, err := c.EncryptNote(note)
	if err != nil {
		t.Fatalf("EncryptNote: %v", err)
	}

	got, err := c.DecryptNote(alice, ct, cm)
	if err != nil {
		t.Fatalf("DecryptNote(owner): %v", err)
	}
	if got.Amount.Int64() != 990 || got.Randomness != note.Randomness {
		t.Fatalf("decrypted note: got %+v", got)
	}
	if _, err := c.DecryptNote(bob, ct, cm); !errors.Is(err, ErrNoteMismatch) {
		t.Fatalf("DecryptNote(other): got %v want ErrNoteMismatch", err)
	}

	// A valid ciphertext under the wrong commitment must not be accepted.
	other, _ := c.NewNote(alice.Address(), big.NewInt(990))
	otherCm, _ := c.Commitment(other)
	if _, err := c.DecryptNote(alice, ct, otherCm); !errors.Is(err, ErrNoteMismatch) {
		t.Fatalf("DecryptNote(wrong hash): got %v want ErrNoteMismatch", err)
	}

	if c.SerialNumber(alice, note) == c.SerialNumber(bob, note) {
		t.Fatalf("serial number does not depend on the spending key")
	}
}

func TestKeccak_AuditorCanOpen(t *testing.T) {
	t.Parallel()

	c := NewKeccak()
	auditor := testKeys(t, 6)
	note, _ := c.NewNote(testKeys(t, 7).Address(), big.NewInt(1))
	ct, err := c.EncryptForAuditor(auditor.EncryptPublicKey, note)
	if err != nil {
		t.Fatalf("EncryptForAuditor: %v", err)
	}
	if len(ct) == 0 {
		t.Fatalf("empty auditor ciphertext")
	}
	if _, err := c.EncryptForAuditor([32]byte{}, note); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("zero auditor: got %v", err)
	}
}

func TestPublicInputsDigest_CoversFees(t *testing.T) {
	t.Parallel()

	p := PublicInputs{ChainID: 1, RollupFee: big.NewInt(1)}
	d1 := p.Digest()
	p.RelayerFee = big.NewInt(1)
	if p.Digest() == d1 {
		t.Fatalf("digest ignores relayer fee")
	}
}
