package eth

import (
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const testKeyHex = "0x4f3edf983ac636a65a842ce7c78d9aa706d3b113b37c2b1b4c1c5f5d8f5e2d3a"

func TestLocalSigner_SignTxRecoversSender(t *testing.T) {
	t.Parallel()

	key, err := ParsePrivateKeyHex(testKeyHex)
	if err != nil {
		t.Fatalf("ParsePrivateKeyHex: %v", err)
	}
	s := NewLocalSigner(key)
	chainID := big.NewInt(11155111)
	to := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	signed, err := s.SignTx(types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     3,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(2),
		Gas:       21_000,
		To:        &to,
		Value:     big.NewInt(0),
	}), chainID)
	if err != nil {
		t.Fatalf("SignTx: %v", err)
	}
	from, err := types.Sender(types.LatestSignerForChainID(chainID), signed)
	if err != nil {
		t.Fatalf("Sender: %v", err)
	}
	if from != s.Address() {
		t.Fatalf("sender: got %s want %s", from, s.Address())
	}
}

func TestLocalSigner_SignHashRoundTrip(t *testing.T) {
	t.Parallel()

	s, err := NewEphemeralSigner()
	if err != nil {
		t.Fatalf("NewEphemeralSigner: %v", err)
	}
	h := crypto.Keccak256Hash([]byte("authorize"))
	sig, err := s.SignHash(h)
	if err != nil {
		t.Fatalf("SignHash: %v", err)
	}
	if sig[64] != 27 && sig[64] != 28 {
		t.Fatalf("v: got %d", sig[64])
	}
	got, err := RecoverHashSigner(h, sig)
	if err != nil {
		t.Fatalf("RecoverHashSigner: %v", err)
	}
	if got != s.Address() {
		t.Fatalf("recovered: got %s want %s", got, s.Address())
	}
}

func TestLocalSigner_NilKey(t *testing.T) {
	t.Parallel()

	if _, err := NewLocalSigner(nil).SignHash(common.Hash{}); !errors.Is(err, ErrInvalidSigner) {
		t.Fatalf("SignHash: got %v want ErrInvalidSigner", err)
	}
}

func TestParsePrivateKeyHex_SanitizesErrors(t *testing.T) {
	t.Parallel()

	_, err := ParsePrivateKeyHex("0xdeadbeefzz")
	if !errors.Is(err, ErrInvalidPrivateKey) {
		t.Fatalf("got %v want ErrInvalidPrivateKey", err)
	}
	if strings.Contains(err.Error(), "deadbeef") {
		t.Fatalf("error leaks key material: %v", err)
	}
}
