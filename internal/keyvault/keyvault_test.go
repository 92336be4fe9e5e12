package keyvault

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/veilpool/veil-core/internal/protocol"
)

const testN = 1 << 4

func TestVault_AddUnlockAndReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "vault.json")
	v, err := Open(Options{Path: path, ScryptN: testN})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	seed := bytes.Repeat([]byte{9}, 32)
	addr, err := v.Add(ctx, "main", "pw", seed)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := v.Add(ctx, "second", "other", bytes.Repeat([]byte{8}, 32)); !errors.Is(err, ErrWrongPassword) {
		t.Fatalf("Add with different password: got %v want ErrWrongPassword", err)
	}
	if _, err := v.Add(ctx, "main", "pw", bytes.Repeat([]byte{7}, 32)); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("Add duplicate: got %v want ErrDuplicate", err)
	}

	reopened, err := Open(Options{Path: path, ScryptN: testN})
	if err != nil {
		t.Fatalf("Open(existing): %v", err)
	}
	if infos := reopened.Accounts(); len(infos) != 1 || infos[0].Address != addr {
		t.Fatalf("Accounts: got %+v", infos)
	}

	var kept []protocol.Account
	err = reopened.WithAccounts(ctx, "pw", func(accts []protocol.Account) error {
		if len(accts) != 1 || accts[0].Keys.Address() != addr {
			t.Fatalf("unlocked accounts: got %+v", accts)
		}
		kept = accts
		return nil
	})
	if err != nil {
		t.Fatalf("WithAccounts: %v", err)
	}
	if kept[0].Keys.VerifySecretKey != ([32]byte{}) {
		t.Fatalf("secret key not wiped after WithAccounts")
	}

	if err := reopened.WithAccounts(ctx, "wrong", func([]protocol.Account) error { return nil }); !errors.Is(err, ErrWrongPassword) {
		t.Fatalf("WithAccounts(wrong): got %v want ErrWrongPassword", err)
	}
}

func TestVault_PropagatesCallbackError(t *testing.T) {
	t.Parallel()

	v, _ := Open(Options{ScryptN: testN})
	if _, err := v.Add(context.Background(), "a", "pw", bytes.Repeat([]byte{1}, 32)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	boom := errors.New("boom")
	if err := v.WithAccounts(context.Background(), "pw", func([]protocol.Account) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("WithAccounts: got %v want boom", err)
	}
}
