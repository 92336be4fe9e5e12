package keyvault

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/veilpool/veil-core/internal/protocol"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

var (
	ErrInvalidInput  = errors.New("keyvault: invalid input")
	ErrWrongPassword = errors.New("keyvault: wrong password")
	ErrDuplicate     = errors.New("keyvault: account already exists")
)

// Scrypt cost parameters. Tests lower N through Options.
const (
	DefaultScryptN = 1 << 15
	scryptR        = 8
	scryptP        = 1
	saltLen        = 16
)

type sealed struct {
	Name       string `json:"name"`
	Address    string `json:"address"`
	ScryptN    int    `json:"scrypt_n"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// AccountInfo is the public view of a stored account.
type AccountInfo struct {
	Name    string
	Address protocol.ShieldedAddress
}

type Options struct {
	// Path persists the vault as JSON; empty keeps it in memory.
	Path    string
	ScryptN int
}

type Vault struct {
	opts Options

	mu       sync.Mutex
	accounts []sealed
}

// Open loads the vault at opts.Path, starting empty when the file is absent.
func Open(opts Options) (*Vault, error) {
	if opts.ScryptN <= 1 {
		opts.ScryptN = DefaultScryptN
	}
	v := &Vault{opts: opts}
	if opts.Path == "" {
		return v, nil
	}
	b, err := os.ReadFile(opts.Path)
	if errors.Is(err, os.ErrNotExist) {
		return v, nil
	}
	if err != nil {
		return nil, fmt.Errorf("keyvault: read %s: %w", opts.Path, err)
	}
	if err := json.Unmarshal(b, &v.accounts); err != nil {
		return nil, fmt.Errorf("keyvault: decode %s: %w", opts.Path, err)
	}
	return v, nil
}

func (v *Vault) Accounts() []AccountInfo {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]AccountInfo, 0, len(v.accounts))
	for _, a := range v.accounts {
		addr, err := protocol.ParseShieldedAddress(a.Address)
		if err != nil {
			continue
		}
		out = append(out, AccountInfo{Name: a.Name, Address: addr})
	}
	return out
}

// Add seals seed under password. Every account in a vault shares one password,
// which is checked against the first stored account.
func (v *Vault) Add(ctx context.Context, name, password string, seed []byte) (protocol.ShieldedAddress, error) {
	if name == "" || password == "" {
		return protocol.ShieldedAddress{}, fmt.Errorf("%w: name and password are required", ErrInvalidInput)
	}
	keys, err := protocol.DeriveAccountKeys(seed)
	if err != nil {
		return protocol.ShieldedAddress{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	defer keys.Zero()

	v.mu.Lock()
	defer v.mu.Unlock()
	for _, a := range v.accounts {
		if a.Name == name {
			return protocol.ShieldedAddress{}, fmt.Errorf("%w: %s", ErrDuplicate, name)
		}
	}
	if len(v.accounts) > 0 {
		plain, err := open(v.accounts[0], password)
		if err != nil {
			return protocol.ShieldedAddress{}, err
		}
		zero(plain)
	}
	if err := ctx.Err(); err != nil {
		return protocol.ShieldedAddress{}, err
	}

	s, err := seal(name, keys.Address(), password, seed, v.opts.ScryptN)
	if err != nil {
		return protocol.ShieldedAddress{}, err
	}
	next := append(append([]sealed(nil), v.accounts...), s)
	if err := v.persist(next); err != nil {
		return protocol.ShieldedAddress{}, err
	}
	v.accounts = next
	return keys.Address(), nil
}

// WithAccounts unlocks every account for the duration of fn. Key material is
// wiped when fn returns and must not be retained.
func (v *Vault) WithAccounts(ctx context.Context, password string, fn func([]protocol.Account) error) error {
	v.mu.Lock()
	stored := append([]sealed(nil), v.accounts...)
	v.mu.Unlock()

	accounts := make([]protocol.Account, 0, len(stored))
	defer func() {
		for i := range accounts {
			accounts[i].Keys.Zero()
		}
	}()
	for _, s := range stored {
		if err := ctx.Err(); err != nil {
			return err
		}
		seed, err := open(s, password)
		if err != nil {
			return err
		}
		keys, err := protocol.DeriveAccountKeys(seed)
		zero(seed)
		if err != nil {
			return fmt.Errorf("keyvault: derive %s: %w", s.Name, err)
		}
		accounts = append(accounts, protocol.Account{Name: s.Name, Keys: keys})
	}
	return fn(accounts)
}

func (v *Vault) persist(accounts []sealed) error {
	if v.opts.Path == "" {
		return nil
	}
	b, err := json.MarshalIndent(accounts, "", "  ")
	if err != nil {
		return fmt.Errorf("keyvault: encode: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(v.opts.Path), ".vault-*")
	if err != nil {
		return fmt.Errorf("keyvault: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("keyvault: write: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("keyvault: chmod: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("keyvault: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), v.opts.Path); err != nil {
		return fmt.Errorf("keyvault: rename: %w", err)
	}
	return nil
}

func seal(name string, addr protocol.ShieldedAddress, password string, seed []byte, n int) (sealed, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return sealed{}, fmt.Errorf("keyvault: read salt: %w", err)
	}
	key, err := scrypt.Key([]byte(password), salt, n, scryptR, scryptP, chacha20poly1305.KeySize)
	if err != nil {
		return sealed{}, fmt.Errorf("keyvault: derive key: %w", err)
	}
	defer zero(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return sealed{}, fmt.Errorf("keyvault: cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return sealed{}, fmt.Errorf("keyvault: read nonce: %w", err)
	}
	return sealed{
		Name:       name,
		Address:    addr.String(),
		ScryptN:    n,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, seed, []byte(name)),
	}, nil
}

func open(s sealed, password string) ([]byte, error) {
	key, err := scrypt.Key([]byte(password), s.Salt, s.ScryptN, scryptR, scryptP, chacha20poly1305.KeySize)
	if err != nil {
		return nil, fmt.Errorf("keyvault: derive key: %w", err)
	}
	defer zero(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("keyvault: cipher: %w", err)
	}
	if len(s.Nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: bad nonce for %s", ErrInvalidInput, s.Name)
	}
	seed, err := aead.Open(nil, s.Nonce, s.Ciphertext, []byte(s.Name))
	if err != nil {
		return nil, ErrWrongPassword
	}
	return seed, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Unlocked binds a vault to its password so engines can open accounts on demand
// without handling the password themselves.
type Unlocked struct {
	Vault    *Vault
	Password string
}

func (u Unlocked) WithAccounts(ctx context.Context, fn func([]protocol.Account) error) error {
	if u.Vault == nil {
		return fmt.Errorf("%w: nil vault", ErrInvalidInput)
	}
	return u.Vault.WithAccounts(ctx, u.Password, fn)
}
