package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

type fakeAWSClient struct {
	gotID string
	out   *secretsmanager.GetSecretValueOutput
	err   error
}

func (c *fakeAWSClient) GetSecretValue(_ context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	c.gotID = *in.SecretId
	if c.err != nil {
		return nil, c.err
	}
	return c.out, nil
}

func TestResolver_Env(t *testing.T) {
	t.Setenv("VEIL_TEST_WALLET_PASSWORD", "  hunter2  ")

	r := NewResolver()
	got, err := r.Get(context.Background(), "env:VEIL_TEST_WALLET_PASSWORD")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "hunter2" {
		t.Fatalf("value: got %q", got)
	}
	if _, err := r.Get(context.Background(), "env:VEIL_TEST_MISSING_XYZ"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing env: got %v want ErrNotFound", err)
	}
}

func TestResolver_FileAndAWS(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "relayer-token")
	if err := os.WriteFile(path, []byte("tok\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	client := &fakeAWSClient{out: &secretsmanager.GetSecretValueOutput{SecretString: strPtr(" key ")}}
	aws, err := NewAWSWithClient(client)
	if err != nil {
		t.Fatalf("NewAWSWithClient: %v", err)
	}
	r := &Resolver{Env: EnvProvider{}, File: FileProvider{}, AWS: aws}

	if got, err := r.Get(context.Background(), "file:"+path); err != nil || got != "tok" {
		t.Fatalf("file: got %q %v", got, err)
	}
	if got, err := r.Get(context.Background(), "aws:prod/veil/signer"); err != nil || got != "key" {
		t.Fatalf("aws: got %q %v", got, err)
	}
	if client.gotID != "prod/veil/signer" {
		t.Fatalf("secret id: got %q", client.gotID)
	}
}

func TestResolver_RejectsBadReferences(t *testing.T) {
	t.Parallel()

	r := NewResolver()
	for _, ref := range []string{"", "plain", "vault:x", "env:"} {
		if _, err := r.Get(context.Background(), ref); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("Get(%q): got %v want ErrInvalidConfig", ref, err)
		}
	}
}

func TestAWSProvider_EmptySecret(t *testing.T) {
	t.Parallel()

	p, _ := NewAWSWithClient(&fakeAWSClient{out: &secretsmanager.GetSecretValueOutput{}})
	if _, err := p.Get(context.Background(), "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v want ErrNotFound", err)
	}
}

func strPtr(v string) *string { return &v }
