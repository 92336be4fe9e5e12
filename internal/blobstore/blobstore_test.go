package blobstore

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

type fakeAPIError struct {
	code string
	msg  string
}

func (e fakeAPIError) Error() string                { return e.code + ": " + e.msg }
func (e fakeAPIError) ErrorCode() string            { return e.code }
func (e fakeAPIError) ErrorMessage() string         { return e.msg }
func (e fakeAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultUnknown }

type fakeS3Client struct {
	putFn    func(context.Context, *s3.PutObjectInput, ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	getFn    func(context.Context, *s3.GetObjectInput, ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	deleteFn func(context.Context, *s3.DeleteObjectInput, ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	listFn   func(context.Context, *s3.ListObjectsV2Input, ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

func (f *fakeS3Client) PutObject(ctx context.Context, in *s3.PutObjectInput, o ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	return f.putFn(ctx, in, o...)
}

func (f *fakeS3Client) GetObject(ctx context.Context, in *s3.GetObjectInput, o ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	return f.getFn(ctx, in, o...)
}

func (f *fakeS3Client) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, o ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	return f.deleteFn(ctx, in, o...)
}

func (f *fakeS3Client) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, o ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	return f.listFn(ctx, in, o...)
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	for _, cfg := range []Config{
		{Driver: "gcs"},
		{Driver: DriverS3, S3Client: &fakeS3Client{}},
		{Driver: DriverS3, Bucket: "b"},
	} {
		if _, err := New(cfg); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("New(%+v): got %v want ErrInvalidConfig", cfg, err)
		}
	}
}

func TestMemory_JSONAndList(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, err := New(Config{Driver: DriverMemory, Prefix: "/snapshots/"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	type snap struct {
		Block  uint64   `json:"block"`
		Leaves []string `json:"leaves"`
	}
	for _, k := range []string{"merkle/v1/chain_97/b.json", "merkle/v1/chain_97/a.json", "packer/97/0.json"} {
		if err := PutJSON(ctx, s, k, snap{Block: 7, Leaves: []string{"0x01"}}); err != nil {
			t.Fatalf("PutJSON(%s): %v", k, err)
		}
	}

	var got snap
	if err := GetJSON(ctx, s, "merkle/v1/chain_97/a.json", &got); err != nil {
		t.Fatalf("GetJSON: %v", err)
	}
	if got.Block != 7 || len(got.Leaves) != 1 {
		t.Fatalf("GetJSON: got %+v", got)
	}

	keys, err := s.List(ctx, "merkle/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 2 || keys[0] != "merkle/v1/chain_97/a.json" {
		t.Fatalf("List: got %q", keys)
	}

	if err := s.Delete(ctx, "packer/97/0.json"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "packer/97/0.json"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after delete: got %v want ErrNotFound", err)
	}
	if err := s.Put(ctx, " bad", nil, PutOptions{}); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("Put(bad key): got %v want ErrInvalidKey", err)
	}
}

func TestS3Store_PrefixesKeysAndPaginatesList(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client := &fakeS3Client{}
	client.putFn = func(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
		if aws.ToString(in.Bucket) != "veil" || aws.ToString(in.Key) != "prod/packer/97/0.json" {
			t.Errorf("put: bucket=%q key=%q", aws.ToString(in.Bucket), aws.ToString(in.Key))
		}
		return &s3.PutObjectOutput{}, nil
	}
	client.getFn = func(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
		return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(`{"ok":true}`))}, nil
	}
	calls := 0
	client.listFn = func(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
		calls++
		if aws.ToString(in.Prefix) != "prod/packer/97/" {
			t.Errorf("list prefix: got %q", aws.ToString(in.Prefix))
		}
		if in.ContinuationToken == nil {
			return &s3.ListObjectsV2Output{
				Contents:              []types.Object{{Key: aws.String("prod/packer/97/0.json")}},
				IsTruncated:           aws.Bool(true),
				NextContinuationToken: aws.String("next"),
			}, nil
		}
		return &s3.ListObjectsV2Output{Contents: []types.Object{{Key: aws.String("prod/packer/97/1.json")}}}, nil
	}

	s, err := New(Config{Driver: DriverS3, Bucket: "veil", Prefix: "prod", S3Client: client})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Put(ctx, "packer/97/0.json", []byte("{}"), PutOptions{}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	var v struct{ OK bool }
	if err := GetJSON(ctx, s, "packer/97/0.json", &v); err != nil || !v.OK {
		t.Fatalf("GetJSON: %v %+v", err, v)
	}
	keys, err := s.List(ctx, "packer/97/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if calls != 2 || len(keys) != 2 || keys[1] != "packer/97/1.json" {
		t.Fatalf("List: got %q after %d calls", keys, calls)
	}
}

func TestS3Store_MapsNotFoundAndLimitsSize(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	missing := &fakeS3Client{getFn: func(context.Context, *s3.GetObjectInput, ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
		return nil, fakeAPIError{code: "NoSuchKey", msg: "missing"}
	}}
	s, _ := New(Config{Driver: DriverS3, Bucket: "veil", S3Client: missing})
	if _, err := s.Get(ctx, "x.json"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get: got %v want ErrNotFound", err)
	}

	big := &fakeS3Client{getFn: func(context.Context, *s3.GetObjectInput, ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
		return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader("this payload is too large"))}, nil
	}}
	s, _ = New(Config{Driver: DriverS3, Bucket: "veil", S3Client: big, MaxGetSize: 8})
	if _, err := s.Get(ctx, "x.json"); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("Get: got %v want ErrTooLarge", err)
	}
}
