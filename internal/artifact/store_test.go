package artifact

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"pkt.systems/subexec/internal/shipohoy/shipohoytest"
)

type fakeS3 struct {
	bucket string
	key    string
	body   []byte
	ctype  string
	err    error
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.bucket = *in.Bucket
	f.key = *in.Key
	f.ctype = *in.ContentType
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.body = body
	return &s3.PutObjectOutput{}, nil
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestS3PutKeyLayout(t *testing.T) {
	fake := &fakeS3{}
	store := NewS3WithClient(fake, "challenge-artifacts", "/logs/", "syn42")
	file := writeFile(t, "9700_log.txt", "hello")
	if err := store.Put(context.Background(), file); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if fake.bucket != "challenge-artifacts" || fake.key != "logs/syn42/9700_log.txt" {
		t.Fatalf("unexpected target %s/%s", fake.bucket, fake.key)
	}
	if string(fake.body) != "hello" {
		t.Fatalf("unexpected body %q", fake.body)
	}
	if fake.ctype == "" {
		t.Fatalf("content type not set")
	}
}

func TestS3PutWrapsError(t *testing.T) {
	boom := errors.New("access denied")
	store := NewS3WithClient(&fakeS3{err: boom}, "b", "", "p")
	err := store.Put(context.Background(), writeFile(t, "x_log.txt", "x"))
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

func TestS3PutMissingFile(t *testing.T) {
	store := NewS3WithClient(&fakeS3{}, "b", "", "p")
	if err := store.Put(context.Background(), filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestSidecarPut(t *testing.T) {
	rt := shipohoytest.New()
	store := NewSidecar(rt, "logging", "/logging")
	file := writeFile(t, "9700_log.txt", "captured")
	if err := store.Put(context.Background(), file); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, ok := rt.Upload("logging", "/logging/9700_log.txt")
	if !ok || string(got) != "captured" {
		t.Fatalf("sidecar upload = %q, %v", got, ok)
	}
}

func TestSidecarPutError(t *testing.T) {
	rt := shipohoytest.New()
	rt.Errs["CopyTo"] = errors.New("no such container")
	store := NewSidecar(rt, "logging", "/logging")
	if err := store.Put(context.Background(), writeFile(t, "a.txt", "a")); err == nil {
		t.Fatalf("expected error")
	}
}

func TestNone(t *testing.T) {
	var s Store = None{}
	if err := s.Put(context.Background(), "/does/not/matter"); err != nil {
		t.Fatalf("None.Put: %v", err)
	}
	if s.Name() != "none" {
		t.Fatalf("unexpected name %q", s.Name())
	}
}
