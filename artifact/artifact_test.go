package artifact_test

import (
	"bytes"
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/doclens/accesspipe/artifact"
	"github.com/doclens/accesspipe/pipeline"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newStore(t *testing.T, clk *clock) *artifact.Store {
	t.Helper()
	s, err := artifact.New(t.TempDir(), artifact.Options{
		SignKey: []byte("test-signing-key"),
		BaseURL: "http://localhost:8080",
		Now:     clk.Now,
	})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestPutOriginalContentAddressed(t *testing.T) {
	s := newStore(t, newClock())
	ctx := context.Background()

	key1, size, err := s.PutOriginal(ctx, "d1", strings.NewReader("%PDF-1.7 content"))
	if err != nil {
		t.Fatal(err)
	}
	if size != 16 {
		t.Fatalf("size = %d", size)
	}
	if !strings.HasPrefix(key1, "d1/original/") || !strings.HasSuffix(key1, ".pdf") {
		t.Fatalf("key = %q", key1)
	}

	// Identical content lands on the identical key.
	key2, _, err := s.PutOriginal(ctx, "d1", strings.NewReader("%PDF-1.7 content"))
	if err != nil {
		t.Fatal(err)
	}
	if key2 != key1 {
		t.Fatalf("keys differ: %q vs %q", key1, key2)
	}
	// Different content does not.
	key3, _, _ := s.PutOriginal(ctx, "d1", strings.NewReader("%PDF-1.7 other"))
	if key3 == key1 {
		t.Fatal("distinct content collided")
	}

	data, err := s.Read(ctx, key1)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "%PDF-1.7 content" {
		t.Fatalf("data = %q", data)
	}
}

func TestPutDerivedOverwrites(t *testing.T) {
	s := newStore(t, newClock())
	ctx := context.Background()

	key1, err := s.PutDerived(ctx, "d1", pipeline.StepStructure, "structure.json", []byte("v1"))
	if err != nil {
		t.Fatal(err)
	}
	if key1 != "d1/structure/structure.json" {
		t.Fatalf("key = %q", key1)
	}

	key2, err := s.PutDerived(ctx, "d1", pipeline.StepStructure, "structure.json", []byte("v2"))
	if err != nil {
		t.Fatal(err)
	}
	if key2 != key1 {
		t.Fatalf("re-run changed the key: %q", key2)
	}
	data, _ := s.Read(ctx, key1)
	if string(data) != "v2" {
		t.Fatalf("data = %q", data)
	}
}

func TestReadMissing(t *testing.T) {
	s := newStore(t, newClock())
	if _, err := s.Read(context.Background(), "d1/structure/gone.json"); !errors.Is(err, artifact.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestKeyEscapesRejected(t *testing.T) {
	s := newStore(t, newClock())
	ctx := context.Background()

	for _, key := range []string{"", "/etc/passwd", "../outside", "d1/../../x"} {
		if _, err := s.Read(ctx, key); !errors.Is(err, artifact.ErrBadKey) {
			t.Errorf("Read(%q) = %v, want ErrBadKey", key, err)
		}
	}
}

func TestPurgeDoc(t *testing.T) {
	s := newStore(t, newClock())
	ctx := context.Background()

	origKey, _, _ := s.PutOriginal(ctx, "d1", bytes.NewReader([]byte("pdf")))
	derivedKey, _ := s.PutDerived(ctx, "d1", pipeline.StepExporter, "document.html", []byte("<html>"))
	keptKey, _ := s.PutDerived(ctx, "d2", pipeline.StepExporter, "document.html", []byte("<html>"))

	if err := s.PurgeDoc(ctx, "d1"); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{origKey, derivedKey} {
		if _, err := s.Read(ctx, key); !errors.Is(err, artifact.ErrNotFound) {
			t.Errorf("Read(%q) = %v after purge", key, err)
		}
	}
	if _, err := s.Read(ctx, keptKey); err != nil {
		t.Fatalf("other document purged too: %v", err)
	}
}

func TestSignedURLRoundTrip(t *testing.T) {
	clk := newClock()
	s := newStore(t, clk)
	ctx := context.Background()

	key, _ := s.PutDerived(ctx, "d1", pipeline.StepExporter, "document.html", []byte("<html>"))

	signed, err := s.SignURL(key)
	if err != nil {
		t.Fatal(err)
	}
	u, err := url.Parse(signed)
	if err != nil {
		t.Fatal(err)
	}
	if u.Path != "/api/v1/artifacts/download" {
		t.Fatalf("path = %q", u.Path)
	}

	got, err := s.VerifyQuery(u.Query())
	if err != nil {
		t.Fatal(err)
	}
	if got != key {
		t.Fatalf("verified key = %q", got)
	}
}

func TestSignedURLTamperRejected(t *testing.T) {
	clk := newClock()
	s := newStore(t, clk)
	ctx := context.Background()

	s.PutDerived(ctx, "d1", pipeline.StepExporter, "document.html", []byte("<html>"))
	s.PutDerived(ctx, "d2", pipeline.StepExporter, "document.html", []byte("<html>"))
	signed, _ := s.SignURL("d1/exporter/document.html")
	u, _ := url.Parse(signed)

	// Swapping the key invalidates the signature.
	q := u.Query()
	q.Set("key", "d2/exporter/document.html")
	if _, err := s.VerifyQuery(q); !errors.Is(err, artifact.ErrBadSignature) {
		t.Fatalf("got %v, want ErrBadSignature", err)
	}

	// So does pushing the expiry out.
	q = u.Query()
	q.Set("exp", "9999999999999")
	if _, err := s.VerifyQuery(q); !errors.Is(err, artifact.ErrBadSignature) {
		t.Fatalf("got %v, want ErrBadSignature", err)
	}

	// Garbage expiry never verifies.
	q = u.Query()
	q.Set("exp", "soon")
	if _, err := s.VerifyQuery(q); !errors.Is(err, artifact.ErrBadSignature) {
		t.Fatalf("got %v, want ErrBadSignature", err)
	}
}

func TestSignedURLExpiry(t *testing.T) {
	clk := newClock()
	s := newStore(t, clk)
	ctx := context.Background()

	key, _ := s.PutDerived(ctx, "d1", pipeline.StepExporter, "document.html", []byte("<html>"))
	signed, _ := s.SignURL(key)
	u, _ := url.Parse(signed)

	clk.Advance(14 * time.Minute)
	if _, err := s.VerifyQuery(u.Query()); err != nil {
		t.Fatalf("url expired early: %v", err)
	}

	clk.Advance(2 * time.Minute)
	if _, err := s.VerifyQuery(u.Query()); !errors.Is(err, artifact.ErrExpired) {
		t.Fatalf("got %v, want ErrExpired", err)
	}
}
