// Package artifact is the content store for originals and derived outputs,
// backed by the local filesystem.
//
// Originals are content-addressed: the storage key embeds the SHA-256 of the
// bytes, so re-uploading identical content lands on the same key. Derived
// artifacts use deterministic keys derived from (docID, step, name), so a
// re-run of the same attempt overwrites rather than duplicates.
//
// Download access goes through time-limited HMAC-signed URLs; the store never
// serves a key without a valid signature.
package artifact

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/doclens/accesspipe/pipeline"
)

// ErrBadKey is returned for keys that escape the store root.
var ErrBadKey = errors.New("artifact: invalid key")

// ErrNotFound is returned when a key has no content.
var ErrNotFound = errors.New("artifact: not found")

// ErrBadSignature is returned when a download URL fails verification.
var ErrBadSignature = errors.New("artifact: bad signature")

// ErrExpired is returned when a download URL is past its deadline.
var ErrExpired = errors.New("artifact: url expired")

// Options configures a Store.
type Options struct {
	// SignKey is the HMAC key for download URLs. Generated at startup when
	// empty (URLs then survive only the process lifetime).
	SignKey []byte
	// URLTTL is the signed URL lifetime. Default: 15m.
	URLTTL time.Duration
	// BaseURL prefixes signed URLs, e.g. "http://localhost:8080".
	BaseURL string
	// Logger overrides the default slog logger.
	Logger *slog.Logger
	// Now overrides the clock, for tests.
	Now func() time.Time
}

func (o *Options) defaults() {
	if len(o.SignKey) == 0 {
		o.SignKey = make([]byte, 32)
		if _, err := rand.Read(o.SignKey); err != nil {
			panic("artifact: crypto/rand failed: " + err.Error())
		}
	}
	if o.URLTTL <= 0 {
		o.URLTTL = 15 * time.Minute
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Store is a filesystem-backed artifact store rooted at one directory.
type Store struct {
	root string
	opts Options
}

// New creates a store rooted at root, creating the directory if needed.
func New(root string, opts Options) (*Store, error) {
	opts.defaults()
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("artifact: mkdir root: %w", err)
	}
	return &Store{root: root, opts: opts}, nil
}

// PutOriginal stores an uploaded original under a content-addressed key
// docID/original/<sha256-prefix>.pdf and returns the key and byte size.
func (s *Store) PutOriginal(ctx context.Context, docID string, r io.Reader) (key string, size int64, err error) {
	tmp, err := os.CreateTemp(s.root, "upload-*")
	if err != nil {
		return "", 0, fmt.Errorf("artifact: put original: %w", err)
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	size, err = io.Copy(io.MultiWriter(tmp, h), r)
	if cErr := tmp.Close(); err == nil {
		err = cErr
	}
	if err != nil {
		return "", 0, fmt.Errorf("artifact: put original: %w", err)
	}

	key = path.Join(docID, "original", hex.EncodeToString(h.Sum(nil))[:16]+".pdf")
	dst, err := s.resolve(key)
	if err != nil {
		return "", 0, err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", 0, fmt.Errorf("artifact: put original: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", 0, fmt.Errorf("artifact: put original: %w", err)
	}

	s.opts.Logger.Debug("artifact: original stored", "doc_id", docID, "key", key, "size", size)
	return key, size, nil
}

// PutDerived stores a derived artifact under the deterministic key
// docID/step/name, overwriting any previous attempt's output.
func (s *Store) PutDerived(ctx context.Context, docID string, step pipeline.Step, name string, data []byte) (string, error) {
	key := path.Join(docID, string(step), name)
	dst, err := s.resolve(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("artifact: put derived: %w", err)
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return "", fmt.Errorf("artifact: put derived: %w", err)
	}
	return key, nil
}

// Read returns the full content stored under key.
func (s *Store) Read(ctx context.Context, key string) ([]byte, error) {
	p, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("artifact: read %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("artifact: read: %w", err)
	}
	return data, nil
}

// Open returns a reader for the content stored under key.
func (s *Store) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	p, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("artifact: open %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("artifact: open: %w", err)
	}
	return f, nil
}

// PurgeDoc removes every artifact belonging to a document. Part of the
// administrative cascade delete; never called implicitly on failure.
func (s *Store) PurgeDoc(ctx context.Context, docID string) error {
	p, err := s.resolve(docID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(p); err != nil {
		return fmt.Errorf("artifact: purge %s: %w", docID, err)
	}
	return nil
}

// SignURL produces a time-limited download URL for key.
func (s *Store) SignURL(key string) (string, error) {
	if _, err := s.resolve(key); err != nil {
		return "", err
	}
	exp := s.opts.Now().Add(s.opts.URLTTL).UnixMilli()
	sig := s.sign(key, exp)

	q := url.Values{}
	q.Set("key", key)
	q.Set("exp", strconv.FormatInt(exp, 10))
	q.Set("sig", sig)
	return s.opts.BaseURL + "/api/v1/artifacts/download?" + q.Encode(), nil
}

// VerifyQuery checks a signed URL's query parameters and returns the key they
// grant access to.
func (s *Store) VerifyQuery(q url.Values) (string, error) {
	key := q.Get("key")
	exp, err := strconv.ParseInt(q.Get("exp"), 10, 64)
	if err != nil {
		return "", ErrBadSignature
	}
	want := s.sign(key, exp)
	if !hmac.Equal([]byte(want), []byte(q.Get("sig"))) {
		return "", ErrBadSignature
	}
	if s.opts.Now().UnixMilli() > exp {
		return "", ErrExpired
	}
	if _, err := s.resolve(key); err != nil {
		return "", err
	}
	return key, nil
}

func (s *Store) sign(key string, exp int64) string {
	mac := hmac.New(sha256.New, s.opts.SignKey)
	fmt.Fprintf(mac, "%s|%d", key, exp)
	return hex.EncodeToString(mac.Sum(nil))
}

// resolve maps a storage key onto an absolute path, rejecting escapes.
func (s *Store) resolve(key string) (string, error) {
	if key == "" || path.IsAbs(key) || strings.Contains(key, "..") {
		return "", fmt.Errorf("%w: %q", ErrBadKey, key)
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}
