// Package blobstore implements the Blob Store Facade (§4.C): a uniform
// put/get/delete surface over an S3-compatible backend or the local
// filesystem, addressed by an unguessable generated key. Grounded on
// internal/objectstore's ObjectStore interface (the S3 backend is
// internal/objectstore/s3.go verbatim) plus the local-disk atomic-rename
// pattern from haasonsaas-nexus's internal/artifacts/local_store.go,
// generalized from per-artifact-type directories to the §4.C key shape.
package blobstore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"weave/internal/chatmodel"
	"weave/internal/objectstore"
)

// ErrNotFound is returned when Get cannot locate the key (mirrors
// objectstore.ErrNotFound so callers needn't import that package).
var ErrNotFound = objectstore.ErrNotFound

// Facade is the uniform put/get/delete surface over one backend.
type Facade struct {
	backend objectstore.ObjectStore
}

// New wraps an already-constructed objectstore.ObjectStore (S3Store or
// LocalStore) as the active backend.
func New(backend objectstore.ObjectStore) *Facade {
	return &Facade{backend: backend}
}

// safeUserID keeps alphanumerics, underscore, and hyphen, truncated to 50
// characters, per §4.C's key shape.
func safeUserID(userID string) string {
	var b strings.Builder
	for _, r := range userID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		}
		if b.Len() >= 50 {
			break
		}
	}
	if b.Len() == 0 {
		return "anon"
	}
	return b.String()
}

// GenerateKey builds a "YYYY/MM/<safe-user-id>/<prefix>_<epoch-ms>_<random-hex>"
// key with at least 64 bits of entropy after the timestamp, making the key
// itself safe to use as a capability token for public-read endpoints.
func GenerateKey(userID, prefix string, now time.Time) (string, error) {
	randBytes := make([]byte, 8) // 64 bits
	if _, err := rand.Read(randBytes); err != nil {
		return "", fmt.Errorf("blobstore: generate random suffix: %w", err)
	}
	if prefix == "" {
		prefix = "blob"
	}
	key := fmt.Sprintf("%04d/%02d/%s/%s_%d_%s",
		now.Year(), now.Month(), safeUserID(userID), prefix,
		now.UnixMilli(), hex.EncodeToString(randBytes))
	return key, nil
}

// Store writes bytes under a freshly generated key and returns its metadata.
func (f *Facade) Store(ctx context.Context, userID, prefix string, data []byte, contentType string) (chatmodel.BlobMeta, error) {
	key, err := GenerateKey(userID, prefix, time.Now())
	if err != nil {
		return chatmodel.BlobMeta{}, err
	}
	if _, err := f.backend.Put(ctx, key, strings.NewReader(string(data)), objectstore.PutOptions{ContentType: contentType}); err != nil {
		return chatmodel.BlobMeta{}, fmt.Errorf("blobstore: store %q: %w", key, err)
	}
	return chatmodel.BlobMeta{
		Key:         key,
		Size:        int64(len(data)),
		ContentType: contentType,
		CreatedAt:   time.Now(),
	}, nil
}

// Get returns the object's bytes, or (nil, nil) if the key does not exist.
func (f *Facade) Get(ctx context.Context, key string) ([]byte, error) {
	rc, _, err := f.backend.Get(ctx, key)
	if errors.Is(err, objectstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("blobstore: get %q: %w", key, err)
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// Delete removes the object by key, reporting whether it existed.
func (f *Facade) Delete(ctx context.Context, key string) (bool, error) {
	existed, err := f.backend.Exists(ctx, key)
	if err != nil {
		return false, fmt.Errorf("blobstore: check %q before delete: %w", key, err)
	}
	if !existed {
		return false, nil
	}
	if err := f.backend.Delete(ctx, key); err != nil {
		return false, fmt.Errorf("blobstore: delete %q: %w", key, err)
	}
	return true, nil
}

// HealthCheck verifies the backend is reachable. LocalStore always succeeds
// once its base directory exists; S3Store pings the configured bucket.
func (f *Facade) HealthCheck(ctx context.Context) error {
	type pinger interface{ Ping(context.Context) error }
	if p, ok := f.backend.(pinger); ok {
		return p.Ping(ctx)
	}
	_, err := f.backend.List(ctx, objectstore.ListOptions{MaxKeys: 1})
	return err
}

// LocalStore implements objectstore.ObjectStore over the local filesystem,
// for deployments with no object-storage backend configured (§4.C /
// BLOB_STORAGE_TYPE=local). Grounded on haasonsaas-nexus's
// internal/artifacts/local_store.go atomic temp-file-then-rename write path,
// generalized from an artifact-id index to the caller-supplied key directly
// (blobstore.GenerateKey already encodes the path shape, so no side index is
// needed). No ecosystem library in the retrieved pack targets local-disk
// object storage, so this is stdlib os/io — see DESIGN.md.
type LocalStore struct {
	baseDir string
}

// NewLocalStore creates (if absent) baseDir and returns a LocalStore rooted there.
func NewLocalStore(baseDir string) (*LocalStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create local blob dir: %w", err)
	}
	return &LocalStore{baseDir: baseDir}, nil
}

func (s *LocalStore) path(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if clean == "/" || strings.Contains(clean, "..") {
		return "", objectstore.ErrInvalidKey
	}
	return filepath.Join(s.baseDir, clean), nil
}

func (s *LocalStore) Put(ctx context.Context, key string, r io.Reader, opts objectstore.PutOptions) (string, error) {
	full, err := s.path(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("mkdir for %q: %w", key, err)
	}
	tmp := full + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("create temp file for %q: %w", key, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("write %q: %w", key, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, full); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("rename %q: %w", key, err)
	}
	if opts.ContentType != "" {
		_ = os.WriteFile(full+".contenttype", []byte(opts.ContentType), 0o644)
	}
	return "", nil
}

func (s *LocalStore) Get(ctx context.Context, key string) (io.ReadCloser, objectstore.ObjectAttrs, error) {
	full, err := s.path(key)
	if err != nil {
		return nil, objectstore.ObjectAttrs{}, err
	}
	f, err := os.Open(full)
	if os.IsNotExist(err) {
		return nil, objectstore.ObjectAttrs{}, objectstore.ErrNotFound
	}
	if err != nil {
		return nil, objectstore.ObjectAttrs{}, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, objectstore.ObjectAttrs{}, err
	}
	attrs := objectstore.ObjectAttrs{Key: key, Size: info.Size(), LastModified: info.ModTime()}
	if ct, err := os.ReadFile(full + ".contenttype"); err == nil {
		attrs.ContentType = string(ct)
	}
	return f, attrs, nil
}

func (s *LocalStore) Delete(ctx context.Context, key string) error {
	full, err := s.path(key)
	if err != nil {
		return err
	}
	os.Remove(full + ".contenttype")
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *LocalStore) List(ctx context.Context, opts objectstore.ListOptions) (objectstore.ListResult, error) {
	root := filepath.Join(s.baseDir, filepath.Clean("/"+opts.Prefix))
	var out objectstore.ListResult
	_ = filepath.Walk(s.baseDir, func(p string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || strings.HasSuffix(p, ".tmp") || strings.HasSuffix(p, ".contenttype") {
			return nil
		}
		if !strings.HasPrefix(p, root) {
			return nil
		}
		rel, _ := filepath.Rel(s.baseDir, p)
		rel = filepath.ToSlash(rel)
		if opts.MaxKeys > 0 && len(out.Objects) >= opts.MaxKeys {
			out.IsTruncated = true
			return filepath.SkipDir
		}
		out.Objects = append(out.Objects, objectstore.ObjectAttrs{Key: rel, Size: info.Size(), LastModified: info.ModTime()})
		return nil
	})
	return out, nil
}

func (s *LocalStore) Head(ctx context.Context, key string) (objectstore.ObjectAttrs, error) {
	rc, attrs, err := s.Get(ctx, key)
	if err != nil {
		return objectstore.ObjectAttrs{}, err
	}
	rc.Close()
	return attrs, nil
}

func (s *LocalStore) Copy(ctx context.Context, srcKey, dstKey string) error {
	rc, attrs, err := s.Get(ctx, srcKey)
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = s.Put(ctx, dstKey, rc, objectstore.PutOptions{ContentType: attrs.ContentType})
	return err
}

func (s *LocalStore) Exists(ctx context.Context, key string) (bool, error) {
	full, err := s.path(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(full)
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}
