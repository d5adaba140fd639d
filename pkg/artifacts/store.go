// Package artifacts is the content-addressed store for case evidence:
// invoices, contracts, expert reports. The ledger never carries the
// blobs themselves, only their sha256 references, so a bundle stays
// small while every attachment stays verifiable.
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const refPrefix = "sha256:"

// Ref computes the content reference for a blob.
func Ref(data []byte) string {
	sum := sha256.Sum256(data)
	return refPrefix + hex.EncodeToString(sum[:])
}

// ParseRef validates a "sha256:<hex>" reference and returns the raw hex.
func ParseRef(ref string) (string, error) {
	raw, ok := strings.CutPrefix(ref, refPrefix)
	if !ok {
		return "", fmt.Errorf("artifacts: malformed ref %q", ref)
	}
	if len(raw) != sha256.Size*2 {
		return "", fmt.Errorf("artifacts: ref %q has wrong digest length", ref)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("artifacts: ref %q is not hex: %w", ref, err)
	}
	return raw, nil
}

// Store is content-addressed evidence storage. Put is idempotent: the
// same bytes always yield the same ref.
type Store interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
	Exists(ctx context.Context, ref string) (bool, error)
	Delete(ctx context.Context, ref string) error
}

// FileStore keeps evidence under a local directory, sharded by the
// first byte of the digest.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("artifacts: ensure dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) path(raw string) string {
	return filepath.Join(s.baseDir, raw[:2], raw+".blob")
}

func (s *FileStore) Put(_ context.Context, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref := Ref(data)
	raw, _ := ParseRef(ref)
	path := s.path(raw)
	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("artifacts: ensure shard: %w", err)
	}
	// Write-then-rename keeps a crashed Put invisible.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("artifacts: write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("artifacts: commit blob: %w", err)
	}
	return ref, nil
}

func (s *FileStore) Get(_ context.Context, ref string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, err := ParseRef(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(raw))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("artifacts: %s not found", ref)
		}
		return nil, fmt.Errorf("artifacts: read blob: %w", err)
	}
	if Ref(data) != ref {
		return nil, fmt.Errorf("artifacts: %s content does not match its ref", ref)
	}
	return data, nil
}

func (s *FileStore) Exists(_ context.Context, ref string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, err := ParseRef(ref)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(s.path(raw)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("artifacts: stat blob: %w", err)
	}
	return true, nil
}

func (s *FileStore) Delete(_ context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := ParseRef(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(s.path(raw)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("artifacts: delete blob: %w", err)
	}
	return nil
}

// ReadFrom buffers a reader and stores it. Evidence files are bounded
// in practice; callers wrap the reader with io.LimitReader when not.
func ReadFrom(ctx context.Context, s Store, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("artifacts: read source: %w", err)
	}
	return s.Put(ctx, data)
}
