// Package artifacts publishes exported evidence bundles to content-addressed
// storage. A bundle's storage key is the SHA-256 of its serialized bytes, so
// publishing the same bundle twice is a no-op.
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Mindburn-Labs/qledger/pkg/evidence"
)

// ErrNotFound is returned by Get for an unknown reference.
var ErrNotFound = errors.New("artifacts: not found")

// Sink is a content-addressed blob store.
type Sink interface {
	// Put stores data and returns its reference ("sha256:<hex>").
	Put(ctx context.Context, data []byte) (string, error)
	// Get returns the blob stored under ref.
	Get(ctx context.Context, ref string) ([]byte, error)
	// Exists reports whether ref is stored.
	Exists(ctx context.Context, ref string) (bool, error)
}

// Receipt describes one published bundle.
type Receipt struct {
	Ref        string `json:"ref"`
	BundleHash string `json:"bundle_hash"`
	Size       int    `json:"size"`
	Sink       string `json:"sink"`
}

// Publish serializes b and stores it in sink.
func Publish(ctx context.Context, sink Sink, name string, b *evidence.Bundle) (*Receipt, error) {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("artifacts: encode bundle: %w", err)
	}
	ref, err := sink.Put(ctx, data)
	if err != nil {
		return nil, err
	}
	return &Receipt{Ref: ref, BundleHash: b.BundleHash, Size: len(data), Sink: name}, nil
}

// Fetch loads and decodes a bundle previously published under ref.
func Fetch(ctx context.Context, sink Sink, ref string) (*evidence.Bundle, error) {
	data, err := sink.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	var b evidence.Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("artifacts: decode bundle %s: %w", ref, err)
	}
	return &b, nil
}

func contentRef(data []byte) (ref, digest string) {
	sum := sha256.Sum256(data)
	digest = hex.EncodeToString(sum[:])
	return "sha256:" + digest, digest
}

// parseRef validates "sha256:<64 hex>" and returns the hex digest.
func parseRef(ref string) (string, error) {
	digest, ok := strings.CutPrefix(ref, "sha256:")
	if !ok {
		return "", fmt.Errorf("artifacts: invalid reference format: %s", ref)
	}
	if b, err := hex.DecodeString(digest); err != nil || len(b) != sha256.Size {
		return "", fmt.Errorf("artifacts: invalid reference digest: %s", ref)
	}
	return digest, nil
}

func objectKey(prefix, digest string) string {
	return prefix + digest + ".bundle.json"
}

// DirSink stores bundles as files under a directory.
type DirSink struct {
	dir string
	mu  sync.RWMutex
}

// NewDirSink creates dir if needed.
func NewDirSink(dir string) (*DirSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("artifacts: ensure export dir: %w", err)
	}
	return &DirSink{dir: dir}, nil
}

func (s *DirSink) Put(_ context.Context, data []byte) (string, error) {
	ref, digest := contentRef(data)
	path := filepath.Join(s.dir, objectKey("", digest))

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("artifacts: write bundle: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("artifacts: commit bundle: %w", err)
	}
	return ref, nil
}

func (s *DirSink) Get(_ context.Context, ref string) ([]byte, error) {
	digest, err := parseRef(ref)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, err := os.ReadFile(filepath.Join(s.dir, objectKey("", digest)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return data, err
}

func (s *DirSink) Exists(_ context.Context, ref string) (bool, error) {
	digest, err := parseRef(ref)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, err = os.Stat(filepath.Join(s.dir, objectKey("", digest)))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}
