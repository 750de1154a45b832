// Package cas is the content-addressed store for off-chain artifacts,
// primarily collaboration records. Content is canonical JSON (struct fields
// declared in lexicographic key order, no indentation) addressed by the hex
// SHA3-256 of the exact bytes; the chain anchors only the hash.
package cas

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/sha3"
)

// Store pins and retrieves content-addressed blobs.
type Store interface {
	// Pin stores the blob and returns its content hash.
	Pin(ctx context.Context, data []byte) (string, error)
	// Get retrieves a blob by content hash.
	Get(ctx context.Context, hash string) ([]byte, error)
}

// HashBytes returns the hex SHA3-256 content address of a blob.
func HashBytes(data []byte) string {
	sum := sha3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// MarshalCanonical serializes v as compact JSON. Callers are responsible
// for declaring struct fields in lexicographic key order so the output is
// canonical; PinJSON hashes the resulting bytes verbatim.
func MarshalCanonical(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical marshal: %w", err)
	}
	return data, nil
}

// PinJSON canonically serializes v and pins it, returning the content hash.
func PinJSON(ctx context.Context, s Store, v any) (string, error) {
	data, err := MarshalCanonical(v)
	if err != nil {
		return "", err
	}
	return s.Pin(ctx, data)
}

// ─── In-Memory Store ─────────────────────────────────────────────────────────

// MemoryStore keeps blobs in a map; used by tests and the simulator.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (m *MemoryStore) Pin(_ context.Context, data []byte) (string, error) {
	hash := HashBytes(data)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[hash]; !ok {
		m.blobs[hash] = append([]byte(nil), data...)
	}
	return hash, nil
}

func (m *MemoryStore) Get(_ context.Context, hash string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[hash]
	if !ok {
		return nil, fmt.Errorf("blob %s not pinned", hash)
	}
	return append([]byte(nil), data...), nil
}

// Len returns the number of pinned blobs.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}

// ─── Directory Store ─────────────────────────────────────────────────────────

// DirStore persists blobs as files named by their content hash.
type DirStore struct {
	root string
}

// NewDirStore creates the backing directory if needed.
func NewDirStore(root string) (*DirStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create cas dir: %w", err)
	}
	return &DirStore{root: root}, nil
}

func (d *DirStore) Pin(_ context.Context, data []byte) (string, error) {
	hash := HashBytes(data)
	path := filepath.Join(d.root, hash)
	if _, err := os.Stat(path); err == nil {
		return hash, nil
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("commit blob: %w", err)
	}
	return hash, nil
}

func (d *DirStore) Get(_ context.Context, hash string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(d.root, hash))
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", hash, err)
	}
	return data, nil
}
