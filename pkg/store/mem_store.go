package store

import (
	"context"
	"io"
	"sort"
	"sync"

	"github.com/jacktea/castore/pkg/xerrors"
)

// MemStore keeps blobs in process memory. It serves as the fast tier of a
// TieredStore and as a lightweight backend in tests.
type MemStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
	exts  map[string]Extension
}

var (
	_ Store    = (*MemStore)(nil)
	_ Extender = (*MemStore)(nil)
)

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	m := &MemStore{blobs: make(map[string][]byte)}
	m.exts = map[string]Extension{
		ExtList: m.listExt,
	}
	return m
}

func (m *MemStore) Write(ctx context.Context, key string, src io.Reader) (int64, error) {
	buf, err := io.ReadAll(src)
	if err != nil {
		// Source failure: surface it untouched and keep no partial entry.
		return 0, err
	}
	m.mu.Lock()
	m.blobs[key] = buf
	m.mu.Unlock()
	return int64(len(buf)), nil
}

func (m *MemStore) Read(ctx context.Context, key string, dst io.Writer) (int64, error) {
	m.mu.RLock()
	data, ok := m.blobs[key]
	m.mu.RUnlock()
	if !ok {
		return 0, xerrors.E(xerrors.KindNotFound, "MemStore.Read", key)
	}
	n, err := dst.Write(data)
	return int64(n), err
}

func (m *MemStore) Rename(ctx context.Context, oldKey, newKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[oldKey]
	if !ok {
		return xerrors.E(xerrors.KindNotFound, "MemStore.Rename", oldKey)
	}
	delete(m.blobs, oldKey)
	m.blobs[newKey] = data
	return nil
}

func (m *MemStore) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blobs[key]
	return ok, nil
}

func (m *MemStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, key)
	return nil
}

// Extensions implements Extender.
func (m *MemStore) Extensions() map[string]Extension { return m.exts }

func (m *MemStore) listExt(ctx context.Context, args ...any) (any, error) {
	m.mu.RLock()
	keys := make([]string, 0, len(m.blobs))
	for key := range m.blobs {
		keys = append(keys, key)
	}
	m.mu.RUnlock()
	sort.Strings(keys)
	return keys, nil
}
