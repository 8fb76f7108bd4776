package storage

import (
	"context"
	"sync"
)

// MemoryBackend keeps everything in process memory. Used for tests and
// single-process tools that do not need durability.
type MemoryBackend struct {
	mu          sync.RWMutex
	publicKeys  map[string][]byte
	privateKeys map[string][]byte
	fileKeys    map[string]map[string][]byte
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		publicKeys:  make(map[string][]byte),
		privateKeys: make(map[string][]byte),
		fileKeys:    make(map[string]map[string][]byte),
	}
}

func (m *MemoryBackend) GetPublicKey(_ context.Context, uid string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.publicKeys[uid]
	if !ok {
		return nil, ErrNotFound
	}
	return copyBytes(key), nil
}

func (m *MemoryBackend) SetPublicKey(_ context.Context, uid string, key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publicKeys[uid] = copyBytes(key)
	return nil
}

func (m *MemoryBackend) GetPrivateKey(_ context.Context, uid string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	blob, ok := m.privateKeys[uid]
	if !ok {
		return nil, ErrNotFound
	}
	return copyBytes(blob), nil
}

func (m *MemoryBackend) SetPrivateKey(_ context.Context, uid string, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.privateKeys[uid] = copyBytes(blob)
	return nil
}

func (m *MemoryBackend) GetFileKey(_ context.Context, path, recipient string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.fileKeys[normalizePath(path)][recipient]
	if !ok {
		return nil, ErrNotFound
	}
	return copyBytes(key), nil
}

func (m *MemoryBackend) GetFileKeys(_ context.Context, path string) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stored := m.fileKeys[normalizePath(path)]
	out := make(map[string][]byte, len(stored))
	for recipient, key := range stored {
		out[recipient] = copyBytes(key)
	}
	return out, nil
}

func (m *MemoryBackend) SetAllFileKeys(_ context.Context, path string, keys map[string][]byte) error {
	next := make(map[string][]byte, len(keys))
	for recipient, key := range keys {
		next[recipient] = copyBytes(key)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fileKeys[normalizePath(path)] = next
	return nil
}

func (m *MemoryBackend) DeleteFileKeys(_ context.Context, path string) error {
	root := normalizePath(path)
	m.mu.Lock()
	defer m.mu.Unlock()
	for p := range m.fileKeys {
		if isBelow(p, root) {
			delete(m.fileKeys, p)
		}
	}
	return nil
}

func (m *MemoryBackend) RenameFileKeys(_ context.Context, oldPath, newPath string) error {
	oldRoot, newRoot := normalizePath(oldPath), normalizePath(newPath)
	if oldRoot == newRoot {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	moved := make(map[string]map[string][]byte)
	for p, keys := range m.fileKeys {
		if isBelow(p, oldRoot) {
			moved[rebase(p, oldRoot, newRoot)] = keys
			delete(m.fileKeys, p)
		}
	}
	for p := range m.fileKeys {
		if isBelow(p, newRoot) {
			delete(m.fileKeys, p)
		}
	}
	for p, keys := range moved {
		m.fileKeys[p] = keys
	}
	return nil
}

func (m *MemoryBackend) Close() error {
	return nil
}
