// Package storage persists key material: public keys, password-wrapped
// private keys, and per-recipient wrapped file keys.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kenneth/multikey-encryption/internal/config"
)

// ErrNotFound is returned when no value is stored under the requested key.
var ErrNotFound = errors.New("storage: not found")

// Backend is the persistence collaborator of the key manager. Values are
// opaque bytes; nothing stored here is plaintext key material.
type Backend interface {
	GetPublicKey(ctx context.Context, uid string) ([]byte, error)
	SetPublicKey(ctx context.Context, uid string, key []byte) error

	GetPrivateKey(ctx context.Context, uid string) ([]byte, error)
	SetPrivateKey(ctx context.Context, uid string, blob []byte) error

	// GetFileKey returns the key wrapped for recipient, or ErrNotFound.
	GetFileKey(ctx context.Context, path, recipient string) ([]byte, error)
	// GetFileKeys returns every wrapped key of path; empty when none exist.
	GetFileKeys(ctx context.Context, path string) (map[string][]byte, error)
	// SetAllFileKeys replaces the full recipient set of path.
	SetAllFileKeys(ctx context.Context, path string, keys map[string][]byte) error
	// DeleteFileKeys removes the keys of path and of everything below it.
	DeleteFileKeys(ctx context.Context, path string) error
	// RenameFileKeys moves the keys of oldPath and everything below it.
	RenameFileKeys(ctx context.Context, oldPath, newPath string) error

	Close() error
}

// New opens the backend selected by cfg.
func New(ctx context.Context, cfg *config.StorageConfig) (Backend, error) {
	switch cfg.Backend {
	case config.StorageMemory:
		return NewMemoryBackend(), nil
	case config.StorageSQL:
		return OpenSQLBackend(ctx, &cfg.SQL)
	case config.StorageS3:
		return OpenS3Backend(ctx, &cfg.S3)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// normalizePath makes file paths comparable across callers.
func normalizePath(p string) string {
	p = "/" + strings.Trim(p, "/")
	return p
}

// isBelow reports whether p equals root or lies below it. Every path lies
// below "/".
func isBelow(p, root string) bool {
	if root == "/" {
		return strings.HasPrefix(p, "/")
	}
	return p == root || strings.HasPrefix(p, root+"/")
}

// subtreePrefix is the prefix shared by every path strictly below root.
func subtreePrefix(root string) string {
	if root == "/" {
		return "/"
	}
	return root + "/"
}

// rebase moves p, which lies below oldRoot, to the same place below newRoot.
func rebase(p, oldRoot, newRoot string) string {
	if p == oldRoot {
		return newRoot
	}
	return subtreePrefix(newRoot) + strings.TrimPrefix(p, subtreePrefix(oldRoot))
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
