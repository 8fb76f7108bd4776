package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/kenneth/multikey-encryption/internal/config"
	"github.com/kenneth/multikey-encryption/internal/s3"
)

const (
	publicKeyDir     = "public-keys"
	privateKeyDir    = "private-keys"
	fileKeyDir       = "file-keys"
	publicKeySuffix  = ".publicKey"
	privateKeySuffix = ".privateKey"
	shareKeySuffix   = ".shareKey"
)

// S3Backend stores key material as objects:
//
//	<prefix>/public-keys/<uid>.publicKey
//	<prefix>/private-keys/<uid>.privateKey
//	<prefix>/file-keys/<path>/<recipient>.shareKey
type S3Backend struct {
	client s3.Client
	bucket string
	prefix string
}

// OpenS3Backend builds an S3 client from cfg.
func OpenS3Backend(ctx context.Context, cfg *config.S3Config) (*S3Backend, error) {
	client, err := s3.NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewS3Backend(client, cfg.Bucket, cfg.Prefix), nil
}

// NewS3Backend stores keys in bucket below prefix.
func NewS3Backend(client s3.Client, bucket, prefix string) *S3Backend {
	return &S3Backend{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}
}

func (b *S3Backend) objectKey(parts ...string) string {
	key := strings.Join(parts, "/")
	if b.prefix == "" {
		return key
	}
	return b.prefix + "/" + key
}

// fileKeyDirKey returns the directory holding the share keys of path.
func (b *S3Backend) fileKeyDirKey(path string) string {
	return strings.TrimSuffix(b.objectKey(fileKeyDir+normalizePath(path)), "/") + "/"
}

func (b *S3Backend) get(ctx context.Context, key string) ([]byte, error) {
	body, _, err := b.client.GetObject(ctx, b.bucket, key)
	if err != nil {
		if s3.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return data, nil
}

func (b *S3Backend) put(ctx context.Context, key string, data []byte) error {
	return b.client.PutObject(ctx, b.bucket, key, bytes.NewReader(data), nil)
}

func (b *S3Backend) GetPublicKey(ctx context.Context, uid string) ([]byte, error) {
	return b.get(ctx, b.objectKey(publicKeyDir, uid+publicKeySuffix))
}

func (b *S3Backend) SetPublicKey(ctx context.Context, uid string, key []byte) error {
	return b.put(ctx, b.objectKey(publicKeyDir, uid+publicKeySuffix), key)
}

func (b *S3Backend) GetPrivateKey(ctx context.Context, uid string) ([]byte, error) {
	return b.get(ctx, b.objectKey(privateKeyDir, uid+privateKeySuffix))
}

func (b *S3Backend) SetPrivateKey(ctx context.Context, uid string, blob []byte) error {
	return b.put(ctx, b.objectKey(privateKeyDir, uid+privateKeySuffix), blob)
}

func (b *S3Backend) GetFileKey(ctx context.Context, path, recipient string) ([]byte, error) {
	return b.get(ctx, b.fileKeyDirKey(path)+recipient+shareKeySuffix)
}

// shareKeys lists the share key objects directly inside dir.
func (b *S3Backend) shareKeys(ctx context.Context, dir string) (map[string]string, error) {
	listed, err := b.client.ListObjects(ctx, b.bucket, dir, s3.ListOptions{Delimiter: "/"})
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for _, obj := range listed.Objects {
		name := strings.TrimPrefix(obj.Key, dir)
		if !strings.HasSuffix(name, shareKeySuffix) {
			continue
		}
		out[strings.TrimSuffix(name, shareKeySuffix)] = obj.Key
	}
	return out, nil
}

func (b *S3Backend) GetFileKeys(ctx context.Context, path string) (map[string][]byte, error) {
	objects, err := b.shareKeys(ctx, b.fileKeyDirKey(path))
	if err != nil {
		return nil, err
	}
	keys := make(map[string][]byte, len(objects))
	for recipient, key := range objects {
		data, err := b.get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("failed to read share key for %s: %w", recipient, err)
		}
		keys[recipient] = data
	}
	return keys, nil
}

// SetAllFileKeys writes the new set before removing stale recipients so a
// failure never leaves a recipient without its key.
func (b *S3Backend) SetAllFileKeys(ctx context.Context, path string, keys map[string][]byte) error {
	dir := b.fileKeyDirKey(path)
	existing, err := b.shareKeys(ctx, dir)
	if err != nil {
		return err
	}

	for recipient, wrapped := range keys {
		if err := b.put(ctx, dir+recipient+shareKeySuffix, wrapped); err != nil {
			return err
		}
	}

	var stale []string
	for recipient, key := range existing {
		if _, ok := keys[recipient]; !ok {
			stale = append(stale, key)
		}
	}
	if len(stale) == 0 {
		return nil
	}
	return b.client.DeleteObjects(ctx, b.bucket, stale)
}

func (b *S3Backend) DeleteFileKeys(ctx context.Context, path string) error {
	listed, err := b.client.ListObjects(ctx, b.bucket, b.fileKeyDirKey(path), s3.ListOptions{})
	if err != nil {
		return err
	}
	if len(listed.Objects) == 0 {
		return nil
	}
	keys := make([]string, 0, len(listed.Objects))
	for _, obj := range listed.Objects {
		keys = append(keys, obj.Key)
	}
	return b.client.DeleteObjects(ctx, b.bucket, keys)
}

// RenameFileKeys copies every share key below oldPath and then deletes the
// originals.
func (b *S3Backend) RenameFileKeys(ctx context.Context, oldPath, newPath string) error {
	oldDir, newDir := b.fileKeyDirKey(oldPath), b.fileKeyDirKey(newPath)
	if oldDir == newDir {
		return nil
	}
	listed, err := b.client.ListObjects(ctx, b.bucket, oldDir, s3.ListOptions{})
	if err != nil {
		return err
	}
	if len(listed.Objects) == 0 {
		return nil
	}
	if err := b.DeleteFileKeys(ctx, newPath); err != nil {
		return err
	}

	moved := make([]string, 0, len(listed.Objects))
	for _, obj := range listed.Objects {
		data, err := b.get(ctx, obj.Key)
		if err != nil {
			return err
		}
		if err := b.put(ctx, newDir+strings.TrimPrefix(obj.Key, oldDir), data); err != nil {
			return err
		}
		moved = append(moved, obj.Key)
	}
	return b.client.DeleteObjects(ctx, b.bucket, moved)
}

func (b *S3Backend) Close() error {
	return nil
}
