// Package keystore resolves the keys an encryption session needs: recipient
// public keys, password-protected private keys, and per-file wrapped keys.
package keystore

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/multikey-encryption/internal/audit"
	"github.com/kenneth/multikey-encryption/internal/crypto"
	"github.com/kenneth/multikey-encryption/internal/metrics"
	"github.com/kenneth/multikey-encryption/internal/pathutil"
	"github.com/kenneth/multikey-encryption/internal/storage"
)

// Options configures a Manager.
type Options struct {
	// KeyPairBits is the RSA size for new key pairs; zero means the default.
	KeyPairBits int

	// RecoveryEnabled adds RecoveryKeyID to the recipients of every file.
	RecoveryEnabled bool
	RecoveryKeyID   string
	// PublicShareKeyID is added for files reachable through a public link.
	PublicShareKeyID string

	Logger  *logrus.Logger
	Metrics *metrics.Metrics
	Audit   audit.Logger
}

// KeyPolicy is the part of Options that may change while the manager runs.
type KeyPolicy struct {
	KeyPairBits      int
	RecoveryEnabled  bool
	RecoveryKeyID    string
	PublicShareKeyID string
}

// Manager is safe for concurrent use. It holds no key material between calls.
type Manager struct {
	backend storage.Backend
	engine  atomic.Pointer[crypto.Engine]
	policy  atomic.Pointer[KeyPolicy]
	creds   *Credentials
	opts    Options
	logger  *logrus.Logger
}

// NewManager creates a key manager on backend. creds supplies the passwords
// used to open private keys and may be shared with the login layer.
func NewManager(backend storage.Backend, engine *crypto.Engine, creds *Credentials, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	if creds == nil {
		creds = NewCredentials()
	}

	m := &Manager{
		backend: backend,
		creds:   creds,
		opts:    opts,
		logger:  logger,
	}
	m.engine.Store(engine)
	m.SetKeyPolicy(KeyPolicy{
		KeyPairBits:      opts.KeyPairBits,
		RecoveryEnabled:  opts.RecoveryEnabled,
		RecoveryKeyID:    opts.RecoveryKeyID,
		PublicShareKeyID: opts.PublicShareKeyID,
	})
	return m
}

// SetKeyPolicy replaces the key pair size and system recipients. Files
// written afterwards are wrapped for the new system recipients; existing
// wrapped keys are left alone.
func (m *Manager) SetKeyPolicy(p KeyPolicy) {
	if p.KeyPairBits == 0 {
		p.KeyPairBits = crypto.DefaultKeyPairBits
	}
	m.policy.Store(&p)
}

// KeyPolicy returns the current key policy.
func (m *Manager) KeyPolicy() KeyPolicy {
	return *m.policy.Load()
}

// SetEngine replaces the engine used for new key pairs, e.g. after a cipher
// change on config reload.
func (m *Manager) SetEngine(engine *crypto.Engine) {
	m.engine.Store(engine)
}

// Engine returns the current engine.
func (m *Manager) Engine() *crypto.Engine {
	return m.engine.Load()
}

// Credentials returns the password registry.
func (m *Manager) Credentials() *Credentials {
	return m.creds
}

// GetPublicKey returns the public key of uid or a *PublicKeyMissingError if the
// user never generated key material.
func (m *Manager) GetPublicKey(ctx context.Context, uid string) (*rsa.PublicKey, error) {
	raw, err := m.backend.GetPublicKey(ctx, uid)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			m.opts.Metrics.RecordKeyLookup("public_key", "miss")
			return nil, &PublicKeyMissingError{UserID: uid}
		}
		m.opts.Metrics.RecordKeyLookup("public_key", "error")
		return nil, fmt.Errorf("failed to load public key of %s: %w", uid, err)
	}
	m.opts.Metrics.RecordKeyLookup("public_key", "hit")

	pub, err := crypto.ParsePublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key of %s: %w", uid, err)
	}
	return pub, nil
}

// GetPublicKeys resolves every uid. The first missing recipient fails the
// whole lookup.
func (m *Manager) GetPublicKeys(ctx context.Context, uids []string) (map[string]*rsa.PublicKey, error) {
	keys := make(map[string]*rsa.PublicKey, len(uids))
	for _, uid := range uids {
		if _, ok := keys[uid]; ok {
			continue
		}
		pub, err := m.GetPublicKey(ctx, uid)
		if err != nil {
			return nil, err
		}
		keys[uid] = pub
	}
	return keys, nil
}

// SystemRecipients lists the system keys a file with access must be wrapped for.
func (m *Manager) SystemRecipients(access AccessList) []string {
	p := m.KeyPolicy()
	var ids []string
	if p.RecoveryEnabled && p.RecoveryKeyID != "" {
		ids = append(ids, p.RecoveryKeyID)
	}
	if access.Public && p.PublicShareKeyID != "" {
		ids = append(ids, p.PublicShareKeyID)
	}
	return ids
}

// AddSystemKeys returns a copy of publicKeys extended with the system
// recipients of access.
func (m *Manager) AddSystemKeys(ctx context.Context, access AccessList, publicKeys map[string]*rsa.PublicKey) (map[string]*rsa.PublicKey, error) {
	out := make(map[string]*rsa.PublicKey, len(publicKeys)+2)
	for uid, pub := range publicKeys {
		out[uid] = pub
	}
	for _, id := range m.SystemRecipients(access) {
		if _, ok := out[id]; ok {
			continue
		}
		pub, err := m.GetPublicKey(ctx, id)
		if err != nil {
			return nil, err
		}
		out[id] = pub
	}
	return out, nil
}

// GetFileKey returns the file key of path unwrapped for uid. A nil key with a
// nil error means the file has no keys yet. Version and trash copies resolve
// to the key of their live file.
func (m *Manager) GetFileKey(ctx context.Context, path, uid string) ([]byte, error) {
	realPath := pathutil.RealPath(path)

	wrapped, err := m.backend.GetFileKey(ctx, realPath, uid)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			m.opts.Metrics.RecordKeyLookup("file_key", "error")
			return nil, fmt.Errorf("failed to load file key of %s: %w", realPath, err)
		}
		all, err := m.backend.GetFileKeys(ctx, realPath)
		if err != nil {
			m.opts.Metrics.RecordKeyLookup("file_key", "error")
			return nil, fmt.Errorf("failed to load file keys of %s: %w", realPath, err)
		}
		if len(all) == 0 {
			m.opts.Metrics.RecordKeyLookup("file_key", "miss")
			return nil, nil
		}
		m.opts.Metrics.RecordKeyLookup("file_key", "denied")
		return nil, fmt.Errorf("%w %s on %s", ErrShareKeyMissing, uid, realPath)
	}
	m.opts.Metrics.RecordKeyLookup("file_key", "hit")

	return m.unwrap(ctx, uid, wrapped)
}

// HasFileKeys reports whether any recipient holds a key for path.
func (m *Manager) HasFileKeys(ctx context.Context, path string) (bool, error) {
	keys, err := m.backend.GetFileKeys(ctx, pathutil.RealPath(path))
	if err != nil {
		return false, fmt.Errorf("failed to load file keys: %w", err)
	}
	return len(keys) > 0, nil
}

func (m *Manager) unwrap(ctx context.Context, uid string, wrapped []byte) ([]byte, error) {
	password, ok := m.creds.Password(uid)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotLoggedIn, uid)
	}

	privateKey, err := m.privateKey(ctx, uid, password)
	if err != nil {
		return nil, err
	}
	defer crypto.Wipe(privateKey)

	fileKey, err := crypto.MultiKeyDecrypt(wrapped, privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap file key for %s: %w", uid, err)
	}
	m.opts.Metrics.RecordWrappedKeys("unwrap", 1)
	return fileKey, nil
}

// privateKey decrypts the stored private key of uid. Callers wipe the result.
func (m *Manager) privateKey(ctx context.Context, uid, password string) ([]byte, error) {
	blob, err := m.backend.GetPrivateKey(ctx, uid)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			m.opts.Metrics.RecordKeyLookup("private_key", "miss")
			return nil, fmt.Errorf("%w: %s", ErrPrivateKeyMissing, uid)
		}
		m.opts.Metrics.RecordKeyLookup("private_key", "error")
		return nil, fmt.Errorf("failed to load private key of %s: %w", uid, err)
	}
	m.opts.Metrics.RecordKeyLookup("private_key", "hit")

	return m.Engine().DecryptPrivateKey(blob, password, uid)
}

// SetAllFileKeys replaces the wrapped keys of path with wrapped.
func (m *Manager) SetAllFileKeys(ctx context.Context, path string, wrapped map[string][]byte) error {
	realPath := pathutil.RealPath(path)
	if len(wrapped) == 0 {
		return fmt.Errorf("refusing to store an empty key set for %s: %w", realPath, crypto.ErrNoRecipients)
	}
	if err := m.backend.SetAllFileKeys(ctx, realPath, wrapped); err != nil {
		return fmt.Errorf("failed to store file keys of %s: %w", realPath, err)
	}
	m.opts.Metrics.RecordWrappedKeys("wrap", len(wrapped))

	m.logger.WithFields(logrus.Fields{
		"path":       realPath,
		"recipients": len(wrapped),
	}).Debug("Stored file keys")
	return nil
}

// DeleteFileKeys drops the keys of path and everything below it.
func (m *Manager) DeleteFileKeys(ctx context.Context, path string) error {
	if err := m.backend.DeleteFileKeys(ctx, path); err != nil {
		return fmt.Errorf("failed to delete file keys of %s: %w", path, err)
	}
	m.logger.WithField("path", path).Debug("Deleted file keys")
	return nil
}

// RenameFileKeys moves the keys of oldPath and everything below it to newPath.
func (m *Manager) RenameFileKeys(ctx context.Context, oldPath, newPath string) error {
	if err := m.backend.RenameFileKeys(ctx, oldPath, newPath); err != nil {
		return fmt.Errorf("failed to move file keys from %s to %s: %w", oldPath, newPath, err)
	}
	m.logger.WithFields(logrus.Fields{
		"from": oldPath,
		"to":   newPath,
	}).Debug("Moved file keys")
	return nil
}

// StoreKeyPair wraps the private key of pair with password and stores both
// halves. The private key goes first so a visible public key always has one.
func (m *Manager) StoreKeyPair(ctx context.Context, uid string, pair crypto.KeyPair, password string) error {
	blob, err := m.Engine().EncryptPrivateKey(pair.PrivateKey, password, uid)
	if err != nil {
		return fmt.Errorf("failed to wrap private key of %s: %w", uid, err)
	}
	if err := m.backend.SetPrivateKey(ctx, uid, blob); err != nil {
		return fmt.Errorf("failed to store private key of %s: %w", uid, err)
	}
	if err := m.backend.SetPublicKey(ctx, uid, pair.PublicKey); err != nil {
		return fmt.Errorf("failed to store public key of %s: %w", uid, err)
	}
	return nil
}

// InitUserKeys creates a key pair for uid unless one exists. It reports
// whether a new pair was created.
func (m *Manager) InitUserKeys(ctx context.Context, uid, password string) (bool, error) {
	return m.initKeyPair(ctx, uid, password, "init")
}

// InitSystemKey creates the key pair of a system recipient such as the
// recovery or public share key.
func (m *Manager) InitSystemKey(ctx context.Context, keyID, password string) (bool, error) {
	return m.initKeyPair(ctx, keyID, password, "init_system")
}

func (m *Manager) initKeyPair(ctx context.Context, uid, password, operation string) (created bool, err error) {
	defer func() { m.auditKeyPair(uid, operation, err) }()

	if _, err := m.backend.GetPublicKey(ctx, uid); err == nil {
		return false, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return false, fmt.Errorf("failed to check key pair of %s: %w", uid, err)
	}

	bits := m.KeyPolicy().KeyPairBits
	pair, err := crypto.GenerateKeyPair(bits)
	if err != nil {
		return false, err
	}
	defer crypto.Wipe(pair.PrivateKey)

	if err := m.StoreKeyPair(ctx, uid, pair, password); err != nil {
		return false, err
	}

	m.logger.WithFields(logrus.Fields{
		"user": uid,
		"bits": bits,
	}).Info("Created key pair")
	return true, nil
}

// CheckPassword reports whether password opens the private key of uid.
// A wrong password is not an error.
func (m *Manager) CheckPassword(ctx context.Context, uid, password string) (bool, error) {
	privateKey, err := m.privateKey(ctx, uid, password)
	m.auditKeyPair(uid, "check_password", err)
	if err != nil {
		if errors.Is(err, crypto.ErrInvalidPrivateKey) {
			return false, nil
		}
		return false, err
	}
	crypto.Wipe(privateKey)
	return true, nil
}

// ChangePassword re-wraps the private key of uid under newPassword. A
// registered login password is updated as well.
func (m *Manager) ChangePassword(ctx context.Context, uid, oldPassword, newPassword string) (err error) {
	defer func() { m.auditKeyPair(uid, "change_password", err) }()

	privateKey, err := m.privateKey(ctx, uid, oldPassword)
	if err != nil {
		return err
	}
	defer crypto.Wipe(privateKey)

	blob, err := m.Engine().EncryptPrivateKey(privateKey, newPassword, uid)
	if err != nil {
		return fmt.Errorf("failed to wrap private key of %s: %w", uid, err)
	}
	if err := m.backend.SetPrivateKey(ctx, uid, blob); err != nil {
		return fmt.Errorf("failed to store private key of %s: %w", uid, err)
	}
	if _, ok := m.creds.Password(uid); ok {
		m.creds.Login(uid, newPassword)
	}
	return nil
}

func (m *Manager) auditKeyPair(uid, operation string, err error) {
	if m.opts.Audit == nil {
		return
	}
	m.opts.Audit.LogKeyPair(uid, operation, err == nil, err)
}
