// Package session drives per-file encryption: a Session encrypts or decrypts
// one stream in fixed-size blocks and, at the end of a write, wraps the file
// key for every recipient.
package session

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kenneth/multikey-encryption/internal/audit"
	"github.com/kenneth/multikey-encryption/internal/crypto"
	"github.com/kenneth/multikey-encryption/internal/keystore"
	"github.com/kenneth/multikey-encryption/internal/metrics"
	"github.com/kenneth/multikey-encryption/internal/pathutil"
)

const tracerName = "github.com/kenneth/multikey-encryption/internal/session"

// Options configures a Manager. Every field is optional.
type Options struct {
	Logger         *logrus.Logger
	Metrics        *metrics.Metrics
	Audit          audit.Logger
	TracerProvider trace.TracerProvider
	// RedactPaths keeps file paths out of span attributes.
	RedactPaths bool
}

// Manager opens sessions. It is safe for concurrent use; the sessions it
// returns are not.
type Manager struct {
	keys    *keystore.Manager
	engine  atomic.Pointer[crypto.Engine]
	logger  *logrus.Logger
	metrics *metrics.Metrics
	audit   audit.Logger
	tracer  trace.Tracer
	redact  bool
}

// NewManager creates a session manager resolving keys through keys.
func NewManager(keys *keystore.Manager, engine *crypto.Engine, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	m := &Manager{
		keys:    keys,
		logger:  logger,
		metrics: opts.Metrics,
		audit:   opts.Audit,
		tracer:  tp.Tracer(tracerName),
		redact:  opts.RedactPaths,
	}
	m.engine.Store(engine)
	return m
}

// SetEngine swaps the engine for sessions opened afterwards. Open sessions
// keep the cipher they started with.
func (m *Manager) SetEngine(engine *crypto.Engine) {
	m.engine.Store(engine)
	m.keys.SetEngine(engine)
}

// Engine returns the engine new sessions use.
func (m *Manager) Engine() *crypto.Engine {
	return m.engine.Load()
}

// ShouldEncrypt reports whether content at path is encrypted.
func (m *Manager) ShouldEncrypt(path string) bool {
	return pathutil.ShouldEncrypt(path)
}

// RealPath returns the path whose file key protects path.
func (m *Manager) RealPath(path string) string {
	return pathutil.RealPath(pathutil.StripPartialFileExtension(path))
}

// Begin opens a session on path for uid. header is the header stored with the
// existing content, if any. The returned header is the one to persist in
// front of the ciphertext; it is nil for sessions that pass data through
// unchanged.
//
// The cipher is chosen in this order: the cipher of header, the legacy cipher
// when the file already has keys but no header, the configured default.
func (m *Manager) Begin(ctx context.Context, path, uid string, mode Mode, header *crypto.Header, access keystore.AccessList) (*Session, *crypto.Header, error) {
	ctx, span := m.tracer.Start(ctx, "session.Begin", trace.WithAttributes(
		attribute.String("session.mode", string(mode)),
	))
	defer span.End()
	m.setPathAttribute(span, path)

	s, err := m.begin(ctx, path, uid, mode, header, access)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.metrics.RecordSessionError("begin", errorType(err))
		return nil, nil, err
	}

	span.SetAttributes(
		attribute.String("session.id", s.id),
		attribute.Bool("session.encrypted", s.encrypted),
		attribute.String("session.cipher", s.cipher),
	)
	span.SetStatus(codes.Ok, "")
	m.metrics.RecordSessionOperation("begin", string(mode))

	m.logger.WithFields(logrus.Fields{
		"session":   s.id,
		"path":      path,
		"user":      uid,
		"mode":      mode,
		"cipher":    s.cipher,
		"encrypted": s.encrypted,
		"new_key":   s.newKey,
	}).Debug("Session opened")

	if !s.encrypted {
		return s, nil, nil
	}
	return s, s.header.Clone(), nil
}

func (m *Manager) begin(ctx context.Context, path, uid string, mode Mode, header *crypto.Header, access keystore.AccessList) (*Session, error) {
	if mode != ModeRead && mode != ModeWrite {
		return nil, fmt.Errorf("%w: %q", ErrWrongMode, mode)
	}

	engine := m.Engine()
	s := &Session{
		id:       uuid.NewString(),
		m:        m,
		path:     path,
		realPath: m.RealPath(path),
		uid:      uid,
		mode:     mode,
		access:   access,
		started:  time.Now(),
	}

	if !m.ShouldEncrypt(path) {
		return s, nil
	}

	fileKey, err := m.keys.GetFileKey(ctx, s.realPath, uid)
	if err != nil {
		if mode == ModeRead && keyUnreadable(err) {
			return nil, &crypto.DecryptionFailedError{
				Message: fmt.Sprintf("cannot open the file key of %s.", s.realPath),
				Hint:    crypto.ReshareHint,
				Err:     err,
			}
		}
		return nil, err
	}

	headerCipher := header.Cipher()
	switch {
	case headerCipher != "":
		s.cipher = headerCipher
	case fileKey != nil:
		s.cipher = engine.LegacyCipher().Name
	case mode == ModeRead:
		// no header and no keys: content predates encryption
		return s, nil
	default:
		s.cipher = engine.Cipher().Name
	}

	keySize, err := crypto.KeySize(s.cipher)
	if err != nil {
		crypto.Wipe(fileKey)
		return nil, err
	}

	if fileKey == nil {
		if mode == ModeRead {
			return nil, crypto.NewDecryptionFailedError(fmt.Sprintf("no file key exists for %s.", s.realPath))
		}
		fileKey, err = crypto.GenerateFileKey(s.cipher)
		if err != nil {
			return nil, err
		}
		s.newKey = true
	} else if len(fileKey) != keySize {
		crypto.Wipe(fileKey)
		return nil, fmt.Errorf("file key of %s has %d bytes, %s needs %d", s.realPath, len(fileKey), s.cipher, keySize)
	}

	s.fileKey = fileKey
	s.encrypted = true
	s.header = header.Clone()
	if s.header.KeyFormat() == "" {
		s.header.Set(crypto.HeaderKeyFormat, crypto.KeyFormatHash)
	}
	s.header.Set(crypto.HeaderCipher, s.cipher)
	return s, nil
}

// keyUnreadable reports whether err means uid holds no usable wrapped key, as
// opposed to a storage failure or a missing login.
func keyUnreadable(err error) bool {
	return errors.Is(err, keystore.ErrShareKeyMissing) ||
		errors.Is(err, crypto.ErrInvalidPrivateKey) ||
		errors.Is(err, crypto.ErrMultiKeyDecrypt)
}

// UpdateAccess re-wraps the existing key of path for access without touching
// the ciphertext. It reports false when the file has no key yet. Like the end
// of a write, either every recipient gets a key or nothing is stored.
func (m *Manager) UpdateAccess(ctx context.Context, path, uid string, access keystore.AccessList) (changed bool, err error) {
	ctx, span := m.tracer.Start(ctx, "session.UpdateAccess")
	defer span.End()
	m.setPathAttribute(span, path)

	var recipients []string
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			m.metrics.RecordSessionError("update_access", errorType(err))
		} else {
			span.SetStatus(codes.Ok, "")
		}
		if changed || err != nil {
			m.metrics.RecordSessionOperation("update_access", string(ModeWrite))
			if m.audit != nil {
				m.audit.LogAccessUpdate(path, uid, recipients, err == nil, err)
			}
		}
	}()

	if !m.ShouldEncrypt(path) {
		return false, nil
	}

	realPath := m.RealPath(path)
	fileKey, err := m.keys.GetFileKey(ctx, realPath, uid)
	if err != nil {
		return false, err
	}
	if fileKey == nil {
		return false, nil
	}
	defer crypto.Wipe(fileKey)

	recipients, err = m.wrapAndStore(ctx, realPath, uid, fileKey, access)
	if err != nil {
		return false, err
	}
	span.SetAttributes(attribute.Int("session.recipients", len(recipients)))

	m.logger.WithFields(logrus.Fields{
		"path":       realPath,
		"user":       uid,
		"recipients": recipients,
	}).Info("File key re-wrapped")
	return true, nil
}

// wrapAndStore wraps fileKey for the owner of realPath, the acting user, every
// user in access and the system keys, then replaces the stored key set. A
// single missing public key aborts before anything is stored.
func (m *Manager) wrapAndStore(ctx context.Context, realPath, uid string, fileKey []byte, access keystore.AccessList) ([]string, error) {
	owner := pathutil.Owner(realPath)
	if owner == "" {
		owner = uid
	}
	users := keystore.AccessList{Users: append([]string{uid}, access.Users...)}.Recipients(owner)

	publicKeys, err := m.keys.GetPublicKeys(ctx, users)
	if err != nil {
		return nil, err
	}
	publicKeys, err = m.keys.AddSystemKeys(ctx, access, publicKeys)
	if err != nil {
		return nil, err
	}

	wrapped, err := crypto.MultiKeyEncrypt(fileKey, publicKeys)
	if err != nil {
		return nil, err
	}
	if err := m.keys.SetAllFileKeys(ctx, realPath, wrapped); err != nil {
		return nil, err
	}
	return recipientIDs(publicKeys), nil
}

// Decrypt is the entry point for blobs without path and recipient context.
// Keys are wrapped per recipient, so such a blob can never be opened; the
// call always fails with a *crypto.DecryptionFailedError.
func (m *Manager) Decrypt(raw []byte) ([]byte, error) {
	m.metrics.RecordSessionError("decrypt", "decryption_failed")
	return nil, crypto.NewDecryptionFailedError("Cannot decrypt this file, probably this is a shared file.")
}

func (m *Manager) setPathAttribute(span trace.Span, path string) {
	if m.redact {
		span.SetAttributes(attribute.String("file.path", "[REDACTED]"))
		return
	}
	span.SetAttributes(attribute.String("file.path", path))
}

func recipientIDs(keys map[string]*rsa.PublicKey) []string {
	ids := make([]string, 0, len(keys))
	for id := range keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
