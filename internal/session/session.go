package session

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kenneth/multikey-encryption/internal/crypto"
	"github.com/kenneth/multikey-encryption/internal/keystore"
)

// Mode is the direction of a session.
type Mode string

const (
	ModeRead  Mode = "read"
	ModeWrite Mode = "write"
)

// Session is the state of one open file handle. Update calls must follow the
// order of the bytes in the stream. A Session is not safe for concurrent use.
type Session struct {
	id       string
	m        *Manager
	path     string
	realPath string
	uid      string
	mode     Mode
	access   keystore.AccessList
	started  time.Time

	// encrypted is false for pass-through sessions.
	encrypted bool
	cipher    string
	header    *crypto.Header
	fileKey   []byte
	// newKey marks a key generated by this session; it is wrapped at End.
	newKey bool

	// cache holds input that does not yet fill a whole block.
	cache  []byte
	bytes  int64
	closed bool
}

// ID returns the unique id of the session.
func (s *Session) ID() string { return s.id }

// Mode returns the direction of the session.
func (s *Session) Mode() Mode { return s.mode }

// Path returns the path the session was opened on.
func (s *Session) Path() string { return s.path }

// Cipher returns the cipher in use, or "" for pass-through sessions.
func (s *Session) Cipher() string { return s.cipher }

// Encrypted reports whether data is transformed. Paths outside the user file
// trees and legacy unencrypted content pass through unchanged.
func (s *Session) Encrypted() bool { return s.encrypted }

// IsWrite reports whether the session writes.
func (s *Session) IsWrite() bool { return s.mode == ModeWrite }

// NewKey reports whether the session generated the file key.
func (s *Session) NewKey() bool { return s.newKey }

// Update transforms the next chunk of the stream. Writes return ciphertext for
// every complete plaintext block, reads return plaintext for every complete
// encrypted block; the remainder is kept until the next call or End.
func (s *Session) Update(buf []byte) ([]byte, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	s.bytes += int64(len(buf))
	if !s.encrypted {
		return buf, nil
	}

	s.buffer(buf)

	blockSize := crypto.PlainBlockSize
	if s.mode == ModeRead {
		blockSize = crypto.EncryptedBlockSize
	}

	var out []byte
	consumed := 0
	for len(s.cache)-consumed >= blockSize {
		processed, err := s.process(s.cache[consumed : consumed+blockSize])
		if err != nil {
			s.fail("update", err)
			return nil, err
		}
		out = append(out, processed...)
		consumed += blockSize
	}

	// processed input is wiped before the remainder moves to a fresh slice
	if consumed > 0 {
		rest := append([]byte(nil), s.cache[consumed:]...)
		crypto.Wipe(s.cache[:cap(s.cache)])
		s.cache = rest
	}
	return out, nil
}

// buffer appends buf to the cache. A cache that has to grow is copied and the
// old array wiped.
func (s *Session) buffer(buf []byte) {
	if len(s.cache)+len(buf) > cap(s.cache) {
		grown := make([]byte, len(s.cache), len(s.cache)+len(buf))
		copy(grown, s.cache)
		crypto.Wipe(s.cache[:cap(s.cache)])
		s.cache = grown
	}
	s.cache = append(s.cache, buf...)
}

func (s *Session) process(block []byte) ([]byte, error) {
	if s.mode == ModeWrite {
		return crypto.SymmetricEncryptFileContent(block, s.fileKey, s.cipher)
	}
	plain, err := crypto.SymmetricDecryptFileContent(block, s.fileKey, s.cipher)
	if err != nil {
		return nil, crypto.NewDecryptionFailedError("the encrypted block is damaged: " + err.Error() + ".")
	}
	return plain, nil
}

// End flushes the cached remainder and closes the session. For writes that
// generated the file key, the key is wrapped for the owner, the acting user,
// every user of the access list and the system keys, and the complete set is
// stored. If any recipient lacks a public key, End fails with a
// *keystore.PublicKeyMissingError and no key is stored for anyone.
//
// End returns the final output bytes and the header to persist.
func (s *Session) End(ctx context.Context) (out []byte, header *crypto.Header, err error) {
	if s.closed {
		return nil, nil, ErrSessionClosed
	}

	m := s.m
	ctx, span := m.tracer.Start(ctx, "session.End", trace.WithAttributes(
		attribute.String("session.id", s.id),
		attribute.String("session.mode", string(s.mode)),
		attribute.Bool("session.encrypted", s.encrypted),
	))
	defer span.End()

	var recipients []string
	defer func() {
		s.close()
		duration := time.Since(s.started)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			m.metrics.RecordSessionError("end", errorType(err))
		} else {
			span.SetStatus(codes.Ok, "")
			m.metrics.RecordSessionOperation("end", string(s.mode))
			m.metrics.RecordSession(string(s.mode), duration, s.bytes)
		}
		s.auditEnd(recipients, err, duration)
	}()

	if !s.encrypted {
		return nil, nil, nil
	}

	if len(s.cache) > 0 {
		out, err = s.process(s.cache)
		if err != nil {
			return nil, nil, err
		}
	}

	if s.mode == ModeWrite && s.newKey {
		recipients, err = m.wrapAndStore(ctx, s.realPath, s.uid, s.fileKey, s.access)
		if err != nil {
			if uid, ok := keystore.IsPublicKeyMissing(err); ok {
				m.logger.WithFields(logrus.Fields{
					"session": s.id,
					"path":    s.path,
					"missing": uid,
				}).Warn("Write aborted: recipient has no public key")
			}
			return nil, nil, err
		}
		span.SetAttributes(attribute.Int("session.recipients", len(recipients)))
	}

	m.logger.WithFields(logrus.Fields{
		"session":    s.id,
		"path":       s.path,
		"mode":       s.mode,
		"bytes":      s.bytes,
		"recipients": recipients,
	}).Debug("Session closed")

	return out, s.header.Clone(), nil
}

// Abort closes the session without flushing or storing keys.
func (s *Session) Abort() {
	if s.closed {
		return
	}
	s.close()
	s.m.metrics.RecordSessionOperation("abort", string(s.mode))
	s.m.logger.WithFields(logrus.Fields{
		"session": s.id,
		"path":    s.path,
	}).Debug("Session aborted")
}

// close wipes the key and cached data. The session cannot be reused.
func (s *Session) close() {
	crypto.Wipe(s.fileKey)
	crypto.Wipe(s.cache[:cap(s.cache)])
	s.fileKey = nil
	s.cache = nil
	s.closed = true
}

// fail closes the session after an unrecoverable stream error.
func (s *Session) fail(operation string, err error) {
	s.close()
	s.m.metrics.RecordSessionError(operation, errorType(err))
	s.auditEnd(nil, err, time.Since(s.started))
}

func (s *Session) auditEnd(recipients []string, err error, duration time.Duration) {
	if s.m.audit == nil || !s.encrypted {
		return
	}
	if s.mode == ModeWrite {
		s.m.audit.LogWrite(s.realPath, s.uid, s.cipher, recipients, err == nil, err, duration)
		return
	}
	s.m.audit.LogRead(s.realPath, s.uid, s.cipher, err == nil, err, duration)
}

// errorType maps err to a metrics label.
func errorType(err error) string {
	var missing *keystore.PublicKeyMissingError
	switch {
	case errors.As(err, &missing):
		return "public_key_missing"
	case errors.Is(err, crypto.ErrDecryptionFailed):
		return "decryption_failed"
	case errors.Is(err, crypto.ErrInvalidPrivateKey):
		return "invalid_private_key"
	case errors.Is(err, keystore.ErrShareKeyMissing):
		return "share_key_missing"
	case errors.Is(err, keystore.ErrNotLoggedIn):
		return "not_logged_in"
	case errors.Is(err, ErrSessionClosed):
		return "session_closed"
	default:
		var unsupported *crypto.UnsupportedCipherError
		if errors.As(err, &unsupported) {
			return "unsupported_cipher"
		}
		return "internal"
	}
}
