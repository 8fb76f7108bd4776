package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/multikey-encryption/internal/audit"
	"github.com/kenneth/multikey-encryption/internal/config"
	"github.com/kenneth/multikey-encryption/internal/crypto"
	"github.com/kenneth/multikey-encryption/internal/keystore"
	"github.com/kenneth/multikey-encryption/internal/metrics"
	"github.com/kenneth/multikey-encryption/internal/session"
	"github.com/kenneth/multikey-encryption/internal/storage"
	"github.com/kenneth/multikey-encryption/internal/tracing"
)

// app wires the configured components together.
type app struct {
	cfg      *config.Config
	logger   *logrus.Logger
	backend  storage.Backend
	keys     *keystore.Manager
	sessions *session.Manager
	metrics  *metrics.Metrics
	audit    audit.Logger
	shutdown tracing.ShutdownFunc
}

func newEngine(cfg *config.EncryptionConfig) *crypto.Engine {
	return crypto.NewEngine(crypto.Config{
		Cipher:       cfg.Cipher,
		LegacyCipher: cfg.LegacyCipher,
		InstanceID:   cfg.InstanceID,
		Secret:       cfg.Secret,
	})
}

func keyPolicy(cfg *config.EncryptionConfig) keystore.KeyPolicy {
	return keystore.KeyPolicy{
		KeyPairBits:      cfg.KeyPairBits,
		RecoveryEnabled:  cfg.RecoveryEnabled,
		RecoveryKeyID:    cfg.RecoveryKeyID,
		PublicShareKeyID: cfg.PublicShareKeyID,
	}
}

func newApp(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*app, error) {
	if cfg.Encryption.Cipher != "" && !crypto.IsSupportedCipher(cfg.Encryption.Cipher) {
		logger.WithFields(logrus.Fields{
			"configured": cfg.Encryption.Cipher,
			"fallback":   crypto.DefaultCipher,
		}).Warn("Unsupported cipher configured, using default")
	}

	backend, err := storage.New(ctx, &cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to open key storage: %w", err)
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	}

	var auditLogger audit.Logger
	if cfg.Audit.Enabled {
		auditLogger = audit.NewLogger(cfg.Audit.MaxEvents, audit.NewLogrusWriter(logger))
	}

	// span output must not mix with decrypted data on stdout
	tp, shutdown, err := tracing.Setup(ctx, cfg.Tracing, os.Stderr)
	if err != nil {
		backend.Close()
		return nil, err
	}

	engine := newEngine(&cfg.Encryption)
	policy := keyPolicy(&cfg.Encryption)
	keys := keystore.NewManager(backend, engine, keystore.NewCredentials(), keystore.Options{
		KeyPairBits:      policy.KeyPairBits,
		RecoveryEnabled:  policy.RecoveryEnabled,
		RecoveryKeyID:    policy.RecoveryKeyID,
		PublicShareKeyID: policy.PublicShareKeyID,
		Logger:           logger,
		Metrics:          m,
		Audit:            auditLogger,
	})
	sessions := session.NewManager(keys, engine, session.Options{
		Logger:         logger,
		Metrics:        m,
		Audit:          auditLogger,
		TracerProvider: tp,
		RedactPaths:    cfg.Tracing.RedactSensitive,
	})

	return &app{
		cfg:      cfg,
		logger:   logger,
		backend:  backend,
		keys:     keys,
		sessions: sessions,
		metrics:  m,
		audit:    auditLogger,
		shutdown: shutdown,
	}, nil
}

func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.shutdown != nil {
		errs = append(errs, a.shutdown(ctx))
	}
	errs = append(errs, a.backend.Close())
	return errors.Join(errs...)
}

// login checks password against the stored private key and registers it.
func (a *app) login(ctx context.Context, uid, password string) error {
	ok, err := a.keys.CheckPassword(ctx, uid, password)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("wrong password for %s", uid)
	}
	a.keys.Credentials().Login(uid, password)
	return nil
}

// encrypt writes the header block followed by the ciphertext of in to out.
// existing is the header of the object being replaced, nil for a new file;
// it keeps the cipher of the stored file key. Paths that are not encrypted
// are copied unchanged.
func (a *app) encrypt(ctx context.Context, uid, path string, existing *crypto.Header, access keystore.AccessList, in io.Reader, out io.Writer) error {
	s, header, err := a.sessions.Begin(ctx, path, uid, session.ModeWrite, existing, access)
	if err != nil {
		return err
	}
	if header != nil {
		if _, err := out.Write(header.Block()); err != nil {
			s.Abort()
			return fmt.Errorf("failed to write header: %w", err)
		}
	}
	return stream(ctx, s, in, out)
}

// readHeader returns the header at the start of in. Content without a header
// yields an empty one.
func readHeader(in io.Reader) (*crypto.Header, error) {
	block := make([]byte, crypto.HeaderBlockSize)
	n, err := io.ReadFull(in, block)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	header, _ := crypto.SplitHeaderBlock(block[:n])
	return header, nil
}

// decrypt reads an object produced by encrypt, or legacy content without a
// header, and writes the plaintext to out.
func (a *app) decrypt(ctx context.Context, uid, path string, in io.Reader, out io.Writer) error {
	br := bufio.NewReaderSize(in, crypto.HeaderBlockSize)
	// a short file yields a short peek and io.EOF
	peek, err := br.Peek(crypto.HeaderBlockSize)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to read header: %w", err)
	}
	header, _ := crypto.SplitHeaderBlock(peek)
	if n := crypto.HeaderBlockLength(peek); n > 0 {
		if _, err := br.Discard(n); err != nil {
			return fmt.Errorf("failed to skip header: %w", err)
		}
	}

	s, _, err := a.sessions.Begin(ctx, path, uid, session.ModeRead, header, keystore.AccessList{})
	if err != nil {
		return err
	}
	return stream(ctx, s, br, out)
}

func stream(ctx context.Context, s *session.Session, in io.Reader, out io.Writer) error {
	r := session.NewReader(ctx, s, in)
	defer r.Close()
	if _, err := io.Copy(out, r); err != nil {
		return err
	}
	return nil
}

// printHeader writes the header of an encrypted object as sorted key: value lines.
func printHeader(in io.Reader, out io.Writer) error {
	header, err := readHeader(in)
	if err != nil {
		return err
	}
	if header.Len() == 0 {
		_, err := fmt.Fprintln(out, "no header (legacy or unencrypted content)")
		return err
	}

	values := header.Map()
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, err := fmt.Fprintf(out, "%s: %s\n", k, values[k]); err != nil {
			return err
		}
	}
	return nil
}
