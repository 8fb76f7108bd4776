package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"sort"
)

const (
	// DefaultKeyPairBits is the RSA modulus size for user and system key pairs.
	DefaultKeyPairBits = 2048

	pemPrivateKey    = "PRIVATE KEY"
	pemRSAPrivateKey = "RSA PRIVATE KEY"
	pemPublicKey     = "PUBLIC KEY"
)

// KeyPair holds PEM-encoded key material. PrivateKey is plaintext and must be
// wrapped with EncryptPrivateKey before it is stored.
type KeyPair struct {
	PublicKey  []byte
	PrivateKey []byte
}

// GenerateKeyPair creates an RSA key pair encoded as PKIX / PKCS#8 PEM.
func GenerateKeyPair(bits int) (KeyPair, error) {
	if bits == 0 {
		bits = DefaultKeyPairBits
	}
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return KeyPair{}, fmt.Errorf("failed to generate key pair: %w", err)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return KeyPair{}, fmt.Errorf("failed to marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return KeyPair{}, fmt.Errorf("failed to marshal public key: %w", err)
	}

	return KeyPair{
		PublicKey:  pem.EncodeToMemory(&pem.Block{Type: pemPublicKey, Bytes: pubDER}),
		PrivateKey: pem.EncodeToMemory(&pem.Block{Type: pemPrivateKey, Bytes: privDER}),
	}, nil
}

// IsValidPrivateKey checks structure only: candidate must parse as an RSA private key.
func IsValidPrivateKey(candidate []byte) bool {
	_, err := parsePrivateKey(candidate)
	return err == nil
}

func parsePrivateKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, ErrInvalidPrivateKey
	}
	switch block.Type {
	case pemPrivateKey:
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: not an RSA key", ErrInvalidPrivateKey)
		}
		return rsaKey, nil
	case pemRSAPrivateKey:
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("%w: unexpected PEM block %q", ErrInvalidPrivateKey, block.Type)
	}
}

// ParsePublicKey decodes a PEM public key (PKIX or PKCS#1).
func ParsePublicKey(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("public key is not PEM encoded")
	}
	if block.Type == "RSA PUBLIC KEY" {
		return x509.ParsePKCS1PublicKey(block.Bytes)
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not an RSA key")
	}
	return rsaKey, nil
}

// EncryptPrivateKey wraps a PEM private key as header || framed block, with the
// secret derived from password via GeneratePasswordHash.
func (e *Engine) EncryptPrivateKey(privateKey []byte, password, uid string) ([]byte, error) {
	cipherName := e.Cipher().Name
	header, err := GenerateHeader(cipherName, KeyFormatHash)
	if err != nil {
		return nil, err
	}

	secret, err := e.GeneratePasswordHash(password, uid, cipherName)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(secret)

	body, err := SymmetricEncryptFileContent(privateKey, secret, cipherName)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt private key: %w", err)
	}
	return append(header.Bytes(), body...), nil
}

// DecryptPrivateKey recovers a PEM private key from a blob produced by
// EncryptPrivateKey. The result is returned only if it validates as a private
// key; a wrong password yields a *PrivateKeyError wrapping ErrInvalidPrivateKey.
// Blobs without a header are treated as legacy AES-128-CFB with the raw password.
func (e *Engine) DecryptPrivateKey(blob []byte, password, uid string) ([]byte, error) {
	cipherName := e.LegacyCipher().Name
	keyFormat := KeyFormatPassword
	body := blob

	header := ParseHeader(blob)
	if header.Len() > 0 {
		if c := header.Cipher(); c != "" {
			cipherName = c
		}
		if f := header.KeyFormat(); f != "" {
			keyFormat = f
		}
		body = blob[HeaderLength(blob):]
	}

	var secret []byte
	var err error
	switch keyFormat {
	case KeyFormatHash:
		secret, err = e.GeneratePasswordHash(password, uid, cipherName)
	case KeyFormatPassword:
		secret, err = legacyPasswordKey(password, cipherName)
	default:
		err = &InvalidKeyFormatError{Format: keyFormat}
	}
	if err != nil {
		return nil, &PrivateKeyError{UserID: uid, Err: err}
	}
	defer zeroBytes(secret)

	plain, err := SymmetricDecryptFileContent(body, secret, cipherName)
	if err != nil {
		return nil, &PrivateKeyError{UserID: uid, Err: err}
	}
	if !IsValidPrivateKey(plain) {
		zeroBytes(plain)
		return nil, &PrivateKeyError{UserID: uid, Err: ErrInvalidPrivateKey}
	}
	return plain, nil
}

// MultiKeyEncrypt wraps fileKey once per recipient with RSA-OAEP (SHA-256).
// Either every recipient gets a wrapped key or an error is returned.
func MultiKeyEncrypt(fileKey []byte, publicKeys map[string]*rsa.PublicKey) (map[string][]byte, error) {
	if len(publicKeys) == 0 {
		return nil, ErrNoRecipients
	}

	// deterministic order keeps error reporting stable
	recipients := make([]string, 0, len(publicKeys))
	for id := range publicKeys {
		recipients = append(recipients, id)
	}
	sort.Strings(recipients)

	wrapped := make(map[string][]byte, len(recipients))
	for _, id := range recipients {
		pub := publicKeys[id]
		if pub == nil {
			return nil, fmt.Errorf("no public key for recipient %s", id)
		}
		out, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, fileKey, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to wrap file key for %s: %w", id, err)
		}
		wrapped[id] = out
	}
	return wrapped, nil
}

// MultiKeyDecrypt unwraps a file key with a PEM private key.
func MultiKeyDecrypt(wrapped, privateKey []byte) ([]byte, error) {
	key, err := parsePrivateKey(privateKey)
	if err != nil {
		return nil, err
	}
	plain, err := rsa.DecryptOAEP(sha256.New(), nil, key, wrapped, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMultiKeyDecrypt, err)
	}
	return plain, nil
}
