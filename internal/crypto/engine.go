package crypto

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// Key derivation parameters
	pbkdf2Iterations = 100000

	// ivMarker separates ciphertext from its trailing IV inside one block.
	ivMarker = "00iv00"
	// paddingMarker is appended to every encrypted block.
	paddingMarker = "xx"

	// EncryptedBlockSize is the on-disk size of every full encrypted block.
	EncryptedBlockSize = 8192
	// PlainBlockSize is the plaintext carried by a full block: the framing
	// (marker, IV, padding) takes the remaining bytes. CFB adds no expansion.
	PlainBlockSize = EncryptedBlockSize - len(ivMarker) - IVSize - len(paddingMarker)

	blockOverhead = len(ivMarker) + IVSize + len(paddingMarker)
)

// GenerateIV returns IVSize cryptographically random bytes.
func GenerateIV() ([]byte, error) {
	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}
	return iv, nil
}

// GenerateFileKey returns a random key sized for cipherName.
func GenerateFileKey(cipherName string) ([]byte, error) {
	size, err := KeySize(cipherName)
	if err != nil {
		return nil, err
	}
	key := make([]byte, size)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate file key: %w", err)
	}
	return key, nil
}

// Encrypt runs the CFB stream over plaintext. The output has the same length
// as the input; no padding is added here.
func Encrypt(plaintext, iv, secret []byte, cipherName string) ([]byte, error) {
	block, err := newBlockCipher(cipherName, secret, iv)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(plaintext))
	//nolint:staticcheck // AES-CFB is the on-disk format of existing files.
	cipher.NewCFBEncrypter(block, iv).XORKeyStream(out, plaintext)
	return out, nil
}

// Decrypt is the inverse of Encrypt for the same iv, secret and cipher.
func Decrypt(ciphertext, iv, secret []byte, cipherName string) ([]byte, error) {
	block, err := newBlockCipher(cipherName, secret, iv)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(ciphertext))
	//nolint:staticcheck // AES-CFB is the on-disk format of existing files.
	cipher.NewCFBDecrypter(block, iv).XORKeyStream(out, ciphertext)
	return out, nil
}

// ConcatIV returns content || "00iv00" || iv.
func ConcatIV(content, iv []byte) []byte {
	out := make([]byte, 0, len(content)+len(ivMarker)+len(iv))
	out = append(out, content...)
	out = append(out, ivMarker...)
	return append(out, iv...)
}

// SplitIV is the inverse of ConcatIV. The IV is taken from the fixed position
// at the end of data, so ciphertext containing the marker is split correctly.
func SplitIV(data []byte) (encrypted, iv []byte, err error) {
	framing := len(ivMarker) + IVSize
	if len(data) < framing {
		return nil, nil, fmt.Errorf("%w: %d bytes is shorter than the IV framing", ErrMalformedBlock, len(data))
	}
	markerAt := len(data) - framing
	if !bytes.Equal(data[markerAt:markerAt+len(ivMarker)], []byte(ivMarker)) {
		return nil, nil, fmt.Errorf("%w: IV marker not found", ErrMalformedBlock)
	}
	return data[:markerAt], data[len(data)-IVSize:], nil
}

// AddPadding returns data || "xx".
func AddPadding(data []byte) []byte {
	out := make([]byte, 0, len(data)+len(paddingMarker))
	out = append(out, data...)
	return append(out, paddingMarker...)
}

// RemovePadding strips the padding marker. ok is false when data is not padded,
// which is a valid state for blocks written by older versions.
func RemovePadding(data []byte) (unpadded []byte, ok bool) {
	if !bytes.HasSuffix(data, []byte(paddingMarker)) {
		return nil, false
	}
	return data[:len(data)-len(paddingMarker)], true
}

// SymmetricEncryptFileContent encrypts one block under a fresh IV and frames it
// as ciphertext || "00iv00" || iv || "xx".
func SymmetricEncryptFileContent(plaintext, secret []byte, cipherName string) ([]byte, error) {
	iv, err := GenerateIV()
	if err != nil {
		return nil, err
	}
	encrypted, err := Encrypt(plaintext, iv, secret, cipherName)
	if err != nil {
		return nil, err
	}
	return AddPadding(ConcatIV(encrypted, iv)), nil
}

// SymmetricDecryptFileContent reverses SymmetricEncryptFileContent. Unpadded
// blocks are accepted as-is.
func SymmetricDecryptFileContent(block, secret []byte, cipherName string) ([]byte, error) {
	catfile, ok := RemovePadding(block)
	if !ok {
		catfile = block
	}
	encrypted, iv, err := SplitIV(catfile)
	if err != nil {
		return nil, err
	}
	return Decrypt(encrypted, iv, secret, cipherName)
}

// PasswordSalt binds password hashes to a user and to this installation.
func PasswordSalt(uid, instanceID, secret string) []byte {
	sum := sha256.Sum256([]byte(uid + instanceID + secret))
	return sum[:]
}

// GeneratePasswordHash derives a secret sized for cipherName from password
// using PBKDF2-SHA256. The same inputs always produce the same secret.
func GeneratePasswordHash(password string, cipherName string, salt []byte) ([]byte, error) {
	size, err := KeySize(cipherName)
	if err != nil {
		return nil, err
	}
	return pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, size, sha256.New), nil
}

// legacyPasswordKey uses the password itself as the secret, zero-padded or
// truncated to the cipher's key size.
func legacyPasswordKey(password string, cipherName string) ([]byte, error) {
	size, err := KeySize(cipherName)
	if err != nil {
		return nil, err
	}
	key := make([]byte, size)
	copy(key, password)
	return key, nil
}

// zeroBytes overwrites sensitive data in place.
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Wipe overwrites key material held by callers outside this package.
func Wipe(b []byte) {
	zeroBytes(b)
}

// Config carries the installation-wide settings the engine needs. It is passed
// explicitly instead of being read from global state.
type Config struct {
	// Cipher is the configured default; unknown values fall back to DefaultCipher.
	Cipher string
	// LegacyCipher is assumed for encrypted content without a header.
	LegacyCipher string
	// InstanceID and Secret salt password hashes.
	InstanceID string
	Secret     string
}

// Engine binds the pure functions of this package to a Config. It holds no
// mutable state and is safe for concurrent use.
type Engine struct {
	cfg Config
}

// NewEngine creates an engine for cfg.
func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Config returns the configuration the engine was built with.
func (e *Engine) Config() Config {
	return e.cfg
}

// Cipher returns the default cipher for new files.
func (e *Engine) Cipher() CipherSpec {
	return CipherName(e.cfg.Cipher)
}

// LegacyCipher returns the cipher assumed for headerless encrypted content.
func (e *Engine) LegacyCipher() CipherSpec {
	if spec, ok := supportedCiphers[e.cfg.LegacyCipher]; ok {
		return spec
	}
	return supportedCiphers[LegacyCipher]
}

// GenerateHeader builds a header for the default cipher.
func (e *Engine) GenerateHeader(keyFormat string) (*Header, error) {
	return GenerateHeader(e.Cipher().Name, keyFormat)
}

// GenerateFileKey returns a random key sized for the default cipher.
func (e *Engine) GenerateFileKey() ([]byte, error) {
	return GenerateFileKey(e.Cipher().Name)
}

// GeneratePasswordHash derives the secret protecting uid's private key.
func (e *Engine) GeneratePasswordHash(password, uid, cipherName string) ([]byte, error) {
	return GeneratePasswordHash(password, cipherName, PasswordSalt(uid, e.cfg.InstanceID, e.cfg.Secret))
}
