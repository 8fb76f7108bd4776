package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

const (
	// CipherAES256CFB is the default cipher for newly written files.
	CipherAES256CFB = "AES-256-CFB"
	// CipherAES128CFB is the cipher assumed for content written before headers existed.
	CipherAES128CFB = "AES-128-CFB"

	// DefaultCipher is used whenever the configured cipher is not recognized.
	DefaultCipher = CipherAES256CFB
	// LegacyCipher is used for encrypted content that carries no header.
	LegacyCipher = CipherAES128CFB

	// IVSize is fixed for every supported cipher.
	IVSize = 16

	aes256KeySize = 32
	aes128KeySize = 16
)

// CipherSpec identifies a supported algorithm and the sizes it implies.
type CipherSpec struct {
	Name    string
	KeySize int
	IVSize  int
}

var supportedCiphers = map[string]CipherSpec{
	CipherAES256CFB: {Name: CipherAES256CFB, KeySize: aes256KeySize, IVSize: IVSize},
	CipherAES128CFB: {Name: CipherAES128CFB, KeySize: aes128KeySize, IVSize: IVSize},
}

// LookupCipher returns the CipherSpec for name or an *UnsupportedCipherError.
func LookupCipher(name string) (CipherSpec, error) {
	spec, ok := supportedCiphers[name]
	if !ok {
		return CipherSpec{}, &UnsupportedCipherError{Cipher: name}
	}
	return spec, nil
}

// IsSupportedCipher reports whether name is one of the AES-CFB variants.
func IsSupportedCipher(name string) bool {
	_, ok := supportedCiphers[name]
	return ok
}

// CipherName resolves the configured default cipher. Unknown values fall back
// to DefaultCipher instead of failing.
func CipherName(configured string) CipherSpec {
	if spec, ok := supportedCiphers[configured]; ok {
		return spec
	}
	return supportedCiphers[DefaultCipher]
}

// KeySize returns the key size in bytes for the named cipher.
func KeySize(name string) (int, error) {
	spec, err := LookupCipher(name)
	if err != nil {
		return 0, err
	}
	return spec.KeySize, nil
}

// newBlockCipher validates key and IV sizes for the cipher and creates the AES block.
func newBlockCipher(name string, key, iv []byte) (cipher.Block, error) {
	spec, err := LookupCipher(name)
	if err != nil {
		return nil, err
	}
	if len(key) != spec.KeySize {
		return nil, fmt.Errorf("invalid key size for %s: expected %d bytes, got %d", name, spec.KeySize, len(key))
	}
	if len(iv) != spec.IVSize {
		return nil, fmt.Errorf("invalid IV size for %s: expected %d bytes, got %d", name, spec.IVSize, len(iv))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	return block, nil
}
