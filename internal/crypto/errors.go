package crypto

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidPrivateKey is returned when decrypted key material does not parse as a private key.
	ErrInvalidPrivateKey = errors.New("invalid private key")

	// ErrDecryptionFailed is matched by every *DecryptionFailedError.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrMalformedBlock is returned when an encrypted block lacks the IV framing.
	ErrMalformedBlock = errors.New("malformed encrypted block")

	// ErrMultiKeyDecrypt is returned when a wrapped file key cannot be unwrapped.
	ErrMultiKeyDecrypt = errors.New("multi-key decryption failed")

	// ErrNoRecipients is returned when a file key would be wrapped for nobody.
	ErrNoRecipients = errors.New("no recipients to wrap the file key for")
)

// UnsupportedCipherError is returned for cipher names other than the AES-CFB variants.
type UnsupportedCipherError struct {
	Cipher string
}

func (e *UnsupportedCipherError) Error() string {
	return fmt.Sprintf("unsupported cipher: %q (supported: %s, %s)", e.Cipher, CipherAES256CFB, CipherAES128CFB)
}

// InvalidKeyFormatError is returned when a header key format is neither "password" nor "hash".
type InvalidKeyFormatError struct {
	Format string
}

func (e *InvalidKeyFormatError) Error() string {
	return fmt.Sprintf("invalid key format: %q (must be %s or %s)", e.Format, KeyFormatPassword, KeyFormatHash)
}

// PrivateKeyError reports a private key that could not be recovered for a user.
type PrivateKeyError struct {
	UserID string
	Err    error
}

func (e *PrivateKeyError) Error() string {
	if e.UserID != "" {
		return fmt.Sprintf("private key for user %s could not be recovered: %v", e.UserID, e.Err)
	}
	return fmt.Sprintf("private key could not be recovered: %v", e.Err)
}

func (e *PrivateKeyError) Unwrap() error {
	return e.Err
}

// DecryptionFailedError is terminal: retrying the same request cannot succeed.
// Hint carries the message meant for the end user. Err is the cause, if any.
type DecryptionFailedError struct {
	Message string
	Hint    string
	Err     error
}

func (e *DecryptionFailedError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("decryption failed: %s %s", e.Message, e.Hint)
	}
	return fmt.Sprintf("decryption failed: %s", e.Message)
}

func (e *DecryptionFailedError) Is(target error) bool {
	return target == ErrDecryptionFailed
}

func (e *DecryptionFailedError) Unwrap() error {
	return e.Err
}

// ReshareHint is shown to users who cannot decrypt a file shared with them.
const ReshareHint = "Please ask the file owner to reshare the file with you."

// NewDecryptionFailedError builds a DecryptionFailedError carrying the reshare hint.
func NewDecryptionFailedError(message string) *DecryptionFailedError {
	return &DecryptionFailedError{Message: message, Hint: ReshareHint}
}
