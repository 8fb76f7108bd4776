package keystore

import (
	"errors"
	"fmt"
)

var (
	// ErrPrivateKeyMissing is returned when a user has a public key but no
	// stored private key, or no key material at all when unwrapping.
	ErrPrivateKeyMissing = errors.New("private key missing")

	// ErrNotLoggedIn is returned when no password is registered for the user
	// whose private key is needed.
	ErrNotLoggedIn = errors.New("user is not logged in")

	// ErrShareKeyMissing is returned when a file has wrapped keys, but none for
	// the requesting user.
	ErrShareKeyMissing = errors.New("no share key for user")
)

// PublicKeyMissingError reports a recipient without usable key material. It is
// an expected per-recipient condition, distinct from storage failures.
type PublicKeyMissingError struct {
	UserID string
}

func (e *PublicKeyMissingError) Error() string {
	return fmt.Sprintf("no public key available for user %q", e.UserID)
}

// IsPublicKeyMissing reports whether err is a *PublicKeyMissingError and
// returns the affected user.
func IsPublicKeyMissing(err error) (string, bool) {
	var missing *PublicKeyMissingError
	if errors.As(err, &missing) {
		return missing.UserID, true
	}
	return "", false
}
