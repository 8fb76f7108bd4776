package keystore

import "sync"

// Credentials holds the login passwords needed to open private keys. Only
// passwords are kept; private keys are decrypted per unwrap.
type Credentials struct {
	mu        sync.RWMutex
	passwords map[string]string
}

// NewCredentials creates an empty registry.
func NewCredentials() *Credentials {
	return &Credentials{passwords: make(map[string]string)}
}

// Login registers the password of uid, replacing an earlier one.
func (c *Credentials) Login(uid, password string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.passwords[uid] = password
}

// Logout forgets the password of uid.
func (c *Credentials) Logout(uid string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.passwords, uid)
}

// Password returns the registered password of uid.
func (c *Credentials) Password(uid string) (string, bool) {
	if c == nil {
		return "", false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	pw, ok := c.passwords[uid]
	return pw, ok
}
