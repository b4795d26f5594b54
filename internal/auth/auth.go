// Package auth verifies local operator credentials. Passwords are held
// only as bcrypt hashes; the daemon never stores or logs a plaintext
// password.
package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials is returned for a wrong username or password.
// The two cases are deliberately indistinguishable.
var ErrInvalidCredentials = errors.New("invalid credentials")

// User is one configured account.
type User struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"` // bcrypt
}

// Manager validates logins against the configured user set.
type Manager struct {
	mu    sync.RWMutex
	users map[string]string // username → bcrypt hash
}

// NewManager creates a manager from the configured users.
func NewManager(users []User) (*Manager, error) {
	m := &Manager{users: make(map[string]string, len(users))}
	for _, u := range users {
		if u.Username == "" || u.PasswordHash == "" {
			return nil, fmt.Errorf("user entry needs username and password_hash")
		}
		if _, err := bcrypt.Cost([]byte(u.PasswordHash)); err != nil {
			return nil, fmt.Errorf("user %q: password_hash is not a bcrypt hash: %w", u.Username, err)
		}
		if _, dup := m.users[u.Username]; dup {
			return nil, fmt.Errorf("duplicate user %q", u.Username)
		}
		m.users[u.Username] = u.PasswordHash
	}
	return m, nil
}

// Authenticate checks a username/password pair.
func (m *Manager) Authenticate(username, password string) error {
	m.mu.RLock()
	hash, ok := m.users[username]
	m.mu.RUnlock()
	if !ok {
		// Burn a comparison anyway so a missing user costs the same as
		// a wrong password.
		_ = bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(password))
		return ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		slog.Debug("authentication failed", "username", username)
		return ErrInvalidCredentials
	}
	return nil
}

// HashPassword produces a bcrypt hash for configuration files.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// dummyHash is a structurally valid bcrypt hash used only to equalize
// timing for unknown users; its preimage is irrelevant.
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"
