package devserver

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/xiaot623/gogo/convo/internal/domain"
)

// ErrBadCredentials is returned by Login for an unknown email or wrong password.
var ErrBadCredentials = errors.New("invalid email or password")

// User is a dev server account.
type User struct {
	ID       string
	Email    string
	Password string
}

// Tokens issues and validates opaque access and refresh tokens in memory.
type Tokens struct {
	mu      sync.RWMutex
	users   map[string]User
	access  map[string]string
	refresh map[string]string
}

// NewTokens creates an empty token issuer.
func NewTokens() *Tokens {
	return &Tokens{
		users:   make(map[string]User),
		access:  make(map[string]string),
		refresh: make(map[string]string),
	}
}

// AddUser registers an account.
func (t *Tokens) AddUser(u User) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.users[u.Email] = u
}

// Login checks the password and issues a new pair.
func (t *Tokens) Login(email, password string) (domain.Credentials, User, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.users[email]
	if !ok || u.Password != password {
		return domain.Credentials{}, User{}, ErrBadCredentials
	}
	return t.issueLocked(u.ID), u, nil
}

// Issue mints a pair for userID without a password check.
func (t *Tokens) Issue(userID string) domain.Credentials {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.issueLocked(userID)
}

func (t *Tokens) issueLocked(userID string) domain.Credentials {
	creds := domain.Credentials{
		AccessToken:  "at_" + uuid.New().String(),
		RefreshToken: "rt_" + uuid.New().String(),
	}
	t.access[creds.AccessToken] = userID
	t.refresh[creds.RefreshToken] = userID
	return creds
}

// Refresh rotates a refresh token into a new pair. The old refresh token stops working.
func (t *Tokens) Refresh(refreshToken string) (domain.Credentials, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	userID, ok := t.refresh[refreshToken]
	if !ok {
		return domain.Credentials{}, false
	}
	delete(t.refresh, refreshToken)
	return t.issueLocked(userID), true
}

// Authenticate returns the user id an access token belongs to.
func (t *Tokens) Authenticate(accessToken string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	userID, ok := t.access[accessToken]
	return userID, ok
}

// ExpireAccessTokens invalidates every access token, as if they all timed out.
func (t *Tokens) ExpireAccessTokens() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.access = make(map[string]string)
}

// RevokeRefreshTokens invalidates every refresh token.
func (t *Tokens) RevokeRefreshTokens() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.refresh = make(map[string]string)
}
