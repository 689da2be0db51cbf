// Package credstore persists the access and refresh tokens.
package credstore

import (
	"context"
	"fmt"

	"github.com/xiaot623/gogo/convo/internal/domain"
)

// Fixed storage keys.
const (
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"
)

// Store is a durable key/value holder for credentials. Values are opaque.
type Store interface {
	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	// SetMany writes all pairs atomically.
	SetMany(ctx context.Context, values map[string]string) error
	Clear(ctx context.Context) error
	Close() error
}

// Load reads the credential pair. A pair with either token missing is reported as empty.
func Load(ctx context.Context, s Store) (domain.Credentials, error) {
	access, okAccess, err := s.Get(ctx, KeyAccessToken)
	if err != nil {
		return domain.Credentials{}, fmt.Errorf("failed to read access token: %w", err)
	}
	refresh, okRefresh, err := s.Get(ctx, KeyRefreshToken)
	if err != nil {
		return domain.Credentials{}, fmt.Errorf("failed to read refresh token: %w", err)
	}
	if !okAccess || !okRefresh {
		return domain.Credentials{}, nil
	}
	return domain.Credentials{AccessToken: access, RefreshToken: refresh}, nil
}

// Save writes the credential pair. An empty refresh token keeps the stored one.
func Save(ctx context.Context, s Store, creds domain.Credentials) error {
	values := map[string]string{KeyAccessToken: creds.AccessToken}
	if creds.RefreshToken != "" {
		values[KeyRefreshToken] = creds.RefreshToken
	}
	if err := s.SetMany(ctx, values); err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}
	return nil
}
