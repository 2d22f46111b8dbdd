package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNoCredential is returned when a provider has no stored credential row.
var ErrNoCredential = errors.New("store: no credential for provider")

// Credential is one provider's OAuth token set. Version increments on every
// refresh and is the compare-and-swap guard: a writer holding a stale
// version loses, which keeps concurrent refreshes from clobbering a newer
// token.
type Credential struct {
	Provider     string
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Version      int64
}

// GetCredential loads the current credential for a provider.
func (s *Store) GetCredential(ctx context.Context, provider string) (*Credential, error) {
	c := &Credential{Provider: provider}
	err := s.db.QueryRowContext(ctx, `
		SELECT access_token, refresh_token, expires_at, version
		FROM oauth_credentials
		WHERE provider = $1
	`, provider).Scan(&c.AccessToken, &c.RefreshToken, &c.Expiry, &c.Version)
	if err == sql.ErrNoRows {
		return nil, ErrNoCredential
	}
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}
	return c, nil
}

// SwapCredential writes a refreshed token if and only if the stored version
// still matches fromVersion. It returns false when another refresher won the
// race; the caller should re-read instead of retrying the write.
func (s *Store) SwapCredential(ctx context.Context, provider, accessToken, refreshToken string, expiry time.Time, fromVersion int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE oauth_credentials
		SET access_token = $2, refresh_token = $3, expires_at = $4,
		    version = version + 1, updated_at = NOW()
		WHERE provider = $1 AND version = $5
	`, provider, accessToken, refreshToken, expiry, fromVersion)
	if err != nil {
		return false, fmt.Errorf("swap credential: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("swap credential rows: %w", err)
	}
	return n == 1, nil
}

// UpsertCredential seeds or replaces a provider credential outside the CAS
// path, used by setup tooling.
func (s *Store) UpsertCredential(ctx context.Context, c *Credential) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO oauth_credentials (provider, access_token, refresh_token, expires_at, version, updated_at)
		VALUES ($1, $2, $3, $4, 1, NOW())
		ON CONFLICT (provider) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			expires_at = EXCLUDED.expires_at,
			version = oauth_credentials.version + 1,
			updated_at = NOW()
	`, c.Provider, c.AccessToken, c.RefreshToken, c.Expiry)
	if err != nil {
		return fmt.Errorf("upsert credential: %w", err)
	}
	return nil
}
