package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/ignite/mailpipe/internal/pkg/distlock"
	"github.com/ignite/mailpipe/internal/pkg/logger"
	"github.com/ignite/mailpipe/internal/store"
)

// googleTokenURL is Gmail's OAuth token endpoint.
const googleTokenURL = "https://oauth2.googleapis.com/token"

// CredentialStore is the persistence surface for provider tokens.
type CredentialStore interface {
	GetCredential(ctx context.Context, provider string) (*store.Credential, error)
	SwapCredential(ctx context.Context, provider, accessToken, refreshToken string, expiry time.Time, fromVersion int64) (bool, error)
}

// CredentialManager hands out the stored access token and performs refresh
// when a transport reports ErrAuth. Refresh is serialized across processes
// with a distributed lock, and the store write is version-guarded, so N
// concurrent dispatchers hitting an expired token produce one refresh call
// and N-1 re-reads.
type CredentialManager struct {
	store    CredentialStore
	lock     distlock.DistLock
	provider string
	oauth    *oauth2.Config

	lockWait time.Duration

	mu          sync.Mutex
	lastVersion int64
}

// NewCredentialManager creates a manager for one provider's token set.
func NewCredentialManager(credStore CredentialStore, lock distlock.DistLock, provider, clientID, clientSecret string) *CredentialManager {
	return &CredentialManager{
		store:    credStore,
		lock:     lock,
		provider: provider,
		oauth: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: googleTokenURL},
		},
		lockWait: 250 * time.Millisecond,
	}
}

// AccessToken implements AccessTokenSource. It remembers the version of the
// token it hands out, so a later Refresh can tell whether the failing token
// has already been replaced.
func (m *CredentialManager) AccessToken(ctx context.Context) (string, error) {
	cred, err := m.store.GetCredential(ctx, m.provider)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	m.lastVersion = cred.Version
	m.mu.Unlock()
	return cred.AccessToken, nil
}

// Refresh exchanges the refresh token for a new access token and stores it.
// If the stored version has already moved past the one that just failed,
// someone else refreshed and the new token is returned without another
// exchange.
func (m *CredentialManager) Refresh(ctx context.Context) (string, error) {
	m.mu.Lock()
	staleVersion := m.lastVersion
	m.mu.Unlock()
	acquired, err := m.acquireLock(ctx)
	if err != nil {
		return "", err
	}
	if acquired {
		defer func() {
			if err := m.lock.Release(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("credential lock release failed", "provider", m.provider, "error", err)
			}
		}()
	}

	cred, err := m.store.GetCredential(ctx, m.provider)
	if err != nil {
		return "", err
	}
	if cred.Version > staleVersion {
		logger.Debug("credential already refreshed", "provider", m.provider, "version", cred.Version)
		m.setVersion(cred.Version)
		return cred.AccessToken, nil
	}

	token, err := m.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken}).Token()
	if err != nil {
		return "", fmt.Errorf("refresh %s token: %w", m.provider, err)
	}

	refreshToken := token.RefreshToken
	if refreshToken == "" {
		refreshToken = cred.RefreshToken
	}

	swapped, err := m.store.SwapCredential(ctx, m.provider, token.AccessToken, refreshToken, token.Expiry, cred.Version)
	if err != nil {
		return "", err
	}
	if !swapped {
		// Lost the version race; the stored token is newer than ours.
		current, err := m.store.GetCredential(ctx, m.provider)
		if err != nil {
			return "", err
		}
		m.setVersion(current.Version)
		return current.AccessToken, nil
	}

	m.setVersion(cred.Version + 1)
	logger.Info("credential refreshed", "provider", m.provider, "version", cred.Version+1)
	return token.AccessToken, nil
}

func (m *CredentialManager) setVersion(v int64) {
	m.mu.Lock()
	m.lastVersion = v
	m.mu.Unlock()
}

// acquireLock polls for the refresh lock until the context expires. It
// returns false without error when a lock backend is not configured.
func (m *CredentialManager) acquireLock(ctx context.Context) (bool, error) {
	if m.lock == nil {
		return false, nil
	}
	for {
		ok, err := m.lock.Acquire(ctx)
		if err != nil {
			return false, fmt.Errorf("acquire refresh lock: %w", err)
		}
		if ok {
			return true, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(m.lockWait):
		}
	}
}
