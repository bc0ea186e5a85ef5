package github

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Installation token lifetimes. GitHub issues tokens valid for one hour;
// refreshing at 55 minutes leaves headroom for in-flight requests.
const (
	appJWTLifetime = 10 * time.Minute
	tokenCacheTTL  = 55 * time.Minute
)

// AppAuth exchanges a GitHub App's private key for short-lived installation
// tokens, caching one token per installation.
type AppAuth struct {
	AppID      int64
	PrivateKey *rsa.PrivateKey
	BaseURL    string
	HTTPClient *http.Client

	mu    sync.RWMutex
	cache map[int64]cachedToken

	// now is swapped in tests.
	now func() time.Time
}

type cachedToken struct {
	token     string
	fetchedAt time.Time
}

// NewAppAuth creates an authenticator for one GitHub App.
func NewAppAuth(appID int64, key *rsa.PrivateKey) *AppAuth {
	return &AppAuth{
		AppID:      appID,
		PrivateKey: key,
		BaseURL:    DefaultAPIEndpoint,
		HTTPClient: &http.Client{Timeout: DefaultTimeout},
		cache:      make(map[int64]cachedToken),
		now:        time.Now,
	}
}

// ParsePrivateKey reads a PEM-encoded RSA private key.
func ParsePrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse app private key: %w", err)
	}
	return key, nil
}

// appJWT signs the short-lived JWT GitHub requires for app-level calls.
// Issued-at is backdated 60s to absorb clock skew.
func (a *AppAuth) appJWT() (string, error) {
	now := a.now()
	claims := jwt.RegisteredClaims{
		Issuer:    strconv.FormatInt(a.AppID, 10),
		IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
		ExpiresAt: jwt.NewNumericDate(now.Add(appJWTLifetime)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(a.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign app JWT: %w", err)
	}
	return signed, nil
}

// InstallationToken returns a valid token for the installation, from cache
// when fresh, otherwise minted through the GitHub App API.
func (a *AppAuth) InstallationToken(ctx context.Context, installationID int64) (string, error) {
	a.mu.RLock()
	cached, ok := a.cache[installationID]
	a.mu.RUnlock()
	if ok && a.now().Sub(cached.fetchedAt) < tokenCacheTTL {
		return cached.token, nil
	}

	signed, err := a.appJWT()
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/app/installations/%d/access_tokens", a.BaseURL, installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+signed)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := a.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to mint installation token: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("installation token request failed (status %d)", resp.StatusCode)
	}

	var payload struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("failed to parse token response: %w", err)
	}
	if payload.Token == "" {
		return "", fmt.Errorf("installation token response carried no token")
	}

	a.mu.Lock()
	a.cache[installationID] = cachedToken{token: payload.Token, fetchedAt: a.now()}
	a.mu.Unlock()

	return payload.Token, nil
}

// Invalidate drops the cached token for an installation, forcing the next
// call to mint a fresh one. Used after a 401 from the API.
func (a *AppAuth) Invalidate(installationID int64) {
	a.mu.Lock()
	delete(a.cache, installationID)
	a.mu.Unlock()
}

// InstallationTokens adapts one installation id to the client TokenSource.
type InstallationTokens struct {
	Auth           *AppAuth
	InstallationID int64
}

// Token resolves the installation token, ignoring owner/repo (the
// installation already scopes access).
func (s InstallationTokens) Token(owner, repo string) (string, error) {
	return s.Auth.InstallationToken(context.Background(), s.InstallationID)
}
