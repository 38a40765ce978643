package vcs

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/quashbugs/magnus/internal/config"
)

// installationTokenMargin refreshes installation tokens this long before
// their stated expiry to absorb clock skew and in-flight request time.
const installationTokenMargin = 5 * time.Minute

// appAuth mints the short-lived credentials of a GitHub App: a signed RS256
// app JWT, and per-installation access tokens derived from it. The app JWT
// is refreshed independently of, and before, any installation token request.
type appAuth struct {
	appID   string
	baseURL string
	key     *rsa.PrivateKey
	client  *http.Client

	mu        sync.Mutex
	jwtToken  string
	jwtExpiry time.Time
}

func newAppAuth(cfg config.GitHubConfig) (*appAuth, error) {
	a := &appAuth{
		appID:   cfg.AppID,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
	if a.baseURL == "" {
		a.baseURL = "https://api.github.com"
	}
	if cfg.PrivateKeyPath == "" {
		// App credentials are optional until an installation flow is used.
		return a, nil
	}
	pem, err := os.ReadFile(cfg.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading github app key: %w", err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pem)
	if err != nil {
		return nil, fmt.Errorf("parsing github app key: %w", err)
	}
	a.key = key
	return a, nil
}

// appJWT returns a valid app JWT, minting a fresh one when the cached token
// is within a minute of expiry. GitHub caps app JWT lifetime at 10 minutes.
func (a *appAuth) appJWT() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.key == nil {
		return "", fmt.Errorf("%w: github app private key not configured", ErrCredential)
	}
	if a.jwtToken != "" && time.Until(a.jwtExpiry) > time.Minute {
		return a.jwtToken, nil
	}

	now := time.Now()
	expiry := now.Add(10 * time.Minute)
	claims := jwt.RegisteredClaims{
		Issuer:    a.appID,
		IssuedAt:  jwt.NewNumericDate(now.Add(-60 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(expiry),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(a.key)
	if err != nil {
		return "", fmt.Errorf("signing app jwt: %w", err)
	}
	a.jwtToken = signed
	a.jwtExpiry = expiry
	return signed, nil
}

type installationTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// installationToken exchanges the app JWT for an installation access token.
func (a *appAuth) installationToken(ctx context.Context, installationID string) (string, time.Time, error) {
	appJWT, err := a.appJWT()
	if err != nil {
		return "", time.Time{}, err
	}

	url := fmt.Sprintf("%s/app/installations/%s/access_tokens", a.baseURL, installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", time.Time{}, err
	}
	req.Header.Set("Authorization", "Bearer "+appJWT)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%w: requesting installation token: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%w: reading installation token response: %v", ErrUpstream, err)
	}
	if resp.StatusCode >= 400 {
		return "", time.Time{}, fmt.Errorf("%w: installation token request returned %d: %s",
			ErrUpstream, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out installationTokenResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", time.Time{}, fmt.Errorf("%w: decoding installation token response: %v", ErrUpstream, err)
	}
	return out.Token, out.ExpiresAt, nil
}

// tokenExpiringSoon reports whether an epoch-seconds expiry falls inside the
// refresh margin. Zero means a non-expiring token.
func tokenExpiringSoon(expiresAt int64, margin time.Duration) bool {
	if expiresAt == 0 {
		return false
	}
	return time.Now().Add(margin).Unix() >= expiresAt
}
