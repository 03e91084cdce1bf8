package push

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/saegimlab/saegim-server/pkg/metrics"
)

const (
	defaultTokenURL  = "https://oauth2.googleapis.com/token"
	messagingScope   = "https://www.googleapis.com/auth/firebase.messaging"
	assertionGrant   = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	assertionTTL     = time.Hour
	exchangeTimeout  = 30 * time.Second
	refreshFraction  = 0.9
	fallbackLifetime = 50 * time.Minute
)

// credentialCache holds the provider bearer credential and refreshes it
// proactively at 90% of its lifetime. Concurrent callers that hit a refresh
// share one in-flight exchange via singleflight.
type credentialCache struct {
	clientEmail string
	privateKey  *rsa.PrivateKey
	tokenURL    string
	httpClient  *http.Client
	now         func() time.Time

	group singleflight.Group

	mu        sync.RWMutex
	token     string
	refreshAt time.Time
}

func newCredentialCache(clientEmail, privateKeyPEM, tokenURL string, httpClient *http.Client, now func() time.Time) (*credentialCache, error) {
	if strings.TrimSpace(clientEmail) == "" {
		return nil, fmt.Errorf("push credentials: client email is required")
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(privateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("push credentials: parse private key: %w", err)
	}

	if tokenURL == "" {
		tokenURL = defaultTokenURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: exchangeTimeout}
	}
	if now == nil {
		now = time.Now
	}

	return &credentialCache{
		clientEmail: clientEmail,
		privateKey:  key,
		tokenURL:    tokenURL,
		httpClient:  httpClient,
		now:         now,
	}, nil
}

// Bearer returns a valid bearer credential, exchanging a fresh one when the
// cached credential has passed its proactive refresh point.
func (c *credentialCache) Bearer(ctx context.Context) (string, error) {
	if token, ok := c.cached(); ok {
		return token, nil
	}

	result, err, _ := c.group.Do("refresh", func() (interface{}, error) {
		// A racing caller may have refreshed while we waited on the group.
		if token, ok := c.cached(); ok {
			return token, nil
		}
		return c.exchange(ctx)
	})
	if err != nil {
		metrics.CredentialRefreshes.WithLabelValues("failure").Inc()
		return "", err
	}

	return result.(string), nil
}

func (c *credentialCache) cached() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.token != "" && c.now().Before(c.refreshAt) {
		return c.token, true
	}
	return "", false
}

func (c *credentialCache) store(token string, lifetime time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.token = token
	c.refreshAt = c.now().Add(time.Duration(float64(lifetime) * refreshFraction))
}

func (c *credentialCache) exchange(ctx context.Context) (string, error) {
	assertion, err := c.signAssertion()
	if err != nil {
		return "", err
	}

	form := url.Values{
		"grant_type": {assertionGrant},
		"assertion":  {assertion},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("push credentials: build exchange request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("push credentials: exchange: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("push credentials: read exchange response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("push credentials: exchange failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("push credentials: decode exchange response: %w", err)
	}
	if payload.AccessToken == "" {
		return "", fmt.Errorf("push credentials: exchange response missing access token")
	}

	lifetime := time.Duration(payload.ExpiresIn) * time.Second
	if lifetime <= 0 {
		lifetime = fallbackLifetime
	}
	c.store(payload.AccessToken, lifetime)

	metrics.CredentialRefreshes.WithLabelValues("success").Inc()
	return payload.AccessToken, nil
}

func (c *credentialCache) signAssertion() (string, error) {
	now := c.now()
	claims := jwt.MapClaims{
		"iss":   c.clientEmail,
		"scope": messagingScope,
		"aud":   c.tokenURL,
		"iat":   now.Unix(),
		"exp":   now.Add(assertionTTL).Unix(),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(c.privateKey)
	if err != nil {
		return "", fmt.Errorf("push credentials: sign assertion: %w", err)
	}
	return signed, nil
}
