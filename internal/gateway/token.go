package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// ErrUnauthorized is returned when the gateway rejects our credentials
// even after a token refresh. This is an app configuration problem, not
// a transient failure.
var ErrUnauthorized = errors.New("gateway: unauthorized")

// expirySkew refreshes tokens slightly before they actually expire so
// in-flight requests never race the expiry.
const expirySkew = time.Minute

// TokenSource fetches and caches OAuth client-credentials tokens.
type TokenSource struct {
	http      *http.Client
	tokenURL  string
	appID     string
	appSecret string
	scope     string

	mu      sync.Mutex
	token   string
	expires time.Time
}

func NewTokenSource(httpClient *http.Client, tokenURL, appID, appSecret, scope string) *TokenSource {
	return &TokenSource{
		http:      httpClient,
		tokenURL:  tokenURL,
		appID:     appID,
		appSecret: appSecret,
		scope:     scope,
	}
}

// Token returns a cached token, fetching a fresh one when the cache is
// empty or about to expire.
func (ts *TokenSource) Token(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.token != "" && time.Now().Before(ts.expires.Add(-expirySkew)) {
		return ts.token, nil
	}
	return ts.fetchLocked(ctx)
}

// Invalidate drops the cached token so the next Token call fetches a
// fresh one. Called after a 401 response.
func (ts *TokenSource) Invalidate() {
	ts.mu.Lock()
	ts.token = ""
	ts.expires = time.Time{}
	ts.mu.Unlock()
}

func (ts *TokenSource) fetchLocked(ctx context.Context) (string, error) {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {ts.appID},
		"client_secret": {ts.appSecret},
	}
	if ts.scope != "" {
		form.Set("scope", ts.scope)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.tokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := ts.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("token request: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tr struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", errors.New("token response: empty access_token")
	}

	ts.token = tr.AccessToken
	if tr.ExpiresIn > 0 {
		ts.expires = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	} else {
		ts.expires = time.Now().Add(30 * time.Minute)
	}
	return ts.token, nil
}
