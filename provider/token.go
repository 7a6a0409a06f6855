package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/deviceloop/console/internal"
)

// TokenSource supplies the bearer credential for upstream provider calls.
// Callers ask for the current token on every request; the source decides
// whether that triggers a network refresh. Swapping a static token for a
// refreshing one must not change callers.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type staticTokenSource struct {
	token string
}

func (s *staticTokenSource) Token(ctx context.Context) (string, error) {
	if s.token == "" {
		return "", &internal.NotConfiguredError{What: "provider script token"}
	}
	return s.token, nil
}

// StaticTokenSource returns a TokenSource which always yields the given
// pre-shared script token. An empty token is reported at call time as
// NotConfigured rather than sent upstream as an empty Authorization header.
func StaticTokenSource(token string) TokenSource {
	return &staticTokenSource{token: token}
}

// RefreshingTokenSource obtains short-lived bearer tokens via the provider's
// OAuth client-credentials grant and caches them until just before expiry.
type RefreshingTokenSource struct {
	Client       *http.Client
	TokenURL     string
	ClientID     string
	ClientSecret string

	mu      sync.Mutex
	token   string
	expires time.Time
}

// Leeway subtracted from the advertised token lifetime so we never present a
// token that expires mid-request.
const refreshLeeway = 30 * time.Second

func (r *RefreshingTokenSource) Token(ctx context.Context) (string, error) {
	if r.ClientID == "" || r.ClientSecret == "" {
		return "", &internal.NotConfiguredError{What: "provider oauth client credentials"}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.token != "" && time.Now().Before(r.expires) {
		return r.token, nil
	}
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", r.ClientID)
	form.Set("client_secret", r.ClientSecret)
	req, err := http.NewRequestWithContext(ctx, "POST", r.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	hc := r.Client
	if hc == nil {
		hc = http.DefaultClient
	}
	res, err := hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("token refresh: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != 200 {
		return "", fmt.Errorf("token refresh: HTTP %d", res.StatusCode)
	}
	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("token refresh: decode: %w", err)
	}
	if body.AccessToken == "" {
		return "", fmt.Errorf("token refresh: no access_token in response")
	}
	r.token = body.AccessToken
	r.expires = time.Now().Add(time.Duration(body.ExpiresIn) * time.Second).Add(-refreshLeeway)
	return r.token, nil
}
