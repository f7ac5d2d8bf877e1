// Package refresh exchanges an OAuth refresh token for a new access token.
package refresh

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

// Result is a successful refresh response.
type Result struct {
	AccessToken  string
	IDToken      string
	RefreshToken string // rotated refresh token; empty if the provider kept the old one
}

// Error wraps a non-2xx response from the identity provider.
type Error struct {
	Status int
	Body   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("refresh failed: upstream status %d: %s", e.Status, e.Body)
}

// Refresher performs refresh_token exchanges against a fixed identity
// provider endpoint. It never retries: the caller owns retry policy.
type Refresher struct {
	TokenURL string
	ClientID string
	client   *http.Client
	group    singleflight.Group
}

// New returns a Refresher bound to the given token endpoint and client id.
func New(tokenURL, clientID string) *Refresher {
	return &Refresher{
		TokenURL: tokenURL,
		ClientID: clientID,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

// Refresh exchanges refreshToken for a new access token. Concurrent calls
// sharing the same key (typically the account id) collapse into a single
// upstream request; every caller observes that request's result.
func (r *Refresher) Refresh(ctx context.Context, key, refreshToken string) (Result, error) {
	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		return r.doRefresh(ctx, refreshToken)
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

func (r *Refresher) doRefresh(ctx context.Context, refreshToken string) (Result, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {r.ClientID},
		"refresh_token": {refreshToken},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Result{}, fmt.Errorf("build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("refresh request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("read refresh response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, &Error{Status: resp.StatusCode, Body: string(body)}
	}

	var parsed struct {
		AccessToken  string `json:"access_token"`
		IDToken      string `json:"id_token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Result{}, fmt.Errorf("parse refresh response: %w", err)
	}
	if parsed.AccessToken == "" {
		return Result{}, fmt.Errorf("refresh response missing access_token")
	}

	return Result{
		AccessToken:  parsed.AccessToken,
		IDToken:      parsed.IDToken,
		RefreshToken: parsed.RefreshToken,
	}, nil
}
