package api

import (
	"context"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenExpiryMargin refetches tokens that would expire mid-handshake.
const tokenExpiryMargin = 30 * time.Second

// WSToken returns a connection token for the job notification socket,
// reusing the cached one while it is still valid.
func (c *Client) WSToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	cached := c.wsToken
	c.mu.Unlock()

	if cached != "" && !tokenExpired(cached, time.Now()) {
		return cached, nil
	}

	var resp struct {
		WSToken string `json:"ws_token"`
	}
	if err := c.do(ctx, c.httpClient, http.MethodGet, "/jobs/ws-token", nil, &resp); err != nil {
		return "", err
	}

	c.mu.Lock()
	c.wsToken = resp.WSToken
	c.mu.Unlock()
	return resp.WSToken, nil
}

// InvalidateWSToken drops the cached token, forcing the next WSToken call to
// hit the exchange endpoint. Called after a handshake rejection.
func (c *Client) InvalidateWSToken() {
	c.mu.Lock()
	c.wsToken = ""
	c.mu.Unlock()
}

// tokenExpired inspects the token's exp claim without verifying the
// signature (the server verifies; we only avoid dialing with a token that is
// already stale). Tokens that are not JWTs are treated as expired so they get
// refetched, tokens without an exp claim as non-expiring.
func tokenExpired(token string, now time.Time) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return true
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.Time.Sub(now) < tokenExpiryMargin
}
