package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/man-navlakha/mechanic-agent/internal/protocol"
)

// ErrUnauthorized is returned when the dispatch API answers 401. The caller
// must treat it as a session boundary, never retry.
var ErrUnauthorized = errors.New("unauthorized")

const beaconTimeout = 3 * time.Second

// Client talks to the dispatch REST API. It is the plain CRUD collaborator:
// the connection supervisor and the job machine call into it, it never calls
// back into them.
type Client struct {
	baseURL    string
	authToken  string
	instanceID string
	httpClient *http.Client

	// beaconClient is reserved for the page-hide OFFLINE call: short timeout,
	// shared keep-alive pool, so the request survives an imminent teardown
	// without blocking it.
	beaconClient *http.Client

	mu             sync.Mutex
	wsToken        string
	onUnauthorized func()
}

// New creates a client for the given API base URL, authenticating with the
// session token.
func New(baseURL, authToken string) *Client {
	return &Client{
		baseURL:      baseURL,
		authToken:    authToken,
		instanceID:   uuid.NewString(),
		httpClient:   &http.Client{Timeout: 15 * time.Second},
		beaconClient: &http.Client{Timeout: beaconTimeout},
	}
}

// InstanceID identifies this agent process across reconnects.
func (c *Client) InstanceID() string {
	return c.instanceID
}

// SetUnauthorizedHandler registers the hook invoked once per 401 response.
func (c *Client) SetUnauthorizedHandler(fn func()) {
	c.mu.Lock()
	c.onUnauthorized = fn
	c.mu.Unlock()
}

// do issues a request with auth headers and decodes the JSON response into
// out (if non-nil). A 401 triggers the unauthorized hook and returns
// ErrUnauthorized.
func (c *Client) do(ctx context.Context, client *http.Client, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.authToken)
	req.Header.Set("X-Device-ID", c.instanceID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		c.mu.Lock()
		hook := c.onUnauthorized
		c.mu.Unlock()
		if hook != nil {
			hook()
		}
		return ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// FetchStatus returns the server-confirmed worker availability.
func (c *Client) FetchStatus(ctx context.Context) (protocol.WorkerStatus, error) {
	var status protocol.WorkerStatus
	err := c.do(ctx, c.httpClient, http.MethodGet, "/jobs/availability", nil, &status)
	return status, err
}

// SetAvailability issues an explicit worker availability change.
func (c *Client) SetAvailability(ctx context.Context, status protocol.Availability) error {
	body := map[string]string{"status": string(status)}
	return c.do(ctx, c.httpClient, http.MethodPut, "/jobs/availability", body, nil)
}

// SendAvailabilityBeacon is the fire-and-forget variant of SetAvailability
// used when the hosting page is about to be torn down. Errors are reported to
// the callback (may be nil); the caller never blocks on delivery.
func (c *Client) SendAvailabilityBeacon(status protocol.Availability, report func(error)) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), beaconTimeout)
		defer cancel()
		body := map[string]string{"status": string(status)}
		err := c.do(ctx, c.beaconClient, http.MethodPut, "/jobs/availability", body, nil)
		if report != nil {
			report(err)
		}
	}()
}

// AcceptJob claims the offered job.
func (c *Client) AcceptJob(ctx context.Context, jobID string) error {
	return c.do(ctx, c.httpClient, http.MethodPost, "/jobs/accept/"+jobID, nil, nil)
}

// UpdateJobStatus reports a decision over REST when the socket is unavailable.
func (c *Client) UpdateJobStatus(ctx context.Context, jobID, status, reason string) error {
	body := map[string]string{"status": status}
	if reason != "" {
		body["reason"] = reason
	}
	return c.do(ctx, c.httpClient, http.MethodPost, "/jobs/status/"+jobID, body, nil)
}

// CancelJob cancels an accepted job.
func (c *Client) CancelJob(ctx context.Context, jobID, reason string) error {
	body := map[string]string{"reason": reason}
	return c.do(ctx, c.httpClient, http.MethodPost, "/jobs/cancel/"+jobID, body, nil)
}

// CompleteJob marks an accepted job done.
func (c *Client) CompleteJob(ctx context.Context, jobID string) error {
	return c.do(ctx, c.httpClient, http.MethodPost, "/jobs/complete/"+jobID, nil, nil)
}
