package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/man-navlakha/mechanic-agent/internal/protocol"
)

func signedToken(t *testing.T, ttl time.Duration) string {
	t.Helper()
	claims := jwt.MapClaims{"exp": time.Now().Add(ttl).Unix()}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func TestFetchStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/jobs/availability" || r.Method != http.MethodGet {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer session-token" {
			t.Errorf("Authorization = %q", got)
		}
		w.Write([]byte(`{"status":"ONLINE","verified":true}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "session-token")
	status, err := c.FetchStatus(context.Background())
	if err != nil {
		t.Fatalf("FetchStatus: %v", err)
	}
	if status.Status != protocol.Online || !status.Verified {
		t.Errorf("status = %+v, want ONLINE verified", status)
	}
}

func TestUnauthorizedTriggersHook(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	var hookCalls atomic.Int32
	c := New(srv.URL, "stale")
	c.SetUnauthorizedHandler(func() { hookCalls.Add(1) })

	err := c.AcceptJob(context.Background(), "42")
	if err != ErrUnauthorized {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
	if hookCalls.Load() != 1 {
		t.Errorf("hook called %d times, want 1", hookCalls.Load())
	}
}

func TestWSToken_CachesWhileValid(t *testing.T) {
	tok := signedToken(t, time.Hour)
	var fetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		w.Write([]byte(`{"ws_token":"` + tok + `"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "session")
	for i := 0; i < 3; i++ {
		got, err := c.WSToken(context.Background())
		if err != nil {
			t.Fatalf("WSToken: %v", err)
		}
		if got != tok {
			t.Fatalf("token = %q, want %q", got, tok)
		}
	}
	if fetches.Load() != 1 {
		t.Errorf("exchange endpoint hit %d times, want 1", fetches.Load())
	}
}

func TestWSToken_RefetchesExpired(t *testing.T) {
	stale := signedToken(t, -time.Minute)
	fresh := signedToken(t, time.Hour)
	var fetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fetches.Add(1) == 1 {
			w.Write([]byte(`{"ws_token":"` + stale + `"}`))
		} else {
			w.Write([]byte(`{"ws_token":"` + fresh + `"}`))
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "session")
	if _, err := c.WSToken(context.Background()); err != nil {
		t.Fatalf("WSToken: %v", err)
	}
	// Cached token already expired, so the next call must hit the endpoint.
	got, err := c.WSToken(context.Background())
	if err != nil {
		t.Fatalf("WSToken: %v", err)
	}
	if got != fresh {
		t.Errorf("token = %q, want refreshed token", got)
	}
	if fetches.Load() != 2 {
		t.Errorf("exchange endpoint hit %d times, want 2", fetches.Load())
	}
}

func TestTokenExpired(t *testing.T) {
	now := time.Now()
	if tokenExpired(signedToken(t, time.Hour), now) {
		t.Error("fresh token reported expired")
	}
	if !tokenExpired(signedToken(t, 5*time.Second), now) {
		t.Error("token inside the expiry margin should count as expired")
	}
	if !tokenExpired("not-a-jwt", now) {
		t.Error("malformed token should count as expired")
	}
}

func TestSendAvailabilityBeacon(t *testing.T) {
	got := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Method + " " + r.URL.Path
	}))
	defer srv.Close()

	done := make(chan error, 1)
	c := New(srv.URL, "session")
	c.SendAvailabilityBeacon(protocol.Offline, func(err error) { done <- err })

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("beacon: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("beacon never completed")
	}
	if req := <-got; req != "PUT /jobs/availability" {
		t.Errorf("request = %q, want PUT /jobs/availability", req)
	}
}

func TestUpdateJobStatus_Paths(t *testing.T) {
	var path atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path.Store(r.Method + " " + r.URL.Path)
	}))
	defer srv.Close()

	c := New(srv.URL, "session")
	ctx := context.Background()

	if err := c.UpdateJobStatus(ctx, "7", protocol.StatusRejected, protocol.ReasonTimeout); err != nil {
		t.Fatal(err)
	}
	if got := path.Load(); got != "POST /jobs/status/7" {
		t.Errorf("path = %v", got)
	}
	if err := c.CompleteJob(ctx, "7"); err != nil {
		t.Fatal(err)
	}
	if got := path.Load(); got != "POST /jobs/complete/7" {
		t.Errorf("path = %v", got)
	}
	if err := c.CancelJob(ctx, "7", "customer no-show"); err != nil {
		t.Fatal(err)
	}
	if got := path.Load(); got != "POST /jobs/cancel/7" {
		t.Errorf("path = %v", got)
	}
}
