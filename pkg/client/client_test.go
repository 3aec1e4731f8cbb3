package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL + "/api/", Timeout: 5 * time.Second})
	require.NoError(t, err)
	return c
}

func TestStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/engine/status", r.URL.Path)
		_ = json.NewEncoder(w).Encode(EngineStatus{State: "live", Port: 50099, PID: 12, Launches: 1})
	})
	st, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "live", st.State)
	assert.Equal(t, 12, st.PID)
	assert.Equal(t, uint64(1), st.Launches)
}

func TestAcquirePassesWait(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "1m30s", r.URL.Query().Get("wait"))
		_ = json.NewEncoder(w).Encode(AcquireResponse{Port: 50099, PID: 77, Version: "2024.9.0"})
	})
	out, err := c.Acquire(context.Background(), 90*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 77, out.PID)
	assert.Equal(t, "2024.9.0", out.Version)
}

func TestAcquireUnavailable(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.URL.RawQuery)
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(ErrorResponse{Error: "engine unavailable: health probe timed out"})
	})
	_, err := c.Acquire(context.Background(), 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable))
	assert.Contains(t, err.Error(), "health probe timed out")
}

func TestAPIErrorWithoutBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	_, err := c.Reap(context.Background())
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrUnavailable))
	assert.Contains(t, err.Error(), "500")
}

func TestReap(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/engine/reap", r.URL.Path)
		_ = json.NewEncoder(w).Encode(ReapResponse{Matched: 2, Terminated: 2, PIDs: []int{3, 4}, Duration: "12ms"})
	})
	out, err := c.Reap(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4}, out.PIDs)
}

func TestIsReachable(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	assert.True(t, c.IsReachable(context.Background()))

	c, err := New(Config{BaseURL: "http://127.0.0.1:1", Timeout: 500 * time.Millisecond})
	require.NoError(t, err)
	assert.False(t, c.IsReachable(context.Background()))
}

func TestDecodeError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	})
	_, err := c.Status(context.Background())
	assert.ErrorContains(t, err, "decode response")
}

func TestTLSOverHTTPS(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, Insecure: true})
	require.NoError(t, err)
	assert.True(t, c.IsReachable(context.Background()))

	strict, err := New(Config{BaseURL: srv.URL, Timeout: time.Second})
	require.NoError(t, err)
	assert.False(t, strict.IsReachable(context.Background()))
}

func TestBadTLSMaterial(t *testing.T) {
	_, err := New(Config{TLS: &TLSClientConfig{CACert: filepath.Join(t.TempDir(), "missing.pem")}})
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(bad, []byte("garbage"), 0o600))
	_, err = New(Config{TLS: &TLSClientConfig{CACert: bad}})
	assert.ErrorContains(t, err, "parse CA")
}

func TestDefaults(t *testing.T) {
	c, err := New(Config{})
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:8087/api", c.baseURL)
	assert.Equal(t, 30*time.Second, c.client.Timeout)
}

func TestCredentials(t *testing.T) {
	var (
		mu  sync.Mutex
		got []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		got = append(got, r.Header.Get("Authorization"))
		mu.Unlock()
		if r.URL.Path == "/auth/login" {
			var req LoginRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			if req.Username != "alice" || req.Password != "pw" {
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(ErrorResponse{Error: "invalid credentials"})
				return
			}
			_ = json.NewEncoder(w).Encode(LoginResponse{Token: "tok", Type: "Bearer"})
			return
		}
		_ = json.NewEncoder(w).Encode(EngineStatus{State: "absent"})
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, Username: "alice", Password: "pw"})
	require.NoError(t, err)
	_, err = c.Status(context.Background())
	require.NoError(t, err)

	_, err = c.Login(context.Background(), "alice", "nope")
	assert.ErrorIs(t, err, ErrUnauthorized)
	out, err := c.Login(context.Background(), "alice", "pw")
	require.NoError(t, err)
	assert.Equal(t, "tok", out.Token)
	_, err = c.Status(context.Background())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 4)
	assert.True(t, strings.HasPrefix(got[0], "Basic "))
	assert.Equal(t, "Bearer tok", got[3])
}
