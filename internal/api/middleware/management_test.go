package middleware

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/catflap-labs/onlycat-bridge/internal/config"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newEngine(m *ManagementKey) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(m.Handler())
	r.GET("/v0/entries", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })
	return r
}

func serve(r http.Handler, remote, key string) int {
	req := httptest.NewRequest(http.MethodGet, "/v0/entries", nil)
	req.RemoteAddr = remote
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w.Code
}

func TestManagementKey(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hashed-secret"), bcrypt.MinCost)
	require.NoError(t, err)

	cases := []struct {
		name   string
		cfg    config.RemoteManagement
		remote string
		key    string
		want   int
	}{
		{"local plaintext", config.RemoteManagement{SecretKey: "s3cret"}, "127.0.0.1:5000", "s3cret", http.StatusOK},
		{"local ipv6", config.RemoteManagement{SecretKey: "s3cret"}, "[::1]:5000", "s3cret", http.StatusOK},
		{"local bcrypt", config.RemoteManagement{SecretKey: string(hash)}, "127.0.0.1:5000", "hashed-secret", http.StatusOK},
		{"wrong key", config.RemoteManagement{SecretKey: "s3cret"}, "127.0.0.1:5000", "nope", http.StatusUnauthorized},
		{"missing key", config.RemoteManagement{SecretKey: "s3cret"}, "127.0.0.1:5000", "", http.StatusUnauthorized},
		{"secret unset", config.RemoteManagement{}, "127.0.0.1:5000", "anything", http.StatusForbidden},
		{"remote disabled", config.RemoteManagement{SecretKey: "s3cret"}, "203.0.113.9:5000", "s3cret", http.StatusForbidden},
		{"remote allowed", config.RemoteManagement{SecretKey: "s3cret", AllowRemote: true}, "203.0.113.9:5000", "s3cret", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &config.Config{RemoteManagement: tc.cfg}
			r := newEngine(NewManagementKey(func() *config.Config { return cfg }))
			assert.Equal(t, tc.want, serve(r, tc.remote, tc.key))
		})
	}
}

func TestManagementKeyBlocksRepeatedRemoteFailures(t *testing.T) {
	cfg := &config.Config{RemoteManagement: config.RemoteManagement{SecretKey: "s3cret", AllowRemote: true}}
	m := NewManagementKey(func() *config.Config { return cfg })
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	r := newEngine(m)

	for i := 0; i < maxFailures; i++ {
		assert.Equal(t, http.StatusUnauthorized, serve(r, "203.0.113.9:1", "bad"))
	}
	assert.Equal(t, http.StatusForbidden, serve(r, "203.0.113.9:1", "s3cret"))
	assert.Equal(t, http.StatusOK, serve(r, "203.0.113.10:1", "s3cret"))

	now = now.Add(banDuration + time.Second)
	assert.Equal(t, http.StatusOK, serve(r, "203.0.113.9:1", "s3cret"))
}

func TestManagementKeyForgetsStaleFailures(t *testing.T) {
	cfg := &config.Config{RemoteManagement: config.RemoteManagement{SecretKey: "s3cret", AllowRemote: true}}
	m := NewManagementKey(func() *config.Config { return cfg })
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	r := newEngine(m)

	for i := 0; i < 100; i++ {
		assert.Equal(t, http.StatusUnauthorized, serve(r, fmt.Sprintf("203.0.113.%d:1", i), "bad"))
	}
	for i := 0; i < maxFailures-1; i++ {
		serve(r, "198.51.100.1:1", "bad")
	}
	m.mu.Lock()
	assert.Len(t, m.attempts, 101)
	m.mu.Unlock()

	now = now.Add(failureWindow)
	assert.Equal(t, http.StatusUnauthorized, serve(r, "198.51.100.1:1", "bad"))
	m.mu.Lock()
	require.Len(t, m.attempts, 1)
	assert.Equal(t, 1, m.attempts["198.51.100.1"].count)
	m.mu.Unlock()

	// Old failures no longer add up to a ban.
	assert.Equal(t, http.StatusOK, serve(r, "198.51.100.1:1", "s3cret"))
	m.mu.Lock()
	assert.Empty(t, m.attempts)
	m.mu.Unlock()
}
