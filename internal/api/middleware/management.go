// Package middleware provides HTTP middleware for the management API.
package middleware

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/catflap-labs/onlycat-bridge/internal/config"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

const (
	maxFailures = 5
	banDuration = 30 * time.Minute
	// failureWindow is how long a failure counts towards a ban.
	failureWindow = 10 * time.Minute
)

type attemptInfo struct {
	count       int
	lastFailure time.Time
	blockedTill time.Time
}

// ManagementKey guards the management API. Requests must come from localhost
// unless remote-management.allow-remote is set, and must present the secret key
// as "Authorization: Bearer <key>" or "X-Management-Key". Remote clients that
// fail repeatedly are blocked for a while.
type ManagementKey struct {
	cfg func() *config.Config

	mu       sync.Mutex
	attempts map[string]*attemptInfo
	now      func() time.Time
}

// NewManagementKey creates the middleware; cfg is consulted on every request so
// reloaded settings apply immediately.
func NewManagementKey(cfg func() *config.Config) *ManagementKey {
	return &ManagementKey{cfg: cfg, attempts: make(map[string]*attemptInfo), now: time.Now}
}

// Handler returns the gin middleware.
func (m *ManagementKey) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg := m.cfg()
		if cfg == nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "configuration not loaded"})
			return
		}
		clientIP := remoteIP(c.Request)
		local := isLocalhost(clientIP)
		if !local && !cfg.RemoteManagement.AllowRemote {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "remote management disabled"})
			return
		}
		secret := strings.TrimSpace(cfg.RemoteManagement.SecretKey)
		if secret == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "management key not set"})
			return
		}
		if !local && m.blocked(clientIP) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "too many failed attempts"})
			return
		}

		provided := providedKey(c.Request)
		if provided == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing management key"})
			return
		}
		if !matchSecret(secret, provided) {
			if !local {
				m.recordFailure(clientIP)
			}
			log.WithField("client", clientIP).Warn("management API: invalid management key")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid management key"})
			return
		}
		if !local {
			m.reset(clientIP)
		}
		c.Next()
	}
}

func (m *ManagementKey) blocked(ip string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.attempts[ip]
	if !ok {
		return false
	}
	if !info.blockedTill.IsZero() && m.now().Before(info.blockedTill) {
		return true
	}
	if !info.blockedTill.IsZero() {
		delete(m.attempts, ip)
	}
	return false
}

func (m *ManagementKey) recordFailure(ip string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.purgeLocked(now)
	info, ok := m.attempts[ip]
	if !ok {
		info = &attemptInfo{}
		m.attempts[ip] = info
	}
	info.count++
	info.lastFailure = now
	if info.count >= maxFailures {
		info.blockedTill = now.Add(banDuration)
		info.count = 0
	}
}

// purgeLocked drops expired bans and failures older than failureWindow.
func (m *ManagementKey) purgeLocked(now time.Time) {
	for ip, info := range m.attempts {
		if !info.blockedTill.IsZero() {
			if !now.Before(info.blockedTill) {
				delete(m.attempts, ip)
			}
			continue
		}
		if now.Sub(info.lastFailure) >= failureWindow {
			delete(m.attempts, ip)
		}
	}
}

func (m *ManagementKey) reset(ip string) {
	m.mu.Lock()
	delete(m.attempts, ip)
	m.mu.Unlock()
}

func providedKey(r *http.Request) string {
	if auth := strings.TrimSpace(r.Header.Get("Authorization")); auth != "" {
		if parts := strings.SplitN(auth, " ", 2); len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1])
		}
		return auth
	}
	return strings.TrimSpace(r.Header.Get("X-Management-Key"))
}

// matchSecret compares provided with a plaintext or bcrypt hashed secret.
func matchSecret(secret, provided string) bool {
	if strings.HasPrefix(secret, "$2a$") || strings.HasPrefix(secret, "$2b$") || strings.HasPrefix(secret, "$2y$") {
		return bcrypt.CompareHashAndPassword([]byte(secret), []byte(provided)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(provided)) == 1
}

// remoteIP uses the socket address; forwarded headers are not trusted.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func isLocalhost(ip string) bool {
	parsed := net.ParseIP(ip)
	return parsed != nil && parsed.IsLoopback()
}
