package onlycat

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/catflap-labs/onlycat-bridge/internal/buildinfo"
	"github.com/catflap-labs/onlycat-bridge/internal/config"
	"github.com/catflap-labs/onlycat-bridge/internal/util"
	"github.com/gorilla/websocket"
)

// Session is the transport handle a Client dials through. Each setup attempt
// creates its own session; sessions are never shared between clients.
type Session struct {
	// GatewayURL is the Socket.IO websocket endpoint.
	GatewayURL string
	// Dialer opens the websocket connection.
	Dialer *websocket.Dialer
	// Header is sent with the websocket handshake.
	Header http.Header
	// RequestTimeout bounds a single acknowledged request when the caller's context has no deadline.
	RequestTimeout time.Duration
}

// SessionFactory creates a fresh session for one client.
type SessionFactory func() (*Session, error)

// NewSession builds a session from the configuration, honoring proxy-url.
func NewSession(cfg *config.Config) (*Session, error) {
	if cfg == nil {
		cfg = &config.Config{}
		cfg.ApplyDefaults()
	}
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.OnlyCat.HandshakeTimeout(),
		NetDialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
	if err := util.ApplyWebsocketProxy(dialer, cfg.ProxyURL); err != nil {
		return nil, fmt.Errorf("onlycat session: %w", err)
	}

	gatewayURL := strings.TrimSpace(cfg.OnlyCat.GatewayURL)
	if gatewayURL == "" {
		gatewayURL = config.DefaultGatewayURL
	}

	header := http.Header{}
	header.Set("User-Agent", "onlycat-bridge/"+buildinfo.Version)

	return &Session{
		GatewayURL:     gatewayURL,
		Dialer:         dialer,
		Header:         header,
		RequestTimeout: cfg.OnlyCat.RequestTimeout(),
	}, nil
}

// NewSessionFactory returns a factory producing a new session per call.
func NewSessionFactory(cfg *config.Config) SessionFactory {
	return func() (*Session, error) {
		return NewSession(cfg)
	}
}
