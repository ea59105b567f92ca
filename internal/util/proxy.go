package util

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"golang.org/x/net/proxy"
)

// ApplyWebsocketProxy configures the dialer to route through proxyURL.
// It supports SOCKS5, HTTP, and HTTPS proxies. An empty proxyURL leaves the
// dialer on the environment proxy settings.
func ApplyWebsocketProxy(dialer *websocket.Dialer, proxyURL string) error {
	if dialer == nil {
		return fmt.Errorf("proxy: dialer is nil")
	}
	proxyURL = strings.TrimSpace(proxyURL)
	if proxyURL == "" {
		return nil
	}

	parsedURL, errParse := url.Parse(proxyURL)
	if errParse != nil {
		return fmt.Errorf("proxy: parse proxy URL failed: %w", errParse)
	}

	switch parsedURL.Scheme {
	case "socks5":
		var proxyAuth *proxy.Auth
		if parsedURL.User != nil {
			username := parsedURL.User.Username()
			password, _ := parsedURL.User.Password()
			proxyAuth = &proxy.Auth{User: username, Password: password}
		}
		socksDialer, errSOCKS5 := proxy.SOCKS5("tcp", parsedURL.Host, proxyAuth, proxy.Direct)
		if errSOCKS5 != nil {
			return fmt.Errorf("proxy: create SOCKS5 dialer failed: %w", errSOCKS5)
		}
		dialer.Proxy = nil
		if contextDialer, ok := socksDialer.(proxy.ContextDialer); ok {
			dialer.NetDialContext = contextDialer.DialContext
		} else {
			dialer.NetDialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
				return socksDialer.Dial(network, addr)
			}
		}
	case "http", "https":
		dialer.Proxy = http.ProxyURL(parsedURL)
	default:
		return fmt.Errorf("proxy: unsupported proxy scheme: %s", parsedURL.Scheme)
	}
	return nil
}
