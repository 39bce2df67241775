// Package util provides the outbound-proxy transport shared by the OIDC
// client and the upstream dispatcher.
package util

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"golang.org/x/net/proxy"
)

// ProxyTransport builds an http.Transport that routes connections through
// proxyURL. SOCKS5 proxies (with optional userinfo credentials) dial through
// a proxy.Dialer; HTTP and HTTPS proxies use the transport's Proxy hook. An
// empty proxyURL returns (nil, nil) so callers can fall back to a direct
// transport; an unsupported scheme is an error rather than a silent direct
// connection, since a gateway operator who configured a proxy almost
// certainly does not want upstream traffic escaping it.
func ProxyTransport(proxyURL string) (*http.Transport, error) {
	if proxyURL == "" {
		return nil, nil
	}
	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("util: parse proxy url: %w", err)
	}

	switch parsed.Scheme {
	case "socks5":
		var auth *proxy.Auth
		if parsed.User != nil {
			password, _ := parsed.User.Password()
			auth = &proxy.Auth{User: parsed.User.Username(), Password: password}
		}
		dialer, errDial := proxy.SOCKS5("tcp", parsed.Host, auth, proxy.Direct)
		if errDial != nil {
			return nil, fmt.Errorf("util: socks5 proxy: %w", errDial)
		}
		return &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				if cd, ok := dialer.(proxy.ContextDialer); ok {
					return cd.DialContext(ctx, network, addr)
				}
				return dialer.Dial(network, addr)
			},
		}, nil
	case "http", "https":
		return &http.Transport{Proxy: http.ProxyURL(parsed)}, nil
	default:
		return nil, fmt.Errorf("util: unsupported proxy scheme %q", parsed.Scheme)
	}
}
