package transport

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"github.com/NoahCxrest/offline-cache-gateway/internal/config"
)

// NewHTTPClient constructs the http.Client used for origin and cross-origin
// fetches. Redirects are followed; the lifecycle manager refuses to cache
// the result of one.
func NewHTTPClient(cfg config.Config) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: 60 * time.Second}).DialContext,
		TLSHandshakeTimeout:   cfg.DialTimeout,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		ForceAttemptHTTP2:     true,
		ExpectContinueTimeout: 150 * time.Millisecond,
		// Bodies are stored as received; let the client ask for what it can decode.
		DisableCompression: true,
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			ClientSessionCache: tls.NewLRUClientSessionCache(512),
		},
	}

	return &http.Client{
		Transport: transport,
		Timeout:   cfg.TransportTimeout,
	}
}
