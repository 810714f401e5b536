package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/NoahCxrest/offline-cache-gateway/internal/upstream"
)

// ErrOriginNotAllowed is returned for absolute requests to a host that is
// neither the public origin nor listed in CrossOrigins.
var ErrOriginNotAllowed = errors.New("cross-origin host not allowed")

// Forwarder sends intercepted requests to the network. Requests for the public
// origin go to an origin mirror from Pool; absolute requests for a host in
// CrossOrigins are sent there directly. Every other host is refused.
type Forwarder struct {
	Client         *http.Client
	Logger         *slog.Logger
	Pool           *upstream.Pool
	PublicOrigin   *url.URL
	CrossOrigins   []*url.URL
	RequestTimeout time.Duration
}

var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Fetch performs r against the network. The returned body must be closed;
// closing it also releases the request timeout.
func (f *Forwarder) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	if f.Client == nil {
		return nil, errors.New("forwarder client is nil")
	}

	target, err := f.targetFor(r)
	if err != nil {
		return nil, err
	}

	f.Logger.Debug("forwarding request", slog.String("method", r.Method), slog.String("url", r.URL.String()), slog.String("target", target.String()))

	cancel := func() {}
	if f.RequestTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, f.RequestTimeout)
	}

	upstreamReq, err := cloneRequestWithURL(ctx, r, target)
	if err != nil {
		cancel()
		return nil, err
	}

	resp, err := f.Client.Do(upstreamReq)
	if err != nil {
		cancel()
		return nil, err
	}

	for _, h := range hopHeaders {
		resp.Header.Del(h)
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

func (f *Forwarder) targetFor(r *http.Request) (*url.URL, error) {
	if r.URL.IsAbs() && r.URL.Host != "" && !f.isPublicOrigin(r.URL) {
		if !f.crossOriginAllowed(r.URL) {
			return nil, fmt.Errorf("%w: %s://%s", ErrOriginNotAllowed, r.URL.Scheme, r.URL.Host)
		}
		clone := *r.URL
		clone.Fragment = ""
		return &clone, nil
	}

	if f.Pool == nil || f.Pool.Len() == 0 {
		return nil, errors.New("no origin available")
	}

	var t *upstream.Target
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		t = f.Pool.Pick(r.URL.Path)
	} else {
		t = f.Pool.Next()
	}
	return t.Resolve(r.URL.Path, r.URL.RawQuery), nil
}

func (f *Forwarder) isPublicOrigin(u *url.URL) bool {
	if f.PublicOrigin == nil {
		return false
	}
	return sameSchemeHost(u, f.PublicOrigin)
}

func (f *Forwarder) crossOriginAllowed(u *url.URL) bool {
	for _, o := range f.CrossOrigins {
		if sameSchemeHost(u, o) {
			return true
		}
	}
	return false
}

func sameSchemeHost(a, b *url.URL) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(a.Host, b.Host)
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func cloneRequestWithURL(ctx context.Context, r *http.Request, target *url.URL) (*http.Request, error) {
	var body io.ReadCloser
	if r.Body != nil && r.Body != http.NoBody {
		body = r.Body
	}

	upstreamReq, err := http.NewRequestWithContext(ctx, r.Method, target.String(), body)
	if err != nil {
		return nil, err
	}

	copyHeaders(upstreamReq.Header, r.Header)
	for _, h := range hopHeaders {
		upstreamReq.Header.Del(h)
	}

	setForwardedHeaders(upstreamReq.Header, r)

	upstreamReq.ContentLength = r.ContentLength
	upstreamReq.Trailer = cloneHeader(r.Trailer)
	upstreamReq.Host = target.Host

	return upstreamReq, nil
}

func setForwardedHeaders(header http.Header, r *http.Request) {
	if r.RemoteAddr == "" {
		return
	}

	clientIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		clientIP = r.RemoteAddr
	}

	if clientIP != "" {
		prior := header.Get("X-Forwarded-For")
		if prior == "" {
			header.Set("X-Forwarded-For", clientIP)
		} else {
			header.Set("X-Forwarded-For", strings.Join([]string{prior, clientIP}, ", "))
		}
	}

	if proto := r.Header.Get("X-Forwarded-Proto"); proto == "" {
		header.Set("X-Forwarded-Proto", schemeFromRequest(r))
	}

	if r.Host != "" {
		header.Set("X-Forwarded-Host", r.Host)
	}
}

func schemeFromRequest(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if scheme := r.Header.Get("X-Forwarded-Proto"); scheme != "" {
		return scheme
	}
	if r.URL.Scheme != "" {
		return r.URL.Scheme
	}
	return "http"
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func cloneHeader(src http.Header) http.Header {
	if len(src) == 0 {
		return nil
	}

	dst := make(http.Header, len(src))
	for k, vv := range src {
		cv := make([]string, len(vv))
		copy(cv, vv)
		dst[k] = cv
	}
	return dst
}
