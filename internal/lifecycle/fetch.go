package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/NoahCxrest/offline-cache-gateway/internal/cache"
	"github.com/NoahCxrest/offline-cache-gateway/internal/metrics"
)

// ResponseType classifies a network response by its visibility to the gateway.
type ResponseType string

const (
	// TypeBasic is a readable same-origin response.
	TypeBasic ResponseType = "basic"
	// TypeOpaque is a cross-origin response. It is relayed but never stored.
	TypeOpaque ResponseType = "opaque"
)

// Source tells where a response came from.
type Source string

const (
	SourceCache    Source = "cache"
	SourceNetwork  Source = "network"
	SourceFallback Source = "fallback"
)

// Response is a fully buffered response returned by OnFetch.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Type       ResponseType
	Source     Source
	Redirected bool
}

func responseFromEntry(e cache.Entry, src Source) *Response {
	return &Response{
		StatusCode: e.StatusCode,
		Header:     e.Header.Clone(),
		Body:       e.Body,
		Type:       TypeBasic,
		Source:     src,
	}
}

// OnFetch answers r from the current generation when possible and from the
// network otherwise. Successful same-origin GET responses are copied into the
// generation in the background, except for manifest assets, which keep the
// copy written at install. When the network fails, navigations receive the
// cached fallback document; every other failure is returned unchanged.
func (m *Manager) OnFetch(ctx context.Context, r *http.Request) (*Response, error) {
	if s := m.State(); !s.Serving() {
		return nil, ErrInvalidState
	}

	target := m.resolve(r.URL)
	key := cache.RequestKey(r.Method, target)

	if resp, ok := m.match(ctx, key, r.Header); ok {
		m.metrics.Fetches.WithLabelValues(metrics.OutcomeHit).Inc()
		return resp, nil
	}

	resp, err := m.fromNetwork(ctx, r, target)
	if err != nil {
		if IsNavigation(r) {
			fallbackKey := cache.RequestKey(http.MethodGet, m.resolve(&url.URL{Path: m.fallback}))
			if cached, ok := m.lookup(ctx, fallbackKey); ok {
				m.metrics.Fetches.WithLabelValues(metrics.OutcomeFallback).Inc()
				m.logger.Info("serving offline fallback", slog.String("url", target.String()), slog.String("error", err.Error()))
				cached.Source = SourceFallback
				return cached, nil
			}
		}
		m.metrics.Fetches.WithLabelValues(metrics.OutcomeError).Inc()
		return nil, err
	}

	m.metrics.Fetches.WithLabelValues(metrics.OutcomeMiss).Inc()
	if _, installed := m.precached[key]; !installed && m.cacheable(r, resp) {
		m.storeAsync(key, target, r.Header, resp)
	}
	return resp, nil
}

// match looks key up in the current generation and checks the stored Vary
// snapshot against the request headers. Lookup errors count as misses.
func (m *Manager) match(ctx context.Context, key string, reqHeader http.Header) (*Response, bool) {
	entry, ok := m.entry(ctx, key)
	if !ok || !entry.MatchesVary(reqHeader) {
		return nil, false
	}
	return responseFromEntry(entry, SourceCache), true
}

// lookup returns the entry stored under key regardless of Vary.
func (m *Manager) lookup(ctx context.Context, key string) (*Response, bool) {
	entry, ok := m.entry(ctx, key)
	if !ok {
		return nil, false
	}
	return responseFromEntry(entry, SourceCache), true
}

func (m *Manager) entry(ctx context.Context, key string) (cache.Entry, bool) {
	entry, ok, err := m.store.Get(ctx, m.version, key)
	if err != nil {
		if !errors.Is(err, cache.ErrNoGeneration) {
			m.logger.Warn("cache lookup failed", slog.String("key", key), slog.String("error", err.Error()))
		}
		return cache.Entry{}, false
	}
	return entry, ok
}

func (m *Manager) fromNetwork(ctx context.Context, r *http.Request, target *url.URL) (*Response, error) {
	resp, err := m.fetcher.Fetch(ctx, r)
	if err != nil {
		return nil, err
	}
	body, err := readBody(resp)
	if err != nil {
		return nil, err
	}

	typ := TypeOpaque
	if m.sameOrigin(target) {
		typ = TypeBasic
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		Type:       typ,
		Source:     SourceNetwork,
		// The client records the redirect response on the follow-up request.
		Redirected: resp.Request != nil && resp.Request.Response != nil,
	}, nil
}

// cacheable admits only successful, non-redirected, same-origin GET responses.
func (m *Manager) cacheable(r *http.Request, resp *Response) bool {
	if r.Method != http.MethodGet {
		return false
	}
	if resp.Type != TypeBasic || resp.Redirected {
		return false
	}
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// storeAsync writes a duplicate of resp without delaying the caller. Failures are dropped.
func (m *Manager) storeAsync(key string, target *url.URL, reqHeader http.Header, resp *Response) {
	vary, ok := cache.VarySnapshot(reqHeader, resp.Header)
	if !ok {
		return
	}

	rec := cache.Record{
		Key: key,
		Entry: cache.Entry{
			URL:        target.String(),
			StatusCode: resp.StatusCode,
			Header:     resp.Header.Clone(),
			Body:       append([]byte(nil), resp.Body...),
			Vary:       vary,
			StoredAt:   time.Now().UTC(),
		},
	}

	m.pending.Add(1)
	go func() {
		defer m.pending.Done()

		ctx, cancel := context.WithTimeout(context.Background(), cacheWriteTimeout)
		defer cancel()

		if err := m.store.Put(ctx, m.version, rec); err != nil {
			m.metrics.CacheWriteFailures.Inc()
			m.logger.Debug("cache write dropped", slog.String("key", key), slog.String("error", err.Error()))
		}
	}()
}

// IsNavigation reports whether r is a top-level page navigation. Browsers say
// so with Sec-Fetch-Mode; older clients are recognised by a GET accepting HTML.
func IsNavigation(r *http.Request) bool {
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return strings.EqualFold(mode, "navigate")
	}
	if r.Method != http.MethodGet {
		return false
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}
