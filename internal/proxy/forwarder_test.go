package proxy

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NoahCxrest/offline-cache-gateway/internal/upstream"
)

func newForwarder(t *testing.T, origin *httptest.Server) *Forwarder {
	t.Helper()
	u, err := url.Parse(origin.URL)
	require.NoError(t, err)
	public, err := url.Parse("https://wallet.example")
	require.NoError(t, err)

	return &Forwarder{
		Client:         origin.Client(),
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		Pool:           upstream.NewPool([]*url.URL{u}),
		PublicOrigin:   public,
		RequestTimeout: 2 * time.Second,
	}
}

func TestFetchRoutesToOrigin(t *testing.T) {
	var got *http.Request
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))
	defer origin.Close()

	f := newForwarder(t, origin)
	req := httptest.NewRequest(http.MethodGet, "/api/balance?user=1", nil)
	req.Header.Set("Proxy-Authorization", "secret")
	req.RemoteAddr = "10.0.0.7:5555"

	resp, err := f.Fetch(context.Background(), req)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	assert.Equal(t, `{"ok":true}`, string(body))
	assert.Empty(t, resp.Header.Get("Connection"))
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	require.NotNil(t, got)
	assert.Equal(t, "/api/balance", got.URL.Path)
	assert.Equal(t, "user=1", got.URL.RawQuery)
	assert.Empty(t, got.Header.Get("Proxy-Authorization"))
	assert.Equal(t, "10.0.0.7", got.Header.Get("X-Forwarded-For"))
	assert.Equal(t, "example.com", got.Header.Get("X-Forwarded-Host"))
}

func TestFetchPublicOriginAbsoluteURLUsesPool(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "origin:"+r.URL.Path)
	}))
	defer origin.Close()

	f := newForwarder(t, origin)
	req, err := http.NewRequest(http.MethodGet, "https://wallet.example/index.html", nil)
	require.NoError(t, err)

	resp, err := f.Fetch(context.Background(), req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "origin:/index.html", string(body))
}

func TestFetchCrossOriginGoesDirect(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "origin")
	}))
	defer origin.Close()
	cdn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "cdn")
	}))
	defer cdn.Close()

	f := newForwarder(t, origin)
	cdnURL, err := url.Parse(cdn.URL)
	require.NoError(t, err)
	f.CrossOrigins = []*url.URL{cdnURL}

	req, err := http.NewRequest(http.MethodGet, cdn.URL+"/font.woff2", nil)
	require.NoError(t, err)

	resp, err := f.Fetch(context.Background(), req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "cdn", string(body))
}

func TestFetchRefusesUnlistedHost(t *testing.T) {
	var hits atomic.Int32
	internal := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = io.WriteString(w, "secret")
	}))
	defer internal.Close()
	origin := httptest.NewServer(http.NotFoundHandler())
	defer origin.Close()

	f := newForwarder(t, origin)
	req, err := http.NewRequest(http.MethodGet, internal.URL+"/latest/meta-data/", nil)
	require.NoError(t, err)

	resp, err := f.Fetch(context.Background(), req)
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, ErrOriginNotAllowed)
	assert.Zero(t, hits.Load())
}

func TestFetchForwardsBody(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		_, _ = io.WriteString(w, r.Method+":"+string(b))
	}))
	defer origin.Close()

	f := newForwarder(t, origin)
	req := httptest.NewRequest(http.MethodPost, "/api/deposit", strings.NewReader(`{"amount":50}`))

	resp, err := f.Fetch(context.Background(), req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, `POST:{"amount":50}`, string(body))
}

func TestFetchNetworkError(t *testing.T) {
	origin := httptest.NewServer(http.NotFoundHandler())
	f := newForwarder(t, origin)
	origin.Close()

	_, err := f.Fetch(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Error(t, err)
}

func TestFetchWithoutClient(t *testing.T) {
	f := &Forwarder{}
	_, err := f.Fetch(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Error(t, err)
}
