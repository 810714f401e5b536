package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NoahCxrest/offline-cache-gateway/internal/cache/memstore"
	"github.com/NoahCxrest/offline-cache-gateway/internal/host"
	"github.com/NoahCxrest/offline-cache-gateway/internal/lifecycle"
	"github.com/NoahCxrest/offline-cache-gateway/internal/metrics"
	"github.com/NoahCxrest/offline-cache-gateway/internal/proxy"
	"github.com/NoahCxrest/offline-cache-gateway/internal/server/admin"
	"github.com/NoahCxrest/offline-cache-gateway/internal/upstream"
)

type env struct {
	handler http.Handler
	host    *host.Host
	version string
	broken  bool
}

func newEnv(t *testing.T) *env {
	t.Helper()
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "asset:"+r.URL.Path)
	}))
	t.Cleanup(origin.Close)

	u, err := url.Parse(origin.URL)
	require.NoError(t, err)
	public, err := url.Parse("http://wallet.example")
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := metrics.NewRegistry()
	m := metrics.New(reg)
	store := memstore.New()
	fwd := &proxy.Forwarder{
		Client:         origin.Client(),
		Logger:         logger,
		Pool:           upstream.NewPool([]*url.URL{u}),
		PublicOrigin:   public,
		RequestTimeout: 2 * time.Second,
	}
	h := host.New(fwd, logger)

	e := &env{host: h, version: "cache-v1"}
	build := func() (*lifecycle.Manager, error) {
		if e.broken {
			return nil, errors.New("manifest unavailable")
		}
		return lifecycle.New(lifecycle.Options{
			Version: e.version,
			Assets:  []string{"/", "/index.html"},
			Origin:  public,
			Store:   store,
			Fetcher: fwd,
			Logger:  logger,
			Metrics: m,
		})
	}
	e.handler = NewHandler(h, admin.New(h, store, build, logger), reg)
	return e
}

func (e *env) do(method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestStatusWithoutController(t *testing.T) {
	e := newEnv(t)

	rec := e.do(http.MethodGet, "/_sw/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, admin.Status{State: "none"}, decode[admin.Status](t, rec))
}

func TestRegisterAndStatus(t *testing.T) {
	e := newEnv(t)

	rec := e.do(http.MethodPost, "/_sw/register")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, admin.Status{Version: "cache-v1", State: "active", Controller: true}, decode[admin.Status](t, rec))

	rec = e.do(http.MethodGet, "/_sw/generations")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []admin.Generation{{Name: "cache-v1", Entries: 2, Active: true}}, decode[[]admin.Generation](t, rec))

	e.version = "cache-v2"
	rec = e.do(http.MethodPost, "/_sw/register")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(http.MethodGet, "/_sw/generations")
	assert.Equal(t, []admin.Generation{{Name: "cache-v2", Entries: 2, Active: true}}, decode[[]admin.Generation](t, rec))
}

func TestRegisterBuildFailure(t *testing.T) {
	e := newEnv(t)
	e.broken = true

	rec := e.do(http.MethodPost, "/_sw/register")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, map[string]string{"error": "manifest unavailable"}, decode[map[string]string](t, rec))
	assert.Nil(t, e.host.Controller())
}

func TestUnknownControlEndpoint(t *testing.T) {
	e := newEnv(t)

	assert.Equal(t, http.StatusNotFound, e.do(http.MethodGet, "/_sw/register").Code)
	assert.Equal(t, http.StatusNotFound, e.do(http.MethodGet, "/_sw/nope").Code)
}

func TestRootRoutesThroughHost(t *testing.T) {
	e := newEnv(t)

	rec := e.do(http.MethodGet, "/index.html")
	assert.Equal(t, "asset:/index.html", rec.Body.String())
	assert.Empty(t, rec.Header().Get("X-Cache"))

	require.Equal(t, http.StatusOK, e.do(http.MethodPost, "/_sw/register").Code)
	rec = e.do(http.MethodGet, "/index.html")
	assert.Equal(t, "HIT", rec.Header().Get("X-Cache"))
	assert.Equal(t, "asset:/index.html", rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	e := newEnv(t)
	require.Equal(t, http.StatusOK, e.do(http.MethodPost, "/_sw/register").Code)
	e.do(http.MethodGet, "/")

	rec := e.do(http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `offlinecache_fetches_total{outcome="hit"} 1`)
	assert.Contains(t, body, `offlinecache_installs_total{result="success"} 1`)
	assert.Contains(t, body, `offlinecache_active_version{version="cache-v1"} 1`)
}
