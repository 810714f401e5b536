package host

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NoahCxrest/offline-cache-gateway/internal/cache"
	"github.com/NoahCxrest/offline-cache-gateway/internal/cache/memstore"
	"github.com/NoahCxrest/offline-cache-gateway/internal/lifecycle"
	"github.com/NoahCxrest/offline-cache-gateway/internal/proxy"
	"github.com/NoahCxrest/offline-cache-gateway/internal/upstream"
)

const publicOrigin = "http://wallet.example"

var assets = []string{"/", "/index.html", "/manifest.json", "/favicon.ico"}

type origin struct {
	srv     *httptest.Server
	mu      sync.Mutex
	hits    map[string]int
	failing atomic.Int32
}

func newOrigin(t *testing.T) *origin {
	t.Helper()
	o := &origin{hits: map[string]int{}}
	o.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.mu.Lock()
		o.hits[r.URL.Path]++
		o.mu.Unlock()

		if r.URL.Path == "/favicon.ico" && o.failing.Load() > 0 {
			o.failing.Add(-1)
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		switch r.URL.Path {
		case "/", "/index.html":
			w.Header().Set("Content-Type", "text/html")
			_, _ = io.WriteString(w, "<html>wallet</html>")
		case "/manifest.json", "/api/balance":
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"name":"wallet"}`)
		case "/favicon.ico":
			_, _ = io.WriteString(w, "ico")
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(o.srv.Close)
	return o
}

func (o *origin) count(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[path]
}

type fixture struct {
	origin *origin
	store  cache.Store
	fwd    *proxy.Forwarder
	host   *Host
	logger *slog.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	o := newOrigin(t)
	u, err := url.Parse(o.srv.URL)
	require.NoError(t, err)
	public, err := url.Parse(publicOrigin)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fwd := &proxy.Forwarder{
		Client:         o.srv.Client(),
		Logger:         logger,
		Pool:           upstream.NewPool([]*url.URL{u}),
		PublicOrigin:   public,
		RequestTimeout: 2 * time.Second,
	}
	return &fixture{origin: o, store: memstore.New(), fwd: fwd, host: New(fwd, logger), logger: logger}
}

func (f *fixture) manager(t *testing.T, version string) *lifecycle.Manager {
	t.Helper()
	public, _ := url.Parse(publicOrigin)
	m, err := lifecycle.New(lifecycle.Options{
		Version: version,
		Assets:  assets,
		Origin:  public,
		Store:   f.store,
		Fetcher: f.fwd,
		Logger:  f.logger,
	})
	require.NoError(t, err)
	return m
}

func serve(h http.Handler, method, target string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestPassThroughWithoutController(t *testing.T) {
	f := newFixture(t)

	rec := serve(f.host, http.MethodGet, "/api/balance", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `{"name":"wallet"}`, rec.Body.String())
	assert.Empty(t, rec.Header().Get("X-Cache"))
	assert.Nil(t, f.host.Controller())
}

func TestRegisterTakesControl(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t, "cache-v1")

	require.NoError(t, f.host.Register(context.Background(), m))
	assert.Same(t, m, f.host.Controller())
	assert.Equal(t, lifecycle.StateActive, m.State())

	rec := serve(f.host, http.MethodGet, "/index.html", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "HIT", rec.Header().Get("X-Cache"))
	assert.Equal(t, "<html>wallet</html>", rec.Body.String())
	assert.Equal(t, 1, f.origin.count("/index.html"))
}

func TestMissThenHit(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.host.Register(context.Background(), f.manager(t, "cache-v1")))

	rec := serve(f.host, http.MethodGet, "/api/balance", nil)
	assert.Equal(t, "MISS", rec.Header().Get("X-Cache"))
	f.host.Wait()

	rec = serve(f.host, http.MethodGet, "/api/balance", nil)
	assert.Equal(t, "HIT", rec.Header().Get("X-Cache"))
	assert.Equal(t, `{"name":"wallet"}`, rec.Body.String())
	assert.Equal(t, 1, f.origin.count("/api/balance"))
}

func TestRegisterNewVersionSupersedes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	v1 := f.manager(t, "cache-v1")
	v2 := f.manager(t, "cache-v2")

	require.NoError(t, f.host.Register(ctx, v1))
	require.NoError(t, f.host.Register(ctx, v2))

	assert.Same(t, v2, f.host.Controller())
	assert.Equal(t, lifecycle.StateSuperseded, v1.State())

	names, err := f.store.Generations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"cache-v2"}, names)
}

func TestRegisterSameVersionIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.host.Register(ctx, f.manager(t, "cache-v1")))
	first := f.host.Controller()

	require.NoError(t, f.host.Register(ctx, f.manager(t, "cache-v1")))
	assert.Same(t, first, f.host.Controller())
	assert.Equal(t, 1, f.origin.count("/favicon.ico"))
}

func TestFailedInstallKeepsController(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	v1 := f.manager(t, "cache-v1")
	require.NoError(t, f.host.Register(ctx, v1))

	f.origin.failing.Store(1)
	v2 := f.manager(t, "cache-v2")
	err := f.host.Register(ctx, v2)
	require.ErrorIs(t, err, lifecycle.ErrInstallFailed)

	assert.Same(t, v1, f.host.Controller())
	assert.Equal(t, lifecycle.StateActive, v1.State())
	assert.Equal(t, lifecycle.StateRedundant, v2.State())

	rec := serve(f.host, http.MethodGet, "/", nil)
	assert.Equal(t, "HIT", rec.Header().Get("X-Cache"))
}

func TestRegisterWithRetry(t *testing.T) {
	f := newFixture(t)
	f.origin.failing.Store(2)
	m := f.manager(t, "cache-v1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.host.RegisterWithRetry(ctx, m, 10*time.Millisecond))
	assert.Same(t, m, f.host.Controller())
	assert.Equal(t, 3, f.origin.count("/favicon.ico"))
}

func TestRegisterWithRetryStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	f.origin.failing.Store(1 << 20)
	m := f.manager(t, "cache-v1")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := f.host.RegisterWithRetry(ctx, m, 10*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, f.host.Controller())
}

func TestOfflineBehaviour(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.host.Register(context.Background(), f.manager(t, "cache-v1")))
	f.origin.srv.Close()

	rec := serve(f.host, http.MethodGet, "/transactions", map[string]string{"Sec-Fetch-Mode": "navigate"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "FALLBACK", rec.Header().Get("X-Cache"))
	assert.Equal(t, "<html>wallet</html>", rec.Body.String())

	rec = serve(f.host, http.MethodGet, "/api/history", map[string]string{"Sec-Fetch-Mode": "cors"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), `"error"`)
}

func TestUnlistedCrossOriginIsForbidden(t *testing.T) {
	f := newFixture(t)

	rec := serve(f.host, http.MethodGet, "http://169.254.169.254/latest/meta-data/", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "not allowed")

	require.NoError(t, f.host.Register(context.Background(), f.manager(t, "cache-v1")))
	rec = serve(f.host, http.MethodGet, "http://169.254.169.254/latest/meta-data/", map[string]string{"Sec-Fetch-Mode": "cors"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}
