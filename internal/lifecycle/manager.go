package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/NoahCxrest/offline-cache-gateway/internal/cache"
	"github.com/NoahCxrest/offline-cache-gateway/internal/metrics"
)

const cacheWriteTimeout = 2 * time.Second

// Fetcher performs a request against the network.
type Fetcher interface {
	Fetch(ctx context.Context, r *http.Request) (*http.Response, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, r *http.Request) (*http.Response, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	return f(ctx, r)
}

// Worker is the set of hooks a host drives.
type Worker interface {
	OnInstall(ctx context.Context) error
	OnActivate(ctx context.Context) error
	OnFetch(ctx context.Context, r *http.Request) (*Response, error)
}

// Options configures a Manager.
type Options struct {
	// Version names the cache generation owned by the manager.
	Version string
	// Assets are origin-relative paths populated during install. Fallback is
	// added when missing.
	Assets []string
	// Fallback is the path served to navigations when the network fails.
	Fallback string
	// Origin is the public scheme and host requests are resolved against.
	Origin  *url.URL
	Store   cache.Store
	Fetcher Fetcher
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Manager owns one cache generation and serves intercepted requests cache-first.
type Manager struct {
	version  string
	assets   []string
	fallback string
	origin   *url.URL
	store    cache.Store
	fetcher  Fetcher
	logger   *slog.Logger
	metrics  *metrics.Metrics

	// precached holds the request keys of the manifest assets.
	precached map[string]struct{}

	mu      sync.RWMutex
	state   State
	sgroup  singleflight.Group
	pending sync.WaitGroup
}

var _ Worker = (*Manager)(nil)

// New constructs a manager in StateParsed.
func New(opts Options) (*Manager, error) {
	if strings.TrimSpace(opts.Version) == "" {
		return nil, errors.New("version is required")
	}
	if opts.Origin == nil || opts.Origin.Scheme == "" || opts.Origin.Host == "" {
		return nil, errors.New("origin must be an absolute url")
	}
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}
	fallback := opts.Fallback
	if fallback == "" {
		fallback = "/index.html"
	}

	origin := &url.URL{Scheme: opts.Origin.Scheme, Host: opts.Origin.Host}

	// The fallback document is always installed so it can be served offline.
	assets := append([]string(nil), opts.Assets...)
	if !slices.Contains(assets, fallback) {
		assets = append(assets, fallback)
	}

	m := &Manager{
		version:  opts.Version,
		assets:   assets,
		fallback: fallback,
		origin:   origin,
		store:    opts.Store,
		fetcher:  opts.Fetcher,
		logger:   opts.Logger.With(slog.String("component", "lifecycle"), slog.String("version", opts.Version)),
		metrics:  opts.Metrics,
		state:    StateParsed,
	}
	m.precached = make(map[string]struct{}, len(m.assets))
	for _, path := range m.assets {
		m.precached[cache.RequestKey(http.MethodGet, m.resolve(&url.URL{Path: path}))] = struct{}{}
	}
	return m, nil
}

// Version returns the generation name owned by the manager.
func (m *Manager) Version() string {
	return m.version
}

// Assets returns a copy of the install manifest.
func (m *Manager) Assets() []string {
	return append([]string(nil), m.assets...)
}

// SkipWaiting reports whether the manager may activate as soon as it is
// installed instead of waiting for existing clients to go away.
func (m *Manager) SkipWaiting() bool {
	return true
}

// OnInstall populates the generation with every manifest asset. Either all
// assets are stored or none are. Concurrent calls share one attempt.
func (m *Manager) OnInstall(ctx context.Context) error {
	_, err, _ := m.sgroup.Do("install", func() (any, error) {
		return nil, m.install(ctx)
	})
	return err
}

func (m *Manager) install(ctx context.Context) error {
	if err := m.transition(StateInstalling, StateParsed, StateRedundant); err != nil {
		return err
	}

	start := time.Now()
	if err := m.populate(ctx); err != nil {
		m.setState(StateRedundant)
		m.metrics.Installs.WithLabelValues("failure").Inc()
		m.logger.Warn("install failed", slog.String("error", err.Error()))
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	m.setState(StateInstalled)
	m.metrics.Installs.WithLabelValues("success").Inc()
	m.logger.Info("installed", slog.Int("assets", len(m.assets)), slog.Duration("duration", time.Since(start)))
	return nil
}

func (m *Manager) populate(ctx context.Context) error {
	if err := m.store.Open(ctx, m.version); err != nil {
		return fmt.Errorf("open generation: %w", err)
	}

	records := make([]cache.Record, len(m.assets))
	g, gctx := errgroup.WithContext(ctx)
	for i, path := range m.assets {
		g.Go(func() error {
			rec, err := m.fetchAsset(gctx, path)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", path, err)
			}
			records[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := m.store.Put(ctx, m.version, records...); err != nil {
		return fmt.Errorf("store assets: %w", err)
	}
	return nil
}

func (m *Manager) fetchAsset(ctx context.Context, path string) (cache.Record, error) {
	u := m.resolve(&url.URL{Path: path})
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return cache.Record{}, err
	}

	resp, err := m.fetcher.Fetch(ctx, req)
	if err != nil {
		return cache.Record{}, err
	}
	body, err := readBody(resp)
	if err != nil {
		return cache.Record{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return cache.Record{}, fmt.Errorf("unexpected status %s", resp.Status)
	}

	vary, ok := cache.VarySnapshot(req.Header, resp.Header)
	if !ok {
		return cache.Record{}, errors.New("response varies on *")
	}

	return cache.Record{
		Key: cache.RequestKey(http.MethodGet, u),
		Entry: cache.Entry{
			URL:        u.String(),
			StatusCode: resp.StatusCode,
			Header:     resp.Header.Clone(),
			Body:       body,
			Vary:       vary,
			StoredAt:   time.Now().UTC(),
		},
	}, nil
}

// OnActivate deletes every generation other than the manager's own. Failures
// to delete are logged and left for a later activation.
func (m *Manager) OnActivate(ctx context.Context) error {
	if err := m.transition(StateActivating, StateInstalled); err != nil {
		return err
	}

	names, err := m.store.Generations(ctx)
	if err != nil {
		m.logger.Warn("list generations failed", slog.String("error", err.Error()))
	}
	for _, name := range names {
		if name == m.version {
			continue
		}
		existed, err := m.store.Delete(ctx, name)
		if err != nil {
			m.metrics.EvictionFailures.Inc()
			m.logger.Warn("evict generation failed", slog.String("generation", name), slog.String("error", err.Error()))
			continue
		}
		if existed {
			m.metrics.Evictions.Inc()
			m.logger.Info("evicted generation", slog.String("generation", name))
		}
	}

	m.setState(StateActive)
	m.metrics.ActiveVersion.WithLabelValues(m.version).Set(1)
	return nil
}

// Supersede retires an active manager after a newer one took control.
func (m *Manager) Supersede() {
	m.setState(StateSuperseded)
	m.metrics.ActiveVersion.DeleteLabelValues(m.version)
}

// Wait blocks until background cache writes started by OnFetch have finished.
func (m *Manager) Wait() {
	m.pending.Wait()
}

// resolve turns an origin-relative or absolute request URL into an absolute one.
func (m *Manager) resolve(u *url.URL) *url.URL {
	if u.IsAbs() && u.Host != "" {
		clone := *u
		return &clone
	}
	out := *m.origin
	out.Path = u.Path
	out.RawPath = u.RawPath
	out.RawQuery = u.RawQuery
	if out.Path == "" {
		out.Path = "/"
	}
	return &out
}

func (m *Manager) sameOrigin(u *url.URL) bool {
	return strings.EqualFold(u.Scheme, m.origin.Scheme) && strings.EqualFold(u.Host, m.origin.Host)
}

func readBody(resp *http.Response) ([]byte, error) {
	if resp.Body == nil {
		return nil, nil
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}
