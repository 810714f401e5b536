package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/NoahCxrest/offline-cache-gateway/internal/cache"
	"github.com/NoahCxrest/offline-cache-gateway/internal/cache/memstore"
	"github.com/NoahCxrest/offline-cache-gateway/internal/cache/redisstore"
	"github.com/NoahCxrest/offline-cache-gateway/internal/cache/sqlitestore"
	"github.com/NoahCxrest/offline-cache-gateway/internal/config"
	"github.com/NoahCxrest/offline-cache-gateway/internal/host"
	"github.com/NoahCxrest/offline-cache-gateway/internal/lifecycle"
	"github.com/NoahCxrest/offline-cache-gateway/internal/manifest"
	"github.com/NoahCxrest/offline-cache-gateway/internal/metrics"
	"github.com/NoahCxrest/offline-cache-gateway/internal/proxy"
	"github.com/NoahCxrest/offline-cache-gateway/internal/server"
	"github.com/NoahCxrest/offline-cache-gateway/internal/server/admin"
	"github.com/NoahCxrest/offline-cache-gateway/internal/transport"
	"github.com/NoahCxrest/offline-cache-gateway/internal/upstream"
)

// App wires configuration, dependencies, and the HTTP server together.
type App struct {
	cfg       config.Config
	logger    *slog.Logger
	store     cache.Store
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	forwarder *proxy.Forwarder
	public    *url.URL
	host      *host.Host
	httpSrv   *http.Server

	mu           sync.Mutex
	manifest     manifest.Manifest
	cancelRetry  context.CancelFunc
	registerDone sync.WaitGroup
}

// NewLogger builds the JSON logger used by every component.
func NewLogger(cfg config.Config) *slog.Logger {
	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

// OpenStore opens the cache generation backend selected by cfg.Store.Driver.
func OpenStore(cfg config.Config) (cache.Store, error) {
	switch cfg.Store.Driver {
	case config.StoreMemory:
		return memstore.New(), nil
	case config.StoreRedis:
		s, err := redisstore.New(cfg.Store.RedisURL, cfg.Store.RedisPrefix)
		if err != nil {
			return nil, fmt.Errorf("setup redis: %w", err)
		}
		return s, nil
	case config.StoreSQLite:
		s, err := sqlitestore.Open(cfg.Store.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("setup sqlite: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Store.Driver)
	}
}

// New creates a fully initialised application.
func New(cfg config.Config) (*App, error) {
	logger := NewLogger(cfg)

	m, err := manifest.Load(cfg.ManifestPath)
	if err != nil {
		return nil, fmt.Errorf("load manifest: %w", err)
	}

	origins, err := upstream.ParseOrigins(cfg.Origins)
	if err != nil {
		return nil, fmt.Errorf("parse origins: %w", err)
	}
	public, err := upstream.ParsePublicOrigin(cfg.PublicOrigin)
	if err != nil {
		return nil, fmt.Errorf("parse public origin: %w", err)
	}

	var crossOrigins []*url.URL
	if len(cfg.CrossOrigins) > 0 {
		if crossOrigins, err = upstream.ParseOrigins(cfg.CrossOrigins); err != nil {
			return nil, fmt.Errorf("parse cross origins: %w", err)
		}
	}

	store, err := OpenStore(cfg)
	if err != nil {
		return nil, err
	}

	registry := metrics.NewRegistry()
	a := &App{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		registry: registry,
		metrics:  metrics.New(registry),
		forwarder: &proxy.Forwarder{
			Client:         transport.NewHTTPClient(cfg),
			Logger:         logger,
			Pool:           upstream.NewPool(origins),
			PublicOrigin:   public,
			CrossOrigins:   crossOrigins,
			RequestTimeout: cfg.RequestTimeout,
		},
		public:   public,
		manifest: m,
	}
	a.host = host.New(a.forwarder, logger)

	handler := server.NewHandler(a.host, admin.New(a.host, store, a.NewManager, logger), registry)
	a.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           instrumentHandler(handler, logger),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.RequestTimeout + cfg.TransportTimeout,
		WriteTimeout:      cfg.TransportTimeout + cfg.RequestTimeout,
		IdleTimeout:       cfg.IdleConnTimeout,
	}
	return a, nil
}

// Store returns the cache generation backend.
func (a *App) Store() cache.Store {
	return a.store
}

// Manifest returns the descriptor new managers are built from.
func (a *App) Manifest() manifest.Manifest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.manifest
}

// NewManager builds a lifecycle manager for the current descriptor.
func (a *App) NewManager() (*lifecycle.Manager, error) {
	m := a.Manifest()
	return lifecycle.New(lifecycle.Options{
		Version:  m.Version,
		Assets:   m.Assets,
		Fallback: m.Fallback,
		Origin:   a.public,
		Store:    a.store,
		Fetcher:  a.forwarder,
		Logger:   a.logger,
		Metrics:  a.metrics,
	})
}

// Install registers the current descriptor once, without retrying.
func (a *App) Install(ctx context.Context) (*lifecycle.Manager, error) {
	m, err := a.NewManager()
	if err != nil {
		return nil, err
	}
	if err := a.host.Register(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Close flushes background cache writes and releases the store.
func (a *App) Close() error {
	a.host.Wait()
	return a.store.Close()
}

// Run blocks until the server shuts down or the context is cancelled.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	defer func() {
		cancel()
		a.registerDone.Wait()
		if err := a.Close(); err != nil {
			a.logger.Warn("cache close failed", slog.String("error", err.Error()))
		}
	}()

	go func() {
		a.logger.Info("gateway starting",
			slog.String("addr", a.cfg.ListenAddr),
			slog.String("public_origin", a.public.String()),
			slog.String("store", string(a.cfg.Store.Driver)))
		err := a.httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		} else {
			errCh <- nil
		}
	}()

	a.registerLatest(ctx)

	if a.cfg.WatchManifest && a.cfg.ManifestPath != "" {
		a.registerDone.Add(1)
		go func() {
			defer a.registerDone.Done()
			err := manifest.Watch(ctx, a.cfg.ManifestPath, a.Manifest(), a.logger, func(next manifest.Manifest) {
				a.mu.Lock()
				a.manifest = next
				a.mu.Unlock()
				a.registerLatest(ctx)
			})
			if err != nil {
				a.logger.Error("manifest watch stopped", slog.String("error", err.Error()))
			}
		}()
	}

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// registerLatest starts registering the current descriptor in the background,
// abandoning any registration still retrying for an older one.
func (a *App) registerLatest(ctx context.Context) {
	m, err := a.NewManager()
	if err != nil {
		a.logger.Error("build manager failed", slog.String("error", err.Error()))
		return
	}

	a.mu.Lock()
	if a.cancelRetry != nil {
		a.cancelRetry()
	}
	retryCtx, cancel := context.WithCancel(ctx)
	a.cancelRetry = cancel
	a.mu.Unlock()

	a.registerDone.Add(1)
	go func() {
		defer a.registerDone.Done()
		defer cancel()
		if err := a.host.RegisterWithRetry(retryCtx, m, a.cfg.InstallRetryInterval); err != nil {
			a.logger.Debug("registration abandoned", slog.String("version", m.Version()), slog.String("error", err.Error()))
		}
	}()
}

func instrumentHandler(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("handled request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("remote", r.RemoteAddr),
			slog.Duration("duration", time.Since(start)))
	})
}
