// Package host drives lifecycle managers the way a browser drives a service
// worker: it installs and activates each registered version, hands control
// to it, and routes every intercepted request through the controller.
package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NoahCxrest/offline-cache-gateway/internal/lifecycle"
	"github.com/NoahCxrest/offline-cache-gateway/internal/proxy"
)

const (
	headerCache       = "X-Cache"
	headerContentType = "Content-Type"
	contentTypeJSON   = "application/json"
)

// Host owns the controlling manager.
type Host struct {
	network lifecycle.Fetcher
	logger  *slog.Logger

	register   sync.Mutex
	controller atomic.Pointer[lifecycle.Manager]
}

// New constructs a host. network serves requests while no manager is in control.
func New(network lifecycle.Fetcher, logger *slog.Logger) *Host {
	return &Host{
		network: network,
		logger:  logger.With(slog.String("component", "host")),
	}
}

// Controller returns the manager in control, or nil.
func (h *Host) Controller() *lifecycle.Manager {
	return h.controller.Load()
}

// Register installs m, activates it and makes it the controller. When install
// fails the current controller stays in place. Registering the version that is
// already in control is a no-op.
func (h *Host) Register(ctx context.Context, m *lifecycle.Manager) error {
	h.register.Lock()
	defer h.register.Unlock()

	prev := h.controller.Load()
	if prev == m || (prev != nil && prev.Version() == m.Version() && prev.State() == lifecycle.StateActive) {
		return nil
	}

	if err := m.OnInstall(ctx); err != nil {
		return fmt.Errorf("install %s: %w", m.Version(), err)
	}
	if !m.SkipWaiting() {
		return fmt.Errorf("install %s: manager must skip waiting", m.Version())
	}
	if err := m.OnActivate(ctx); err != nil {
		return fmt.Errorf("activate %s: %w", m.Version(), err)
	}

	// Claim: requests from now on are served by m.
	h.controller.Store(m)
	if prev != nil {
		prev.Supersede()
	}

	attrs := []any{slog.String("version", m.Version())}
	if prev != nil {
		attrs = append(attrs, slog.String("previous", prev.Version()))
	}
	h.logger.Info("controller changed", attrs...)
	return nil
}

// RegisterWithRetry calls Register until it succeeds or ctx is done, waiting
// interval between attempts.
func (h *Host) RegisterWithRetry(ctx context.Context, m *lifecycle.Manager, interval time.Duration) error {
	for {
		err := h.Register(ctx, m)
		if err == nil {
			return nil
		}
		h.logger.Warn("registration failed, will retry",
			slog.String("version", m.Version()),
			slog.Duration("retry_in", interval),
			slog.String("error", err.Error()))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Wait blocks until the controller has flushed its background cache writes.
func (h *Host) Wait() {
	if m := h.controller.Load(); m != nil {
		m.Wait()
	}
}

// ServeHTTP implements http.Handler.
func (h *Host) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m := h.controller.Load()
	if m == nil {
		h.passThrough(w, r)
		return
	}

	resp, err := m.OnFetch(r.Context(), r)
	if err != nil {
		h.logger.Warn("fetch failed", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("error", err.Error()))
		respondError(w, statusFor(err), err)
		return
	}

	copyHeaders(w.Header(), resp.Header)
	w.Header().Set(headerCache, cacheStatus(resp.Source))
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}

func (h *Host) passThrough(w http.ResponseWriter, r *http.Request) {
	resp, err := h.network.Fetch(r.Context(), r)
	if err != nil {
		h.logger.Warn("pass-through failed", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
		respondError(w, statusFor(err), err)
		return
	}
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	buf := make([]byte, 32*1024)
	if _, err := io.CopyBuffer(w, resp.Body, buf); err != nil {
		h.logger.Debug("pass-through copy aborted", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
	}
}

func cacheStatus(src lifecycle.Source) string {
	switch src {
	case lifecycle.SourceCache:
		return "HIT"
	case lifecycle.SourceFallback:
		return "FALLBACK"
	default:
		return "MISS"
	}
}

// statusFor maps a fetch error to the status returned to the client.
func statusFor(err error) int {
	if errors.Is(err, proxy.ErrOriginNotAllowed) {
		return http.StatusForbidden
	}
	return http.StatusBadGateway
}

func respondError(w http.ResponseWriter, status int, err error) {
	w.Header().Set(headerContentType, contentTypeJSON)
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, `{"error":"%s"}`, sanitizeError(err))
}

func sanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return strings.ReplaceAll(err.Error(), "\"", "'")
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
