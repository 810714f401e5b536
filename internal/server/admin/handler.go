package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/NoahCxrest/offline-cache-gateway/internal/cache"
	"github.com/NoahCxrest/offline-cache-gateway/internal/host"
	"github.com/NoahCxrest/offline-cache-gateway/internal/lifecycle"
)

const (
	headerContentType = "Content-Type"
	contentTypeJSON   = "application/json"
)

// ManagerFactory builds a manager for the currently configured manifest.
type ManagerFactory func() (*lifecycle.Manager, error)

// Handler serves the /_sw/ control endpoints.
type Handler struct {
	host   *host.Host
	store  cache.Store
	build  ManagerFactory
	logger *slog.Logger
}

// Status describes the controller.
type Status struct {
	Version    string `json:"version"`
	State      string `json:"state"`
	Controller bool   `json:"controller"`
}

// Generation describes one stored cache generation.
type Generation struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
	Active  bool   `json:"active"`
}

// New constructs an admin handler.
func New(h *host.Host, store cache.Store, build ManagerFactory, logger *slog.Logger) *Handler {
	return &Handler{
		host:   h,
		store:  store,
		build:  build,
		logger: logger.With(slog.String("component", "admin-handler")),
	}
}

// Routes registers the control endpoints on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /_sw/register", h.handleRegister)
	mux.HandleFunc("GET /_sw/status", h.handleStatus)
	mux.HandleFunc("GET /_sw/generations", h.handleGenerations)
	mux.HandleFunc("/_sw/", func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusNotFound, fmt.Errorf("unknown control endpoint %s %s", r.Method, r.URL.Path))
	})
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	m, err := h.build()
	if err != nil {
		h.logger.Error("build manager failed", slog.String("error", err.Error()))
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	if err := h.host.Register(r.Context(), m); err != nil {
		h.logger.Warn("manual registration failed", slog.String("version", m.Version()), slog.String("error", err.Error()))
		status := http.StatusBadGateway
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		respondError(w, status, err)
		return
	}

	respondJSON(w, http.StatusOK, h.status())
}

func (h *Handler) handleStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, h.status())
}

func (h *Handler) handleGenerations(w http.ResponseWriter, r *http.Request) {
	gens, err := ListGenerations(r.Context(), h.store, h.activeVersion())
	if err != nil {
		h.logger.Error("list generations failed", slog.String("error", err.Error()))
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, gens)
}

func (h *Handler) status() Status {
	m := h.host.Controller()
	if m == nil {
		return Status{State: "none"}
	}
	return Status{Version: m.Version(), State: m.State().String(), Controller: true}
}

func (h *Handler) activeVersion() string {
	if m := h.host.Controller(); m != nil {
		return m.Version()
	}
	return ""
}

// ListGenerations reports every generation in store with its entry count.
// A generation deleted while listing is skipped.
func ListGenerations(ctx context.Context, store cache.Store, active string) ([]Generation, error) {
	names, err := store.Generations(ctx)
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}

	out := make([]Generation, 0, len(names))
	for _, name := range names {
		keys, err := store.Keys(ctx, name)
		if errors.Is(err, cache.ErrNoGeneration) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("list keys of %s: %w", name, err)
		}
		out = append(out, Generation{Name: name, Entries: len(keys), Active: name == active})
	}
	return out, nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set(headerContentType, contentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, map[string]string{"error": strings.TrimSpace(err.Error())})
}
