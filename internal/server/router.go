package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/NoahCxrest/offline-cache-gateway/internal/host"
	"github.com/NoahCxrest/offline-cache-gateway/internal/server/admin"
)

// NewHandler routes control endpoints and metrics to their handlers and
// everything else through the host.
func NewHandler(h *host.Host, ctl *admin.Handler, gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	ctl.Routes(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/", h)
	return mux
}
