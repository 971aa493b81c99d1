package api

import (
	"net/http"

	"github.com/thylacine/websub-hub-sub000/internal/auth"
	"github.com/thylacine/websub-hub-sub000/internal/buildinfo"
	"github.com/thylacine/websub-hub-sub000/internal/ingress"
	"github.com/thylacine/websub-hub-sub000/internal/metrics"
)

// ServerConfig wires the HTTP mux.
type ServerConfig struct {
	Ingress        *ingress.Hub
	Metrics        *metrics.Metrics
	Authenticators []auth.Authenticator
}

// NewHandler builds the hub's root handler: ingress on POST /, health on
// GET /healthz, metrics behind admin auth on GET /metrics.
func NewHandler(cfg ServerConfig) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/", cfg.Ingress)
	mux.HandleFunc("GET /healthz", HandleHealthz())
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", auth.Middleware(cfg.Authenticators, cfg.Metrics.Handler()))
	}
	return mux
}

// HandleHealthz returns a handler for GET /healthz.
// No authentication is required.
func HandleHealthz() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{
			"status":  "ok",
			"version": buildinfo.Version,
		})
	}
}
