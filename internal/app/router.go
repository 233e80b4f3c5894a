// Package app assembles the HTTP routers and shared process plumbing.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	httpserver "github.com/fairyhunter13/tg-broadcast/internal/adapter/httpserver"
	"github.com/fairyhunter13/tg-broadcast/internal/adapter/observability"
	"github.com/fairyhunter13/tg-broadcast/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. If the input is empty, returns ["*"].
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the admin API handler with all middleware and
// routes. Campaign endpoints sit behind the session guard when admin
// credentials are configured.
func BuildRouter(cfg config.Config, srv *httpserver.Server, sessions *httpserver.SessionManager, ready *ReadinessChecker) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: cfg.AdminEnabled(),
		MaxAge:           300,
	}))

	if cfg.AdminEnabled() {
		r.Post("/admin/login", sessions.HandleLogin)
		r.Post("/admin/logout", sessions.HandleLogout)
	}

	r.Group(func(gr chi.Router) {
		gr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute))
		if cfg.AdminEnabled() {
			gr.Use(sessions.AuthRequired)
		}
		srv.Routes(gr)
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })
	r.Get("/readyz", ready.Handler())

	return otelhttp.NewHandler(httpserver.SecurityHeaders(r), "http.server")
}

// BuildWorkerRouter exposes the worker's operational endpoints: metrics and
// a readiness probe reflecting lease health.
func BuildWorkerRouter(ready *ReadinessChecker) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })
	r.Get("/readyz", ready.Handler())
	return r
}
