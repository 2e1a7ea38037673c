package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/augustcredits/gateway/internal/metrics"
	"github.com/augustcredits/gateway/internal/observability"
)

// RouterConfig tunes the outer HTTP surface.
type RouterConfig struct {
	// MetricsEnabled exposes /metrics.
	MetricsEnabled bool
	// IPRatePerSecond throttles clients by source IP before auth.
	// Zero disables the throttle.
	IPRatePerSecond float64
	IPBurst         int
}

// Router assembles the route table and middleware chain.
func (s *Server) Router(cfg RouterConfig) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("/proxy/{resource}/{rest...}", s.handleProxy)
	mux.HandleFunc("/proxy/{resource}", s.handleProxy)
	mux.HandleFunc("/proxy", s.handleProxy)

	mux.HandleFunc("GET /limits/{resource}", s.requireAuth(s.handleLimits))
	mux.HandleFunc("GET /usage", s.requireAuth(s.handleUsage))
	mux.HandleFunc("POST /admin/settle", s.requireAuth(s.handleAdminSettle))

	if cfg.MetricsEnabled {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	var handler http.Handler = mux
	if cfg.IPRatePerSecond > 0 {
		burst := cfg.IPBurst
		if burst <= 0 {
			burst = int(cfg.IPRatePerSecond)
			if burst < 1 {
				burst = 1
			}
		}
		handler = newIPLimiter(cfg.IPRatePerSecond, burst).middleware(handler)
	}
	handler = metrics.Middleware(handler)
	handler = observability.RequestIDMiddleware(handler)
	return handler
}
