// Package server monta o router HTTP que hospeda o portão de rate limit:
// health, métricas e o handler protegido (proxy ou aplicação).
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Options struct {
	Logger *zap.Logger

	// Gate é o middleware de rate limit; envolve o router inteiro, então
	// /health e /metrics só escapam se estiverem nos prefixos isentos.
	Gate func(http.Handler) http.Handler

	// Handler atende tudo que não for health/metrics.
	Handler http.Handler

	// Registry nil desliga /metrics.
	Registry *prometheus.Registry

	Checkers     map[string]HealthChecker
	ReadyTimeout time.Duration
}

// NewRouter monta: RequestID -> AccessLog -> Recoverer -> Gate -> rotas.
func NewRouter(opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 2 * time.Second
	}

	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(AccessLog(opts.Logger))
	r.Use(middleware.Recoverer)
	if opts.Gate != nil {
		r.Use(opts.Gate)
	}

	r.Get("/health/live", liveHandler)
	r.Get("/health/ready", readyHandler(opts.Checkers, opts.ReadyTimeout))

	if opts.Registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{Registry: opts.Registry}))
	}

	if opts.Handler != nil {
		r.Handle("/*", opts.Handler)
	}
	return r
}

// NewHTTPServer aplica os timeouts padrão dos binários.
func NewHTTPServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}
}
