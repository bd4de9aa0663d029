package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"admission-gateway/internal/config"
	"admission-gateway/internal/logging"
	"admission-gateway/internal/server"
	"admission-gateway/middleware/ratelimit"
	"admission-gateway/middleware/ratelimit/domain"
	"admission-gateway/middleware/ratelimit/infra"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

func main() {
	// Exemplo: portão embutido direto no webserver (sem proxy)
	cfg, err := config.Load()
	if err != nil {
		_, _ = os.Stderr.WriteString("config error: " + err.Error() + "\n")
		os.Exit(1)
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		_, _ = os.Stderr.WriteString("logger error: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	store := newStore(cfg.Rate, log.Named("ratelimit"))
	stats := infra.NewMemoryStatsStore(infra.WithTrackKeys(true))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	store.StartJanitor(ctx)

	app := chi.NewRouter()
	app.Get("/api/orders", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"user":   r.Header.Get(cfg.Rate.KeyHeader),
			"status": "ok",
		})
	})
	// introspecção dos contadores em memória (isento pelo prefixo /actuator/)
	app.Get("/actuator/ratelimit", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"store":  store.Stats(),
			"total":  stats.Total(),
			"routes": stats.ByRoute(),
			"keys":   stats.ByKey(),
		})
	})

	gate := newGate(cfg.Rate, store, stats, log.Named("ratelimit"))

	srv := server.NewHTTPServer(cfg.ListenAddr, server.NewRouter(server.Options{
		Logger:  log.Named("http"),
		Gate:    gate,
		Handler: app,
	}))

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("example server listening",
		zap.String("addr", cfg.ListenAddr),
		zap.Bool("rate_enabled", cfg.Rate.Enabled),
		zap.Int("requests_per_minute", cfg.Rate.RequestsPerMinute),
		zap.Int("shards", store.Shards()))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("server error", zap.Error(err))
	}
}

func newStore(rc config.RateConfig, log *zap.Logger) *infra.Store {
	return infra.NewStore(rc.RequestsPerMinute,
		infra.WithMaxEntries(rc.MaxEntries),
		infra.WithIdleTTL(rc.IdleTTL),
		infra.WithCleanupEvery(rc.CleanupEvery),
		infra.WithShards(rc.Shards),
		infra.WithLogger(log),
	)
}

// newGate devolve nil com RATE_ENABLED=false.
func newGate(rc config.RateConfig, store *infra.Store, stats domain.StatsStore, log *zap.Logger) func(http.Handler) http.Handler {
	if !rc.Enabled {
		return nil
	}
	return ratelimit.Middleware(ratelimit.Options{
		Store:               store,
		Stats:               stats,
		KeyHeader:           rc.KeyHeader, // vazio usa X-User-ID
		IgnoreXForwardedFor: !rc.TrustXFF,
		ExemptPrefixes:      rc.ExemptPrefixes,
		AddRateLimitHeaders: true,
		Logger:              log,
	})
}
