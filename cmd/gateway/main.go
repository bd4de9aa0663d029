package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httputil"
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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const metricsNamespace = "gateway"

func main() {
	cfg, err := config.Load()
	if err != nil {
		// logger ainda não existe
		_, _ = os.Stderr.WriteString("config error: " + err.Error() + "\n")
		os.Exit(1)
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		_, _ = os.Stderr.WriteString("logger error: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	target, err := cfg.RequireUpstream()
	if err != nil {
		log.Fatal("invalid upstream", zap.Error(err))
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.Warn("proxy error", zap.String("path", r.URL.Path), zap.Error(err))
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}

	store := infra.NewStore(cfg.Rate.RequestsPerMinute,
		infra.WithMaxEntries(cfg.Rate.MaxEntries),
		infra.WithIdleTTL(cfg.Rate.IdleTTL),
		infra.WithCleanupEvery(cfg.Rate.CleanupEvery),
		infra.WithShards(cfg.Rate.Shards),
		infra.WithLogger(log.Named("ratelimit")),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		reg      *prometheus.Registry
		sinks    infra.MultiStats
		checkers = map[string]server.HealthChecker{}
	)
	if cfg.MetricsEnabled {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		reg.MustRegister(infra.NewStoreCollector(store, metricsNamespace))
		promStats, err := infra.NewPrometheusStats(reg, metricsNamespace)
		if err != nil {
			log.Fatal("register metrics", zap.Error(err))
		}
		sinks = append(sinks, promStats)
	}

	if cfg.Stats.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Stats.RedisAddr,
			Password: cfg.Stats.RedisPassword,
			DB:       cfg.Stats.RedisDB,
		})
		defer func() { _ = rdb.Close() }()

		redisStats := infra.NewRedisStatsStore(
			rdb,
			infra.WithStatsPrefix(cfg.Stats.Prefix),
			infra.WithStatsTTL(cfg.Stats.TTL),
			infra.WithStatsBucket(cfg.Stats.Bucket),
			infra.WithStatsTrackKeys(cfg.Stats.TrackKeys),
		)

		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := redisStats.CheckHealth(pingCtx)
		cancel()
		if err != nil {
			log.Fatal("redis stats unavailable", zap.Error(err))
		}
		// Redis fica fora do caminho do request
		async := infra.NewAsyncStats(redisStats, infra.WithStatsLogger(log.Named("stats")))
		async.Start(ctx)
		if reg != nil {
			reg.MustRegister(infra.NewAsyncStatsCollector(async, metricsNamespace))
		}
		sinks = append(sinks, async)
		checkers["redis"] = redisStats
	}

	var stats domain.StatsStore
	if len(sinks) > 0 {
		stats = sinks
	}

	store.StartJanitor(ctx)

	var gate func(http.Handler) http.Handler
	if cfg.Rate.Enabled {
		gate = ratelimit.Middleware(ratelimit.Options{
			Store:               store,
			Stats:               stats,
			KeyHeader:           cfg.Rate.KeyHeader,
			IgnoreXForwardedFor: !cfg.Rate.TrustXFF,
			ExemptPrefixes:      cfg.Rate.ExemptPrefixes,
			AddRateLimitHeaders: cfg.Rate.AddHeaders,
			Logger:              log.Named("ratelimit"),
		})
	}

	srv := server.NewHTTPServer(cfg.ListenAddr, server.NewRouter(server.Options{
		Logger:   log.Named("http"),
		Gate:     gate,
		Handler:  proxy,
		Registry: reg,
		Checkers: checkers,
	}))

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("gateway listening", zap.String("addr", cfg.ListenAddr), zap.Stringer("upstream", target))
	log.Info("rate limit",
		zap.Bool("enabled", cfg.Rate.Enabled),
		zap.Int("requests_per_minute", cfg.Rate.RequestsPerMinute),
		zap.Int("max_entries", cfg.Rate.MaxEntries),
		zap.Duration("idle_ttl", cfg.Rate.IdleTTL),
		zap.Int("shards", store.Shards()),
		zap.String("key_header", cfg.Rate.KeyHeader),
		zap.Bool("trust_xff", cfg.Rate.TrustXFF),
		zap.Strings("exempt_prefixes", cfg.Rate.ExemptPrefixes))
	log.Info("rate stats",
		zap.Bool("enabled", cfg.Stats.Enabled),
		zap.String("redis_addr", cfg.Stats.RedisAddr),
		zap.String("bucket", cfg.Stats.Bucket),
		zap.Duration("ttl", cfg.Stats.TTL),
		zap.Bool("track_keys", cfg.Stats.TrackKeys),
		zap.Bool("metrics", cfg.MetricsEnabled))

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("server error", zap.Error(err))
	}
}
