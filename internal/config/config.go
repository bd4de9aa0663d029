// Package config carrega a configuração do gateway a partir de variáveis de
// ambiente (com um .env opcional lido antes).
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// ErrInvalidConfig envolve todo erro de validação.
var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	ListenAddr  string `env:"LISTEN_ADDR" envDefault:":8080"`
	UpstreamURL string `env:"UPSTREAM_URL"`

	Rate  RateConfig
	Stats StatsConfig

	LogLevel       string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat      string `env:"LOG_FORMAT" envDefault:"json"`
	MetricsEnabled bool   `env:"METRICS_ENABLED" envDefault:"true"`
}

type RateConfig struct {
	Enabled           bool          `env:"RATE_ENABLED" envDefault:"true"`
	RequestsPerMinute int           `env:"RATE_REQUESTS_PER_MINUTE" envDefault:"60"`
	MaxEntries        int           `env:"RATE_MAX_ENTRIES" envDefault:"10000"`
	IdleTTL           time.Duration `env:"RATE_IDLE_TTL" envDefault:"10m"`
	CleanupEvery      time.Duration `env:"RATE_CLEANUP_EVERY" envDefault:"1m"`
	Shards            int           `env:"RATE_SHARDS" envDefault:"0"` // 0 = GOMAXPROCS arredondado
	KeyHeader         string        `env:"RATE_KEY_HEADER" envDefault:"X-User-ID"`
	TrustXFF          bool          `env:"TRUST_XFF" envDefault:"true"`
	ExemptPrefixes    []string      `env:"RATE_EXEMPT_PREFIXES" envDefault:"/health,/metrics,/actuator/" envSeparator:","`
	AddHeaders        bool          `env:"ADD_RATELIMIT_HEADERS" envDefault:"false"`
}

// StatsConfig liga as estatísticas de decisão no Redis.
type StatsConfig struct {
	Enabled       bool          `env:"RATE_STATS_ENABLED" envDefault:"false"`
	RedisAddr     string        `env:"RATE_STATS_REDIS_ADDR"`
	RedisPassword string        `env:"RATE_STATS_REDIS_PASSWORD"`
	RedisDB       int           `env:"RATE_STATS_REDIS_DB" envDefault:"0"`
	Prefix        string        `env:"RATE_STATS_PREFIX" envDefault:"ratelimit:stats"`
	TTL           time.Duration `env:"RATE_STATS_TTL" envDefault:"24h"`
	Bucket        string        `env:"RATE_STATS_BUCKET" envDefault:"minute"`
	TrackKeys     bool          `env:"RATE_STATS_TRACK_KEYS" envDefault:"false"`
}

// Load lê .env (se existir) e depois o ambiente do processo.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, cfg.Validate()
}

// LoadFrom faz o mesmo que Load sobre um mapa, sem tocar no ambiente real.
func LoadFrom(environ map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environ}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	r := c.Rate
	switch {
	case r.RequestsPerMinute <= 0:
		return invalid("RATE_REQUESTS_PER_MINUTE must be > 0")
	case r.MaxEntries <= 0:
		return invalid("RATE_MAX_ENTRIES must be > 0")
	case r.IdleTTL < 0:
		return invalid("RATE_IDLE_TTL must be >= 0")
	case r.CleanupEvery < 0:
		return invalid("RATE_CLEANUP_EVERY must be >= 0")
	case r.Shards < 0 || r.Shards > r.MaxEntries:
		return invalid("RATE_SHARDS must be between 0 (auto) and RATE_MAX_ENTRIES")
	}

	if c.Stats.Enabled && strings.TrimSpace(c.Stats.RedisAddr) == "" {
		return invalid("RATE_STATS_REDIS_ADDR is required when RATE_STATS_ENABLED=true")
	}
	switch c.Stats.Bucket {
	case "minute", "none":
	default:
		return invalid("RATE_STATS_BUCKET must be minute or none")
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return invalid("LOG_FORMAT must be json or console")
	}
	return nil
}

// RequireUpstream valida UPSTREAM_URL (só o binário gateway precisa).
func (c Config) RequireUpstream() (*url.URL, error) {
	if strings.TrimSpace(c.UpstreamURL) == "" {
		return nil, invalid("UPSTREAM_URL is required")
	}
	u, err := url.Parse(c.UpstreamURL)
	if err != nil {
		return nil, fmt.Errorf("%w: UPSTREAM_URL: %v", ErrInvalidConfig, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, invalid("UPSTREAM_URL must be absolute (scheme://host)")
	}
	return u, nil
}

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, msg)
}
