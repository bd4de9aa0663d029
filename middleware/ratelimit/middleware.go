package ratelimit

import (
	"encoding/json"
	"net/http"
	"time"

	"admission-gateway/middleware/ratelimit/application"
	"admission-gateway/middleware/ratelimit/domain"

	"go.uber.org/zap"
)

type Options struct {
	// Store nil transforma o middleware em pass-through.
	Store domain.BucketStore
	// Stats é opcional; erros são logados e ignorados.
	Stats domain.StatsStore

	KeyFn KeyFunc

	// KeyHeader vazio usa DefaultKeyHeader (X-User-ID).
	KeyHeader string

	// IgnoreXForwardedFor desliga o uso do X-Forwarded-For (confiável por padrão).
	IgnoreXForwardedFor bool

	// ExemptPrefixes nunca passam pelo limite (e a chave nem é resolvida).
	ExemptPrefixes []string

	AddRateLimitHeaders bool

	Logger *zap.Logger
	Now    func() time.Time
}

func Middleware(opts Options) func(next http.Handler) http.Handler {
	if opts.KeyHeader == "" {
		opts.KeyHeader = DefaultKeyHeader
	}
	if opts.KeyFn == nil {
		opts.KeyFn = DefaultKeyFunc(opts.KeyHeader, !opts.IgnoreXForwardedFor)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	svc := application.Service{
		Store:          opts.Store,
		ExemptPrefixes: opts.ExemptPrefixes,
		Now:            opts.Now,
	}
	log := opts.Logger

	return func(next http.Handler) http.Handler {
		if opts.Store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var key string
			dec := svc.Admit(r.URL.Path, func() domain.Key {
				key = opts.KeyFn(r)
				return domain.Key(key)
			})
			if dec.Exempt {
				next.ServeHTTP(w, r)
				return
			}

			if opts.Stats != nil {
				err := opts.Stats.Record(r.Context(), domain.StatsEvent{
					Key:     dec.Key,
					Allowed: dec.Allowed,
					Method:  r.Method,
					Path:    r.URL.Path,
					At:      opts.Now(),
				})
				if err != nil {
					log.Warn("rate limit stats record failed", zap.Error(err))
				}
			}

			if opts.AddRateLimitHeaders {
				setRateLimitHeaders(w.Header(), key, dec.Limit, dec.Remaining)
			}

			if !dec.Allowed {
				log.Debug("rate limit exceeded",
					zap.String("key", key),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Duration("retry_after", dec.RetryAfter))
				writeRejection(w, dec)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeRejection(w http.ResponseWriter, dec domain.Decision) {
	rej := dec.Rejection
	if rej == nil {
		rej = domain.NewRejection(time.Now(), domain.RejectionCode)
	}
	// Rejection só tem string/int: Marshal não falha
	body, _ := json.Marshal(rej)

	h := w.Header()
	h.Set("Content-Type", "application/json")
	setRetryAfter(h, dec.RetryAfter)
	w.WriteHeader(http.StatusTooManyRequests)
	_, _ = w.Write(body)
}
