package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"time"
)

const (
	headerKey       = "X-RateLimit-Key"
	headerLimit     = "X-RateLimit-Limit"
	headerRemaining = "X-RateLimit-Remaining"
	headerRetry     = "Retry-After"
)

// retryAfterSeconds arredonda para cima em segundos inteiros, mínimo 1.
func retryAfterSeconds(d time.Duration) int64 {
	secs := math.Ceil(d.Seconds())
	if secs < 1 {
		return 1
	}
	if secs > math.MaxInt32 {
		return math.MaxInt32
	}
	return int64(secs)
}

func setRetryAfter(h http.Header, d time.Duration) {
	h.Set(headerRetry, strconv.FormatInt(retryAfterSeconds(d), 10))
}

func setRateLimitHeaders(h http.Header, key string, limit, remaining int) {
	h.Set(headerKey, key)
	if limit > 0 {
		h.Set(headerLimit, strconv.Itoa(limit))
		h.Set(headerRemaining, strconv.Itoa(remaining))
	}
}
