package ratelimit

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"admission-gateway/middleware/ratelimit/domain"
	"admission-gateway/middleware/ratelimit/infra"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var epoch = time.Date(2024, 3, 9, 14, 5, 7, 123_000_000, time.Local)

const wantBody = `{"timestamp":"2024-03-09T14:05:07.123","code":429,"message":"Too many requests. Please try again later."}`

func okHandler(calls *int32) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok")
	})
}

func get(h http.Handler, path, remote string, hdr map[string]string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodGet, "http://example"+path, nil)
	r.RemoteAddr = remote
	for k, v := range hdr {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestMiddleware_AllowsThenRejectsSameKey(t *testing.T) {
	clk := infra.NewManualClock(epoch)
	store := infra.NewStoreWithRate(1, 1, infra.WithClock(clk))

	var calls int32
	h := Middleware(Options{Store: store, Now: clk.Now})(okHandler(&calls))

	// 1) primeira passa
	w1 := get(h, "/showTela", "10.0.0.1:1234", nil)
	if w1.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w1.Code)
	}

	// 2) segunda bloqueia (capacidade 1, sem tempo para refill)
	w2 := get(h, "/showTela", "10.0.0.1:1234", nil)
	if w2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w2.Code)
	}
	assert.Equal(t, "application/json", w2.Header().Get("Content-Type"))
	assert.Equal(t, "1", w2.Header().Get("Retry-After"))
	assert.Equal(t, wantBody, w2.Body.String())

	if calls != 1 {
		t.Fatalf("expected next handler to be called once, got %d", calls)
	}

	// depois de 1s existe um token de novo
	clk.Advance(time.Second)
	w3 := get(h, "/showTela", "10.0.0.1:1234", nil)
	assert.Equal(t, http.StatusOK, w3.Code)
}

func TestMiddleware_KeyByHeader(t *testing.T) {
	clk := infra.NewManualClock(epoch)
	store := infra.NewStoreWithRate(1, 1, infra.WithClock(clk))

	var calls int32
	h := Middleware(Options{Store: store, KeyHeader: "X-Api-Key"})(okHandler(&calls))

	// duas chaves diferentes => ambos passam (cada chave tem seu próprio bucket)
	w1 := get(h, "/", "10.0.0.1:1234", map[string]string{"X-Api-Key": "k1"})
	if w1.Code != http.StatusOK {
		t.Fatalf("expected 200 for key k1, got %d", w1.Code)
	}
	w2 := get(h, "/", "10.0.0.1:1234", map[string]string{"X-Api-Key": "k2"})
	if w2.Code != http.StatusOK {
		t.Fatalf("expected 200 for key k2, got %d", w2.Code)
	}
	w3 := get(h, "/", "10.0.0.1:1234", map[string]string{"X-Api-Key": "k1"})
	if w3.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 for repeated key k1, got %d", w3.Code)
	}
}

func TestMiddleware_DefaultsKeyByCallerHeader(t *testing.T) {
	store := infra.NewStore(1, infra.WithClock(infra.NewManualClock(epoch)))

	var calls int32
	h := Middleware(Options{Store: store})(okHandler(&calls))

	assert.Equal(t, http.StatusOK, get(h, "/", "10.0.0.1:1234", map[string]string{"X-User-ID": "u1"}).Code)
	assert.Equal(t, http.StatusOK, get(h, "/", "10.0.0.1:1234", map[string]string{"X-User-ID": "u2"}).Code)
	assert.Equal(t, http.StatusTooManyRequests, get(h, "/", "10.0.0.1:1234", map[string]string{"X-User-ID": "u1"}).Code)
}

func TestMiddleware_TrustsForwardedForByDefault(t *testing.T) {
	store := infra.NewStore(1, infra.WithClock(infra.NewManualClock(epoch)))

	var calls int32
	h := Middleware(Options{Store: store})(okHandler(&calls))

	// mesmo proxy (RemoteAddr), clientes diferentes no XFF
	assert.Equal(t, http.StatusOK, get(h, "/", "10.0.0.254:80", map[string]string{"X-Forwarded-For": "1.1.1.1"}).Code)
	assert.Equal(t, http.StatusOK, get(h, "/", "10.0.0.254:80", map[string]string{"X-Forwarded-For": "2.2.2.2, 10.0.0.254"}).Code)
	assert.Equal(t, http.StatusTooManyRequests, get(h, "/", "10.0.0.254:80", map[string]string{"X-Forwarded-For": "1.1.1.1"}).Code)
}

func TestMiddleware_IgnoreForwardedForKeysByRemoteAddr(t *testing.T) {
	store := infra.NewStore(1, infra.WithClock(infra.NewManualClock(epoch)))

	var calls int32
	h := Middleware(Options{Store: store, IgnoreXForwardedFor: true, AddRateLimitHeaders: true})(okHandler(&calls))

	w := get(h, "/", "10.0.0.254:80", map[string]string{"X-Forwarded-For": "1.1.1.1"})
	assert.Equal(t, "10.0.0.254", w.Header().Get("X-RateLimit-Key"))
	assert.Equal(t, http.StatusTooManyRequests, get(h, "/", "10.0.0.254:80", map[string]string{"X-Forwarded-For": "2.2.2.2"}).Code)
}

// stallingStats imita um Redis que aceita conexão e nunca responde.
type stallingStats struct{ release chan struct{} }

func (s stallingStats) Record(ctx context.Context, _ domain.StatsEvent) error {
	select {
	case <-s.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestMiddleware_SlowStatsSinkDoesNotDelayRequests(t *testing.T) {
	sink := stallingStats{release: make(chan struct{})}
	defer close(sink.release)

	async := infra.NewAsyncStats(sink, infra.WithStatsBuffer(4), infra.WithStatsTimeout(time.Minute))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	async.Start(ctx)

	store := infra.NewStore(60, infra.WithClock(infra.NewManualClock(epoch)))
	var calls int32
	h := Middleware(Options{Store: store, Stats: async})(okHandler(&calls))

	start := time.Now()
	for i := 0; i < 20; i++ {
		require.Equal(t, http.StatusOK, get(h, "/", "10.0.0.1:1234", nil).Code)
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Positive(t, async.Dropped(), "full buffer must drop, not wait")
}

func TestMiddleware_RetryAfterRoundsUpToSeconds(t *testing.T) {
	clk := infra.NewManualClock(epoch)
	// 0.4 token/s: falta 2.5s para o próximo token
	store := infra.NewStoreWithRate(0.4, 1, infra.WithClock(clk))

	var calls int32
	h := Middleware(Options{Store: store, Now: clk.Now})(okHandler(&calls))

	require.Equal(t, http.StatusOK, get(h, "/", "10.0.0.1:1234", nil).Code)
	w := get(h, "/", "10.0.0.1:1234", nil)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "3", w.Header().Get("Retry-After"))
}

func TestMiddleware_ExemptPathsSkipResolverAndLimit(t *testing.T) {
	clk := infra.NewManualClock(epoch)
	store := infra.NewStoreWithRate(1, 1, infra.WithClock(clk))
	stats := infra.NewMemoryStatsStore()

	resolved := false
	var calls int32
	h := Middleware(Options{
		Store:          store,
		Stats:          stats,
		ExemptPrefixes: []string{"/actuator/", "/h2-console"},
		KeyFn: func(r *http.Request) string {
			resolved = true
			return "x"
		},
	})(okHandler(&calls))

	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, get(h, "/actuator/health", "10.0.0.1:1234", nil).Code)
		assert.Equal(t, http.StatusOK, get(h, "/h2-console/login", "10.0.0.1:1234", nil).Code)
	}

	assert.False(t, resolved, "resolver must not run for exempt paths")
	assert.Equal(t, int32(10), calls)
	assert.Zero(t, store.Len())
	assert.Equal(t, infra.Counters{}, stats.Total())
}

func TestMiddleware_NilStoreIsPassThrough(t *testing.T) {
	var calls int32
	next := okHandler(&calls)
	h := Middleware(Options{})(next)

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, get(h, "/", "10.0.0.1:1234", nil).Code)
	}
	assert.Equal(t, int32(3), calls)
}

func TestMiddleware_AddsRateLimitHeaders(t *testing.T) {
	clk := infra.NewManualClock(epoch)
	store := infra.NewStore(5, infra.WithClock(clk))

	var calls int32
	h := Middleware(Options{Store: store, AddRateLimitHeaders: true})(okHandler(&calls))

	w := get(h, "/", "10.0.0.1:1234", map[string]string{DefaultKeyHeader: "u1"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "u1", w.Header().Get("X-RateLimit-Key"))
	assert.Equal(t, "5", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "4", w.Header().Get("X-RateLimit-Remaining"))
}

func TestMiddleware_RecordsStatsForProtectedRequests(t *testing.T) {
	clk := infra.NewManualClock(epoch)
	store := infra.NewStoreWithRate(1, 1, infra.WithClock(clk))
	stats := infra.NewMemoryStatsStore(infra.WithTrackKeys(true))

	var calls int32
	h := Middleware(Options{Store: store, Stats: stats})(okHandler(&calls))

	get(h, "/api", "10.0.0.1:1234", nil)
	get(h, "/api", "10.0.0.1:1234", nil)

	assert.Equal(t, infra.Counters{Allowed: 1, Denied: 1}, stats.Total())
	assert.Equal(t, infra.Counters{Allowed: 1, Denied: 1}, stats.ByKey()["10.0.0.1"])
	assert.Equal(t, infra.Counters{Allowed: 1, Denied: 1}, stats.ByRoute()["GET /api"])
}

type brokenStats struct{}

func (brokenStats) Record(context.Context, domain.StatsEvent) error {
	return errors.New("redis down")
}

func TestMiddleware_StatsErrorIsLoggedNotFatal(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	clk := infra.NewManualClock(epoch)
	store := infra.NewStoreWithRate(1, 1, infra.WithClock(clk))

	var calls int32
	h := Middleware(Options{Store: store, Stats: brokenStats{}, Logger: zap.New(core)})(okHandler(&calls))

	assert.Equal(t, http.StatusOK, get(h, "/", "10.0.0.1:1234", nil).Code)
	assert.Equal(t, int32(1), calls)

	warns := logs.FilterLevelExact(zapcore.WarnLevel).All()
	require.Len(t, warns, 1)
	assert.Equal(t, "rate limit stats record failed", warns[0].Message)
}

func TestMiddleware_LogsDenyAtDebug(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	clk := infra.NewManualClock(epoch)
	store := infra.NewStoreWithRate(1, 1, infra.WithClock(clk))

	var calls int32
	h := Middleware(Options{Store: store, Logger: zap.New(core)})(okHandler(&calls))

	get(h, "/", "10.0.0.1:1234", nil)
	get(h, "/", "10.0.0.1:1234", nil)

	denied := logs.FilterMessage("rate limit exceeded").All()
	require.Len(t, denied, 1)
	assert.Equal(t, zapcore.DebugLevel, denied[0].Level)
	assert.Equal(t, "10.0.0.1", denied[0].ContextMap()["key"])
}

// Cliente A estoura a cota de 5/min enquanto B continua passando.
func TestMiddleware_ClientsHaveIndependentQuotas(t *testing.T) {
	clk := infra.NewManualClock(epoch)
	store := infra.NewStore(5, infra.WithClock(clk))

	var calls int32
	h := Middleware(Options{Store: store, Now: clk.Now})(okHandler(&calls))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		statusA = map[int]int{}
		statusB = map[int]int{}
	)
	request := func(user string, into map[int]int) {
		defer wg.Done()
		w := get(h, "/orders", "10.0.0.1:1234", map[string]string{DefaultKeyHeader: user})
		mu.Lock()
		into[w.Code]++
		mu.Unlock()
	}
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go request("A", statusA)
	}
	wg.Wait()
	assert.Equal(t, map[int]int{http.StatusOK: 5}, statusA)

	// sexta de A é negada; B, no mesmo IP, passa em paralelo
	wg.Add(2)
	go request("A", statusA)
	go request("B", statusB)
	wg.Wait()

	assert.Equal(t, map[int]int{http.StatusOK: 5, http.StatusTooManyRequests: 1}, statusA)
	assert.Equal(t, map[int]int{http.StatusOK: 1}, statusB)
	assert.Equal(t, int32(6), atomic.LoadInt32(&calls))

	// 5/min => um token a cada 12s
	clk.Advance(13 * time.Second)
	assert.Equal(t, http.StatusOK, get(h, "/orders", "", map[string]string{DefaultKeyHeader: "A"}).Code)
	assert.Equal(t, http.StatusTooManyRequests, get(h, "/orders", "", map[string]string{DefaultKeyHeader: "A"}).Code)
}
