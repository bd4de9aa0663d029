package infra

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// TokenBucket é a cota de um cliente: capacidade fixa e refill contínuo
// ("greedy"), implementado sobre golang.org/x/time/rate.
//
// O limiter nasce cheio e nunca passa de capacity. mu cobre a leitura do
// relógio e o AllowN juntos, então o limiter vê os instantes em ordem.
type TokenBucket struct {
	mu       sync.Mutex
	lim      *rate.Limiter
	capacity int
	perSec   float64
	clock    Clock

	// último acesso (GetOrCreate ou TryConsume), com leitura monotônica.
	lastAccess atomic.Pointer[time.Time]
}

// BucketFactory cria um bucket novo (cheio) para uma chave ainda não vista.
type BucketFactory func() *TokenBucket

// NewTokenBucket cria um bucket com `capacity` tokens que recarrega `perSecond`
// tokens por segundo.
func NewTokenBucket(capacity int, perSecond float64, clock Clock) *TokenBucket {
	if clock == nil {
		clock = SystemClock
	}
	b := &TokenBucket{
		lim:      rate.NewLimiter(rate.Limit(perSecond), capacity),
		capacity: capacity,
		perSec:   perSecond,
		clock:    clock,
	}
	b.touch(clock.Now())
	return b
}

// PerMinute traduz "N requests por minuto" em capacidade N e refill N/60 por segundo.
func PerMinute(requestsPerMinute int, clock Clock) *TokenBucket {
	return NewTokenBucket(requestsPerMinute, float64(requestsPerMinute)/60, clock)
}

// Allow implementa domain.Bucket.
func (b *TokenBucket) Allow() bool { return b.TryConsume(1) }

// TryConsume faz refill pelo tempo decorrido e consome n tokens se houver.
// Se não houver, os tokens ficam como estão e retorna false.
func (b *TokenBucket) TryConsume(n int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	b.touch(now)
	return b.lim.AllowN(now, n)
}

// Tokens devolve os tokens disponíveis agora (fracionário).
func (b *TokenBucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lim.TokensAt(b.clock.Now())
}

// Remaining é Tokens arredondado para baixo, nunca negativo.
func (b *TokenBucket) Remaining() int {
	t := math.Floor(b.Tokens())
	if t < 0 {
		return 0
	}
	return int(t)
}

func (b *TokenBucket) Capacity() int       { return b.capacity }
func (b *TokenBucket) RefillRate() float64 { return b.perSec }

// RetryAfter é quanto falta para existir um token inteiro. 0 se já existe.
func (b *TokenBucket) RetryAfter() time.Duration {
	tokens := b.Tokens()
	if tokens >= 1 {
		return 0
	}
	if b.perSec <= 0 {
		return time.Duration(math.MaxInt64)
	}
	secs := (1 - tokens) / b.perSec
	return time.Duration(math.Ceil(secs * float64(time.Second)))
}

// LastAccess é o instante do último GetOrCreate/TryConsume.
func (b *TokenBucket) LastAccess() time.Time {
	if t := b.lastAccess.Load(); t != nil {
		return *t
	}
	return time.Time{}
}

func (b *TokenBucket) touch(now time.Time) {
	b.lastAccess.Store(&now)
}

// idleFor diz se o bucket está sem uso há mais de ttl em relação a now.
func (b *TokenBucket) idleFor(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	return now.Sub(b.LastAccess()) > ttl
}
