package infra

import (
	"context"
	"errors"
	"math/bits"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"admission-gateway/middleware/ratelimit/domain"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"go.uber.org/zap"
)

const (
	DefaultMaxEntries   = 10_000
	DefaultIdleTTL      = 10 * time.Minute
	DefaultCleanupEvery = time.Minute
)

// Store é o BucketStore em memória: um TokenBucket por chave, no máximo
// maxEntries chaves (LRU) e expiração por inatividade (idleTTL).
//
// As chaves são distribuídas em shards (xxhash). Cada shard tem seu mutex, que
// só protege o LRU; o consumo de tokens acontece fora dele, no mutex do próprio
// bucket. O padrão é GOMAXPROCS arredondado para potência de 2; com um shard
// (WithShards(1)) o LRU é exato, com mais a ordem LRU vale por shard.
type Store struct {
	shards []*shard

	rps          float64
	burst        int
	maxEntries   int
	nShards      int
	idleTTL      time.Duration
	cleanupEvery time.Duration

	clock  Clock
	logger *zap.Logger

	created atomic.Int64
	evicted atomic.Int64
	expired atomic.Int64
}

type shard struct {
	mu  sync.Mutex
	lru *simplelru.LRU[string, *TokenBucket]
}

// StoreStats é um snapshot dos contadores do store.
type StoreStats struct {
	Created int64 // buckets criados
	Evicted int64 // removidos por falta de espaço (LRU)
	Expired int64 // removidos por inatividade
	Active  int   // buckets residentes agora
}

type StoreOption func(*Store)

func WithMaxEntries(n int) StoreOption {
	return func(s *Store) { s.maxEntries = n }
}

func WithIdleTTL(d time.Duration) StoreOption {
	return func(s *Store) { s.idleTTL = d }
}

func WithCleanupEvery(d time.Duration) StoreOption {
	return func(s *Store) { s.cleanupEvery = d }
}

// WithShards fixa o número de shards; n <= 0 usa DefaultShards.
func WithShards(n int) StoreOption {
	return func(s *Store) { s.nShards = n }
}

func WithClock(c Clock) StoreOption {
	return func(s *Store) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithLogger(l *zap.Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewStore cria um store para "requestsPerMinute requests por minuto":
// capacidade requestsPerMinute e refill requestsPerMinute/60 tokens por segundo.
func NewStore(requestsPerMinute int, opts ...StoreOption) *Store {
	return NewStoreWithRate(float64(requestsPerMinute)/60, requestsPerMinute, opts...)
}

// NewStoreWithRate cria um store com refill de rps tokens/s e capacidade burst.
func NewStoreWithRate(rps float64, burst int, opts ...StoreOption) *Store {
	s := &Store{
		rps:          rps,
		burst:        burst,
		maxEntries:   DefaultMaxEntries,
		nShards:      0,
		idleTTL:      DefaultIdleTTL,
		cleanupEvery: DefaultCleanupEvery,
		clock:        SystemClock,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.maxEntries <= 0 {
		s.maxEntries = DefaultMaxEntries
	}
	if s.nShards <= 0 {
		s.nShards = DefaultShards()
	}
	if s.nShards > s.maxEntries {
		s.nShards = s.maxEntries
	}

	// capacidades dos shards somam exatamente maxEntries
	s.shards = make([]*shard, s.nShards)
	base, extra := s.maxEntries/s.nShards, s.maxEntries%s.nShards
	for i := range s.shards {
		size := base
		if i < extra {
			size++
		}
		lru, err := simplelru.NewLRU[string, *TokenBucket](size, nil)
		if err != nil {
			// size > 0 garantido acima
			panic(err)
		}
		s.shards[i] = &shard{lru: lru}
	}
	return s
}

// DefaultShards é GOMAXPROCS arredondado para cima até potência de 2.
func DefaultShards() int {
	n := runtime.GOMAXPROCS(0)
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}

func (s *Store) Shards() int                 { return len(s.shards) }
func (s *Store) RPS() float64                { return s.rps }
func (s *Store) Burst() int                  { return s.burst }
func (s *Store) MaxEntries() int             { return s.maxEntries }
func (s *Store) IdleTTL() time.Duration      { return s.idleTTL }
func (s *Store) CleanupEvery() time.Duration { return s.cleanupEvery }

// NewBucket é a factory padrão do store (bucket cheio, config compartilhada).
func (s *Store) NewBucket() *TokenBucket {
	return NewTokenBucket(s.burst, s.rps, s.clock)
}

// Get implementa domain.BucketStore.
func (s *Store) Get(key domain.Key) domain.Bucket {
	return s.GetOrCreate(string(key), s.NewBucket)
}

// GetOrCreate devolve o bucket da chave ou cria um com factory.
//
// Lookup e inserção acontecem sob o mutex do shard, então requests simultâneos
// para uma chave nova recebem o mesmo bucket. Um bucket ocioso além de idleTTL
// nunca é devolvido: é descartado e substituído por um novo (cheio).
func (s *Store) GetOrCreate(key string, factory BucketFactory) *TokenBucket {
	if factory == nil {
		factory = s.NewBucket
	}
	now := s.clock.Now()
	sh := s.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	if b, ok := sh.lru.Get(key); ok {
		if !b.idleFor(now, s.idleTTL) {
			b.touch(now)
			return b
		}
		sh.lru.Remove(key)
		s.expired.Add(1)
	}

	b := factory()
	b.touch(now)
	if sh.lru.Add(key, b) {
		s.evicted.Add(1)
		s.logger.Debug("rate limit bucket evicted", zap.Int("max_entries", s.maxEntries))
	}
	s.created.Add(1)
	return b
}

// Peek devolve o bucket residente sem criar nem atualizar acesso/ordem LRU.
func (s *Store) Peek(key string) (*TokenBucket, bool) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.lru.Peek(key)
}

// Cleanup remove as chaves ociosas além de idleTTL e retorna quantas removeu.
func (s *Store) Cleanup() int {
	if s.idleTTL <= 0 {
		return 0
	}
	now := s.clock.Now()
	removed := 0

	for _, sh := range s.shards {
		sh.mu.Lock()
		for _, k := range sh.lru.Keys() {
			b, ok := sh.lru.Peek(k)
			if ok && b.idleFor(now, s.idleTTL) {
				sh.lru.Remove(k)
				removed++
			}
		}
		sh.mu.Unlock()
	}

	if removed > 0 {
		s.expired.Add(int64(removed))
		s.logger.Debug("rate limit idle buckets removed", zap.Int("removed", removed))
	}
	return removed
}

// Len é o total de buckets residentes.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += sh.lru.Len()
		sh.mu.Unlock()
	}
	return n
}

func (s *Store) Stats() StoreStats {
	return StoreStats{
		Created: s.created.Load(),
		Evicted: s.evicted.Load(),
		Expired: s.expired.Load(),
		Active:  s.Len(),
	}
}

// StartJanitor inicia uma goroutine que limpa chaves inativas periodicamente.
// Pare cancelando o contexto.
func (s *Store) StartJanitor(ctx DoneContext) {
	if s.cleanupEvery <= 0 {
		return
	}
	go s.janitor(ctx)
}

// Run é o janitor no formato errgroup: bloqueia até ctx encerrar.
func (s *Store) Run(ctx context.Context) func() error {
	return func() error {
		if s.cleanupEvery <= 0 {
			<-ctx.Done()
			return nil
		}
		s.janitor(ctx)
		if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}
}

func (s *Store) janitor(ctx DoneContext) {
	t := time.NewTicker(s.cleanupEvery)
	defer t.Stop()

	s.logger.Info("rate limit janitor started",
		zap.Duration("cleanup_every", s.cleanupEvery),
		zap.Duration("idle_ttl", s.idleTTL))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("rate limit janitor stopped")
			return
		case <-t.C:
			s.Cleanup()
		}
	}
}

func (s *Store) shardFor(key string) *shard {
	if len(s.shards) == 1 {
		return s.shards[0]
	}
	return s.shards[xxhash.Sum64String(key)%uint64(len(s.shards))]
}

// DoneContext é o mínimo que o janitor usa de um context.Context.
type DoneContext interface {
	Done() <-chan struct{}
}
