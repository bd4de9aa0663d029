package infra

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"admission-gateway/middleware/ratelimit/domain"

	"go.uber.org/zap"
)

const (
	DefaultStatsBuffer  = 4096
	DefaultStatsTimeout = 500 * time.Millisecond
)

// AsyncStats tira o StatsStore de baixo do request: Record só enfileira num
// canal limitado e uma goroutine (Run/Start) repassa ao sink. Com o buffer
// cheio o evento é descartado e contado em Dropped.
type AsyncStats struct {
	sink    domain.StatsStore
	events  chan domain.StatsEvent
	timeout time.Duration
	logger  *zap.Logger

	dropped atomic.Int64
	failed  atomic.Int64
}

type AsyncStatsOption func(*AsyncStats)

func WithStatsBuffer(n int) AsyncStatsOption {
	return func(a *AsyncStats) {
		if n > 0 {
			a.events = make(chan domain.StatsEvent, n)
		}
	}
}

// WithStatsTimeout limita cada Record no sink.
func WithStatsTimeout(d time.Duration) AsyncStatsOption {
	return func(a *AsyncStats) {
		if d > 0 {
			a.timeout = d
		}
	}
}

func WithStatsLogger(l *zap.Logger) AsyncStatsOption {
	return func(a *AsyncStats) {
		if l != nil {
			a.logger = l
		}
	}
}

func NewAsyncStats(sink domain.StatsStore, opts ...AsyncStatsOption) *AsyncStats {
	a := &AsyncStats{
		sink:    sink,
		events:  make(chan domain.StatsEvent, DefaultStatsBuffer),
		timeout: DefaultStatsTimeout,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Record nunca bloqueia.
func (a *AsyncStats) Record(_ context.Context, ev domain.StatsEvent) error {
	select {
	case a.events <- ev:
	default:
		a.dropped.Add(1)
	}
	return nil
}

func (a *AsyncStats) Dropped() int64 { return a.dropped.Load() }
func (a *AsyncStats) Failed() int64  { return a.failed.Load() }

// Start roda o consumidor numa goroutine até ctx encerrar.
func (a *AsyncStats) Start(ctx context.Context) {
	go func() { _ = a.Run(ctx)() }()
}

// Run é o consumidor no formato errgroup. Ao encerrar, repassa o que já
// estava no buffer e retorna.
func (a *AsyncStats) Run(ctx context.Context) func() error {
	return func() error {
		for {
			select {
			case <-ctx.Done():
				a.flush()
				if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			case ev := <-a.events:
				a.deliver(ev)
			}
		}
	}
}

func (a *AsyncStats) flush() {
	for {
		select {
		case ev := <-a.events:
			a.deliver(ev)
		default:
			return
		}
	}
}

func (a *AsyncStats) deliver(ev domain.StatsEvent) {
	if a.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	if err := a.sink.Record(ctx, ev); err != nil {
		a.failed.Add(1)
		a.logger.Warn("rate limit stats record failed", zap.Error(err))
	}
}
