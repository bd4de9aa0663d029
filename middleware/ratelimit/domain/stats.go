package domain

import (
	"context"
	"time"
)

// StatsEvent é uma decisão do portão para um request não isento.
// Requests em paths isentos não geram evento.
type StatsEvent struct {
	Key     Key
	Allowed bool

	Method string
	Path   string

	// At é o instante da decisão (relógio do middleware).
	At time.Time
}

// StatsStore recebe as decisões para contagem (memória, Redis, Prometheus).
//
// Só contadores: a cota de cada cliente vive no BucketStore e nunca passa por
// aqui. Um erro de Record não muda a decisão já tomada. Implementações que
// fazem I/O devem ser embrulhadas em infra.AsyncStats.
type StatsStore interface {
	Record(ctx context.Context, ev StatsEvent) error
}
