package domain

// Camada de domínio do rate limit.
//
// Regras e contratos (interfaces/tipos) sem dependência de net/http.

import "time"

// Key identifica o sujeito do rate limit (usuário, IP, ...).
// Não é persistida: é recalculada a cada request.
type Key string

// RejectionMessage é a mensagem fixa do corpo 429.
const RejectionMessage = "Too many requests. Please try again later."

// RejectionCode é o status (e o campo "code") de um request negado.
const RejectionCode = 429

// TimestampLayout imita um LocalDateTime ISO-8601 (hora local, sem fuso).
const TimestampLayout = "2006-01-02T15:04:05.000"

// Bucket representa a cota de um único cliente.
//
// Allow consome um token se houver; a implementação concreta é token-bucket
// com refill contínuo (infra.TokenBucket, sobre golang.org/x/time/rate).
type Bucket interface {
	Allow() bool
}

// BucketStore devolve o bucket de uma chave, criando-o na primeira vez.
// Deve existir no máximo um bucket por chave ao mesmo tempo.
type BucketStore interface {
	Get(Key) Bucket
}

// Rejection é o payload de um request negado.
// A ordem dos campos define a ordem no JSON.
type Rejection struct {
	Timestamp string `json:"timestamp"`
	Code      int    `json:"code"`
	Message   string `json:"message"`
}

// NewRejection monta o payload 429 para o instante at.
func NewRejection(at time.Time, code int) *Rejection {
	return &Rejection{
		Timestamp: at.Local().Format(TimestampLayout),
		Code:      code,
		Message:   RejectionMessage,
	}
}

type Decision struct {
	Allowed bool
	// Exempt indica que o path é isento e a chave nem foi resolvida.
	Exempt bool

	Key       Key
	Limit     int
	Remaining int

	// RetryAfter é o valor a ser retornado em Retry-After quando bloquear.
	// Se 0, não há recomendação.
	RetryAfter time.Duration

	// Rejection só é preenchido quando Allowed == false.
	Rejection *Rejection
}
