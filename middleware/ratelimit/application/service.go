package application

import (
	"strings"
	"time"

	"admission-gateway/middleware/ratelimit/domain"
)

// Service concentra a regra de aplicação do rate limit.
//
// Ele não sabe nada sobre HTTP (headers/corpo), apenas retorna uma decisão.
type Service struct {
	Store domain.BucketStore

	// ExemptPrefixes são prefixos de path que nunca passam pelo limite.
	ExemptPrefixes []string

	// Now é o relógio do timestamp da rejeição. Padrão: time.Now.
	Now func() time.Time
}

// Capacidades opcionais do bucket concreto (infra.TokenBucket tem todas).
type (
	retryAfterer interface{ RetryAfter() time.Duration }
	remainer     interface{ Remaining() int }
	capacitor    interface{ Capacity() int }
)

// Exempt diz se o path casa com algum prefixo isento.
func (s Service) Exempt(path string) bool {
	for _, p := range s.ExemptPrefixes {
		if p != "" && strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// Admit aplica a isenção antes de resolver a chave: em path isento resolve
// nunca é chamado.
func (s Service) Admit(path string, resolve func() domain.Key) domain.Decision {
	if s.Exempt(path) {
		return domain.Decision{Allowed: true, Exempt: true}
	}
	var key domain.Key
	if resolve != nil {
		key = resolve()
	}
	return s.Decide(key)
}

func (s Service) Decide(key domain.Key) domain.Decision {
	if s.Store == nil {
		return domain.Decision{Allowed: true, Key: key}
	}

	b := s.Store.Get(key)
	if b == nil {
		return domain.Decision{Allowed: true, Key: key}
	}

	dec := domain.Decision{Allowed: b.Allow(), Key: key}
	if c, ok := b.(capacitor); ok {
		dec.Limit = c.Capacity()
	}
	if r, ok := b.(remainer); ok {
		dec.Remaining = r.Remaining()
	}
	if dec.Allowed {
		return dec
	}

	dec.RetryAfter = time.Second
	if r, ok := b.(retryAfterer); ok {
		if d := r.RetryAfter(); d > 0 {
			dec.RetryAfter = d
		}
	}
	dec.Rejection = domain.NewRejection(s.now(), domain.RejectionCode)
	return dec
}

func (s Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}
