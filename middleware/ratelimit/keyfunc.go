package ratelimit

import (
	"net"
	"net/http"
	"strings"
)

// DefaultKeyHeader é o header de identidade do chamador usado por padrão.
const DefaultKeyHeader = "X-User-ID"

// KeyFunc extrai a chave do cliente de um request. Nunca deve devolver "".
type KeyFunc func(r *http.Request) string

// DefaultKeyFunc resolve a chave nesta ordem:
//
//  1. header keyHeader (se configurado e não vazio)
//  2. primeiro IP do X-Forwarded-For, se trustXFF
//  3. host de RemoteAddr (ou RemoteAddr cru, se não tiver porta)
//  4. "unknown"
//
// Tanto o header quanto o X-Forwarded-For são controlados pelo cliente: sem um
// proxy confiável na frente, qualquer um troca de chave (e de cota) à vontade.
func DefaultKeyFunc(keyHeader string, trustXFF bool) KeyFunc {
	return func(r *http.Request) string {
		if keyHeader != "" {
			if v := strings.TrimSpace(r.Header.Get(keyHeader)); v != "" {
				return v
			}
		}

		if trustXFF {
			// primeiro IP do X-Forwarded-For (cliente original)
			if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
				first, _, _ := strings.Cut(xff, ",")
				if ip := strings.TrimSpace(first); ip != "" {
					return ip
				}
			}
		}

		addr := strings.TrimSpace(r.RemoteAddr)
		host, _, err := net.SplitHostPort(addr)
		if err == nil && host != "" {
			return host
		}
		if addr != "" {
			return addr
		}
		return "unknown"
	}
}
