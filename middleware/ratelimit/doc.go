// Package ratelimit é o adapter HTTP (net/http) do portão de admissão.
//
// Visão geral (camadas):
//
//   - domain: contratos e tipos do domínio (sem dependência de net/http)
//   - application: caso de uso (isenção + decisão allow/deny) sem net/http
//   - infra: token bucket, store com LRU/expiração e destinos de estatística
//   - ratelimit (este pacote): middleware HTTP, extração de chave e tradução
//     da decisão para status/headers/corpo
//
// Fluxo no gateway:
//
//  1. Path isento (ex.: /actuator/, /health): passa direto
//  2. Extrai a chave do cliente (header de usuário, XFF, RemoteAddr)
//  3. Consome um token do bucket da chave
//  4. Se bloqueado, responde 429 com corpo JSON e Retry-After
//  5. Se permitido, chama o próximo handler (ex.: reverse proxy)
//
// Variáveis de ambiente do binário gateway (cmd/gateway) controlam o
// comportamento, como RATE_REQUESTS_PER_MINUTE, RATE_MAX_ENTRIES e RATE_IDLE_TTL.
package ratelimit
