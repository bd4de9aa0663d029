// Package infra contém as implementações concretas dos contratos do pacote domain.
//
//   - TokenBucket: cota de um cliente sobre golang.org/x/time/rate
//   - Store: buckets por chave, limitado por LRU e com expiração por inatividade
//   - MemoryStatsStore, RedisStatsStore, PrometheusStats: destinos de estatística
//   - Clock/ManualClock: tempo injetável para testes
package infra
