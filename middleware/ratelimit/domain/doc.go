// Package domain define contratos e tipos de domínio do gate de admissão.
//
// Este pacote não depende de net/http nem de implementações concretas:
// Key, Bucket, BucketStore, Decision, Rejection e StatsStore.
package domain
