package infra

import (
	"context"
	"errors"

	"admission-gateway/middleware/ratelimit/domain"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusStats conta decisões por resultado (allowed/denied).
// Não usa a chave do cliente como label (cardinalidade).
type PrometheusStats struct {
	decisions *prometheus.CounterVec
}

func NewPrometheusStats(reg prometheus.Registerer, namespace string) (*PrometheusStats, error) {
	s := &PrometheusStats{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "decisions_total",
			Help:      "Admission decisions taken by the rate limit gate.",
		}, []string{"decision"}),
	}
	if reg != nil {
		if err := reg.Register(s.decisions); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *PrometheusStats) Record(_ context.Context, ev domain.StatsEvent) error {
	s.decisions.WithLabelValues(decisionField(ev.Allowed)).Inc()
	return nil
}

// Decisions expõe o vetor para testes.
func (s *PrometheusStats) Decisions() *prometheus.CounterVec { return s.decisions }

// StoreCollector publica os contadores do Store no momento do scrape.
type StoreCollector struct {
	store *Store

	active  *prometheus.Desc
	created *prometheus.Desc
	evicted *prometheus.Desc
	expired *prometheus.Desc
}

func NewStoreCollector(store *Store, namespace string) *StoreCollector {
	name := func(n string) string { return prometheus.BuildFQName(namespace, "ratelimit", n) }
	return &StoreCollector{
		store:   store,
		active:  prometheus.NewDesc(name("buckets"), "Buckets currently resident in the store.", nil, nil),
		created: prometheus.NewDesc(name("buckets_created_total"), "Buckets created for previously unseen or expired keys.", nil, nil),
		evicted: prometheus.NewDesc(name("buckets_evicted_total"), "Buckets evicted because the store was full.", nil, nil),
		expired: prometheus.NewDesc(name("buckets_expired_total"), "Buckets removed after exceeding the idle TTL.", nil, nil),
	}
}

func (c *StoreCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.active
	ch <- c.created
	ch <- c.evicted
	ch <- c.expired
}

func (c *StoreCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.store.Stats()
	ch <- prometheus.MustNewConstMetric(c.active, prometheus.GaugeValue, float64(st.Active))
	ch <- prometheus.MustNewConstMetric(c.created, prometheus.CounterValue, float64(st.Created))
	ch <- prometheus.MustNewConstMetric(c.evicted, prometheus.CounterValue, float64(st.Evicted))
	ch <- prometheus.MustNewConstMetric(c.expired, prometheus.CounterValue, float64(st.Expired))
}

// AsyncStatsCollector publica descartes e falhas de um AsyncStats.
type AsyncStatsCollector struct {
	async   *AsyncStats
	dropped *prometheus.Desc
	failed  *prometheus.Desc
}

func NewAsyncStatsCollector(a *AsyncStats, namespace string) *AsyncStatsCollector {
	return &AsyncStatsCollector{
		async:   a,
		dropped: prometheus.NewDesc(prometheus.BuildFQName(namespace, "ratelimit", "stats_dropped_total"), "Decision events dropped because the stats buffer was full.", nil, nil),
		failed:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "ratelimit", "stats_failed_total"), "Decision events the stats sink failed to record.", nil, nil),
	}
}

func (c *AsyncStatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.dropped
	ch <- c.failed
}

func (c *AsyncStatsCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(c.async.Dropped()))
	ch <- prometheus.MustNewConstMetric(c.failed, prometheus.CounterValue, float64(c.async.Failed()))
}

// MultiStats repassa o evento para vários StatsStore; nil é ignorado.
type MultiStats []domain.StatsStore

func (m MultiStats) Record(ctx context.Context, ev domain.StatsEvent) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Record(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
