package quadstore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// collectorFactory creates collectors and remembers them for unregistering
type collectorFactory struct {
	promauto.Factory
	reg        prometheus.Registerer
	collectors []prometheus.Collector
}

func (f *collectorFactory) counterFunc(opts prometheus.CounterOpts, fn func() float64) {
	f.collectors = append(f.collectors, f.NewCounterFunc(opts, fn))
}

func (f *collectorFactory) gaugeFunc(opts prometheus.GaugeOpts, fn func() float64) {
	f.collectors = append(f.collectors, f.NewGaugeFunc(opts, fn))
}

func (f *collectorFactory) counter(opts prometheus.CounterOpts) prometheus.Counter {
	c := f.NewCounter(opts)
	f.collectors = append(f.collectors, c)
	return c
}

const metricsNamespace = "quadstore"

type metrics struct {
	factory *collectorFactory

	grows     prometheus.Counter
	gcRuns    prometheus.Counter
	gcFreed   prometheus.Counter
	commits   prometheus.Counter
	rollbacks prometheus.Counter
}

// newMetrics creates the store metrics. Nothing is registered when reg is
// nil. Gauges read the store lazily at scrape time, so reg must not be
// scraped before Open returns.
func newMetrics(reg prometheus.Registerer, s *Store) *metrics {
	f := &collectorFactory{Factory: promauto.With(reg), reg: reg}
	m := &metrics{
		grows: f.counter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "storage_grows_total",
			Help:      "Number of times the storage capacity was raised",
		}),
		gcRuns: f.counter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "gc_runs_total",
			Help:      "Number of value garbage collections",
		}),
		gcFreed: f.counter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "gc_freed_values_total",
			Help:      "Number of value IDs freed by garbage collection",
		}),
		commits: f.counter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "commits_total",
			Help:      "Number of committed write transactions",
		}),
		rollbacks: f.counter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rollbacks_total",
			Help:      "Number of rolled back write transactions",
		}),
	}
	m.factory = f
	if reg == nil {
		return m
	}

	f.counterFunc(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "value_cache_hits_total",
		Help:      "Value dictionary cache hits",
	}, func() float64 { return float64(s.values.Stats().CacheHits) })
	f.counterFunc(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "value_cache_misses_total",
		Help:      "Value dictionary cache misses",
	}, func() float64 { return float64(s.values.Stats().CacheMisses) })
	f.gaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "free_value_ids",
		Help:      "Value IDs available for reuse",
	}, func() float64 { return float64(s.values.Stats().FreeIDs) })
	for path, read := range map[string]func() uint64{
		"prefix":     func() uint64 { return s.triples.ScanStats().Prefix },
		"dup":        func() uint64 { return s.triples.ScanStats().Dup },
		"sequential": func() uint64 { return s.triples.ScanStats().Sequential },
	} {
		read := read
		f.counterFunc(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "statement_scans_total",
			Help:        "Statement lookups by access path",
			ConstLabels: prometheus.Labels{"path": path},
		}, func() float64 { return float64(read()) })
	}
	f.gaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "storage_used_bytes",
		Help:      "Logical bytes stored",
	}, func() float64 { return float64(s.env.Used()) })
	f.gaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "storage_limit_bytes",
		Help:      "Current storage capacity",
	}, func() float64 { return float64(s.env.Limit()) })
	f.gaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "open_snapshots",
		Help:      "Open read snapshots",
	}, func() float64 { return float64(s.txns.OpenSnapshots()) })
	f.gaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "key_cache_entries",
		Help:      "Entries in the hot key cache",
	}, func() float64 { return float64(s.keys.Stats().Len) })
	return m
}

// unregister removes the store metrics from the registerer
func (m *metrics) unregister() {
	if m.factory.reg == nil {
		return
	}
	for _, c := range m.factory.collectors {
		m.factory.reg.Unregister(c)
	}
}
