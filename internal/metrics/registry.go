package metrics

import "github.com/prometheus/client_golang/prometheus"

// StatsFunc returns point-in-time counts keyed by name
// ("sessions", "connections", "teachers", "students").
type StatsFunc func() map[string]int

// RegistryCollector exports live registry counts as gauges at scrape time.
type RegistryCollector struct {
	stats StatsFunc
	desc  *prometheus.Desc
}

func NewRegistryCollector(stats StatsFunc) *RegistryCollector {
	return &RegistryCollector{
		stats: stats,
		desc: prometheus.NewDesc(
			"lectern_registry_active",
			"Live sessions, connections and roles in the session registry",
			[]string{"kind"}, nil,
		),
	}
}

func (c *RegistryCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *RegistryCollector) Collect(ch chan<- prometheus.Metric) {
	for kind, n := range c.stats() {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(n), kind)
	}
}
