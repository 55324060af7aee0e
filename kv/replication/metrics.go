package replication

import "github.com/prometheus/client_golang/prometheus"

var (
	shippedLogBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinyoltp",
			Subsystem: "rep",
			Name:      "shipped_log_bytes",
			Help:      "Total log bytes shipped to backups.",
		})

	persistedLSNGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tinyoltp",
			Subsystem: "rep",
			Name:      "persisted_lsn_offset",
			Help:      "Highest log offset persisted on this backup.",
		})

	replayedLSNGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tinyoltp",
			Subsystem: "rep",
			Name:      "replayed_lsn_offset",
			Help:      "Highest log offset replayed on this backup.",
		})
)

func init() {
	prometheus.MustRegister(shippedLogBytes)
	prometheus.MustRegister(persistedLSNGauge)
	prometheus.MustRegister(replayedLSNGauge)
}
