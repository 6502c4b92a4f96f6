// Package enginemetrics exposes the engine's Prometheus metrics, in
// the shape the teacher registers its gRPC server metrics: package
// vars registered once with the default registry, served over
// promhttp.Handler at the host process's HTTP bind address
// (cmd/root.go's http.Handle("/metrics", ...)).
package enginemetrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// ConfirmedHeight is the highest block height the engine has
	// committed a checkpoint for, per pool. Supplements spec.md with
	// the teacher's GetLightdInfo EstimatedHeight idea (SPEC_FULL.md
	// "Additional domain features").
	ConfirmedHeight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "warpsync_confirmed_height",
		Help: "Highest block height committed to the store.",
	}, []string{"pool"})

	// ChunkDuration observes wall-clock time to process one chunk
	// through the full pipeline, per stage.
	ChunkDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "warpsync_chunk_duration_seconds",
		Help:    "Time spent processing one chunk, by pipeline stage.",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})

	// SpendNotificationsFailed counts observer notifications dropped
	// because the spend detector's bounded semaphore was full.
	SpendNotificationsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warpsync_spend_notifications_failed_total",
		Help: "Spend observer notifications dropped due to a full notification queue.",
	})

	// ReorgsHandled counts chain reorganizations detected and rolled
	// back to a common ancestor.
	ReorgsHandled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warpsync_reorgs_handled_total",
		Help: "Chain reorganizations detected and repaired.",
	})
)

// Register adds every engine metric to reg. Call once at process
// start; a nil reg registers against prometheus.DefaultRegisterer.
func Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{ConfirmedHeight, ChunkDuration, SpendNotificationsFailed, ReorgsHandled} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}
