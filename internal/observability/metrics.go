// Package observability exposes Prometheus metrics for the sync pipeline.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	syncActivities = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ridesync",
		Subsystem: "sync",
		Name:      "activities_total",
		Help:      "Activities handled by pull sync, labelled by outcome.",
	}, []string{"outcome"})

	webhookEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ridesync",
		Subsystem: "webhook",
		Name:      "events_total",
		Help:      "Strava webhook activity events received, labelled by aspect type.",
	}, []string{"aspect_type"})

	lastSyncGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ridesync",
		Subsystem: "sync",
		Name:      "last_completed_timestamp_seconds",
		Help:      "Unix timestamp of the most recent completed pull sync.",
	})
)

func init() {
	prometheus.MustRegister(syncActivities, webhookEvents, lastSyncGauge)
}

// RecordSync updates the pull-sync counters and watermark.
func RecordSync(created, updated, totalProcessed int) {
	syncActivities.WithLabelValues("created").Add(float64(created))
	syncActivities.WithLabelValues("updated").Add(float64(updated))
	skipped := totalProcessed - created - updated
	if skipped > 0 {
		syncActivities.WithLabelValues("skipped").Add(float64(skipped))
	}
	lastSyncGauge.Set(float64(time.Now().Unix()))
}

// RecordWebhookEvent counts one inbound activity event.
func RecordWebhookEvent(aspectType string) {
	webhookEvents.WithLabelValues(aspectType).Add(1)
}
