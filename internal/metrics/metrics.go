// Package metrics holds the daemon's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const ns = "oomkiller"

const (
	LabelReason = "reason"
	LabelResult = "result"
	LabelSignal = "signal"

	ResultTerminated = "terminated"
	ResultTimedOut   = "timed_out"
	ResultDryRun     = "dry_run"
	ResultNoVictim   = "no_victim"
	ResultDelivered  = "delivered"
)

type Metrics struct {
	Triggers        *prometheus.CounterVec
	Cycles          *prometheus.CounterVec
	VictimsSelected prometheus.Counter
	ScanSeconds     prometheus.Histogram
	SignalsSent     *prometheus.CounterVec
	Escalations     prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		Triggers: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "triggers_total",
			Help: "The number of kill cycles started, by the condition that triggered them.",
		}, []string{LabelReason}),
		Cycles: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "cycles_total",
			Help: "The number of completed kill cycles, by outcome.",
		}, []string{LabelResult}),
		VictimsSelected: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "victims_selected_total",
			Help: "The number of scans that produced a victim.",
		}),
		ScanSeconds: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Name: "scan_seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			Help:    "The time taken to scan the process table and choose a victim.",
		}),
		// The result label is either "delivered" or the failure kind.
		SignalsSent: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "signals_sent_total",
			Help: "The number of signals sent to victims, by signal and delivery result.",
		}, []string{LabelSignal, LabelResult}),
		Escalations: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "escalations_total",
			Help: "The number of victims that outlived SIGTERM and were sent SIGKILL.",
		}),
	}
}

// Discard returns collectors registered nowhere, for callers that do not
// export metrics.
func Discard() *Metrics {
	return New(prometheus.NewRegistry())
}
