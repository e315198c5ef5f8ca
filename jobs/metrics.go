package jobs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var jobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "sponsorflow",
	Subsystem: "jobs",
	Name:      "processed_total",
	Help:      "Jobs processed by the worker, labeled by type and outcome.",
}, []string{"type", "outcome"})
