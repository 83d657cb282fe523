package engine

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gridworks/forge/internal/domain"
	"github.com/gridworks/forge/internal/store"
)

var (
	metricsOnce sync.Once

	executionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "forge_executions_active",
		Help: "Executions currently holding a pipeline slot.",
	})
	executionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_executions_total",
		Help: "Finished executions by phase and error kind.",
	}, []string{"phase", "error_kind"})
	executionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "forge_execution_duration_seconds",
		Help:    "Wall-clock duration of full execution pipelines.",
		Buckets: []float64{0.5, 1, 5, 15, 60, 300, 900, 1800},
	})
)

func registerMetrics() {
	metricsOnce.Do(func() {
		for _, collector := range []prometheus.Collector{executionsActive, executionsTotal, executionDuration} {
			if err := prometheus.Register(collector); err != nil {
				var already prometheus.AlreadyRegisteredError
				if !errors.As(err, &already) {
					panic(err)
				}
			}
		}
	})
}

func observeExecutionStarted() {
	registerMetrics()
	executionsActive.Inc()
}

func observeExecutionFinished(phase store.Phase, kind domain.ErrorKind, elapsed time.Duration) {
	registerMetrics()
	executionsActive.Dec()
	executionsTotal.WithLabelValues(string(phase), string(kind)).Inc()
	executionDuration.Observe(elapsed.Seconds())
}
