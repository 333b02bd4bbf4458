package metrics

/*
numapin — NUMA-topology-aware CPU pinning for Go worker pools
Copyright (C) 2025  Pepijn van der Stap <numapin@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry           = prometheus.NewRegistry()
	defaultRegisterer  = promauto.With(registry)
	metricsInitialized sync.Once
	metricsEnabled     bool
	metricsServer      *http.Server
)

// Metrics contains all the Prometheus metrics for the application.
type Metrics struct {
	// Selection metrics
	SelectionsTotal *prometheus.CounterVec
	CoreLoad        *prometheus.GaugeVec
	SocketLoad      *prometheus.GaugeVec
	NodeLoad        *prometheus.GaugeVec

	// Pinning metrics
	PinAttemptsTotal prometheus.Counter
	PinFailuresTotal prometheus.Counter
	PinNoopsTotal    prometheus.Counter

	// Worker metrics
	WorkerBusy      *prometheus.GaugeVec
	WorkerPinnedCPU *prometheus.GaugeVec
	WorkerProcessed *prometheus.CounterVec
	WorkerErrors    *prometheus.CounterVec
	WorkerPanics    *prometheus.CounterVec

	// Queue metrics
	QueueDepth           *prometheus.GaugeVec
	QueueBackpressureHit *prometheus.CounterVec

	// Scheduler metrics
	WorkSubmitted prometheus.Counter
	WorkCompleted prometheus.Counter
	WorkFailed    prometheus.Counter
}

// Global instance of metrics
var globalMetrics *Metrics
var metricsOnce sync.Once

// GetMetrics returns the global metrics instance.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = newMetrics()
	})
	return globalMetrics
}

// EnableMetrics enables the metrics exposition server.
func EnableMetrics() {
	metricsEnabled = true
}

// IsMetricsEnabled returns whether metrics exposition is enabled.
func IsMetricsEnabled() bool {
	return metricsEnabled
}

// newMetrics creates and registers all metrics.
func newMetrics() *Metrics {
	m := &Metrics{
		// Selection metrics
		SelectionsTotal: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "numapin_selections_total",
				Help: "Total number of worker CPU selections, per logical CPU",
			},
			[]string{"cpu"},
		),
		CoreLoad: defaultRegisterer.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "numapin_core_assigned_workers",
				Help: "Number of workers assigned to each core",
			},
			[]string{"core"},
		),
		SocketLoad: defaultRegisterer.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "numapin_socket_assigned_workers",
				Help: "Number of workers assigned to each socket",
			},
			[]string{"socket"},
		),
		NodeLoad: defaultRegisterer.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "numapin_node_assigned_workers",
				Help: "Number of workers assigned to each NUMA node",
			},
			[]string{"node"},
		),

		// Pinning metrics
		PinAttemptsTotal: defaultRegisterer.NewCounter(
			prometheus.CounterOpts{
				Name: "numapin_pin_attempts_total",
				Help: "Total number of affinity syscalls issued",
			},
		),
		PinFailuresTotal: defaultRegisterer.NewCounter(
			prometheus.CounterOpts{
				Name: "numapin_pin_failures_total",
				Help: "Total number of affinity syscalls that failed",
			},
		),
		PinNoopsTotal: defaultRegisterer.NewCounter(
			prometheus.CounterOpts{
				Name: "numapin_pin_noops_total",
				Help: "Total number of pin requests short-circuited without a syscall",
			},
		),

		// Worker metrics
		WorkerBusy: defaultRegisterer.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "numapin_worker_busy",
				Help: "Whether a worker is currently busy (1) or idle (0)",
			},
			[]string{"worker_id"},
		),
		WorkerPinnedCPU: defaultRegisterer.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "numapin_worker_pinned_cpu",
				Help: "Logical CPU each worker is pinned to (-1 when unpinned)",
			},
			[]string{"worker_id"},
		),
		WorkerProcessed: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "numapin_worker_processed_total",
				Help: "Total number of items processed by a worker",
			},
			[]string{"worker_id"},
		),
		WorkerErrors: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "numapin_worker_errors_total",
				Help: "Total number of errors encountered by a worker",
			},
			[]string{"worker_id"},
		),
		WorkerPanics: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "numapin_worker_panics_total",
				Help: "Total number of panics recovered by a worker",
			},
			[]string{"worker_id"},
		),

		// Queue metrics
		QueueDepth: defaultRegisterer.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "numapin_queue_depth",
				Help: "Current size of per-worker work queues",
			},
			[]string{"worker_id"},
		),
		QueueBackpressureHit: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "numapin_queue_backpressure_hits_total",
				Help: "Number of times a submission was rejected due to a full queue",
			},
			[]string{"worker_id"},
		),

		// Scheduler metrics
		WorkSubmitted: defaultRegisterer.NewCounter(
			prometheus.CounterOpts{
				Name: "numapin_work_submitted_total",
				Help: "Total number of work items accepted by the scheduler",
			},
		),
		WorkCompleted: defaultRegisterer.NewCounter(
			prometheus.CounterOpts{
				Name: "numapin_work_completed_total",
				Help: "Total number of work items completed",
			},
		),
		WorkFailed: defaultRegisterer.NewCounter(
			prometheus.CounterOpts{
				Name: "numapin_work_failed_total",
				Help: "Total number of work items that failed processing",
			},
		),
	}

	return m
}

// ObserveSelection records one CPU selection and the post-selection loads of
// the chosen CPU's core, socket and node.
func (m *Metrics) ObserveSelection(cpu, core, socket, node, coreLoad, socketLoad, nodeLoad int) {
	m.SelectionsTotal.WithLabelValues(strconv.Itoa(cpu)).Inc()
	m.CoreLoad.WithLabelValues(strconv.Itoa(core)).Set(float64(coreLoad))
	m.SocketLoad.WithLabelValues(strconv.Itoa(socket)).Set(float64(socketLoad))
	m.NodeLoad.WithLabelValues(strconv.Itoa(node)).Set(float64(nodeLoad))
}

// UpdateQueueDepth updates the queue depth gauge for a worker.
func (m *Metrics) UpdateQueueDepth(workerID, depth int) {
	m.QueueDepth.WithLabelValues(strconv.Itoa(workerID)).Set(float64(depth))
}

// StartMetricsServer starts an HTTP server to expose Prometheus metrics.
func StartMetricsServer(addr string) error {
	if !metricsEnabled {
		return nil
	}

	// Only start once
	var startErr error
	metricsInitialized.Do(func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

		metricsServer = &http.Server{
			Addr:    addr,
			Handler: mux,
		}

		go func() {
			log.Printf("Starting metrics server on %s", addr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("Metrics server error: %v", err)
			}
		}()
	})

	return startErr
}

// ShutdownMetricsServer gracefully shuts down the metrics server.
func ShutdownMetricsServer(ctx context.Context) error {
	if metricsServer != nil {
		log.Println("Shutting down metrics server...")
		return metricsServer.Shutdown(ctx)
	}
	return nil
}
