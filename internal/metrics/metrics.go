// Package metrics exposes the gateway's Prometheus collectors and the gin
// middleware that feeds the HTTP ones.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "blobgate"

var (
	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by route, method and status.",
	}, []string{"route", "method", "status"})

	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by route and method.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method"})

	// UploadsCommitted counts staged uploads promoted to a version.
	UploadsCommitted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "uploads_committed_total",
		Help:      "Staged uploads committed as object versions.",
	})

	// UploadsAborted counts uploads abandoned by the client or the reaper.
	UploadsAborted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "uploads_aborted_total",
		Help:      "Staged uploads removed without a version.",
	}, []string{"reason"})

	// PartsWritten counts part writes by outcome.
	PartsWritten = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "parts_written_total",
		Help:      "Part writes by outcome.",
	}, []string{"outcome"})

	// BackendOps counts backend calls by operation and result.
	BackendOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "backend_operations_total",
		Help:      "Backend calls by operation and result.",
	}, []string{"op", "result"})

	// GCMarked counts candidates inserted by the mark phase.
	GCMarked = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "gc_marked_total",
		Help:      "Unreferenced blobs queued for deletion.",
	})

	// GCDeleted counts candidates whose bytes were removed and rows retired.
	GCDeleted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "gc_deleted_total",
		Help:      "Candidates physically deleted and retired.",
	})

	// GCFailures counts failed sweep attempts.
	GCFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "gc_failures_total",
		Help:      "Sweep attempts that failed and were rescheduled.",
	})

	// GCViolations counts candidates found still referenced during verify.
	GCViolations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "gc_invariant_violations_total",
		Help:      "Candidates that turned out to be referenced at sweep time.",
	})

	// GCReaped counts staged uploads expired by the reaper.
	GCReaped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "gc_reaped_uploads_total",
		Help:      "Inactive staged uploads reaped.",
	})

	// GCStuck reports candidates that exhausted their attempts.
	GCStuck = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "gc_stuck_candidates",
		Help:      "Candidates awaiting operator attention.",
	})

	initOnce sync.Once
)

// InitMetrics registers every collector with the default registry. Calling it
// more than once is harmless.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			UploadsCommitted,
			UploadsAborted,
			PartsWritten,
			BackendOps,
			GCMarked,
			GCDeleted,
			GCFailures,
			GCViolations,
			GCReaped,
			GCStuck,
		)
	})
}

// Middleware records request counts and latency per matched route.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		httpRequests.WithLabelValues(route, c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		httpDuration.WithLabelValues(route, c.Request.Method).Observe(time.Since(start).Seconds())
	}
}

// Register attaches the Prometheus metrics endpoint to the router.
func Register(router *gin.Engine, path string) {
	router.GET(path, gin.WrapH(promhttp.Handler()))
}

// BackendResult labels a backend call outcome.
func BackendResult(err error) string {
	if err == nil {
		return "ok"
	}
	return "error"
}
