package monitor

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/turtacn/Proctor/pkg/logger"
)

var (
	// BrowserStarts counts every launcher start, including restarts.
	BrowserStarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "proctor_browser_starts_total",
		Help: "Total number of browser process starts",
	}, []string{"browser"})
	// BrowserRestarts tracks automatic restarts, partitioned by reason.
	BrowserRestarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "proctor_browser_restarts_total",
		Help: "Total number of browser restarts",
	}, []string{"reason"})
	// BrowserFailures counts browsers given up on.
	BrowserFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "proctor_browser_failures_total",
		Help: "Total number of browser process failures after retries",
	}, []string{"reason"})
	// CaptureDuration tracks the time from start to capture in seconds.
	CaptureDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "proctor_capture_duration_seconds",
		Help:    "Time taken for a launched browser to capture",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	})
	FileListFiles = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "proctor_file_list_files",
		Help: "Number of served files in the file list",
	})
	FileListModified = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "proctor_file_list_modified_total",
		Help: "Number of file_list_modified emissions",
	})
	PreprocessDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "proctor_preprocess_duration_seconds",
		Help: "Time spent preprocessing a single file",
	})
	// Runs counts completed test runs by result (success, failed, error).
	Runs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "proctor_runs_total",
		Help: "Total number of completed test runs",
	}, []string{"result"})

	registerOnce sync.Once
)

// Register adds every collector to the default registry. Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			BrowserStarts, BrowserRestarts, BrowserFailures, CaptureDuration,
			FileListFiles, FileListModified, PreprocessDuration, Runs,
		)
	})
}

// InitMetrics registers Prometheus metrics and starts an HTTP server to expose them.
// It takes an address string (e.g., ":9090") on which to listen for requests.
// An empty address only registers the collectors.
func InitMetrics(addr string) {
	Register()
	if addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		logger.Log.Info("Metrics server starting", "addr", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Log.Error("Metrics server failed", "err", err)
		}
	}()
}

// Personal.AI order the ending
