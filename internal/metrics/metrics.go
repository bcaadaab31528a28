package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StreamState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "runwatch_stream_state",
		Help: "Current stream connection state (0 idle, 1 connecting, 2 open, 3 reconnecting, 4 closed)",
	})

	StreamReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "runwatch_stream_reconnects_total",
		Help: "Reconnect attempts scheduled after an unexpected close",
	})

	FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "runwatch_stream_frames_total",
		Help: "Validated stream frames by message type",
	}, []string{"type"})

	FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "runwatch_stream_frames_dropped_total",
		Help: "Stream frames discarded at the protocol boundary",
	}, []string{"reason"})

	IterationsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "runwatch_iterations_applied_total",
		Help: "Iteration entries merged into canonical history by source",
	}, []string{"source"})

	IterationsIgnored = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "runwatch_iterations_ignored_total",
		Help: "Iteration entries rejected by the monotonic merge rule by source",
	}, []string{"source"})

	PollDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "runwatch_poll_duration_seconds",
		Help:    "REST poll latency",
		Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.2, 0.5, 1.0, 2.0, 5.0},
	}, []string{"kind"})

	PollErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "runwatch_poll_errors_total",
		Help: "Failed REST polls by kind",
	}, []string{"kind"})

	CompareDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "runwatch_compare_duration_seconds",
		Help:    "Measurement comparison round-trip latency",
		Buckets: []float64{0.05, 0.1, 0.2, 0.5, 1.0, 2.0, 5.0, 10.0},
	})

	CompareErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "runwatch_compare_errors_total",
		Help: "Failed comparison requests by error type",
	}, []string{"error_type"})

	ArchiveWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "runwatch_archive_writes_total",
		Help: "Archive writes by outcome",
	}, []string{"status"})
)
