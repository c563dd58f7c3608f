package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vslam_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	// Graph size metrics
	graphNodes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vslam_graph_nodes",
			Help: "Number of camera nodes in the graph",
		},
	)

	graphPoints = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vslam_graph_points",
			Help: "Number of point tracks in the graph",
		},
	)

	graphProjections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vslam_graph_projections",
			Help: "Number of projections in the graph",
		},
	)

	projectionsRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vslam_projections_rejected_total",
			Help: "Total number of projections dropped for invalid references",
		},
	)

	// Solver metrics
	optimizeRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vslam_optimize_runs_total",
			Help: "Total number of optimization passes by terminal state",
		},
		[]string{"termination"},
	)

	optimizeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vslam_optimize_duration_seconds",
			Help:    "Optimization pass duration in seconds",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10, 30},
		},
	)

	rmsCost = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vslam_rms_cost",
			Help: "Current RMS reprojection error in pixels",
		},
	)
)
