// Package metrics exports tree generation metrics to Prometheus.
//
//	obs := metrics.New(prometheus.DefaultRegisterer)
//	g, err := kdtree.NewGenerator(kdtree.WithObserver(obs))
package metrics

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gogpu/kdtree"
)

const (
	deviceLabel  = "device"
	levelLabel   = "level"
	errTypeLabel = "error_type"
)

// Observer records generator events as Prometheus metrics. It implements
// kdtree.Observer.
type Observer struct {
	generations        *prometheus.CounterVec
	generationErrors   *prometheus.CounterVec
	generationDuration *prometheus.HistogramVec
	levelDuration      *prometheus.HistogramVec
	treeNodes          prometheus.Gauge
	treeBytes          prometheus.Gauge
}

var _ kdtree.Observer = (*Observer)(nil)

// New creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func New(reg prometheus.Registerer) *Observer {
	f := promauto.With(reg)
	return &Observer{
		generations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kdtree_generations_total",
			Help: "The number of trees generated.",
		}, []string{
			deviceLabel,
		}),

		generationErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kdtree_generation_errors_total",
			Help: "The errors that occurred while generating a tree.",
		}, []string{
			errTypeLabel,
		}),

		generationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kdtree_generation_duration_seconds",
			Help:    "The time to generate a tree, from planning to the last barrier.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{
			deviceLabel,
		}),

		levelDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kdtree_level_duration_seconds",
			Help:    "The time to build one tree level, dispatch to barrier.",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		}, []string{
			levelLabel,
		}),

		treeNodes: f.NewGauge(prometheus.GaugeOpts{
			Name: "kdtree_tree_nodes",
			Help: "The node count of the last generated tree.",
		}),

		treeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "kdtree_tree_bytes",
			Help: "The node buffer size of the last generated tree.",
		}),
	}
}

// LevelBuilt implements kdtree.Observer.
func (o *Observer) LevelBuilt(level int, _ uint32, elapsed time.Duration) {
	o.levelDuration.With(prometheus.Labels{
		levelLabel: strconv.Itoa(level),
	}).Observe(elapsed.Seconds())
}

// Generated implements kdtree.Observer.
func (o *Observer) Generated(s kdtree.Stats) {
	labels := prometheus.Labels{deviceLabel: s.Device}
	o.generations.With(labels).Inc()
	o.generationDuration.With(labels).Observe(s.Elapsed.Seconds())
	o.treeNodes.Set(float64(s.Nodes))
	o.treeBytes.Set(float64(s.Bytes))
}

// Failed implements kdtree.Observer.
func (o *Observer) Failed(err error) {
	o.generationErrors.
		With(prometheus.Labels{
			errTypeLabel: ErrorType(err),
		}).
		Inc()
}

// ErrorType classifies a generation error for the error_type label.
func ErrorType(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case errors.Is(err, kdtree.ErrInvalidVolumeGeometry):
		return "invalid_geometry"
	case errors.Is(err, kdtree.ErrAllocationFailure):
		return "allocation"
	case errors.Is(err, kdtree.ErrKernelDispatchFailure):
		return "dispatch"
	case errors.Is(err, kdtree.ErrGeneratorClosed):
		return "closed"
	default:
		return "other"
	}
}
