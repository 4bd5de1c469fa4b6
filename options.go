package kdtree

import "github.com/gogpu/kdtree/gpucore"

// Option configures a Generator during creation.
//
// Example:
//
//	// CPU executor with 4 workers
//	g, err := kdtree.NewGenerator(kdtree.WithWorkers(4))
//
//	// Caller-owned device (dependency injection)
//	g, err := kdtree.NewGenerator(kdtree.WithDevice(dev))
type Option func(*generatorOptions)

// generatorOptions holds optional configuration for Generator creation.
type generatorOptions struct {
	device   gpucore.Device
	observer Observer
	workers  int
}

// WithDevice sets the compute device. The caller keeps ownership: Close
// does not close a device passed here.
func WithDevice(d gpucore.Device) Option {
	return func(o *generatorOptions) {
		o.device = d
	}
}

// WithObserver sets a hook notified of level builds and generation results.
// The metrics package provides a Prometheus implementation.
func WithObserver(obs Observer) Option {
	return func(o *generatorOptions) {
		o.observer = obs
	}
}

// WithWorkers sets the number of goroutines used for volume packing and by
// the default CPU device. Zero or negative uses GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(o *generatorOptions) {
		o.workers = n
	}
}
