package virtgpu

import "github.com/gogpu/virtgpu/backend"

// Option configures a Broker during creation.
// Use functional options to customize Broker behavior.
//
// Example:
//
//	// Default backend selection (best available, software fallback)
//	b, err := virtgpu.New()
//
//	// Explicit backend instance (dependency injection)
//	b, err := virtgpu.New(virtgpu.WithBackend(backend.NewSoftware()))
type Option func(*brokerOptions)

// brokerOptions holds optional configuration for Broker creation.
type brokerOptions struct {
	be          backend.Backend
	backendName string
	capsets     []Capset
}

// defaultOptions returns the default broker options.
func defaultOptions() brokerOptions {
	return brokerOptions{}
}

// WithBackend selects an explicit backend instance. The broker takes
// ownership: it installs the fence handler, initializes the backend and
// closes it on shutdown.
func WithBackend(b backend.Backend) Option {
	return func(o *brokerOptions) {
		o.be = b
	}
}

// WithBackendName selects a registered backend by name (for example
// backend.NameSoftware). Creation fails if the name is not registered.
func WithBackendName(name string) Option {
	return func(o *brokerOptions) {
		o.backendName = name
	}
}

// WithCapsets registers additional capability sets on top of what the
// backend advertises. Entries with the same (id, version) override the
// backend's descriptor.
func WithCapsets(sets ...Capset) Option {
	return func(o *brokerOptions) {
		o.capsets = append(o.capsets, sets...)
	}
}
