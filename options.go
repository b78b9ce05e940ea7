package splat

// DefaultChunkSize is the number of primitives handed to a worker as one
// unit of work.
const DefaultChunkSize = 1024

// Option configures a Projector during creation.
//
// Example:
//
//	// Default: GOMAXPROCS workers, accelerator used when registered
//	p := splat.NewProjector()
//
//	// Four workers, CPU only
//	p := splat.NewProjector(splat.WithWorkers(4), splat.WithAccelerator(false))
type Option func(*options)

// options holds optional configuration for Projector creation.
type options struct {
	workers    int
	chunkSize  int
	accelerate bool
}

// defaultOptions returns the default projector options.
func defaultOptions() options {
	return options{
		workers:    0, // GOMAXPROCS
		chunkSize:  DefaultChunkSize,
		accelerate: true,
	}
}

// WithWorkers sets the number of worker goroutines. Zero or a negative
// value selects GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(o *options) {
		o.workers = n
	}
}

// WithChunkSize sets how many primitives each parallel task processes.
// Non-positive values keep DefaultChunkSize.
func WithChunkSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.chunkSize = n
		}
	}
}

// WithAccelerator enables or disables the registered Accelerator for the
// forward pass. When disabled, or when no accelerator is registered, the
// CPU path is used.
func WithAccelerator(enabled bool) Option {
	return func(o *options) {
		o.accelerate = enabled
	}
}

// BackwardOption configures a single Backward call.
type BackwardOption func(*backwardOptions)

type backwardOptions struct {
	viewMatrixGrad bool
}

// WithViewMatrixGrad requests the gradient with respect to the view
// matrix. Without it Gradients.ViewMatrix is nil.
func WithViewMatrixGrad() BackwardOption {
	return func(o *backwardOptions) {
		o.viewMatrixGrad = true
	}
}
