package readback

import (
	"time"

	"github.com/gogpu/gpucontext"
)

// Option configures acquisition and resource building.
//
// Example:
//
//	dev, queue, err := readback.AcquireDevice(ctx,
//	    readback.WithBackends(noopBackend),
//	    readback.WithLabel("probe"))
type Option func(*options)

// options holds the resolved configuration.
type options struct {
	backends     []Backend
	entryPoint   string
	label        string
	pollInterval time.Duration
	provider     gpucontext.DeviceProvider
	onAdapter    func(AdapterInfo)
}

// DefaultEntryPoint is the kernel function invoked by the dispatch.
const DefaultEntryPoint = "main"

// defaultPollInterval is how often a blocking poll re-reads the queue's
// completed submission index while it waits for the device to go idle.
const defaultPollInterval = 100 * time.Millisecond

func defaultOptions() options {
	return options{
		entryPoint:   DefaultEntryPoint,
		label:        "readback",
		pollInterval: defaultPollInterval,
	}
}

func newOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.backends == nil {
		o.backends = defaultBackends()
	}
	return o
}

// WithBackends sets the backends tried, in order, during acquisition.
// An empty list disables acquisition.
func WithBackends(backends ...Backend) Option {
	return func(o *options) {
		o.backends = append(make([]Backend, 0, len(backends)), backends...)
	}
}

// WithEntryPoint sets the kernel entry point name.
func WithEntryPoint(name string) Option {
	return func(o *options) {
		if name != "" {
			o.entryPoint = name
		}
	}
}

// WithLabel sets the debug label prefix of every GPU object created.
func WithLabel(label string) Option {
	return func(o *options) {
		o.label = label
	}
}

// WithPollInterval sets how often blocking polls check for completed work.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithDeviceProvider makes AcquireDevice adopt the device of a host
// application instead of creating one. See AcquireShared.
func WithDeviceProvider(p gpucontext.DeviceProvider) Option {
	return func(o *options) {
		o.provider = p
	}
}

// WithOnAdapter registers a function called once the device is acquired,
// before any resource is built.
func WithOnAdapter(fn func(AdapterInfo)) Option {
	return func(o *options) {
		o.onAdapter = fn
	}
}
