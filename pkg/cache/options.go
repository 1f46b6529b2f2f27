package cache

import "github.com/prometheus/client_golang/prometheus"

// Option configures a MemoryCache.
type Option func(*options)

type options struct {
	maxBytes   int64
	registerer prometheus.Registerer
	namespace  string
}

// WithMaxBytes bounds the summed Item.Size of cached entries.
// Values <= 0 disable the byte bound.
func WithMaxBytes(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.maxBytes = n
		}
	}
}

// WithMetrics exports cache counters on reg. A nil registerer is
// ignored.
func WithMetrics(reg prometheus.Registerer, namespace string) Option {
	return func(o *options) {
		if reg != nil {
			o.registerer = reg
			o.namespace = namespace
		}
	}
}
