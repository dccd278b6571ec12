package treesync

import (
	"github.com/sirupsen/logrus"
)

// DefaultConcurrency bounds the per-directory fan-out of diff and copy.
const DefaultConcurrency = 4

// Options configures an Engine.
type Options struct {
	Concurrency int
	Logger      logrus.FieldLogger
	Metrics     *Metrics
}

// Option is a functional option for New.
type Option func(*Options)

func defaultOptions() *Options {
	return &Options{
		Concurrency: DefaultConcurrency,
		Logger:      logrus.StandardLogger(),
	}
}

// WithConcurrency sets how many children of one directory are processed at once.
func WithConcurrency(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.Concurrency = n
		}
	}
}

// WithLogger sets the logger used by the engine.
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *Options) {
		if l != nil {
			o.Logger = l
		}
	}
}

// WithMetrics records engine activity on m.
func WithMetrics(m *Metrics) Option {
	return func(o *Options) { o.Metrics = m }
}
