package treesync

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"
)

// Engine runs diff, merge, copy, rename and export operations across stores.
// It holds no store state and is safe for concurrent use.
type Engine struct {
	opts *Options
	log  logrus.FieldLogger
}

// New creates an Engine.
func New(opts ...Option) *Engine {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}
	return &Engine{opts: options, log: options.Logger}
}

var defaultEngine = New()

// Diff runs Engine.Diff with default options.
func Diff(ctx context.Context, src Store, srcPath string, dst Store, dstPath string, opts DiffOptions) ([]Change, error) {
	return defaultEngine.Diff(ctx, src, srcPath, dst, dstPath, opts)
}

// Merge runs Engine.Merge with default options.
func Merge(ctx context.Context, src Store, srcPath string, dst Store, dstPath string, opts MergeOptions) ([]Change, error) {
	return defaultEngine.Merge(ctx, src, srcPath, dst, dstPath, opts)
}

// Copy runs Engine.Copy with default options.
func Copy(ctx context.Context, src Store, srcPath string, dst Store, dstPath string) error {
	return defaultEngine.Copy(ctx, src, srcPath, dst, dstPath)
}

// Rename runs Engine.Rename with default options.
func Rename(ctx context.Context, src Store, srcPath string, dst Store, dstPath string) error {
	return defaultEngine.Rename(ctx, src, srcPath, dst, dstPath)
}

// fanOut runs fn for every index in [0, n) on a bounded pool and returns the
// first error. Remaining work is cancelled through ctx once one call fails.
func (e *Engine) fanOut(ctx context.Context, n int, fn func(ctx context.Context, i int) error) error {
	if n == 0 {
		return nil
	}
	if e.opts.Concurrency <= 1 || n == 1 {
		for i := range n {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(ctx, i); err != nil {
				return err
			}
		}
		return nil
	}
	p := pool.New().
		WithMaxGoroutines(e.opts.Concurrency).
		WithContext(ctx).
		WithCancelOnError().
		WithFirstError()
	for i := range n {
		p.Go(func(ctx context.Context) error {
			return fn(ctx, i)
		})
	}
	return p.Wait()
}

func (e *Engine) finish(op string, err error) error {
	if err != nil {
		e.opts.Metrics.failure(err)
		e.log.WithFields(logrus.Fields{"op": op, "code": CodeOf(err).String()}).WithError(err).Debug("operation failed")
	}
	return err
}
