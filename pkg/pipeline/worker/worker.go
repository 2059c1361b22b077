package worker

import (
	"context"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

type Options struct {
	// Workers caps how many items run at once. <=0 means one per CPU.
	Workers int

	// RateLimitRPS paces item starts across all workers. Set to <=0 to disable.
	RateLimitRPS float64
}

// Result holds the output for one input item.
type Result[In any, Out any] struct {
	Input  In
	Output Out
	Err    error
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = runtime.NumCPU()
	}
	return o
}

// EffectiveWorkers is the number of items that actually run at once:
// min(requested, items, CPU count), and at least 1.
func EffectiveWorkers(requested, items int) int {
	n := runtime.NumCPU()
	if requested > 0 && requested < n {
		n = requested
	}
	if items > 0 && items < n {
		n = items
	}
	if n < 1 {
		n = 1
	}
	return n
}

// ProcessAll runs the processor over all input items.
func ProcessAll[In any, Out any](
	ctx context.Context,
	items []In,
	processor func(context.Context, In) (Out, error),
	opts Options,
) ([]Result[In, Out], error) {
	return ProcessAllWithCallback(ctx, items, processor, nil, opts)
}

// ProcessAllWithCallback runs the processor over all input items and invokes
// onResult as each item completes, in completion order. Calls to onResult are
// serialized.
//
// A failing item never stops its siblings: every item gets a Result, in input
// order. Items not yet started when ctx is done are not processed; their Result
// carries ctx's error, which is also returned.
func ProcessAllWithCallback[In any, Out any](
	ctx context.Context,
	items []In,
	processor func(context.Context, In) (Out, error),
	onResult func(Result[In, Out]),
	opts Options,
) ([]Result[In, Out], error) {
	opts = opts.withDefaults()

	var limiter *rate.Limiter
	if opts.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimitRPS), 1)
	}

	out := make([]Result[In, Out], len(items))
	var cbMu sync.Mutex

	var g errgroup.Group
	g.SetLimit(EffectiveWorkers(opts.Workers, len(items)))
	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			res := processOne(ctx, item, processor, limiter)
			out[i] = res
			if onResult != nil {
				cbMu.Lock()
				onResult(res)
				cbMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return out, ctx.Err()
}

func processOne[In any, Out any](
	ctx context.Context,
	item In,
	processor func(context.Context, In) (Out, error),
	limiter *rate.Limiter,
) Result[In, Out] {
	res := Result[In, Out]{Input: item}
	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			res.Err = err
			return res
		}
	}
	res.Output, res.Err = processor(ctx, item)
	return res
}
