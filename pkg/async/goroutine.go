package async

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// SafeGo executes a function in a goroutine with panic recovery, a timeout
// and error logging. The task keeps the parent's values but not its
// cancellation, so work started from a request handler survives the
// response being written.
//
// Example:
//
//	SafeGo(r.Context(), logger, 5*time.Second, "usage tracking", func(ctx context.Context) error {
//	    return store.InsertUsageUnit(ctx, orgID, pricing.FeaturePosts)
//	})
func SafeGo(parentCtx context.Context, logger *logrus.Logger, timeout time.Duration, taskName string, fn func(context.Context) error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(parentCtx), timeout)
		defer cancel()

		defer func() {
			if r := recover(); r != nil {
				logger.WithFields(logrus.Fields{
					"task":  taskName,
					"panic": fmt.Sprint(r),
					"stack": string(debug.Stack()),
				}).Error("Panic in background task")
			}
		}()

		if err := fn(ctx); err != nil {
			logger.WithError(err).WithField("task", taskName).Warn("Background task failed")
		}
	}()
}

// Batch processes items concurrently with at most workers in flight. Each
// item gets its own timeout and a panic in one item is reported as its
// error. All errors are returned; one failure does not stop the others.
//
// Example:
//
//	errs := Batch(ctx, due, 4, 30*time.Second, func(ctx context.Context, sub billing.Subscription) error {
//	    return svc.expire(ctx, sub)
//	})
func Batch[T any](ctx context.Context, items []T, workers int, timeout time.Duration,
	fn func(context.Context, T) error) []error {

	if workers <= 0 {
		workers = 1
	}

	errs := make([]error, len(items))
	var g errgroup.Group
	g.SetLimit(workers)

	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				errs[i] = err
				return nil
			}

			itemCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			defer func() {
				if r := recover(); r != nil {
					errs[i] = fmt.Errorf("panic: %v", r)
				}
			}()

			errs[i] = fn(itemCtx, item)
			return nil
		})
	}
	_ = g.Wait()

	var out []error
	for _, err := range errs {
		if err != nil {
			out = append(out, err)
		}
	}
	return out
}
