// Package retry wraps fallible calls to external market data providers.
package retry

import "context"

// DefaultRetries is the number of extra attempts made after the first call fails.
const DefaultRetries = 3

// Do calls fn until it succeeds or retries extra attempts have failed, and
// returns the last error in the latter case. There is no delay between
// attempts. A cancelled context stops the loop early.
func Do[T any](ctx context.Context, retries int, fn func(context.Context) (T, error)) (T, error) {
	if retries < 0 {
		retries = 0
	}

	var (
		result T
		err    error
	)
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return result, err
			}
		}
		result, err = fn(ctx)
		if err == nil {
			return result, nil
		}
	}
	return result, err
}

// Run is Do for calls that only return an error.
func Run(ctx context.Context, retries int, fn func(context.Context) error) error {
	_, err := Do(ctx, retries, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
