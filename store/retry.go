package store

import (
	"context"

	apperrors "github.com/cobrun/tripwatch/errors"
)

// DefaultConflictAttempts bounds RetryOnConflict when callers pass zero.
const DefaultConflictAttempts = 3

// RetryOnConflict calls fn until it returns something other than a CONFLICT
// error or attempts are used up. fn must re-read the record it writes.
func RetryOnConflict(ctx context.Context, attempts int, fn func(ctx context.Context) error) error {
	if attempts <= 0 {
		attempts = DefaultConflictAttempts
	}

	var err error
	for i := 0; i < attempts; i++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = fn(ctx)
		if !apperrors.IsConflict(err) {
			return err
		}
	}
	return err
}
