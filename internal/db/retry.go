package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/RichardoC/listing-designer/internal/models"
)

const (
	conflictRetries   = 24
	conflictBaseDelay = 2 * time.Millisecond
	maxRetryDelay     = 50 * time.Millisecond
)

// WithRetry runs fn until it stops returning models.ErrConflict, up to
// maxRetries extra attempts. Retries use jittered exponential backoff
// starting at baseDelay and capped at maxRetryDelay. Any other error is
// returned at once.
func WithRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = baseDelay
	eb.MaxInterval = maxRetryDelay
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(maxRetries)), ctx)

	return backoff.Retry(func() error {
		err := fn()
		if err != nil && !errors.Is(err, models.ErrConflict) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

// UpdateLatest re-reads the thread and applies mutate until the write wins.
// It returns the thread as written.
func (db *Database) UpdateLatest(ctx context.Context, id string, mutate func(*models.Thread) error) (*models.Thread, error) {
	var written *models.Thread
	err := WithRetry(ctx, conflictRetries, conflictBaseDelay, func() error {
		current, err := db.GetThread(ctx, id)
		if err != nil {
			return err
		}
		var next *models.Thread
		version, err := db.Update(ctx, id, current.Version, func(t *models.Thread) error {
			if err := mutate(t); err != nil {
				return err
			}
			next = t.Clone()
			return nil
		})
		if err != nil {
			return err
		}
		next.Version = version
		written = next
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("update thread %s: %w", id, err)
	}
	return written, nil
}

// RetryConflicts runs fn with the store's default conflict retry policy.
func RetryConflicts(ctx context.Context, fn func() error) error {
	return WithRetry(ctx, conflictRetries, conflictBaseDelay, fn)
}
