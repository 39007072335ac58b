package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// RetryPolicy bounds how often a workflow write is re-attempted after a
// transient Postgres conflict. Delays double from BaseDelay with up to one
// BaseDelay of jitter added.
type RetryPolicy struct {
	Retries   int
	BaseDelay time.Duration
}

// TransitionRetry governs claims and stage transitions. Two engines racing on
// one workflow row under serializable isolation resolve within a few attempts.
var TransitionRetry = RetryPolicy{Retries: 3, BaseDelay: 20 * time.Millisecond}

// conflictCodes are the SQLSTATEs worth replaying a transition for.
var conflictCodes = map[string]string{
	"40001": "serialization_failure",
	"40P01": "deadlock_detected",
}

// conflictReason names the transient conflict behind err, if any.
func conflictReason(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", false
	}
	reason, ok := conflictCodes[pgErr.Code]
	return reason, ok
}

// Do runs fn until it succeeds, fails with a non-conflict error, or the
// policy is exhausted. The last error is returned unchanged so callers can
// still match ErrNotClaimable or ErrTerminal.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	delay := p.BaseDelay
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if _, ok := conflictReason(err); !ok || attempt == p.Retries {
			return err
		}
		wait := delay
		if delay > 0 {
			wait += time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // jitter only
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		delay *= 2
	}
}

// retryTransition applies TransitionRetry to a workflow write and logs each
// conflict it absorbs.
func (db *DB) retryTransition(ctx context.Context, id string, fn func() error) error {
	attempt := 0
	return TransitionRetry.Do(ctx, func() error {
		attempt++
		err := fn()
		if reason, ok := conflictReason(err); ok && db.logger != nil {
			db.logger.Debug("storage: transition conflict", "workflow_id", id, "reason", reason, "attempt", attempt)
		}
		return err
	})
}
