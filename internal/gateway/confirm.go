package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hyperengineering/todomirror/internal/types"
	"github.com/sethvargo/go-retry"
)

// Confirmer delivers a mutation to the backend. Implementations decide how
// hard to try; none of them revert the optimistic change.
type Confirmer interface {
	Confirm(ctx context.Context, w Writer, m Mutation) error
}

// FireAndForget sends each mutation exactly once.
type FireAndForget struct{}

// Confirm sends m once and returns the outcome.
func (FireAndForget) Confirm(ctx context.Context, w Writer, m Mutation) error {
	return send(ctx, w, m)
}

// Retrying resends a mutation with exponential backoff while the failure
// looks transient. Client errors (4xx other than 429) are not retried.
type Retrying struct {
	MaxAttempts uint64
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Confirm sends m, retrying transient failures up to MaxAttempts in total.
func (r Retrying) Confirm(ctx context.Context, w Writer, m Mutation) error {
	attempts := r.MaxAttempts
	if attempts == 0 {
		attempts = 1
	}
	base := r.BaseDelay
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	backoff := retry.NewExponential(base)
	if r.MaxDelay > 0 {
		backoff = retry.WithCappedDuration(r.MaxDelay, backoff)
	}
	backoff = retry.WithMaxRetries(attempts-1, backoff)

	var tries int
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		tries++
		err := send(ctx, w, m)
		if err != nil && Transient(err) {
			slog.Debug("confirmation attempt failed",
				"component", "gateway",
				"op", m.Op,
				"todo_id", m.ID,
				"attempt", tries,
				"error", err,
			)
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("after %d attempts: %w", tries, err)
	}
	return nil
}

// Transient reports whether err is worth retrying: network failures,
// throttling and server errors.
func Transient(err error) bool {
	var te *types.TransportError
	if !errors.As(err, &te) {
		return false
	}
	return te.Status == 0 || te.Status == http.StatusTooManyRequests || te.Status >= 500
}

func send(ctx context.Context, w Writer, m Mutation) error {
	switch m.Op {
	case OpCreate:
		return w.Create(ctx, m.Record)
	case OpUpdate:
		return w.Update(ctx, m.ID, m.Patch)
	case OpDelete:
		return w.Delete(ctx, m.ID)
	default:
		return fmt.Errorf("unknown mutation op %q", m.Op)
	}
}
