package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

// ErrRetriesExhausted is returned when a hub operation keeps failing after
// the configured number of attempts.
var ErrRetriesExhausted = errors.New("retries exhausted")

// retryDo runs op up to attempts times. After each failed attempt the
// recovery action runs (dispose + reconnect for hub operations, nil for
// same-connection retries). Hub failures are transient by design; exhausting
// the attempts degrades to a reported error, never a crash.
func retryDo(ctx context.Context, attempts int, op func(context.Context) error, recover func(context.Context)) error {
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", attempts).
			Msg("Hub operation failed")

		if recover != nil {
			recover(ctx)
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempts, lastErr)
}
