package core

import (
	"context"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

const (
	defaultBackoffInitial = 500 * time.Millisecond
	defaultBackoffMax     = 10 * time.Second
)

type BackoffScheduler interface {
	NextDelay(attempt int) time.Duration
}

// ExponentialBackoff doubles the delay per attempt starting at Initial,
// capped at Max.
type ExponentialBackoff struct {
	Initial time.Duration
	Max     time.Duration
}

func (s ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	initial := s.Initial
	if initial <= 0 {
		initial = defaultBackoffInitial
	}
	max := s.Max
	if max <= 0 {
		max = defaultBackoffMax
	}

	delay := initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max || delay <= 0 {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// CallProvider runs fn with a per-attempt timeout and retries transient
// failures up to cfg.Retries extra times. Exhausted or timed out calls
// surface as provider_unreachable.
func CallProvider(ctx context.Context, cfg ProviderCallConfig, fn func(ctx context.Context) error) error {
	attempts := cfg.Retries + 1
	if attempts < 1 {
		attempts = 1
	}
	backoff := ExponentialBackoff{Initial: cfg.RetryBackoff, Max: cfg.RetryBackoff * 8}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := callWithTimeout(ctx, cfg.Timeout, fn)
		if err == nil {
			return nil
		}
		lastErr = err
		if IsPermanentProviderError(err) {
			return err
		}
		if ctx.Err() != nil {
			break
		}
		if attempt == attempts {
			break
		}
		if waitErr := waitWithContext(ctx, backoff.NextDelay(attempt)); waitErr != nil {
			lastErr = waitErr
			break
		}
	}
	if HasTextCode(lastErr, ErrorProviderUnreachable) {
		return lastErr
	}
	return WrapError(lastErr, ErrorProviderUnreachable, "provider call failed")
}

func callWithTimeout(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(callCtx)
}

// IsPermanentProviderError reports failures that retrying cannot fix, such
// as a rejected refresh token.
func IsPermanentProviderError(err error) bool {
	if err == nil {
		return false
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) && richErr != nil {
		switch richErr.Category {
		case goerrors.CategoryAuth, goerrors.CategoryAuthz, goerrors.CategoryValidation, goerrors.CategoryBadInput, goerrors.CategoryNotFound:
			return true
		}
	}
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	return strings.Contains(msg, "invalid_grant") ||
		strings.Contains(msg, "invalid refresh token") ||
		strings.Contains(msg, "unauthorized_client")
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
