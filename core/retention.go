package core

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DeliveredPurger removes delivered queue messages acknowledged at or before
// a cutoff.
type DeliveredPurger interface {
	PurgeDelivered(ctx context.Context, before time.Time) (int64, error)
}

// ExpiredKeyPurger removes dedup keys whose TTL has passed.
type ExpiredKeyPurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

type SweepResult struct {
	Messages int64
	Keys     int64
}

// RetentionSweeper bounds the growth of the delivery queue and the dedup
// key store. Either side may be nil.
type RetentionSweeper struct {
	Queue     DeliveredPurger
	Keys      ExpiredKeyPurger
	Retention time.Duration
	Interval  time.Duration
	Observer  Observer
	Now       func() time.Time
}

func NewRetentionSweeper(queue DeliveredPurger, keys ExpiredKeyPurger, cfg QueueConfig, observer Observer) *RetentionSweeper {
	retention := cfg.Retention
	if retention <= 0 {
		retention = DefaultConfig().Queue.Retention
	}
	return &RetentionSweeper{
		Queue:     queue,
		Keys:      keys,
		Retention: retention,
		Interval:  cfg.SweepInterval,
		Observer:  observer,
	}
}

// Sweep runs one pass. A failure on one side does not skip the other.
func (s *RetentionSweeper) Sweep(ctx context.Context) (result SweepResult, err error) {
	if s == nil {
		return SweepResult{}, fmt.Errorf("core: retention sweeper is nil")
	}
	startedAt := time.Now().UTC()
	defer func() {
		s.Observer.Observe(ctx, startedAt, "queue.retention_sweep", err, map[string]any{
			"messages": result.Messages,
			"keys":     result.Keys,
		})
	}()

	var errs []error
	if s.Queue != nil {
		purged, purgeErr := s.Queue.PurgeDelivered(ctx, s.now().Add(-s.Retention))
		if purgeErr != nil {
			errs = append(errs, fmt.Errorf("core: purge delivered messages: %w", purgeErr))
		}
		result.Messages = purged
	}
	if s.Keys != nil {
		purged, purgeErr := s.Keys.PurgeExpired(ctx)
		if purgeErr != nil {
			errs = append(errs, fmt.Errorf("core: purge expired dedup keys: %w", purgeErr))
		}
		result.Keys = purged
	}
	return result, errors.Join(errs...)
}

// Run sweeps every Interval until ctx is cancelled. A non-positive interval
// returns at once.
func (s *RetentionSweeper) Run(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("core: retention sweeper is nil")
	}
	if s.Interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		// Sweep already logs the failure.
		_, _ = s.Sweep(ctx)
	}
}

func (s *RetentionSweeper) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}
