package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SuburbWarmer is implemented by the service layer to fetch and cache the forecast
// of one reference-table suburb.
type SuburbWarmer interface {
	WarmSuburb(ctx context.Context, suburb string) error
}

// Warmer prefetches forecasts for a fixed list of suburbs.
type Warmer struct {
	target SuburbWarmer
	logger *zap.Logger
}

// NewWarmer creates a Warmer that uses target and logger. A nil logger is allowed.
func NewWarmer(target SuburbWarmer, logger *zap.Logger) *Warmer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Warmer{target: target, logger: logger}
}

// Warm fetches every suburb concurrently. Returns the joined per-suburb errors.
func (w *Warmer) Warm(ctx context.Context, suburbs []string) error {
	if len(suburbs) == 0 {
		return nil
	}
	start := time.Now()
	w.logger.Info("warming forecast cache", zap.Int("suburbs", len(suburbs)))

	var wg sync.WaitGroup
	errCh := make(chan error, len(suburbs))
	for _, s := range suburbs {
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.target.WarmSuburb(ctx, s); err != nil {
				errCh <- fmt.Errorf("warm %s: %w", s, err)
			}
		}()
	}
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	w.logger.Info("forecast cache warming complete",
		zap.Int("suburbs", len(suburbs)),
		zap.Int("errors", len(errs)),
		zap.Float64("duration_seconds", time.Since(start).Seconds()))
	return errors.Join(errs...)
}

// WarmPeriodic runs an initial Warm, then refreshes at interval until ctx is done.
// A non-positive interval warms once and returns.
func (w *Warmer) WarmPeriodic(ctx context.Context, suburbs []string, interval time.Duration) error {
	if err := w.Warm(ctx, suburbs); err != nil {
		w.logger.Warn("initial cache warm failed", zap.Error(err))
	}
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.Warm(ctx, suburbs); err != nil {
				w.logger.Warn("periodic cache warm failed", zap.Error(err))
			}
		}
	}
}
