package service

import (
	"context"

	"golang.org/x/sync/singleflight"

	"github.com/kjstillabower/pollen-risk-service/internal/models"
)

// forecastCoalescer shares one upstream forecast call between concurrent
// requests for the same cache key. Each caller waits on its own context; the
// shared call is detached from any single caller and bounded by the client timeout.
type forecastCoalescer struct {
	group singleflight.Group
}

// Do runs fn once per key among concurrent callers. shared reports whether the
// result was produced for another caller as well.
func (c *forecastCoalescer) Do(ctx context.Context, key string, fn func(ctx context.Context) (*models.Forecast, error)) (f *models.Forecast, shared bool, err error) {
	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (interface{}, error) {
		return fn(detached)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		return res.Val.(*models.Forecast), res.Shared, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}
