package app

import (
	"context"

	"github.com/dshills/lodestar/internal/metrics"
	"github.com/dshills/lodestar/internal/query"
	"github.com/dshills/lodestar/internal/usage"
)

// usageRecorder counts activations in the metrics and stores them for
// scoring. A nil store keeps only the counts.
type usageRecorder struct {
	store   *usage.Store
	metrics *metrics.Metrics
}

var _ query.Usage = (*usageRecorder)(nil)

func (u *usageRecorder) Scores() *usage.Scores {
	if u.store == nil {
		return nil
	}
	return u.store.Scores()
}

func (u *usageRecorder) AddActivation(ctx context.Context, a usage.Activation) error {
	if u.metrics != nil {
		u.metrics.Activated(a.Extension)
	}
	if u.store == nil {
		return nil
	}
	return u.store.AddActivation(ctx, a)
}
