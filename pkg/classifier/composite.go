package classifier

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/solace-health/vigil/pkg/risk"
)

// CompositeScorer merges the scores of a baseline scorer and any number
// of optional ones by per-domain max. The baseline failing fails the
// whole score; optional scorers degrade gracefully - a not-ready or
// failing optional is skipped, higher sensitivity is never traded for
// availability of an enrichment model.
type CompositeScorer struct {
	baseline Scorer
	optional []Scorer
	timeout  time.Duration // per optional scorer
	logger   *zap.Logger
}

func NewCompositeScorer(baseline Scorer, timeout time.Duration, logger *zap.Logger, optional ...Scorer) *CompositeScorer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &CompositeScorer{
		baseline: baseline,
		optional: optional,
		timeout:  timeout,
		logger:   logger,
	}
}

func (c *CompositeScorer) Name() string { return "composite" }

func (c *CompositeScorer) IsReady() bool { return c.baseline.IsReady() }

func (c *CompositeScorer) Score(ctx context.Context, text string) (map[risk.Domain]float64, error) {
	merged, err := c.baseline.Score(ctx, text)
	if err != nil {
		return nil, err
	}

	for _, s := range c.optional {
		if !s.IsReady() {
			continue
		}
		sctx, cancel := context.WithTimeout(ctx, c.timeout)
		scores, err := s.Score(sctx, text)
		cancel()
		if err != nil {
			c.logger.Warn("optional scorer failed, skipping",
				zap.String("scorer", s.Name()),
				zap.Error(err))
			continue
		}
		for d, v := range scores {
			if v > merged[d] {
				merged[d] = v
			}
		}
	}
	return merged, nil
}

var _ Scorer = (*CompositeScorer)(nil)
