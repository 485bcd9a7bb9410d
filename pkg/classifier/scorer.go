// Package classifier turns normalized assessment requests into
// RiskAssessments: pluggable scorers produce raw per-domain scores, the
// active threshold boundaries map them to severities, and contextual
// modifiers adjust the result within a one-step cap.
package classifier

import (
	"context"

	"github.com/solace-health/vigil/pkg/lexicon"
	"github.com/solace-health/vigil/pkg/risk"
)

// Scorer produces raw scores on the 0-100 scale, one entry per configured
// domain. Implementations must be safe for concurrent use.
type Scorer interface {
	Name() string
	IsReady() bool
	Score(ctx context.Context, text string) (map[risk.Domain]float64, error)
}

// LexicalScorer scores text against the compiled signal registry. It is
// the always-available baseline: indicator weights sum per domain,
// amplifiers add only to domains that already have an indicator hit, and
// the sum caps at 100.
type LexicalScorer struct {
	registry *lexicon.Registry
}

func NewLexicalScorer() *LexicalScorer {
	return &LexicalScorer{registry: lexicon.Get()}
}

func (s *LexicalScorer) Name() string { return "lexical" }

func (s *LexicalScorer) IsReady() bool { return true }

func (s *LexicalScorer) Score(_ context.Context, text string) (map[risk.Domain]float64, error) {
	ampSum := 0.0
	for _, sig := range s.registry.MatchClass(text, lexicon.ClassAmplifier) {
		ampSum += sig.Weight
	}

	out := make(map[risk.Domain]float64, len(risk.ConfiguredDomains()))
	for _, d := range risk.ConfiguredDomains() {
		matches := s.registry.MatchDomain(text, d)
		if len(matches) == 0 {
			out[d] = 0
			continue
		}
		sum := 0.0
		for _, sig := range matches {
			sum += sig.Weight
		}
		sum += ampSum
		if sum > 100 {
			sum = 100
		}
		out[d] = sum
	}
	return out, nil
}

var _ Scorer = (*LexicalScorer)(nil)
