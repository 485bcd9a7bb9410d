package protocol

import (
	"github.com/solace-health/vigil/pkg/pattern"
	"github.com/solace-health/vigil/pkg/risk"
)

// Selector maps an assessment plus detected patterns to a template. It is
// total: every severity and pattern combination yields a template, with
// the lowest tier as the floor.
type Selector struct {
	lib *Library
}

func NewSelector(lib *Library) *Selector {
	return &Selector{lib: lib}
}

// severityTiers maps aggregate severity to a base tier.
var severityTiers = map[risk.Severity]int{
	risk.SeverityNone:     1,
	risk.SeverityLow:      1,
	risk.SeverityModerate: 2,
	risk.SeverityHigh:     3,
	risk.SeveritySevere:   4,
	risk.SeverityImminent: 5,
}

// Select picks the template for an assessment. Tier escalates one step
// when self-harm drives a HIGH-or-above aggregate, and one step when the
// compound trend-plus-clustering pattern is present. The result clamps to
// the library's tier range.
func (s *Selector) Select(a risk.RiskAssessment, hits []pattern.Hit) *Template {
	tier, ok := severityTiers[a.Aggregate]
	if !ok {
		tier = s.lib.MaxTier() // unknown severity is treated as worst case
	}

	if sh, found := a.Score(risk.DomainSelfHarm); found {
		if sh.Severity >= risk.SeverityHigh && sh.Severity == a.Aggregate {
			tier++
		}
	}

	if pattern.HasFamily(hits, pattern.FamilyTrend) && pattern.HasFamily(hits, pattern.FamilyClustering) {
		tier++
	}

	if tier > s.lib.MaxTier() {
		tier = s.lib.MaxTier()
	}
	if tier < s.lib.MinTier() {
		tier = s.lib.MinTier()
	}
	return s.lib.ByTier(tier)
}
