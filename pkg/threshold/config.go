// Package threshold manages the versioned severity boundaries used to map
// raw domain scores to severities, keyed by (domain, population group).
// Boundaries start from vetted seeds and drift only in small bounded steps
// driven by reviewed outcomes; they are never learned from scratch.
package threshold

import (
	"time"

	"github.com/solace-health/vigil/pkg/risk"
)

// Boundaries holds the ascending raw-score cut points for the transitions
// into LOW, MODERATE, HIGH, SEVERE and IMMINENT, on the 0-100 raw scale.
// A raw score below Boundaries[0] maps to NONE.
type Boundaries [5]float64

// Severity maps a raw score to its severity under these boundaries.
func (b Boundaries) Severity(raw float64) risk.Severity {
	sev := risk.SeverityNone
	for i, cut := range b {
		if raw >= cut {
			sev = risk.Severity(i + 1)
		}
	}
	return sev
}

// ascending reports whether cut points are strictly increasing with at
// least minGap between neighbours.
func (b Boundaries) ascending() bool {
	for i := 1; i < len(b); i++ {
		if b[i]-b[i-1] < minGap {
			return false
		}
	}
	return true
}

// Adjustment records one bounded boundary shift for the history ring.
type Adjustment struct {
	AssessmentID string       `json:"assessment_id"`
	Outcome      risk.Outcome `json:"outcome"`
	Before       Boundaries   `json:"before"`
	After        Boundaries   `json:"after"`
	Version      int64        `json:"version"`
	At           time.Time    `json:"at"`
}

// Config is the active boundary set for one (domain, population) key.
type Config struct {
	Domain     risk.Domain          `json:"domain"`
	Population risk.PopulationGroup `json:"population"`
	Boundaries Boundaries           `json:"boundaries"`
	Version    int64                `json:"version"`
	UpdatedAt  time.Time            `json:"updated_at"`
	History    []Adjustment         `json:"history,omitempty"`
}

const (
	// minGap keeps neighbouring cut points separated so every severity
	// band stays reachable.
	minGap = 2.0

	// maxHistory bounds the per-key adjustment ring.
	maxHistory = 32

	// driftBound limits how far a cut point may move from its seed, as a
	// fraction of the seed value.
	driftBound = 0.30
)

// seedBoundaries are the vetted starting cut points per domain for the
// adult_general population. Other populations apply a sensitivity offset.
var seedBoundaries = map[risk.Domain]Boundaries{
	risk.DomainSelfHarm:      {20, 40, 60, 75, 88},
	risk.DomainViolence:      {22, 42, 62, 78, 90},
	risk.DomainSubstanceUse:  {25, 45, 65, 80, 92},
	risk.DomainNeglect:       {25, 45, 65, 82, 93},
	risk.DomainAbuseExposure: {22, 42, 62, 78, 90},
}

// populationOffsets lower cut points for groups assessed with higher
// sensitivity. Zero for adult_general.
var populationOffsets = map[risk.PopulationGroup]float64{
	risk.PopulationAdultGeneral:   0,
	risk.PopulationAdultKnownRisk: -4,
	risk.PopulationYouthGeneral:   -3,
	risk.PopulationYouthKnownRisk: -6,
	risk.PopulationElderGeneral:   -2,
	risk.PopulationElderKnownRisk: -5,
}

// seedConfig builds the version-1 config for a key.
func seedConfig(domain risk.Domain, pop risk.PopulationGroup, now time.Time) Config {
	seed, ok := seedBoundaries[domain]
	if !ok {
		seed = Boundaries{25, 45, 65, 80, 92}
	}
	offset := populationOffsets[pop]
	var b Boundaries
	for i, cut := range seed {
		b[i] = cut + offset
	}
	return Config{
		Domain:     domain,
		Population: pop,
		Boundaries: b,
		Version:    1,
		UpdatedAt:  now,
	}
}

// driftFloor and driftCeil give the absolute clamp range for slot i of a
// key seeded with seed.
func driftFloor(seed Boundaries, i int) float64 { return seed[i] * (1 - driftBound) }
func driftCeil(seed Boundaries, i int) float64  { return seed[i] * (1 + driftBound) }
