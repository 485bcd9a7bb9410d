// Package risk defines the canonical data model for the crisis detection
// core: harm domains, severities, assessment requests and results, and the
// outcome labels used for threshold feedback. Everything here is immutable
// once created; downstream components reference assessments, never mutate
// them.
package risk

import (
	"time"
)

// Domain is an independent category of harm being scored.
type Domain string

const (
	DomainSelfHarm      Domain = "self_harm"
	DomainViolence      Domain = "violence"
	DomainSubstanceUse  Domain = "substance_use"
	DomainNeglect       Domain = "neglect"
	DomainAbuseExposure Domain = "abuse_exposure"
)

// ConfiguredDomains is the closed set of domains every assessment scores.
// The completeness invariant (exactly one DomainScore per configured domain)
// is checked against this list.
func ConfiguredDomains() []Domain {
	return []Domain{
		DomainSelfHarm,
		DomainViolence,
		DomainSubstanceUse,
		DomainNeglect,
		DomainAbuseExposure,
	}
}

// PopulationGroup is a coarse bucket used to select threshold boundaries.
// It is derived from structured context attributes only, never from the
// free-text content itself.
type PopulationGroup string

const (
	PopulationAdultGeneral   PopulationGroup = "adult_general"
	PopulationAdultKnownRisk PopulationGroup = "adult_known_risk"
	PopulationYouthGeneral   PopulationGroup = "youth_general"
	PopulationYouthKnownRisk PopulationGroup = "youth_known_risk"
	PopulationElderGeneral   PopulationGroup = "elder_general"
	PopulationElderKnownRisk PopulationGroup = "elder_known_risk"
)

// AllPopulations lists every population group, in threshold seeding order.
func AllPopulations() []PopulationGroup {
	return []PopulationGroup{
		PopulationAdultGeneral,
		PopulationAdultKnownRisk,
		PopulationYouthGeneral,
		PopulationYouthKnownRisk,
		PopulationElderGeneral,
		PopulationElderKnownRisk,
	}
}

// AgeBand is the coarse age bucket supplied by the identity layer.
type AgeBand string

const (
	AgeBandYouth AgeBand = "youth"
	AgeBandAdult AgeBand = "adult"
	AgeBandElder AgeBand = "elder"
)

// TimeBand classifies the request's local time of day.
type TimeBand string

const (
	TimeBandDay       TimeBand = "day"
	TimeBandEvening   TimeBand = "evening"
	TimeBandLateNight TimeBand = "late_night"
)

// Context carries the structured metadata accompanying an assessment
// request. All fields are optional; zero values mean "unknown".
type Context struct {
	TimeBand         TimeBand `json:"time_band,omitempty"`
	SupportAvailable bool     `json:"support_available"`
	SupportKnown     bool     `json:"support_known"` // false = availability unknown, no modifier applies
	ProtectiveFactor bool     `json:"protective_factor"`
	PriorProtocol    bool     `json:"prior_protocol"`
	AgeBand          AgeBand  `json:"age_band,omitempty"`
	KnownRiskHistory bool     `json:"known_risk_history"`
}

// Population derives the threshold population group from context attributes.
// Unknown age bands fall back to the adult buckets.
func (c Context) Population() PopulationGroup {
	switch c.AgeBand {
	case AgeBandYouth:
		if c.KnownRiskHistory {
			return PopulationYouthKnownRisk
		}
		return PopulationYouthGeneral
	case AgeBandElder:
		if c.KnownRiskHistory {
			return PopulationElderKnownRisk
		}
		return PopulationElderGeneral
	default:
		if c.KnownRiskHistory {
			return PopulationAdultKnownRisk
		}
		return PopulationAdultGeneral
	}
}

// AssessmentRequest is the canonical, normalized input to the classifier.
// SubjectID is opaque and pseudonymous; the core never sees real identity.
type AssessmentRequest struct {
	SubjectID string    `json:"subject_id"`
	Text      string    `json:"text"`
	Context   Context   `json:"context"`
	Timestamp time.Time `json:"timestamp"`
}

// DomainScore is the per-domain result of a classification.
type DomainScore struct {
	Domain           Domain   `json:"domain"`
	Severity         Severity `json:"severity"`
	RawScore         float64  `json:"raw_score"`  // pre-threshold signal score
	Confidence       float64  `json:"confidence"` // 0.0 - 1.0
	ThresholdVersion int64    `json:"threshold_version"`
}

// RiskAssessment is the immutable output of the Risk Classifier.
type RiskAssessment struct {
	ID            string          `json:"id"`
	SubjectID     string          `json:"subject_id"`
	Scores        []DomainScore   `json:"scores"` // one per configured domain, stable order
	Aggregate     Severity        `json:"aggregate"`
	Confidence    float64         `json:"confidence"`
	LowConfidence bool            `json:"low_confidence"` // flagged for human review, never discarded
	Population    PopulationGroup `json:"population"`
	CreatedAt     time.Time       `json:"created_at"`
	FromCache     bool            `json:"from_cache,omitempty"`
}

// Score returns the DomainScore for the given domain.
func (a *RiskAssessment) Score(d Domain) (DomainScore, bool) {
	for _, s := range a.Scores {
		if s.Domain == d {
			return s, true
		}
	}
	return DomainScore{}, false
}

// Outcome is the ground-truth label recorded after the fact by a reviewer
// or a resolved protocol, consumed by the adaptive threshold manager.
type Outcome string

const (
	OutcomeConfirmedTruePositive Outcome = "CONFIRMED_TRUE_POSITIVE"
	OutcomeFalsePositive         Outcome = "FALSE_POSITIVE"
	OutcomeConfirmedTrueNegative Outcome = "CONFIRMED_TRUE_NEGATIVE"
	OutcomeMissed                Outcome = "MISSED"
)

// Valid reports whether o is one of the four recognized outcome labels.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeConfirmedTruePositive, OutcomeFalsePositive,
		OutcomeConfirmedTrueNegative, OutcomeMissed:
		return true
	}
	return false
}
