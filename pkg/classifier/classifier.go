package classifier

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/solace-health/vigil/pkg/audit"
	"github.com/solace-health/vigil/pkg/lexicon"
	"github.com/solace-health/vigil/pkg/risk"
	"github.com/solace-health/vigil/pkg/threshold"
)

// Params wires a Classifier. Scorer, Thresholds and Audit are required.
type Params struct {
	Scorer     Scorer
	Thresholds *threshold.Manager
	Audit      audit.Log
	Logger     *zap.Logger

	MinConfidence     float64       // below this the assessment is flagged LOW_CONFIDENCE
	CacheTTL          time.Duration // fingerprint cache TTL; 0 disables caching
	ModifierStepLimit int           // net severity steps per direction, normally 1
}

// Classifier produces RiskAssessments. Every assessment carries exactly
// one DomainScore per configured domain and records the threshold version
// each score was mapped with.
type Classifier struct {
	scorer     Scorer
	thresholds *threshold.Manager
	auditLog   audit.Log
	logger     *zap.Logger
	registry   *lexicon.Registry
	cache      *gocache.Cache

	minConfidence float64
	stepLimit     int
}

func New(p Params) (*Classifier, error) {
	if p.Scorer == nil || p.Thresholds == nil || p.Audit == nil {
		return nil, fmt.Errorf("classifier: scorer, thresholds and audit log are required")
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	if p.ModifierStepLimit <= 0 {
		p.ModifierStepLimit = 1
	}
	var cache *gocache.Cache
	if p.CacheTTL > 0 {
		cache = gocache.New(p.CacheTTL, 2*p.CacheTTL)
	}
	return &Classifier{
		scorer:        p.Scorer,
		thresholds:    p.Thresholds,
		auditLog:      p.Audit,
		logger:        p.Logger,
		registry:      lexicon.Get(),
		cache:         cache,
		minConfidence: p.MinConfidence,
		stepLimit:     p.ModifierStepLimit,
	}, nil
}

// Assess classifies one normalized request. Scorer and threshold failures
// surface as ClassificationError; they are never downgraded to a NONE
// severity result.
func (c *Classifier) Assess(ctx context.Context, req risk.AssessmentRequest) (risk.RiskAssessment, error) {
	if req.SubjectID == "" {
		return risk.RiskAssessment{}, &risk.ClassificationError{
			Stage: "contract",
			Err:   fmt.Errorf("request missing subject id"),
		}
	}

	fp := fingerprint(req)
	if c.cache != nil {
		if cached, ok := c.cache.Get(fp); ok {
			a := cached.(risk.RiskAssessment)
			a.ID = uuid.NewString()
			a.CreatedAt = time.Now().UTC()
			a.FromCache = true
			return a, nil
		}
	}

	raw, err := c.scorer.Score(ctx, req.Text)
	if err != nil {
		return risk.RiskAssessment{}, &risk.ClassificationError{Stage: "scorer", Err: err}
	}

	protective := req.Context.ProtectiveFactor ||
		len(c.registry.MatchClass(req.Text, lexicon.ClassProtective)) > 0

	pop := req.Context.Population()
	scores := make([]risk.DomainScore, 0, len(risk.ConfiguredDomains()))
	for _, d := range risk.ConfiguredDomains() {
		cfg, err := c.thresholds.Get(ctx, d, pop)
		if err != nil {
			return risk.RiskAssessment{}, &risk.ClassificationError{Stage: "threshold", Err: err}
		}
		base := cfg.Boundaries.Severity(raw[d])
		sev := c.applyModifiers(base, req.Context, protective)
		scores = append(scores, risk.DomainScore{
			Domain:           d,
			Severity:         sev,
			RawScore:         raw[d],
			Confidence:       domainConfidence(raw[d], cfg.Boundaries),
			ThresholdVersion: cfg.Version,
		})
	}

	a := risk.RiskAssessment{
		ID:         uuid.NewString(),
		SubjectID:  req.SubjectID,
		Scores:     scores,
		Aggregate:  aggregate(scores),
		Population: pop,
		CreatedAt:  time.Now().UTC(),
	}
	a.Confidence = overallConfidence(scores)
	a.LowConfidence = a.Confidence < c.minConfidence

	if _, err := c.auditLog.Append(ctx, audit.Event{
		Type:        audit.EventAssessmentCreated,
		Actor:       "classifier",
		SubjectHash: audit.HashSubject(req.SubjectID),
		Payload: map[string]any{
			"assessment_id":  a.ID,
			"aggregate":      a.Aggregate.String(),
			"confidence":     a.Confidence,
			"low_confidence": a.LowConfidence,
			"population":     string(pop),
		},
	}); err != nil {
		return risk.RiskAssessment{}, fmt.Errorf("classifier: audit assessment: %w", err)
	}

	// IMMINENT results are never served from or written to the cache; a
	// repeat of the same text must be re-evaluated fresh every time.
	if c.cache != nil && a.Aggregate < risk.SeverityImminent {
		c.cache.SetDefault(fp, a)
	}
	return a, nil
}

// applyModifiers adjusts a threshold-derived severity by context. Net
// movement is capped at stepLimit per direction, and nothing discounts a
// SEVERE or IMMINENT base.
func (c *Classifier) applyModifiers(base risk.Severity, rc risk.Context, protective bool) risk.Severity {
	up := 0
	if rc.TimeBand == risk.TimeBandLateNight {
		up = 1
	}
	if rc.SupportKnown && !rc.SupportAvailable {
		up = 1
	}
	if up > c.stepLimit {
		up = c.stepLimit
	}

	down := 0
	if protective && base < risk.SeveritySevere {
		down = 1
	}
	if down > c.stepLimit {
		down = c.stepLimit
	}

	return base.Step(up - down)
}

// domainConfidence reflects how far the raw score sits from its nearest
// boundary: scores deep inside a band are confident, scores on a cut
// point are not.
func domainConfidence(raw float64, b threshold.Boundaries) float64 {
	nearest := math.MaxFloat64
	for _, cut := range b {
		if d := math.Abs(raw - cut); d < nearest {
			nearest = d
		}
	}
	conf := 0.5 + nearest/40
	if conf > 0.98 {
		conf = 0.98
	}
	return conf
}

func aggregate(scores []risk.DomainScore) risk.Severity {
	agg := risk.SeverityNone
	for _, s := range scores {
		agg = agg.Max(s.Severity)
	}
	return agg
}

// overallConfidence weights per-domain confidence by severity so the
// domains driving the aggregate dominate.
func overallConfidence(scores []risk.DomainScore) float64 {
	var sum, weights float64
	for _, s := range scores {
		w := float64(int(s.Severity) + 1)
		sum += s.Confidence * w
		weights += w
	}
	if weights == 0 {
		return 0
	}
	return sum / weights
}

// fingerprint keys the short-TTL result cache on text plus every context
// attribute that can change the outcome.
func fingerprint(req risk.AssessmentRequest) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%v|%v|%v|%s|%v",
		req.Text,
		req.Context.TimeBand,
		req.Context.AgeBand,
		req.Context.SupportKnown,
		req.Context.SupportAvailable,
		req.Context.ProtectiveFactor,
		req.SubjectID,
		req.Context.KnownRiskHistory,
	)
	return hex.EncodeToString(h.Sum(nil))
}
