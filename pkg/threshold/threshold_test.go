package threshold

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/solace-health/vigil/pkg/audit"
	"github.com/solace-health/vigil/pkg/risk"
	"github.com/solace-health/vigil/pkg/storage"
)

func TestBoundariesSeverity(t *testing.T) {
	b := Boundaries{20, 40, 60, 75, 88}
	tests := []struct {
		raw  float64
		want risk.Severity
	}{
		{0, risk.SeverityNone},
		{19.9, risk.SeverityNone},
		{20, risk.SeverityLow},
		{39.9, risk.SeverityLow},
		{40, risk.SeverityModerate},
		{60, risk.SeverityHigh},
		{75, risk.SeveritySevere},
		{88, risk.SeverityImminent},
		{100, risk.SeverityImminent},
	}
	for _, tt := range tests {
		if got := b.Severity(tt.raw); got != tt.want {
			t.Fatalf("Severity(%v) = %s, want %s", tt.raw, got, tt.want)
		}
	}
}

func newTestManager(t *testing.T, rdb *redis.Client) (*Manager, *audit.MemoryLog, storage.Store) {
	t.Helper()
	log := audit.NewMemoryLog()
	store := storage.NewMemoryStore()
	m, err := NewManager(context.Background(), Options{
		MaxStepFraction: 0.05,
		CacheTTL:        time.Minute,
		Redis:           rdb,
		Store:           store,
		Audit:           log,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m, log, store
}

func assessmentFor(domain risk.Domain, pop risk.PopulationGroup) risk.RiskAssessment {
	return risk.RiskAssessment{
		ID:        "assessment-1",
		SubjectID: "subject-1",
		Scores: []risk.DomainScore{
			{Domain: domain, Severity: risk.SeverityHigh, RawScore: 65},
		},
		Aggregate:  risk.SeverityHigh,
		Population: pop,
	}
}

func TestManagerSeedsFullGrid(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	ctx := context.Background()

	for _, d := range risk.ConfiguredDomains() {
		for _, p := range risk.AllPopulations() {
			cfg, err := m.Get(ctx, d, p)
			if err != nil {
				t.Fatalf("Get(%s, %s): %v", d, p, err)
			}
			if cfg.Version != 1 {
				t.Fatalf("seed config version = %d, want 1", cfg.Version)
			}
			for i := 1; i < len(cfg.Boundaries); i++ {
				if cfg.Boundaries[i] <= cfg.Boundaries[i-1] {
					t.Fatalf("boundaries for %s/%s not ascending: %v", d, p, cfg.Boundaries)
				}
			}
		}
	}
}

func TestPopulationOffsetsLowerSensitiveGroups(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	ctx := context.Background()

	adult, err := m.Get(ctx, risk.DomainSelfHarm, risk.PopulationAdultGeneral)
	if err != nil {
		t.Fatalf("Get adult: %v", err)
	}
	youth, err := m.Get(ctx, risk.DomainSelfHarm, risk.PopulationYouthKnownRisk)
	if err != nil {
		t.Fatalf("Get youth known risk: %v", err)
	}
	for i := range adult.Boundaries {
		if youth.Boundaries[i] >= adult.Boundaries[i] {
			t.Fatalf("youth_known_risk cut %d (%v) should sit below adult_general (%v)",
				i, youth.Boundaries[i], adult.Boundaries[i])
		}
	}
}

func TestRecordOutcomeDirections(t *testing.T) {
	ctx := context.Background()
	a := assessmentFor(risk.DomainSelfHarm, risk.PopulationAdultGeneral)

	t.Run("false positive raises cut points", func(t *testing.T) {
		m, _, _ := newTestManager(t, nil)
		before, _ := m.Get(ctx, risk.DomainSelfHarm, risk.PopulationAdultGeneral)
		after, err := m.RecordOutcome(ctx, a, risk.DomainSelfHarm, risk.OutcomeFalsePositive)
		if err != nil {
			t.Fatalf("RecordOutcome: %v", err)
		}
		for i := range after.Boundaries {
			if after.Boundaries[i] <= before.Boundaries[i] {
				t.Fatalf("cut %d did not rise: %v -> %v", i, before.Boundaries[i], after.Boundaries[i])
			}
		}
		if after.Version != before.Version+1 {
			t.Fatalf("version not bumped: %d -> %d", before.Version, after.Version)
		}
		if len(after.History) != 1 || after.History[0].Outcome != risk.OutcomeFalsePositive {
			t.Fatalf("adjustment not recorded in history: %+v", after.History)
		}
	})

	t.Run("missed lowers cut points", func(t *testing.T) {
		m, _, _ := newTestManager(t, nil)
		before, _ := m.Get(ctx, risk.DomainSelfHarm, risk.PopulationAdultGeneral)
		after, err := m.RecordOutcome(ctx, a, risk.DomainSelfHarm, risk.OutcomeMissed)
		if err != nil {
			t.Fatalf("RecordOutcome: %v", err)
		}
		for i := range after.Boundaries {
			if after.Boundaries[i] >= before.Boundaries[i] {
				t.Fatalf("cut %d did not drop: %v -> %v", i, before.Boundaries[i], after.Boundaries[i])
			}
		}
	})

	t.Run("confirmed outcomes are no-ops", func(t *testing.T) {
		m, _, _ := newTestManager(t, nil)
		before, _ := m.Get(ctx, risk.DomainSelfHarm, risk.PopulationAdultGeneral)
		after, err := m.RecordOutcome(ctx, a, risk.DomainSelfHarm, risk.OutcomeConfirmedTruePositive)
		if err != nil {
			t.Fatalf("RecordOutcome: %v", err)
		}
		if after.Boundaries != before.Boundaries || after.Version != before.Version {
			t.Fatalf("confirmed outcome changed boundaries: %v -> %v", before, after)
		}
	})
}

func TestRecordOutcomeValidation(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	ctx := context.Background()
	a := assessmentFor(risk.DomainSelfHarm, risk.PopulationAdultGeneral)

	var verr *risk.ValidationError
	if _, err := m.RecordOutcome(ctx, a, risk.DomainSelfHarm, "SHRUG"); !errors.As(err, &verr) {
		t.Fatalf("unknown outcome should be a validation error, got %v", err)
	}
	if _, err := m.RecordOutcome(ctx, a, risk.DomainViolence, risk.OutcomeMissed); !errors.As(err, &verr) {
		t.Fatalf("domain without a score should be a validation error, got %v", err)
	}
}

func TestDriftStaysBounded(t *testing.T) {
	m, log, _ := newTestManager(t, nil)
	ctx := context.Background()
	a := assessmentFor(risk.DomainSelfHarm, risk.PopulationAdultGeneral)

	seed, _ := m.Get(ctx, risk.DomainSelfHarm, risk.PopulationAdultGeneral)

	// Push hard in one direction, far past the drift window.
	var last Config
	for i := 0; i < 30; i++ {
		cfg, err := m.RecordOutcome(ctx, a, risk.DomainSelfHarm, risk.OutcomeFalsePositive)
		if err != nil {
			t.Fatalf("RecordOutcome %d: %v", i, err)
		}
		last = cfg
	}

	for i := range last.Boundaries {
		ceil := seed.Boundaries[i] * 1.30
		if last.Boundaries[i] > ceil+2*minGap {
			t.Fatalf("cut %d drifted past bound: %v > %v", i, last.Boundaries[i], ceil)
		}
	}
	for i := 1; i < len(last.Boundaries); i++ {
		if last.Boundaries[i]-last.Boundaries[i-1] < minGap {
			t.Fatalf("minimum gap violated after clamping: %v", last.Boundaries)
		}
	}

	// Once pinned, further outcomes in the same direction change nothing.
	pinnedVersion := last.Version
	cfg, err := m.RecordOutcome(ctx, a, risk.DomainSelfHarm, risk.OutcomeFalsePositive)
	if err != nil {
		t.Fatalf("RecordOutcome pinned: %v", err)
	}
	if cfg.Version != pinnedVersion {
		t.Fatalf("pinned adjustment still bumped version: %d -> %d", pinnedVersion, cfg.Version)
	}

	// Every applied adjustment must have produced an audit event.
	events, err := log.Query(ctx, audit.Filter{Type: audit.EventThresholdAdjusted})
	if err != nil {
		t.Fatalf("audit query: %v", err)
	}
	if int64(len(events)) != pinnedVersion-1 {
		t.Fatalf("expected %d threshold.adjusted events, got %d", pinnedVersion-1, len(events))
	}
}

func TestAdjustmentRefusedWithoutAudit(t *testing.T) {
	m, err := NewManager(context.Background(), Options{MaxStepFraction: 0.05})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	a := assessmentFor(risk.DomainSelfHarm, risk.PopulationAdultGeneral)
	if _, err := m.RecordOutcome(context.Background(), a, risk.DomainSelfHarm, risk.OutcomeMissed); err == nil {
		t.Fatalf("adjustment without an audit log must be refused")
	}
}

func TestManagerPersistsAndReloads(t *testing.T) {
	ctx := context.Background()
	log := audit.NewMemoryLog()
	store := storage.NewMemoryStore()

	m1, err := NewManager(ctx, Options{MaxStepFraction: 0.05, Store: store, Audit: log})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	a := assessmentFor(risk.DomainViolence, risk.PopulationElderGeneral)
	a.Scores[0].Domain = risk.DomainViolence
	adjusted, err := m1.RecordOutcome(ctx, a, risk.DomainViolence, risk.OutcomeMissed)
	if err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}

	// A fresh manager over the same store must see the adjusted boundaries.
	m2, err := NewManager(ctx, Options{MaxStepFraction: 0.05, Store: store, Audit: log})
	if err != nil {
		t.Fatalf("NewManager reload: %v", err)
	}
	got, err := m2.Get(ctx, risk.DomainViolence, risk.PopulationElderGeneral)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Boundaries != adjusted.Boundaries || got.Version != adjusted.Version {
		t.Fatalf("reloaded config mismatch: %+v vs %+v", got, adjusted)
	}
}

func TestRedisCacheInvalidation(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	m, _, _ := newTestManager(t, rdb)
	ctx := context.Background()

	k := tableKey{Domain: risk.DomainSelfHarm, Population: risk.PopulationAdultGeneral}

	// First Get populates the cache.
	cfg1, err := m.Get(ctx, risk.DomainSelfHarm, risk.PopulationAdultGeneral)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !mr.Exists(k.cacheKey()) {
		t.Fatalf("cache key not populated after Get")
	}

	// An adjustment must invalidate the cached boundaries.
	a := assessmentFor(risk.DomainSelfHarm, risk.PopulationAdultGeneral)
	if _, err := m.RecordOutcome(ctx, a, risk.DomainSelfHarm, risk.OutcomeFalsePositive); err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}
	if mr.Exists(k.cacheKey()) {
		t.Fatalf("cache key should be deleted after adjustment")
	}

	cfg2, err := m.Get(ctx, risk.DomainSelfHarm, risk.PopulationAdultGeneral)
	if err != nil {
		t.Fatalf("Get after adjustment: %v", err)
	}
	if cfg2.Version != cfg1.Version+1 {
		t.Fatalf("expected adjusted version %d, got %d", cfg1.Version+1, cfg2.Version)
	}
}
