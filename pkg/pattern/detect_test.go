package pattern

import (
	"testing"
	"time"

	"github.com/solace-health/vigil/pkg/risk"
)

var base = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func pt(offset time.Duration, s risk.Severity) HistoryPoint {
	return HistoryPoint{AssessmentID: "a", At: base.Add(offset), Severity: s}
}

func TestDetectTrend(t *testing.T) {
	tests := []struct {
		name   string
		points []HistoryPoint
		want   bool
	}{
		{
			"steady escalation hits",
			[]HistoryPoint{
				pt(0, risk.SeverityLow),
				pt(6*time.Hour, risk.SeverityModerate),
				pt(12*time.Hour, risk.SeverityHigh),
			},
			true,
		},
		{
			"too few points",
			[]HistoryPoint{pt(0, risk.SeverityLow), pt(time.Hour, risk.SeverityHigh)},
			false,
		},
		{
			"cooling history never hits",
			[]HistoryPoint{
				pt(0, risk.SeverityHigh),
				pt(6*time.Hour, risk.SeverityModerate),
				pt(12*time.Hour, risk.SeverityLow),
			},
			false,
		},
		{
			"flat history never hits",
			[]HistoryPoint{
				pt(0, risk.SeverityModerate),
				pt(6*time.Hour, risk.SeverityModerate),
				pt(12*time.Hour, risk.SeverityModerate),
			},
			false,
		},
		{
			"rising but still below moderate",
			[]HistoryPoint{
				pt(0, risk.SeverityNone),
				pt(6*time.Hour, risk.SeverityNone),
				pt(12*time.Hour, risk.SeverityLow),
			},
			false,
		},
		{
			"dip then recovery with net rise hits",
			[]HistoryPoint{
				pt(0, risk.SeverityLow),
				pt(4*time.Hour, risk.SeverityModerate),
				pt(8*time.Hour, risk.SeverityLow),
				pt(12*time.Hour, risk.SeverityModerate),
				pt(16*time.Hour, risk.SeverityHigh),
			},
			true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hit, ok := DetectTrend(tt.points)
			if ok != tt.want {
				t.Fatalf("DetectTrend = %v, want %v", ok, tt.want)
			}
			if ok && (hit.Confidence <= 0 || hit.Confidence > 0.95) {
				t.Fatalf("confidence out of range: %v", hit.Confidence)
			}
		})
	}
}

func TestDetectTrendOrderIndependent(t *testing.T) {
	shuffled := []HistoryPoint{
		pt(12*time.Hour, risk.SeverityHigh),
		pt(0, risk.SeverityLow),
		pt(6*time.Hour, risk.SeverityModerate),
	}
	if _, ok := DetectTrend(shuffled); !ok {
		t.Fatalf("detector must sort input chronologically")
	}
}

func TestDetectRecurrence(t *testing.T) {
	opts := Options{RecurrenceFactor: 2.0}

	// One elevated point early, three late: ratio 3/1 over the factor.
	hits := []HistoryPoint{
		pt(0, risk.SeverityModerate),
		pt(10*time.Hour, risk.SeverityLow),
		pt(40*time.Hour, risk.SeverityModerate),
		pt(44*time.Hour, risk.SeverityHigh),
		pt(48*time.Hour, risk.SeverityModerate),
	}
	if _, ok := DetectRecurrence(hits, opts); !ok {
		t.Fatalf("expected recurrence hit")
	}

	// Evenly spread elevated points: ratio below factor.
	spread := []HistoryPoint{
		pt(0, risk.SeverityModerate),
		pt(12*time.Hour, risk.SeverityModerate),
		pt(36*time.Hour, risk.SeverityModerate),
		pt(48*time.Hour, risk.SeverityModerate),
	}
	if _, ok := DetectRecurrence(spread, opts); ok {
		t.Fatalf("even spread should not flag recurrence")
	}

	// A single recent elevated point is below the activity floor.
	quiet := []HistoryPoint{
		pt(0, risk.SeverityLow),
		pt(24*time.Hour, risk.SeverityLow),
		pt(48*time.Hour, risk.SeverityModerate),
	}
	if _, ok := DetectRecurrence(quiet, opts); ok {
		t.Fatalf("one elevated point should not flag recurrence")
	}
}

func TestDetectClustering(t *testing.T) {
	opts := Options{ClusterWindow: time.Hour, ClusterMinHits: 3}

	cluster := []HistoryPoint{
		pt(0, risk.SeverityModerate),
		pt(20*time.Minute, risk.SeverityHigh),
		pt(45*time.Minute, risk.SeverityModerate),
		pt(30*time.Hour, risk.SeverityLow),
	}
	hit, ok := DetectClustering(cluster, opts)
	if !ok {
		t.Fatalf("expected clustering hit")
	}
	if hit.Family != FamilyClustering {
		t.Fatalf("wrong family: %s", hit.Family)
	}

	// Same count spread over hours: no cluster.
	spread := []HistoryPoint{
		pt(0, risk.SeverityModerate),
		pt(5*time.Hour, risk.SeverityHigh),
		pt(10*time.Hour, risk.SeverityModerate),
	}
	if _, ok := DetectClustering(spread, opts); ok {
		t.Fatalf("spread points should not flag clustering")
	}

	// Low severities never count toward a cluster.
	lows := []HistoryPoint{
		pt(0, risk.SeverityLow),
		pt(10*time.Minute, risk.SeverityLow),
		pt(20*time.Minute, risk.SeverityLow),
	}
	if _, ok := DetectClustering(lows, opts); ok {
		t.Fatalf("LOW points should not flag clustering")
	}
}

func TestDetectAllUnionAndOrder(t *testing.T) {
	// Escalating points packed into one hour trip trend and clustering.
	points := []HistoryPoint{
		pt(0, risk.SeverityLow),
		pt(10*time.Minute, risk.SeverityModerate),
		pt(25*time.Minute, risk.SeverityHigh),
		pt(40*time.Minute, risk.SeveritySevere),
	}
	hits := DetectAll(points, Options{})
	if !HasFamily(hits, FamilyTrend) || !HasFamily(hits, FamilyClustering) {
		t.Fatalf("expected trend and clustering, got %+v", hits)
	}

	// Fixed family order: trend before recurrence before clustering.
	for i := 1; i < len(hits); i++ {
		order := map[Family]int{FamilyTrend: 0, FamilyRecurrence: 1, FamilyClustering: 2}
		if order[hits[i-1].Family] >= order[hits[i].Family] {
			t.Fatalf("hits out of family order: %+v", hits)
		}
	}

	if hits := DetectAll(nil, Options{}); len(hits) != 0 {
		t.Fatalf("empty history should yield no hits, got %+v", hits)
	}
}

func TestHasFamily(t *testing.T) {
	hits := []Hit{{Family: FamilyTrend}}
	if !HasFamily(hits, FamilyTrend) {
		t.Fatalf("expected trend present")
	}
	if HasFamily(hits, FamilyRecurrence) {
		t.Fatalf("recurrence should be absent")
	}
	if HasFamily(nil, FamilyTrend) {
		t.Fatalf("nil hits has no families")
	}
}
