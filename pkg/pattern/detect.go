// Package pattern detects longitudinal risk patterns across a subject's
// assessment history: escalating trends, recurrence above baseline, and
// short-window clustering. Detection is pure over a history snapshot; the
// sliding-window store in this package feeds it.
package pattern

import (
	"fmt"
	"sort"
	"time"

	"github.com/solace-health/vigil/pkg/risk"
)

// Family names a detector.
type Family string

const (
	FamilyTrend      Family = "trend"
	FamilyRecurrence Family = "recurrence"
	FamilyClustering Family = "clustering"
)

// HistoryPoint is one prior assessment, reduced to what the detectors need.
type HistoryPoint struct {
	AssessmentID string        `json:"assessment_id"`
	At           time.Time     `json:"at"`
	Severity     risk.Severity `json:"severity"`
}

// Hit is a detected pattern. Confidence is in [0, 1].
type Hit struct {
	Family      Family  `json:"family"`
	Confidence  float64 `json:"confidence"`
	Description string  `json:"description"`
}

// Options tunes the detectors. Zero values fall back to the defaults below.
type Options struct {
	Lookback         time.Duration // history window fed to all detectors
	ClusterWindow    time.Duration // sub-window for clustering
	ClusterMinHits   int           // elevated points within ClusterWindow
	RecurrenceFactor float64       // recent-over-baseline multiplier
}

func (o Options) withDefaults() Options {
	if o.Lookback <= 0 {
		o.Lookback = 72 * time.Hour
	}
	if o.ClusterWindow <= 0 {
		o.ClusterWindow = time.Hour
	}
	if o.ClusterMinHits <= 0 {
		o.ClusterMinHits = 3
	}
	if o.RecurrenceFactor <= 0 {
		o.RecurrenceFactor = 2.0
	}
	return o
}

// elevated is the severity floor a point must reach to count for
// recurrence and clustering.
func elevated(s risk.Severity) bool { return s >= risk.SeverityModerate }

// DetectAll runs every detector family and returns the union of hits, in
// fixed family order. It never collapses multiple hits to the strongest.
func DetectAll(points []HistoryPoint, opts Options) []Hit {
	opts = opts.withDefaults()
	points = chronological(points)

	var hits []Hit
	if h, ok := DetectTrend(points); ok {
		hits = append(hits, h)
	}
	if h, ok := DetectRecurrence(points, opts); ok {
		hits = append(hits, h)
	}
	if h, ok := DetectClustering(points, opts); ok {
		hits = append(hits, h)
	}
	return hits
}

// DetectTrend looks for a sustained severity escalation: at least three
// points, a positive least-squares slope of severity over time, and the
// latest point at MODERATE or above. A flat or cooling history never hits.
func DetectTrend(points []HistoryPoint) (Hit, bool) {
	points = chronological(points)
	if len(points) < 3 {
		return Hit{}, false
	}
	last := points[len(points)-1]
	if last.Severity < risk.SeverityModerate || last.Severity <= points[0].Severity {
		return Hit{}, false
	}

	// Least-squares slope of severity against hours since the first point.
	var sumX, sumY, sumXY, sumXX float64
	n := float64(len(points))
	t0 := points[0].At
	for _, p := range points {
		x := p.At.Sub(t0).Hours()
		y := float64(p.Severity)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return Hit{}, false
	}
	slope := (n*sumXY - sumX*sumY) / denom
	if slope <= 0 {
		return Hit{}, false
	}

	rise := int(last.Severity) - int(points[0].Severity)
	conf := 0.5 + 0.1*float64(rise)
	if conf > 0.95 {
		conf = 0.95
	}
	return Hit{
		Family:      FamilyTrend,
		Confidence:  conf,
		Description: fmt.Sprintf("severity rose %s to %s over %d assessments", points[0].Severity, last.Severity, len(points)),
	}, true
}

// DetectRecurrence compares elevated frequency in the recent half of the
// window against the earlier half. It hits when the recent half has at
// least two elevated points and at least RecurrenceFactor times the
// earlier count.
func DetectRecurrence(points []HistoryPoint, opts Options) (Hit, bool) {
	opts = opts.withDefaults()
	points = chronological(points)
	if len(points) < 3 {
		return Hit{}, false
	}

	mid := points[0].At.Add(points[len(points)-1].At.Sub(points[0].At) / 2)
	var earlier, recent int
	for _, p := range points {
		if !elevated(p.Severity) {
			continue
		}
		if p.At.After(mid) {
			recent++
		} else {
			earlier++
		}
	}
	if recent < 2 {
		return Hit{}, false
	}
	baseline := earlier
	if baseline == 0 {
		baseline = 1
	}
	ratio := float64(recent) / float64(baseline)
	if ratio < opts.RecurrenceFactor {
		return Hit{}, false
	}

	conf := 0.5 + 0.1*float64(recent)
	if conf > 0.9 {
		conf = 0.9
	}
	return Hit{
		Family:      FamilyRecurrence,
		Confidence:  conf,
		Description: fmt.Sprintf("%d elevated assessments in recent half-window vs %d earlier", recent, earlier),
	}, true
}

// DetectClustering hits when any ClusterWindow span contains at least
// ClusterMinHits elevated points.
func DetectClustering(points []HistoryPoint, opts Options) (Hit, bool) {
	opts = opts.withDefaults()
	points = chronological(points)

	var elevatedPts []HistoryPoint
	for _, p := range points {
		if elevated(p.Severity) {
			elevatedPts = append(elevatedPts, p)
		}
	}
	if len(elevatedPts) < opts.ClusterMinHits {
		return Hit{}, false
	}

	best := 0
	for i := range elevatedPts {
		end := elevatedPts[i].At.Add(opts.ClusterWindow)
		count := 0
		for j := i; j < len(elevatedPts); j++ {
			if elevatedPts[j].At.After(end) {
				break
			}
			count++
		}
		if count > best {
			best = count
		}
	}
	if best < opts.ClusterMinHits {
		return Hit{}, false
	}

	conf := 0.6 + 0.08*float64(best-opts.ClusterMinHits)
	if conf > 0.92 {
		conf = 0.92
	}
	return Hit{
		Family:      FamilyClustering,
		Confidence:  conf,
		Description: fmt.Sprintf("%d elevated assessments within %s", best, opts.ClusterWindow),
	}, true
}

// HasFamily reports whether hits contains the given family.
func HasFamily(hits []Hit, f Family) bool {
	for _, h := range hits {
		if h.Family == f {
			return true
		}
	}
	return false
}

func chronological(points []HistoryPoint) []HistoryPoint {
	out := make([]HistoryPoint, len(points))
	copy(out, points)
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}
