package pattern

import (
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/solace-health/vigil/pkg/risk"
)

func TestHistoryRecordAndWindow(t *testing.T) {
	h := NewInMemoryHistory()
	defer h.Close()

	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		err := h.Record("subject-1", HistoryPoint{
			AssessmentID: "a",
			At:           now.Add(time.Duration(-i) * time.Hour),
			Severity:     risk.SeverityModerate,
		})
		if err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	points, err := h.Window("subject-1", now.Add(-2*time.Hour))
	if err != nil {
		t.Fatalf("window: %v", err)
	}
	if len(points) != 3 {
		t.Fatalf("expected 3 points inside window, got %d", len(points))
	}
	for i := 1; i < len(points); i++ {
		if points[i].At.Before(points[i-1].At) {
			t.Fatalf("window not chronological: %+v", points)
		}
	}

	points, err = h.Window("unknown-subject", time.Time{})
	if err != nil {
		t.Fatalf("window unknown: %v", err)
	}
	if len(points) != 0 {
		t.Fatalf("unknown subject should have empty window")
	}
}

func TestHistoryRequiresSubject(t *testing.T) {
	h := NewInMemoryHistory()
	defer h.Close()
	if err := h.Record("", HistoryPoint{}); err == nil {
		t.Fatalf("empty subject id should be rejected")
	}
}

func TestHistoryWindowCap(t *testing.T) {
	h := NewInMemoryHistory(WithMaxPoints(10))
	defer h.Close()

	now := time.Now().UTC()
	for i := 0; i < 25; i++ {
		if err := h.Record("subject-1", HistoryPoint{At: now.Add(time.Duration(i) * time.Minute)}); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	points, err := h.Window("subject-1", time.Time{})
	if err != nil {
		t.Fatalf("window: %v", err)
	}
	if len(points) != 10 {
		t.Fatalf("window cap not enforced: got %d", len(points))
	}
	// The newest points survive the trim.
	if !points[len(points)-1].At.Equal(now.Add(24 * time.Minute)) {
		t.Fatalf("trim dropped the newest point: %+v", points[len(points)-1])
	}
}

func TestHistoryCleanupExpiresPoints(t *testing.T) {
	h := NewInMemoryHistory(
		WithMaxAge(50*time.Millisecond),
		WithCleanupInterval(10*time.Millisecond),
	)
	defer h.Close()

	if err := h.Record("subject-1", HistoryPoint{At: time.Now().UTC()}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if got := h.Stats(); got.SubjectCount != 1 || got.TotalPoints != 1 {
		t.Fatalf("unexpected stats before expiry: %+v", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.Stats().SubjectCount == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expired subject was never cleaned up: %+v", h.Stats())
}

func TestHistoryCloseStopsCleanup(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := NewInMemoryHistory(WithCleanupInterval(time.Millisecond))
	if err := h.Record("subject-1", HistoryPoint{At: time.Now()}); err != nil {
		t.Fatalf("record: %v", err)
	}
	h.Close()
	h.Close() // idempotent
}
