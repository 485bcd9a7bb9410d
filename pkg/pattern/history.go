package pattern

import (
	"fmt"
	"sync"
	"time"
)

// HistoryStore feeds the detectors a subject's recent assessment points.
// Record appends; Window returns the points at or after since, in
// chronological order.
type HistoryStore interface {
	Record(subjectID string, p HistoryPoint) error
	Window(subjectID string, since time.Time) ([]HistoryPoint, error)
}

// InMemoryHistory implements HistoryStore with per-subject sliding windows
// and TTL-based cleanup. Suitable for single-node deployments.
type InMemoryHistory struct {
	subjects map[string][]HistoryPoint
	mu       sync.RWMutex

	maxAge          time.Duration // point TTL
	cleanupInterval time.Duration
	maxPoints       int // per-subject window cap

	stopCleanup chan struct{}
	cleanupOnce sync.Once
}

// HistoryOption is a functional option for configuring InMemoryHistory.
type HistoryOption func(*InMemoryHistory)

// WithMaxAge sets how long points are retained.
func WithMaxAge(d time.Duration) HistoryOption {
	return func(h *InMemoryHistory) {
		h.maxAge = d
	}
}

// WithCleanupInterval sets how often the cleanup routine runs.
func WithCleanupInterval(d time.Duration) HistoryOption {
	return func(h *InMemoryHistory) {
		h.cleanupInterval = d
	}
}

// WithMaxPoints caps the per-subject window.
func WithMaxPoints(n int) HistoryOption {
	return func(h *InMemoryHistory) {
		h.maxPoints = n
	}
}

// NewInMemoryHistory creates a history store and starts its cleanup loop.
// Call Close to stop the loop.
func NewInMemoryHistory(opts ...HistoryOption) *InMemoryHistory {
	h := &InMemoryHistory{
		subjects:        make(map[string][]HistoryPoint),
		maxAge:          72 * time.Hour,
		cleanupInterval: 5 * time.Minute,
		maxPoints:       200,
		stopCleanup:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(h)
	}

	go h.cleanupLoop()

	return h
}

func (h *InMemoryHistory) Record(subjectID string, p HistoryPoint) error {
	if subjectID == "" {
		return fmt.Errorf("subject id is required")
	}
	if p.At.IsZero() {
		p.At = time.Now().UTC()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	points := append(h.subjects[subjectID], p)

	// Trim to the window cap (sliding window).
	if len(points) > h.maxPoints {
		points = points[len(points)-h.maxPoints:]
	}
	h.subjects[subjectID] = points
	return nil
}

func (h *InMemoryHistory) Window(subjectID string, since time.Time) ([]HistoryPoint, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []HistoryPoint
	for _, p := range h.subjects[subjectID] {
		if p.At.Before(since) {
			continue
		}
		out = append(out, p)
	}
	return chronological(out), nil
}

// Close stops the cleanup goroutine.
func (h *InMemoryHistory) Close() {
	h.cleanupOnce.Do(func() {
		close(h.stopCleanup)
	})
}

func (h *InMemoryHistory) cleanupLoop() {
	ticker := time.NewTicker(h.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.cleanup()
		case <-h.stopCleanup:
			return
		}
	}
}

// cleanup drops expired points and empty subjects.
func (h *InMemoryHistory) cleanup() {
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := time.Now().Add(-h.maxAge)
	for id, points := range h.subjects {
		kept := points[:0]
		for _, p := range points {
			if p.At.After(cutoff) {
				kept = append(kept, p)
			}
		}
		if len(kept) == 0 {
			delete(h.subjects, id)
			continue
		}
		h.subjects[id] = kept
	}
}

// Stats reports current store occupancy.
func (h *InMemoryHistory) Stats() HistoryStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	stats := HistoryStats{SubjectCount: len(h.subjects)}
	for _, points := range h.subjects {
		stats.TotalPoints += len(points)
	}
	return stats
}

// HistoryStats contains history store statistics.
type HistoryStats struct {
	SubjectCount int `json:"subject_count"`
	TotalPoints  int `json:"total_points"`
}

var _ HistoryStore = (*InMemoryHistory)(nil)
