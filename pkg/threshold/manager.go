package threshold

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/solace-health/vigil/pkg/audit"
	"github.com/solace-health/vigil/pkg/risk"
	"github.com/solace-health/vigil/pkg/storage"
)

// Options configures a Manager. Redis, Store and Audit are all optional;
// without Redis reads come straight from the authoritative map, without a
// Store adjustments are process-local, without an audit log adjustments
// are refused (boundary drift must always be auditable).
type Options struct {
	MaxStepFraction float64       // max boundary shift per outcome as a fraction of the raw range
	CacheTTL        time.Duration // Redis entry TTL
	Redis           *redis.Client
	Store           storage.Store
	Audit           audit.Log
}

// Manager owns the authoritative boundary table. All writes for a key go
// through that key's mutex, so concurrent outcome reports serialize and
// every adjustment starts from the latest version.
type Manager struct {
	opts Options

	mu    sync.RWMutex
	table map[tableKey]Config

	locksMu sync.Mutex
	locks   map[tableKey]*sync.Mutex
}

type tableKey struct {
	Domain     risk.Domain
	Population risk.PopulationGroup
}

func (k tableKey) String() string {
	return string(k.Domain) + ":" + string(k.Population)
}

func (k tableKey) cacheKey() string { return "vigil:threshold:" + k.String() }

// NewManager seeds the full (domain, population) grid, then overlays any
// persisted configs from the store so restarts keep prior drift.
func NewManager(ctx context.Context, opts Options) (*Manager, error) {
	if opts.MaxStepFraction <= 0 || opts.MaxStepFraction > 0.2 {
		return nil, fmt.Errorf("threshold: max step fraction %.3f out of range (0, 0.2]", opts.MaxStepFraction)
	}
	m := &Manager{
		opts:  opts,
		table: make(map[tableKey]Config),
		locks: make(map[tableKey]*sync.Mutex),
	}
	now := time.Now().UTC()
	for _, d := range risk.ConfiguredDomains() {
		for _, p := range risk.AllPopulations() {
			k := tableKey{Domain: d, Population: p}
			m.table[k] = seedConfig(d, p, now)
		}
	}
	if opts.Store != nil {
		if err := m.loadPersisted(ctx); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Manager) loadPersisted(ctx context.Context) error {
	recs, err := m.opts.Store.ListAll(ctx, storage.KindThreshold)
	if err != nil {
		return fmt.Errorf("threshold: load persisted configs: %w", err)
	}
	for _, rec := range recs {
		var cfg Config
		if err := json.Unmarshal(rec.Data, &cfg); err != nil {
			return fmt.Errorf("threshold: decode persisted config %s: %w", rec.ID, err)
		}
		k := tableKey{Domain: cfg.Domain, Population: cfg.Population}
		if _, ok := m.table[k]; !ok {
			continue // stale key from a retired domain or group
		}
		m.table[k] = cfg
	}
	return nil
}

// Get returns the active config for a key. The Redis cache serves warm
// reads; misses fall through to the authoritative map and repopulate the
// cache. Cache errors degrade to the map, never to a failed read.
func (m *Manager) Get(ctx context.Context, domain risk.Domain, pop risk.PopulationGroup) (Config, error) {
	k := tableKey{Domain: domain, Population: pop}

	if m.opts.Redis != nil {
		raw, err := m.opts.Redis.Get(ctx, k.cacheKey()).Bytes()
		if err == nil {
			var cfg Config
			if err := json.Unmarshal(raw, &cfg); err == nil {
				return cfg, nil
			}
		}
	}

	m.mu.RLock()
	cfg, ok := m.table[k]
	m.mu.RUnlock()
	if !ok {
		return Config{}, fmt.Errorf("threshold: no config for %s", k)
	}

	m.cacheSet(ctx, k, cfg)
	return cfg, nil
}

func (m *Manager) cacheSet(ctx context.Context, k tableKey, cfg Config) {
	if m.opts.Redis == nil {
		return
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return
	}
	// Best effort; the map stays authoritative.
	m.opts.Redis.Set(ctx, k.cacheKey(), raw, m.opts.CacheTTL)
}

func (m *Manager) cacheInvalidate(ctx context.Context, k tableKey) {
	if m.opts.Redis == nil {
		return
	}
	m.opts.Redis.Del(ctx, k.cacheKey())
}

// keyLock returns the single writer mutex for a key.
func (m *Manager) keyLock(k tableKey) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[k]
	if !ok {
		l = &sync.Mutex{}
		m.locks[k] = l
	}
	return l
}

// RecordOutcome applies one reviewed outcome to the boundary set the
// assessment's domain score was mapped with. FALSE_POSITIVE raises cut
// points, MISSED lowers them; confirmed outcomes leave boundaries alone.
// Each shift is bounded by MaxStepFraction of the raw range and clamped to
// the key's drift floor and ceiling.
func (m *Manager) RecordOutcome(ctx context.Context, a risk.RiskAssessment, domain risk.Domain, outcome risk.Outcome) (Config, error) {
	if !outcome.Valid() {
		return Config{}, &risk.ValidationError{Field: "outcome", Reason: fmt.Sprintf("unknown outcome %q", outcome)}
	}
	if _, ok := a.Score(domain); !ok {
		return Config{}, &risk.ValidationError{Field: "domain", Reason: fmt.Sprintf("assessment %s has no score for domain %q", a.ID, domain)}
	}

	k := tableKey{Domain: domain, Population: a.Population}
	l := m.keyLock(k)
	l.Lock()
	defer l.Unlock()

	m.mu.RLock()
	cfg, ok := m.table[k]
	m.mu.RUnlock()
	if !ok {
		return Config{}, fmt.Errorf("threshold: no config for %s", k)
	}

	direction := 0.0
	switch outcome {
	case risk.OutcomeFalsePositive:
		direction = 1 // less sensitive
	case risk.OutcomeMissed:
		direction = -1 // more sensitive
	default:
		return cfg, nil
	}

	step := direction * m.opts.MaxStepFraction * rawRange
	seed := seedConfig(domain, a.Population, cfg.UpdatedAt).Boundaries

	before := cfg.Boundaries
	after := shiftBounded(before, seed, step)
	if after == before {
		return cfg, nil // pinned at clamp, nothing to record
	}

	cfg.Boundaries = after
	cfg.Version++
	cfg.UpdatedAt = time.Now().UTC()
	cfg.History = append(cfg.History, Adjustment{
		AssessmentID: a.ID,
		Outcome:      outcome,
		Before:       before,
		After:        after,
		Version:      cfg.Version,
		At:           cfg.UpdatedAt,
	})
	if len(cfg.History) > maxHistory {
		cfg.History = cfg.History[len(cfg.History)-maxHistory:]
	}

	if m.opts.Audit == nil {
		return Config{}, fmt.Errorf("threshold: adjustment for %s refused, no audit log configured", k)
	}
	if _, err := m.opts.Audit.Append(ctx, audit.Event{
		Type:        audit.EventThresholdAdjusted,
		Actor:       "threshold",
		SubjectHash: audit.HashSubject(a.SubjectID),
		Payload: map[string]any{
			"domain":        string(domain),
			"population":    string(a.Population),
			"outcome":       string(outcome),
			"version":       cfg.Version,
			"assessment_id": a.ID,
		},
	}); err != nil {
		return Config{}, fmt.Errorf("threshold: audit adjustment for %s: %w", k, err)
	}

	if err := m.persist(ctx, k, cfg); err != nil {
		return Config{}, err
	}

	m.mu.Lock()
	m.table[k] = cfg
	m.mu.Unlock()
	m.cacheInvalidate(ctx, k)
	return cfg, nil
}

func (m *Manager) persist(ctx context.Context, k tableKey, cfg Config) error {
	if m.opts.Store == nil {
		return nil
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("threshold: encode config %s: %w", k, err)
	}
	rec := storage.Record{
		Kind:     storage.KindThreshold,
		ID:       k.String(),
		IndexKey: string(k.Domain),
		Data:     data,
	}
	err = storage.RetryOnConflict(ctx, func(ctx context.Context) error {
		cur, getErr := m.opts.Store.Get(ctx, storage.KindThreshold, rec.ID)
		if errors.Is(getErr, storage.ErrNotFound) {
			return m.opts.Store.Create(ctx, rec)
		}
		if getErr != nil {
			return getErr
		}
		rec.Version = cur.Version
		return m.opts.Store.Update(ctx, rec)
	})
	if err != nil {
		return fmt.Errorf("threshold: persist config %s: %w", k, err)
	}
	return nil
}

// rawRange is the span of the raw score scale.
const rawRange = 100.0

// shiftBounded moves every cut point by step, clamps each slot to the
// seed's drift window, then restores the minimum gap bottom-up so the
// boundary set stays strictly ascending.
func shiftBounded(b, seed Boundaries, step float64) Boundaries {
	var out Boundaries
	for i := range b {
		v := b[i] + step
		if fl := driftFloor(seed, i); v < fl {
			v = fl
		}
		if cl := driftCeil(seed, i); v > cl {
			v = cl
		}
		out[i] = v
	}
	for i := 1; i < len(out); i++ {
		if out[i]-out[i-1] < minGap {
			out[i] = out[i-1] + minGap
		}
	}
	return out
}
