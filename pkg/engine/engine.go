// Package engine assembles the detection and intervention pipeline behind
// one facade: normalize, classify, detect patterns, select and run
// protocols, record outcomes, query the audit trail.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/solace-health/vigil/pkg/audit"
	"github.com/solace-health/vigil/pkg/classifier"
	"github.com/solace-health/vigil/pkg/config"
	"github.com/solace-health/vigil/pkg/escalation"
	"github.com/solace-health/vigil/pkg/pattern"
	"github.com/solace-health/vigil/pkg/protocol"
	"github.com/solace-health/vigil/pkg/risk"
	"github.com/solace-health/vigil/pkg/storage"
	"github.com/solace-health/vigil/pkg/telemetry"
	"github.com/solace-health/vigil/pkg/threshold"
)

// Params collects the engine's injectable dependencies. Config is
// required; everything else has a working default so tests and the
// one-shot CLI run without external services.
type Params struct {
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *telemetry.Metrics

	Store storage.Store // default: in-memory
	Audit audit.Log     // default: file sink at cfg.AuditLogPath, memory if empty
	Redis *redis.Client // default: nil, thresholds read from the in-process map

	Embedder  chromem.EmbeddingFunc // enables the semantic scorer when set
	Registry  *escalation.Registry  // default: empty registry
	Oversight *escalation.ResponderChannel
	Messenger Messenger // default: LogMessenger
}

// Engine is the assembled core.
type Engine struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *telemetry.Metrics

	store      storage.Store
	auditLog   audit.Log
	classifier *classifier.Classifier
	thresholds *threshold.Manager
	history    *pattern.InMemoryHistory
	library    *protocol.Library
	selector   *protocol.Selector
	executor   *protocol.Executor
	escalation *escalation.Manager
}

// New wires the pipeline. Callers own the lifetimes of injected deps;
// Close releases only what New created.
func New(ctx context.Context, p Params) (*Engine, error) {
	if p.Config == nil {
		return nil, fmt.Errorf("engine: config is required")
	}
	if err := p.Config.Validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	cfg := p.Config

	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	store := p.Store
	if store == nil {
		store = storage.NewMemoryStore()
	}

	auditLog := p.Audit
	if auditLog == nil {
		if cfg.AuditLogPath != "" {
			fl, err := audit.OpenFileLog(cfg.AuditLogPath)
			if err != nil {
				return nil, fmt.Errorf("engine: %w", err)
			}
			auditLog = fl
		} else {
			auditLog = audit.NewMemoryLog()
		}
	}

	thresholds, err := threshold.NewManager(ctx, threshold.Options{
		MaxStepFraction: cfg.MaxStepFraction,
		CacheTTL:        cfg.ThresholdTTL,
		Redis:           p.Redis,
		Store:           store,
		Audit:           auditLog,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	scorer := buildScorer(ctx, cfg, logger, p.Embedder)
	cls, err := classifier.New(classifier.Params{
		Scorer:            scorer,
		Thresholds:        thresholds,
		Audit:             auditLog,
		Logger:            logger,
		MinConfidence:     cfg.MinConfidence,
		CacheTTL:          cfg.CacheTTL,
		ModifierStepLimit: cfg.ModifierStepLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	history := pattern.NewInMemoryHistory(
		pattern.WithMaxAge(cfg.LookbackWindow),
	)

	library, err := loadLibrary(cfg)
	if err != nil {
		history.Close()
		return nil, fmt.Errorf("engine: %w", err)
	}

	registry := p.Registry
	if registry == nil {
		registry = escalation.NewRegistry()
	}
	oversight := escalation.ResponderChannel{
		Channel: &escalation.RecordingChannel{ChannelName: cfg.OversightChannel},
		Target:  cfg.OversightChannel,
	}
	if p.Oversight != nil {
		oversight = *p.Oversight
	}
	esc, err := escalation.NewManager(escalation.ManagerParams{
		Registry:       registry,
		Oversight:      oversight,
		Store:          store,
		Audit:          auditLog,
		Logger:         logger,
		Metrics:        p.Metrics,
		ChannelTimeout: cfg.ChannelTimeout,
		MaxConcurrent:  cfg.MaxConcurrent,
	})
	if err != nil {
		history.Close()
		return nil, fmt.Errorf("engine: %w", err)
	}

	messenger := p.Messenger
	if messenger == nil {
		messenger = &LogMessenger{Logger: logger}
	}
	executor, err := protocol.NewExecutor(protocol.ExecutorParams{
		Library: library,
		Store:   store,
		Audit:   auditLog,
		Actions: &actionRunner{escalation: esc, messenger: messenger, logger: logger},
		Logger:  logger,
		Metrics: p.Metrics,

		RetryBackoff:    cfg.RetryBackoff,
		SweepInterval:   cfg.SweepInterval,
		DefaultDeadline: cfg.DefaultDeadline,
	})
	if err != nil {
		history.Close()
		return nil, fmt.Errorf("engine: %w", err)
	}

	return &Engine{
		cfg:        cfg,
		logger:     logger,
		metrics:    p.Metrics,
		store:      store,
		auditLog:   auditLog,
		classifier: cls,
		thresholds: thresholds,
		history:    history,
		library:    library,
		selector:   protocol.NewSelector(library),
		executor:   executor,
		escalation: esc,
	}, nil
}

func buildScorer(ctx context.Context, cfg *config.Config, logger *zap.Logger, embedder chromem.EmbeddingFunc) classifier.Scorer {
	var optional []classifier.Scorer
	if cfg.EnableSemantics && embedder != nil {
		sem, err := classifier.NewSemanticScorer(embedder)
		if err == nil {
			if err := sem.LoadSeeds(ctx); err != nil {
				logger.Warn("semantic scorer seed load failed, continuing without it", zap.Error(err))
			} else {
				optional = append(optional, sem)
			}
		} else {
			logger.Warn("semantic scorer unavailable", zap.Error(err))
		}
	}
	if cfg.EnableONNXScorer && cfg.ONNXModelPath != "" {
		optional = append(optional, classifier.NewONNXScorerWithFallback(classifier.ONNXConfig{
			ModelPath: cfg.ONNXModelPath,
		}))
	}
	return classifier.NewCompositeScorer(classifier.NewLexicalScorer(), cfg.ScorerTimeout, logger, optional...)
}

func loadLibrary(cfg *config.Config) (*protocol.Library, error) {
	if cfg.TemplatePath != "" {
		return protocol.LoadLibrary(cfg.TemplatePath)
	}
	return protocol.DefaultLibrary()
}

// Assess normalizes and classifies one signal, records the result in the
// subject's history, and returns the detected longitudinal patterns
// alongside the assessment.
func (e *Engine) Assess(ctx context.Context, subjectID, text string, rctx risk.Context, at time.Time) (risk.RiskAssessment, []pattern.Hit, error) {
	started := time.Now()

	req, err := risk.Normalize(subjectID, text, rctx, at)
	if err != nil {
		return risk.RiskAssessment{}, nil, err
	}

	a, err := e.classifier.Assess(ctx, req)
	if err != nil {
		return risk.RiskAssessment{}, nil, err
	}
	if a.FromCache {
		e.metrics.ObserveCacheHit()
	}

	if err := e.persistAssessment(ctx, a); err != nil {
		return risk.RiskAssessment{}, nil, err
	}

	if err := e.history.Record(a.SubjectID, pattern.HistoryPoint{
		AssessmentID: a.ID,
		At:           a.CreatedAt,
		Severity:     a.Aggregate,
	}); err != nil {
		return risk.RiskAssessment{}, nil, fmt.Errorf("engine: record history: %w", err)
	}

	hits, err := e.PatternsFor(ctx, a.SubjectID)
	if err != nil {
		return risk.RiskAssessment{}, nil, err
	}

	e.metrics.ObserveAssessment(a.Aggregate.String(), a.LowConfidence, time.Since(started).Seconds())
	return a, hits, nil
}

// PatternsFor runs the detectors over a subject's lookback window.
func (e *Engine) PatternsFor(_ context.Context, subjectID string) ([]pattern.Hit, error) {
	since := time.Now().UTC().Add(-e.cfg.LookbackWindow)
	points, err := e.history.Window(subjectID, since)
	if err != nil {
		return nil, fmt.Errorf("engine: history window: %w", err)
	}
	return pattern.DetectAll(points, pattern.Options{
		Lookback:         e.cfg.LookbackWindow,
		ClusterWindow:    e.cfg.ClusterWindow,
		ClusterMinHits:   e.cfg.ClusterMinHits,
		RecurrenceFactor: e.cfg.RecurrenceFactor,
	}), nil
}

// StartProtocol selects the template for a stored assessment and starts
// an instance of it.
func (e *Engine) StartProtocol(ctx context.Context, assessmentID string) (protocol.Instance, error) {
	a, err := e.loadAssessment(ctx, assessmentID)
	if err != nil {
		return protocol.Instance{}, err
	}
	hits, err := e.PatternsFor(ctx, a.SubjectID)
	if err != nil {
		return protocol.Instance{}, err
	}
	tmpl := e.selector.Select(a, hits)
	e.metrics.ObserveProtocolStarted(tmpl.ID)

	inst, err := e.executor.Start(ctx, tmpl, a)
	if inst.State.Terminal() {
		e.metrics.ObserveProtocolEnded(tmpl.ID, string(inst.State))
	}
	return inst, err
}

// GetInstance returns the persisted state of a protocol instance.
func (e *Engine) GetInstance(ctx context.Context, instanceID string) (protocol.Instance, error) {
	return e.executor.Get(ctx, instanceID)
}

// ConfirmStep resumes a parked instance with the responder's outcome.
func (e *Engine) ConfirmStep(ctx context.Context, instanceID, stepID, token string, outcome protocol.StepOutcome) (protocol.Instance, error) {
	inst, err := e.executor.ConfirmStep(ctx, instanceID, stepID, token, outcome)
	if err == nil && inst.State.Terminal() {
		e.metrics.ObserveProtocolEnded(inst.TemplateID, string(inst.State))
	}
	return inst, err
}

// Sweep expires overdue instances once. The background sweeper calls
// this on the configured interval.
func (e *Engine) Sweep(ctx context.Context, now time.Time) (int, error) {
	n, err := e.executor.Sweep(ctx, now)
	e.metrics.ObserveSweepExpired(n)
	return n, err
}

// StartSweeper launches the background expiration sweep.
func (e *Engine) StartSweeper(ctx context.Context) {
	e.executor.StartSweeper(ctx)
}

// RecordOutcome feeds a reviewed outcome for one assessment domain into
// the adaptive threshold manager.
func (e *Engine) RecordOutcome(ctx context.Context, assessmentID string, domain risk.Domain, outcome risk.Outcome) error {
	a, err := e.loadAssessment(ctx, assessmentID)
	if err != nil {
		return err
	}
	cfg, err := e.thresholds.RecordOutcome(ctx, a, domain, outcome)
	if err != nil {
		return err
	}
	e.metrics.ObserveThresholdAdjustment(string(domain), string(outcome))

	if _, err := e.auditLog.Append(ctx, audit.Event{
		Type:        audit.EventOutcomeRecorded,
		Actor:       "engine",
		SubjectHash: audit.HashSubject(a.SubjectID),
		Payload: map[string]any{
			"assessment_id":     assessmentID,
			"domain":            string(domain),
			"outcome":           string(outcome),
			"threshold_version": cfg.Version,
		},
	}); err != nil {
		return fmt.Errorf("engine: audit outcome: %w", err)
	}
	return nil
}

// Acknowledge records a responder acknowledgement for an escalation.
func (e *Engine) Acknowledge(ctx context.Context, requestID string) (escalation.Request, error) {
	return e.escalation.Acknowledge(ctx, requestID)
}

// QueryAudit exposes the compliance query surface.
func (e *Engine) QueryAudit(ctx context.Context, f audit.Filter) ([]audit.Event, error) {
	return e.auditLog.Query(ctx, f)
}

// Close releases engine-owned resources.
func (e *Engine) Close() {
	e.executor.Close()
	e.history.Close()
	if fl, ok := e.auditLog.(*audit.FileLog); ok {
		_ = fl.Close()
	}
}

func (e *Engine) persistAssessment(ctx context.Context, a risk.RiskAssessment) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("engine: encode assessment: %w", err)
	}
	if err := e.store.Create(ctx, storage.Record{
		Kind:     storage.KindAssessment,
		ID:       a.ID,
		IndexKey: a.SubjectID,
		Data:     data,
	}); err != nil {
		return fmt.Errorf("engine: persist assessment: %w", err)
	}
	return nil
}

func (e *Engine) loadAssessment(ctx context.Context, id string) (risk.RiskAssessment, error) {
	rec, err := e.store.Get(ctx, storage.KindAssessment, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return risk.RiskAssessment{}, &risk.ValidationError{Field: "assessment_id", Reason: fmt.Sprintf("assessment %s not found", id)}
		}
		return risk.RiskAssessment{}, fmt.Errorf("engine: load assessment %s: %w", id, err)
	}
	var a risk.RiskAssessment
	if err := json.Unmarshal(rec.Data, &a); err != nil {
		return risk.RiskAssessment{}, fmt.Errorf("engine: decode assessment %s: %w", id, err)
	}
	return a, nil
}
