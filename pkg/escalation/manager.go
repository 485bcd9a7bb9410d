package escalation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/solace-health/vigil/pkg/audit"
	"github.com/solace-health/vigil/pkg/httputil"
	"github.com/solace-health/vigil/pkg/storage"
	"github.com/solace-health/vigil/pkg/telemetry"
)

// ResponderChannel pairs a channel with the responder's address on it.
type ResponderChannel struct {
	Channel Channel
	Target  string
}

// Responder is one human endpoint with its channels in preference order.
type Responder struct {
	ID       string
	Name     string
	Channels []ResponderChannel
}

// Registry holds responders ranked per urgency. A dispatch at urgency U
// tries U's responders in order; responders may appear at several tiers.
type Registry struct {
	byUrgency map[Urgency][]Responder
}

func NewRegistry() *Registry {
	return &Registry{byUrgency: make(map[Urgency][]Responder)}
}

// Add appends a responder at the given urgency tier.
func (r *Registry) Add(u Urgency, resp Responder) {
	r.byUrgency[u] = append(r.byUrgency[u], resp)
}

// At returns the ranked responders for an urgency.
func (r *Registry) At(u Urgency) []Responder {
	return r.byUrgency[u]
}

// ManagerParams wires a Manager. Registry, Oversight, Store and Audit are
// required.
type ManagerParams struct {
	Registry  *Registry
	Oversight ResponderChannel // notified once whenever dispatch exhausts
	Store     storage.Store
	Audit     audit.Log
	Logger    *zap.Logger
	Metrics   *telemetry.Metrics

	ChannelTimeout time.Duration // per channel attempt
	MaxConcurrent  int           // concurrent dispatches
}

// Manager dispatches escalation requests. Delivery semantics: first
// DELIVERED channel wins; on exhaustion the urgency is raised one tier
// (once), and if that tier also exhausts the request is marked FAILED
// (TIMED_OUT when every attempt hit the channel deadline) with oversight
// notified exactly once.
type Manager struct {
	registry  *Registry
	oversight ResponderChannel
	store     storage.Store
	auditLog  audit.Log
	logger    *zap.Logger
	metrics   *telemetry.Metrics

	channelTimeout time.Duration
	sem            *httputil.Semaphore
}

func NewManager(p ManagerParams) (*Manager, error) {
	if p.Registry == nil || p.Store == nil || p.Audit == nil {
		return nil, fmt.Errorf("escalation: registry, store and audit log are required")
	}
	if p.Oversight.Channel == nil {
		return nil, fmt.Errorf("escalation: oversight channel is required")
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	if p.ChannelTimeout <= 0 {
		p.ChannelTimeout = 15 * time.Second
	}
	if p.MaxConcurrent <= 0 {
		p.MaxConcurrent = 64
	}
	return &Manager{
		registry:       p.Registry,
		oversight:      p.Oversight,
		store:          p.Store,
		auditLog:       p.Audit,
		logger:         p.Logger,
		metrics:        p.Metrics,
		channelTimeout: p.ChannelTimeout,
		sem:            httputil.NewSemaphore(p.MaxConcurrent),
	}, nil
}

// Dispatch creates and delivers an escalation request. The returned
// request reflects the final status; an ExhaustedError accompanies a
// FAILED one.
func (m *Manager) Dispatch(ctx context.Context, instanceID string, urgency Urgency, summary string) (Request, error) {
	if err := m.sem.Acquire(ctx); err != nil {
		return Request{}, fmt.Errorf("escalation: dispatch slot: %w", err)
	}
	defer m.sem.Release()

	now := time.Now().UTC()
	req := Request{
		ID:         uuid.NewString(),
		InstanceID: instanceID,
		Urgency:    urgency,
		Status:     StatusPending,
		Summary:    summary,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := m.persistNew(ctx, &req); err != nil {
		return Request{}, err
	}
	if _, err := m.auditLog.Append(ctx, audit.Event{
		Type:       audit.EventEscalationCreated,
		Actor:      "escalation",
		InstanceID: instanceID,
		Payload: map[string]any{
			"request_id": req.ID,
			"urgency":    req.Urgency.String(),
		},
	}); err != nil {
		return Request{}, fmt.Errorf("escalation: audit request: %w", err)
	}

	attempts, timeouts := m.tryTier(ctx, &req)
	if req.Status == StatusDelivered {
		m.metrics.ObserveEscalation(req.Urgency.String(), string(StatusDelivered))
		return req, m.saveStatus(ctx, &req, StatusDelivered)
	}

	// Raise one tier, once, and retry.
	req.ReRaised = true
	req.Urgency = req.Urgency.Raise()
	m.metrics.ObserveReRaise()
	m.logger.Warn("escalation tier exhausted, re-raising",
		zap.String("request_id", req.ID),
		zap.String("urgency", req.Urgency.String()))
	a, t := m.tryTier(ctx, &req)
	attempts += a
	timeouts += t
	if req.Status == StatusDelivered {
		m.metrics.ObserveEscalation(req.Urgency.String(), string(StatusDelivered))
		return req, m.saveStatus(ctx, &req, StatusDelivered)
	}

	// When every attempt died on the channel deadline the request timed
	// out rather than failed; an empty registry is a plain failure.
	final := StatusFailed
	if attempts > 0 && timeouts == attempts {
		final = StatusTimedOut
	}
	m.notifyOversight(ctx, &req)
	m.metrics.ObserveEscalation(req.Urgency.String(), string(final))
	if err := m.saveStatus(ctx, &req, final); err != nil {
		return req, err
	}
	return req, &ExhaustedError{RequestID: req.ID, Urgency: req.Urgency, Attempts: attempts}
}

// tryTier attempts every responder channel at the request's current
// urgency. On the first success it stamps the responder, channel and
// correlation id and sets the status to DELIVERED in memory. timeouts
// counts the attempts that died on the per-channel deadline.
func (m *Manager) tryTier(ctx context.Context, req *Request) (attempts, timeouts int) {
	for _, resp := range m.registry.At(req.Urgency) {
		for _, rc := range resp.Channels {
			attempts++
			cctx, cancel := context.WithTimeout(ctx, m.channelTimeout)
			corrID, err := rc.Channel.Send(cctx, Delivery{
				RequestID:  req.ID,
				InstanceID: req.InstanceID,
				Urgency:    req.Urgency,
				Summary:    req.Summary,
				Target:     rc.Target,
			})
			cancel()
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) {
					timeouts++
				}
				m.logger.Warn("escalation channel attempt failed",
					zap.String("request_id", req.ID),
					zap.String("responder", resp.ID),
					zap.String("channel", rc.Channel.Name()),
					zap.Error(err))
				continue
			}
			req.ResponderID = resp.ID
			req.ChannelName = rc.Channel.Name()
			req.CorrelationID = corrID
			req.Status = StatusDelivered
			return attempts, timeouts
		}
	}
	return attempts, timeouts
}

// notifyOversight informs the oversight channel of an exhausted request.
// It runs at most once per request; a send failure is logged, not
// propagated, because the FAILED status must still land.
func (m *Manager) notifyOversight(ctx context.Context, req *Request) {
	if req.OversightNotified {
		return
	}
	req.OversightNotified = true

	cctx, cancel := context.WithTimeout(ctx, m.channelTimeout)
	defer cancel()
	_, err := m.oversight.Channel.Send(cctx, Delivery{
		RequestID:  req.ID,
		InstanceID: req.InstanceID,
		Urgency:    req.Urgency,
		Summary:    "escalation exhausted all responder channels: " + req.Summary,
		Target:     m.oversight.Target,
	})
	if err != nil {
		m.logger.Error("oversight notification failed",
			zap.String("request_id", req.ID),
			zap.Error(err))
	}
	if _, aerr := m.auditLog.Append(ctx, audit.Event{
		Type:       audit.EventOversightNotified,
		Actor:      "escalation",
		InstanceID: req.InstanceID,
		Payload: map[string]any{
			"request_id": req.ID,
			"urgency":    req.Urgency.String(),
			"delivered":  err == nil,
		},
	}); aerr != nil {
		m.logger.Error("oversight audit append failed",
			zap.String("request_id", req.ID),
			zap.Error(aerr))
	}
}

// OversightNotice sends a direct notice to the oversight channel outside
// any escalation request, for protocol steps that inform oversight
// without paging a responder.
func (m *Manager) OversightNotice(ctx context.Context, instanceID, summary string) error {
	cctx, cancel := context.WithTimeout(ctx, m.channelTimeout)
	defer cancel()
	_, err := m.oversight.Channel.Send(cctx, Delivery{
		RequestID:  uuid.NewString(),
		InstanceID: instanceID,
		Urgency:    UrgencyUrgent,
		Summary:    summary,
		Target:     m.oversight.Target,
	})
	if err != nil {
		return fmt.Errorf("escalation: oversight notice: %w", err)
	}
	if _, err := m.auditLog.Append(ctx, audit.Event{
		Type:       audit.EventOversightNotified,
		Actor:      "escalation",
		InstanceID: instanceID,
		Payload: map[string]any{
			"summary":   summary,
			"delivered": true,
		},
	}); err != nil {
		return fmt.Errorf("escalation: audit oversight notice: %w", err)
	}
	return nil
}

// Acknowledge records a responder callback for a delivered request.
func (m *Manager) Acknowledge(ctx context.Context, requestID string) (Request, error) {
	req, version, err := m.load(ctx, requestID)
	if err != nil {
		return Request{}, err
	}
	if !CanTransition(req.Status, StatusAcknowledged) {
		return req, fmt.Errorf("escalation: cannot acknowledge request %s in status %s", requestID, req.Status)
	}
	req.Status = StatusAcknowledged
	req.UpdatedAt = time.Now().UTC()
	if err := m.save(ctx, &req, version); err != nil {
		return req, err
	}
	if _, err := m.auditLog.Append(ctx, audit.Event{
		Type:       audit.EventEscalationStatus,
		Actor:      "escalation",
		InstanceID: req.InstanceID,
		Payload: map[string]any{
			"request_id": req.ID,
			"status":     string(StatusAcknowledged),
		},
	}); err != nil {
		return req, fmt.Errorf("escalation: audit acknowledge: %w", err)
	}
	return req, nil
}

// Get returns the persisted request.
func (m *Manager) Get(ctx context.Context, requestID string) (Request, error) {
	req, _, err := m.load(ctx, requestID)
	return req, err
}

// saveStatus applies a monotonic status change and audits it.
func (m *Manager) saveStatus(ctx context.Context, req *Request, to Status) error {
	cur, version, err := m.load(ctx, req.ID)
	if err != nil {
		return err
	}
	if !CanTransition(cur.Status, to) {
		return fmt.Errorf("escalation: illegal status transition %s -> %s for request %s", cur.Status, to, req.ID)
	}
	req.Status = to
	req.UpdatedAt = time.Now().UTC()
	if err := m.save(ctx, req, version); err != nil {
		return err
	}
	if _, err := m.auditLog.Append(ctx, audit.Event{
		Type:       audit.EventEscalationStatus,
		Actor:      "escalation",
		InstanceID: req.InstanceID,
		Payload: map[string]any{
			"request_id": req.ID,
			"status":     string(to),
			"urgency":    req.Urgency.String(),
			"re_raised":  req.ReRaised,
		},
	}); err != nil {
		return fmt.Errorf("escalation: audit status: %w", err)
	}
	return nil
}

func (m *Manager) persistNew(ctx context.Context, req *Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("escalation: encode request: %w", err)
	}
	if err := m.store.Create(ctx, storage.Record{
		Kind:     storage.KindEscalation,
		ID:       req.ID,
		IndexKey: req.InstanceID,
		Data:     data,
	}); err != nil {
		return fmt.Errorf("escalation: persist request: %w", err)
	}
	return nil
}

func (m *Manager) load(ctx context.Context, requestID string) (Request, int64, error) {
	rec, err := m.store.Get(ctx, storage.KindEscalation, requestID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Request{}, 0, fmt.Errorf("escalation: request %s not found", requestID)
		}
		return Request{}, 0, fmt.Errorf("escalation: load request %s: %w", requestID, err)
	}
	var req Request
	if err := json.Unmarshal(rec.Data, &req); err != nil {
		return Request{}, 0, fmt.Errorf("escalation: decode request %s: %w", requestID, err)
	}
	return req, rec.Version, nil
}

func (m *Manager) save(ctx context.Context, req *Request, version int64) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("escalation: encode request: %w", err)
	}
	if err := m.store.Update(ctx, storage.Record{
		Kind:     storage.KindEscalation,
		ID:       req.ID,
		Version:  version,
		IndexKey: req.InstanceID,
		Data:     data,
	}); err != nil {
		return fmt.Errorf("escalation: persist request %s: %w", req.ID, err)
	}
	return nil
}
