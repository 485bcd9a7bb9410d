package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/solace-health/vigil/pkg/audit"
	"github.com/solace-health/vigil/pkg/risk"
	"github.com/solace-health/vigil/pkg/storage"
	"github.com/solace-health/vigil/pkg/telemetry"
)

// ActionExecutor performs a step's side effect. The executor owns the
// state machine; implementations own message delivery, escalation and
// safety-plan recording. Params carry the step's YAML params.
type ActionExecutor interface {
	Execute(ctx context.Context, inst *Instance, step Step) error
}

// ExecutorParams wires an Executor. Library, Store, Audit and Actions are
// required.
type ExecutorParams struct {
	Library *Library
	Store   storage.Store
	Audit   audit.Log
	Actions ActionExecutor
	Logger  *zap.Logger
	Metrics *telemetry.Metrics

	RetryBackoff    time.Duration // base backoff between step retries
	SweepInterval   time.Duration
	DefaultDeadline time.Duration // used when a template has no TTL
}

// Executor runs protocol instances through their states. One writer per
// instance: all mutations go through the instance's mutex, so a racing
// caller observes the advanced state and no-ops instead of double
// applying. Every transition is audited write-through; an audit append
// failure fails the transition.
type Executor struct {
	lib      *Library
	store    storage.Store
	auditLog audit.Log
	actions  ActionExecutor
	logger   *zap.Logger
	metrics  *telemetry.Metrics

	backoff         time.Duration
	sweepInterval   time.Duration
	defaultDeadline time.Duration

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	stopSweep chan struct{}
	sweepOnce sync.Once
	wg        sync.WaitGroup
}

func NewExecutor(p ExecutorParams) (*Executor, error) {
	if p.Library == nil || p.Store == nil || p.Audit == nil || p.Actions == nil {
		return nil, fmt.Errorf("protocol: library, store, audit log and action executor are required")
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	if p.RetryBackoff <= 0 {
		p.RetryBackoff = 2 * time.Second
	}
	if p.SweepInterval <= 0 {
		p.SweepInterval = 30 * time.Second
	}
	if p.DefaultDeadline <= 0 {
		p.DefaultDeadline = 24 * time.Hour
	}
	return &Executor{
		lib:             p.Library,
		store:           p.Store,
		auditLog:        p.Audit,
		actions:         p.Actions,
		logger:          p.Logger,
		metrics:         p.Metrics,
		backoff:         p.RetryBackoff,
		sweepInterval:   p.SweepInterval,
		defaultDeadline: p.DefaultDeadline,
		locks:           make(map[string]*sync.Mutex),
		stopSweep:       make(chan struct{}),
	}, nil
}

func (e *Executor) instanceLock(id string) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	l, ok := e.locks[id]
	if !ok {
		l = &sync.Mutex{}
		e.locks[id] = l
	}
	return l
}

// Start creates an instance of the template for the assessment and runs
// it until it parks, finishes, or fails.
func (e *Executor) Start(ctx context.Context, tmpl *Template, a risk.RiskAssessment) (Instance, error) {
	now := time.Now().UTC()
	deadline := now.Add(e.defaultDeadline)
	if tmpl.TTL > 0 {
		deadline = now.Add(tmpl.TTL.Std())
	}
	inst := Instance{
		ID:           uuid.NewString(),
		SubjectID:    a.SubjectID,
		TemplateID:   tmpl.ID,
		AssessmentID: a.ID,
		State:        StateNotStarted,
		Vars:         make(map[string]string),
		Deadline:     deadline,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	l := e.instanceLock(inst.ID)
	l.Lock()
	defer l.Unlock()

	data, err := json.Marshal(&inst)
	if err != nil {
		return Instance{}, fmt.Errorf("protocol: encode instance: %w", err)
	}
	if err := e.store.Create(ctx, storage.Record{
		Kind:     storage.KindInstance,
		ID:       inst.ID,
		IndexKey: inst.SubjectID,
		Data:     data,
	}); err != nil {
		return Instance{}, fmt.Errorf("protocol: create instance: %w", err)
	}

	if _, err := e.auditLog.Append(ctx, audit.Event{
		Type:        audit.EventProtocolStarted,
		Actor:       "executor",
		SubjectHash: audit.HashSubject(inst.SubjectID),
		InstanceID:  inst.ID,
		Payload: map[string]any{
			"template_id":   tmpl.ID,
			"assessment_id": a.ID,
			"deadline":      deadline.Format(time.RFC3339),
		},
	}); err != nil {
		return Instance{}, fmt.Errorf("protocol: audit instance start: %w", err)
	}

	version := int64(1)
	if err := e.run(ctx, &inst, &version, tmpl.Steps[0].ID); err != nil {
		return inst, err
	}
	return inst, nil
}

// run advances the instance step by step until it parks in
// AWAITING_RESPONSE or reaches a terminal state. Caller holds the
// instance lock.
func (e *Executor) run(ctx context.Context, inst *Instance, version *int64, stepID string) error {
	tmpl, ok := e.lib.Get(inst.TemplateID)
	if !ok {
		return fmt.Errorf("protocol: template %q not in library", inst.TemplateID)
	}

	for {
		step, ok := tmpl.Step(stepID)
		if !ok {
			return fmt.Errorf("protocol: step %q not in template %s", stepID, tmpl.ID)
		}

		inst.CurrentStep = step.ID

		if p := unmetPrecondition(inst, step); p != "" {
			if _, err := e.auditLog.Append(ctx, audit.Event{
				Type:        audit.EventProtocolStepFailed,
				Actor:       "executor",
				SubjectHash: audit.HashSubject(inst.SubjectID),
				InstanceID:  inst.ID,
				Payload: map[string]any{
					"step_id":      step.ID,
					"action":       string(step.Action),
					"precondition": string(p),
				},
			}); err != nil {
				return fmt.Errorf("protocol: audit unmet precondition: %w", err)
			}
			if step.OnFailure == "" {
				inst.AbortReason = fmt.Sprintf("step %s requires %s", step.ID, p)
				return e.transition(ctx, inst, version, StateAborted, step.ID, "precondition unmet")
			}
			next, done, err := e.followTarget(ctx, inst, version, step, step.OnFailure)
			if err != nil || done {
				return err
			}
			stepID = next
			continue
		}

		if err := e.transition(ctx, inst, version, step.Phase, step.ID, ""); err != nil {
			return err
		}

		if step.Action == ActionRequestConfirmation {
			// Park: the instance waits for ConfirmStep with this token. A
			// step timeout becomes a deadline the sweep enforces.
			inst.ResumptionToken = uuid.NewString()
			inst.StepDeadline = time.Time{}
			if step.Timeout > 0 {
				inst.StepDeadline = time.Now().UTC().Add(step.Timeout.Std())
			}
			if err := e.save(ctx, inst, version); err != nil {
				return err
			}
			return nil
		}

		target, err := e.executeStep(ctx, inst, version, step)
		if err != nil {
			return err
		}
		next, done, err := e.followTarget(ctx, inst, version, step, target)
		if err != nil || done {
			return err
		}
		stepID = next
	}
}

// unmetPrecondition returns the first precondition the instance does not
// satisfy yet, or "" when the step may dispatch.
func unmetPrecondition(inst *Instance, step Step) Precondition {
	for _, p := range step.Preconditions {
		switch p {
		case PrecondSafetyPlanRecorded:
			if inst.Vars[VarSafetyPlanRecordedAt] == "" {
				return p
			}
		case PrecondEscalationDispatched:
			if inst.Vars[VarEscalationRequestID] == "" {
				return p
			}
		}
	}
	return ""
}

// executeStep runs a step's action with retries and returns the
// transition target to follow.
func (e *Executor) executeStep(ctx context.Context, inst *Instance, version *int64, step Step) (string, error) {
	attempts := step.MaxRetries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			e.metrics.ObserveStepRetry()
			if err := sleepCtx(ctx, e.backoff*time.Duration(1<<(attempt-1))); err != nil {
				return "", err
			}
		}
		actx := ctx
		var cancel context.CancelFunc
		if step.Timeout > 0 {
			actx, cancel = context.WithTimeout(ctx, step.Timeout.Std())
		}
		lastErr = e.actions.Execute(actx, inst, step)
		if cancel != nil {
			cancel()
		}
		if lastErr == nil {
			return step.OnSuccess, nil
		}
		e.logger.Warn("protocol step attempt failed",
			zap.String("instance_id", inst.ID),
			zap.String("step_id", step.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr))
	}

	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	timedOut := errors.Is(lastErr, context.DeadlineExceeded) && step.Timeout > 0
	failure := &StepFailure{
		InstanceID: inst.ID,
		StepID:     step.ID,
		Action:     step.Action,
		Attempts:   attempts,
		Err:        lastErr,
	}
	if _, err := e.auditLog.Append(ctx, audit.Event{
		Type:        audit.EventProtocolStepFailed,
		Actor:       "executor",
		SubjectHash: audit.HashSubject(inst.SubjectID),
		InstanceID:  inst.ID,
		Payload: map[string]any{
			"step_id":   step.ID,
			"action":    string(step.Action),
			"attempts":  attempts,
			"error":     lastErr.Error(),
			"timed_out": timedOut,
		},
	}); err != nil {
		return "", fmt.Errorf("protocol: audit step failure: %w", err)
	}

	// A step that ran out of its own time budget follows on_timeout; every
	// other failure follows on_failure.
	if timedOut && step.OnTimeout != "" {
		return step.OnTimeout, nil
	}
	if step.OnFailure != "" {
		return step.OnFailure, nil
	}

	inst.AbortReason = failure.Error()
	if err := e.transition(ctx, inst, version, StateAborted, step.ID, "step retries exhausted"); err != nil {
		return "", err
	}
	return "", failure
}

// followTarget resolves a transition target. done is true when the
// instance reached a terminal state.
func (e *Executor) followTarget(ctx context.Context, inst *Instance, version *int64, step Step, target string) (next string, done bool, err error) {
	if target == "" {
		return "", true, nil // already aborted by executeStep
	}
	if isTerminalTarget(target) {
		to := State(strings.ToUpper(target))
		if to == StateAborted && inst.AbortReason == "" {
			inst.AbortReason = fmt.Sprintf("step %s routed to ABORTED", step.ID)
		}
		return "", true, e.transition(ctx, inst, version, to, step.ID, "")
	}
	return target, false, nil
}

// ConfirmStep resumes a parked instance. The token issued at park time
// must match; confirms against a terminal instance are rejected.
func (e *Executor) ConfirmStep(ctx context.Context, instanceID, stepID, token string, outcome StepOutcome) (Instance, error) {
	l := e.instanceLock(instanceID)
	l.Lock()
	defer l.Unlock()

	inst, version, err := e.load(ctx, instanceID)
	if err != nil {
		return Instance{}, err
	}
	if inst.State.Terminal() {
		return inst, &TerminalStateError{InstanceID: instanceID, State: inst.State}
	}
	if inst.State != StateAwaitingResponse {
		return inst, &risk.ValidationError{Field: "instance", Reason: fmt.Sprintf("instance %s is not awaiting a response", instanceID)}
	}
	if inst.CurrentStep != stepID {
		return inst, &risk.ValidationError{Field: "step_id", Reason: fmt.Sprintf("instance %s is parked on step %s, not %s", instanceID, inst.CurrentStep, stepID)}
	}
	if token == "" || token != inst.ResumptionToken {
		return inst, &risk.ValidationError{Field: "resumption_token", Reason: "token missing or does not match"}
	}
	if outcome != StepOutcomeSuccess && outcome != StepOutcomeFailure {
		return inst, &risk.ValidationError{Field: "outcome", Reason: fmt.Sprintf("unknown step outcome %q", outcome)}
	}

	tmpl, ok := e.lib.Get(inst.TemplateID)
	if !ok {
		return inst, fmt.Errorf("protocol: template %q not in library", inst.TemplateID)
	}
	step, ok := tmpl.Step(stepID)
	if !ok {
		return inst, fmt.Errorf("protocol: step %q not in template %s", stepID, tmpl.ID)
	}

	inst.ResumptionToken = ""
	inst.StepDeadline = time.Time{}
	target := step.OnSuccess
	if outcome == StepOutcomeFailure {
		target = step.OnFailure
		if target == "" {
			target = string(StateAborted)
		}
	}

	next, done, err := e.followTarget(ctx, &inst, &version, step, target)
	if err != nil {
		return inst, err
	}
	if !done {
		err = e.run(ctx, &inst, &version, next)
	}
	return inst, err
}

// Get returns the current persisted state of an instance.
func (e *Executor) Get(ctx context.Context, instanceID string) (Instance, error) {
	inst, _, err := e.load(ctx, instanceID)
	return inst, err
}

// ListBySubject returns a subject's instances updated at or after since.
func (e *Executor) ListBySubject(ctx context.Context, subjectID string, since time.Time) ([]Instance, error) {
	recs, err := e.store.ListByIndex(ctx, storage.KindInstance, subjectID, since)
	if err != nil {
		return nil, fmt.Errorf("protocol: list instances: %w", err)
	}
	out := make([]Instance, 0, len(recs))
	for _, rec := range recs {
		var inst Instance
		if err := json.Unmarshal(rec.Data, &inst); err != nil {
			return nil, fmt.Errorf("protocol: decode instance %s: %w", rec.ID, err)
		}
		out = append(out, inst)
	}
	return out, nil
}

// Sweep expires every non-terminal instance past its deadline and moves
// parked instances whose step deadline lapsed to the step's on_timeout
// target. It is idempotent: an instance transitions to EXPIRED once, with
// exactly one audit event, and a lapsed step deadline is cleared before
// its target runs; later sweeps see the advanced state and skip it. The
// count covers instance expiries only.
func (e *Executor) Sweep(ctx context.Context, now time.Time) (int, error) {
	recs, err := e.store.ListAll(ctx, storage.KindInstance)
	if err != nil {
		return 0, fmt.Errorf("protocol: sweep list: %w", err)
	}

	expired := 0
	for _, rec := range recs {
		var peek Instance
		if err := json.Unmarshal(rec.Data, &peek); err != nil {
			return expired, fmt.Errorf("protocol: decode instance %s: %w", rec.ID, err)
		}
		if peek.State.Terminal() {
			continue
		}
		if peek.Deadline.After(now) && !stepDeadlinePassed(peek, now) {
			continue
		}

		l := e.instanceLock(peek.ID)
		l.Lock()
		// Reload under the lock; a concurrent writer may have finished or
		// already expired it.
		inst, version, err := e.load(ctx, peek.ID)
		switch {
		case err != nil || inst.State.Terminal():
			// nothing to do
		case !inst.Deadline.After(now):
			// The instance deadline wins over any pending step deadline.
			inst.ResumptionToken = ""
			inst.StepDeadline = time.Time{}
			err = e.transition(ctx, &inst, &version, StateExpired, inst.CurrentStep, "deadline passed")
			if err == nil {
				expired++
				if _, aerr := e.auditLog.Append(ctx, audit.Event{
					Type:        audit.EventProtocolExpired,
					Actor:       "executor",
					SubjectHash: audit.HashSubject(inst.SubjectID),
					InstanceID:  inst.ID,
					Payload: map[string]any{
						"template_id": inst.TemplateID,
						"deadline":    inst.Deadline.Format(time.RFC3339),
					},
				}); aerr != nil {
					l.Unlock()
					return expired, fmt.Errorf("protocol: audit expiry: %w", aerr)
				}
			}
		case stepDeadlinePassed(inst, now):
			err = e.timeOutParkedStep(ctx, &inst, &version)
		}
		l.Unlock()
		if err != nil {
			return expired, err
		}
	}
	return expired, nil
}

func stepDeadlinePassed(inst Instance, now time.Time) bool {
	return inst.State == StateAwaitingResponse && !inst.StepDeadline.IsZero() && !inst.StepDeadline.After(now)
}

// timeOutParkedStep voids the parked step's resumption token and follows
// its on_timeout target. Caller holds the instance lock.
func (e *Executor) timeOutParkedStep(ctx context.Context, inst *Instance, version *int64) error {
	tmpl, ok := e.lib.Get(inst.TemplateID)
	if !ok {
		return fmt.Errorf("protocol: template %q not in library", inst.TemplateID)
	}
	step, ok := tmpl.Step(inst.CurrentStep)
	if !ok {
		return fmt.Errorf("protocol: step %q not in template %s", inst.CurrentStep, tmpl.ID)
	}

	if _, err := e.auditLog.Append(ctx, audit.Event{
		Type:        audit.EventProtocolStepFailed,
		Actor:       "executor",
		SubjectHash: audit.HashSubject(inst.SubjectID),
		InstanceID:  inst.ID,
		Payload: map[string]any{
			"step_id":    step.ID,
			"action":     string(step.Action),
			"timed_out":  true,
			"on_timeout": step.OnTimeout,
		},
	}); err != nil {
		return fmt.Errorf("protocol: audit step timeout: %w", err)
	}

	inst.ResumptionToken = ""
	inst.StepDeadline = time.Time{}
	next, done, err := e.followTarget(ctx, inst, version, step, step.OnTimeout)
	if err != nil || done {
		return err
	}
	return e.run(ctx, inst, version, next)
}

// StartSweeper runs Sweep on the configured interval until Close.
func (e *Executor) StartSweeper(ctx context.Context) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := e.Sweep(ctx, time.Now().UTC()); err != nil {
					e.logger.Error("expiration sweep failed", zap.Error(err))
				}
			case <-e.stopSweep:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Close stops the sweeper and waits for it to exit.
func (e *Executor) Close() {
	e.sweepOnce.Do(func() {
		close(e.stopSweep)
	})
	e.wg.Wait()
}

// transition moves the instance to a new state, appending to history and
// the audit log. The audit append comes first: if it fails the state does
// not change and the caller sees the error.
func (e *Executor) transition(ctx context.Context, inst *Instance, version *int64, to State, stepID, reason string) error {
	from := inst.State
	seq := inst.Seq + 1

	if _, err := e.auditLog.Append(ctx, audit.Event{
		Type:        audit.EventProtocolTransition,
		Actor:       "executor",
		SubjectHash: audit.HashSubject(inst.SubjectID),
		InstanceID:  inst.ID,
		Seq:         seq,
		Payload: map[string]any{
			"from":    string(from),
			"to":      string(to),
			"step_id": stepID,
			"reason":  reason,
		},
	}); err != nil {
		return fmt.Errorf("protocol: audit transition %s -> %s: %w", from, to, err)
	}

	now := time.Now().UTC()
	inst.Seq = seq
	inst.State = to
	inst.UpdatedAt = now
	inst.History = append(inst.History, Transition{
		Seq:    seq,
		From:   from,
		To:     to,
		StepID: stepID,
		Reason: reason,
		At:     now,
	})
	return e.save(ctx, inst, version)
}

func (e *Executor) load(ctx context.Context, instanceID string) (Instance, int64, error) {
	rec, err := e.store.Get(ctx, storage.KindInstance, instanceID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Instance{}, 0, &risk.ValidationError{Field: "instance_id", Reason: fmt.Sprintf("instance %s not found", instanceID)}
		}
		return Instance{}, 0, fmt.Errorf("protocol: load instance %s: %w", instanceID, err)
	}
	var inst Instance
	if err := json.Unmarshal(rec.Data, &inst); err != nil {
		return Instance{}, 0, fmt.Errorf("protocol: decode instance %s: %w", instanceID, err)
	}
	return inst, rec.Version, nil
}

func (e *Executor) save(ctx context.Context, inst *Instance, version *int64) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("protocol: encode instance %s: %w", inst.ID, err)
	}
	if err := e.store.Update(ctx, storage.Record{
		Kind:     storage.KindInstance,
		ID:       inst.ID,
		Version:  *version,
		IndexKey: inst.SubjectID,
		Data:     data,
	}); err != nil {
		return fmt.Errorf("protocol: persist instance %s: %w", inst.ID, err)
	}
	*version++
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
