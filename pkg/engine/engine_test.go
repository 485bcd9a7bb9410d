package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/solace-health/vigil/pkg/audit"
	"github.com/solace-health/vigil/pkg/config"
	"github.com/solace-health/vigil/pkg/escalation"
	"github.com/solace-health/vigil/pkg/protocol"
	"github.com/solace-health/vigil/pkg/risk"
)

func testConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.AuditLogPath = "" // memory audit sink
	cfg.EnableSemantics = false
	cfg.RetryBackoff = time.Millisecond
	return cfg
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := New(context.Background(), Params{Config: testConfig()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(eng.Close)
	return eng
}

func TestAssessPipeline(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	now := time.Now().UTC()

	a, hits, err := eng.Assess(ctx, "subject-1", "i want to kill myself", risk.Context{
		TimeBand: risk.TimeBandOf(now),
	}, now)
	if err != nil {
		t.Fatalf("Assess: %v", err)
	}
	if a.ID == "" || a.SubjectID != "subject-1" {
		t.Fatalf("assessment = %+v, want populated id for subject-1", a)
	}
	if a.Aggregate < risk.SeverityHigh {
		t.Errorf("aggregate = %s, want at least HIGH for explicit intent", a.Aggregate)
	}
	sh, ok := a.Score(risk.DomainSelfHarm)
	if !ok || sh.RawScore == 0 {
		t.Errorf("self-harm score = %+v, want a nonzero raw score", sh)
	}
	if len(hits) != 0 {
		t.Errorf("one assessment produced pattern hits: %+v", hits)
	}

	// The assessment is persisted and audited.
	events, err := eng.QueryAudit(ctx, audit.Filter{
		SubjectHash: audit.HashSubject("subject-1"),
		Type:        audit.EventAssessmentCreated,
	})
	if err != nil {
		t.Fatalf("QueryAudit: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d assessment.created events, want 1", len(events))
	}
	if events[0].Payload["assessment_id"] != a.ID {
		t.Errorf("audited assessment id = %v, want %s", events[0].Payload["assessment_id"], a.ID)
	}
}

func TestAssessRejectsBadInput(t *testing.T) {
	eng := newTestEngine(t)
	var vErr *risk.ValidationError
	_, _, err := eng.Assess(context.Background(), "", "some text", risk.Context{}, time.Now())
	if !errors.As(err, &vErr) || vErr.Field != "subject_id" {
		t.Errorf("got %v, want subject_id validation error", err)
	}
}

func TestStartProtocolFromAssessment(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	now := time.Now().UTC()

	a, _, err := eng.Assess(ctx, "subject-2", "i feel a bit overwhelmed lately", risk.Context{
		TimeBand: risk.TimeBandDay,
	}, now)
	if err != nil {
		t.Fatalf("Assess: %v", err)
	}

	inst, err := eng.StartProtocol(ctx, a.ID)
	if err != nil {
		t.Fatalf("StartProtocol: %v", err)
	}
	if inst.AssessmentID != a.ID || inst.SubjectID != "subject-2" {
		t.Errorf("instance = %+v, want linkage to %s", inst, a.ID)
	}

	got, err := eng.GetInstance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if got.ID != inst.ID || got.TemplateID != inst.TemplateID {
		t.Errorf("GetInstance = %+v, want the started instance", got)
	}

	var vErr *risk.ValidationError
	if _, err := eng.StartProtocol(ctx, "no-such-assessment"); !errors.As(err, &vErr) {
		t.Errorf("unknown assessment: got %v, want validation error", err)
	}
}

func TestConfirmStepThroughEngine(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Moderate severity selects a protocol that parks for confirmation.
	a, _, err := eng.Assess(ctx, "subject-3", "i keep thinking about hurting myself", risk.Context{
		TimeBand:         risk.TimeBandDay,
		SupportKnown:     true,
		SupportAvailable: true,
	}, now)
	if err != nil {
		t.Fatalf("Assess: %v", err)
	}

	inst, err := eng.StartProtocol(ctx, a.ID)
	if err != nil {
		t.Fatalf("StartProtocol: %v", err)
	}
	if inst.State != protocol.StateAwaitingResponse {
		t.Fatalf("template %s state = %s, want AWAITING_RESPONSE", inst.TemplateID, inst.State)
	}

	resumed, err := eng.ConfirmStep(ctx, inst.ID, inst.CurrentStep, inst.ResumptionToken, protocol.StepOutcomeSuccess)
	if err != nil {
		t.Fatalf("ConfirmStep: %v", err)
	}
	if !resumed.State.Terminal() {
		t.Errorf("resumed state = %s, want terminal", resumed.State)
	}
}

func TestRecordOutcome(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	now := time.Now().UTC()

	a, _, err := eng.Assess(ctx, "subject-4", "i want to kill myself", risk.Context{
		TimeBand: risk.TimeBandDay,
	}, now)
	if err != nil {
		t.Fatalf("Assess: %v", err)
	}

	if err := eng.RecordOutcome(ctx, a.ID, risk.DomainSelfHarm, risk.OutcomeFalsePositive); err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}

	events, err := eng.QueryAudit(ctx, audit.Filter{Type: audit.EventOutcomeRecorded})
	if err != nil {
		t.Fatalf("QueryAudit: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d outcome.recorded events, want 1", len(events))
	}
	if events[0].Payload["domain"] != string(risk.DomainSelfHarm) {
		t.Errorf("audited domain = %v, want self_harm", events[0].Payload["domain"])
	}

	if err := eng.RecordOutcome(ctx, "no-such-assessment", risk.DomainSelfHarm, risk.OutcomeMissed); err == nil {
		t.Error("outcome for unknown assessment should fail")
	}
}

func TestSweepThroughEngine(t *testing.T) {
	eng := newTestEngine(t)
	n, err := eng.Sweep(context.Background(), time.Now().UTC())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 0 {
		t.Errorf("empty store expired %d instances, want 0", n)
	}
}

func TestPatternsAccumulate(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	// Repeated elevated assessments within an hour trip the clustering
	// detector. Distinct texts bypass the fingerprint cache.
	texts := []string{
		"i want to kill myself",
		"i really want to kill myself",
		"i still want to kill myself",
	}
	var hits []risk.RiskAssessment
	for i, text := range texts {
		a, _, err := eng.Assess(ctx, "subject-5", text, risk.Context{
			TimeBand: risk.TimeBandDay,
		}, base.Add(time.Duration(i)*10*time.Minute))
		if err != nil {
			t.Fatalf("Assess %d: %v", i, err)
		}
		hits = append(hits, a)
	}

	detected, err := eng.PatternsFor(ctx, "subject-5")
	if err != nil {
		t.Fatalf("PatternsFor: %v", err)
	}
	found := false
	for _, h := range detected {
		if h.Family == "clustering" {
			found = true
		}
	}
	if !found {
		t.Errorf("patterns = %+v, want clustering after %d elevated assessments", detected, len(hits))
	}
}

func TestImminentRiskEscalatesEndToEnd(t *testing.T) {
	responder := &escalation.RecordingChannel{ChannelName: "pager"}
	oversight := &escalation.RecordingChannel{ChannelName: "oversight"}
	registry := escalation.NewRegistry()
	registry.Add(escalation.UrgencyEmergency, escalation.Responder{
		ID:       "resp-oncall",
		Channels: []escalation.ResponderChannel{{Channel: responder, Target: "oncall-pager"}},
	})

	eng, err := New(context.Background(), Params{
		Config:    testConfig(),
		Registry:  registry,
		Oversight: &escalation.ResponderChannel{Channel: oversight, Target: "oversight-desk"},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(eng.Close)
	ctx := context.Background()

	a, _, err := eng.Assess(ctx, "subject-6", "i want to kill myself", risk.Context{
		TimeBand: risk.TimeBandLateNight,
	}, time.Now().UTC())
	if err != nil {
		t.Fatalf("Assess: %v", err)
	}
	if a.Aggregate != risk.SeverityImminent {
		t.Fatalf("aggregate = %s, want IMMINENT", a.Aggregate)
	}

	inst, err := eng.StartProtocol(ctx, a.ID)
	if err != nil {
		t.Fatalf("StartProtocol: %v", err)
	}
	if inst.TemplateID != "emergency_response" {
		t.Fatalf("template = %s, want emergency_response", inst.TemplateID)
	}
	if inst.State != protocol.StateAwaitingResponse || inst.CurrentStep != "confirm_handoff" {
		t.Fatalf("instance parked at %s/%s, want AWAITING_RESPONSE/confirm_handoff", inst.State, inst.CurrentStep)
	}

	// The responder was paged at EMERGENCY and oversight got its own notice.
	paged := responder.Deliveries()
	if len(paged) != 1 || paged[0].Urgency != escalation.UrgencyEmergency {
		t.Fatalf("responder deliveries = %+v, want one at EMERGENCY", paged)
	}
	if len(oversight.Deliveries()) != 1 {
		t.Errorf("oversight deliveries = %d, want 1", len(oversight.Deliveries()))
	}

	reqID := inst.Vars["escalation_request_id"]
	if reqID == "" {
		t.Fatal("instance is missing its escalation request id")
	}
	acked, err := eng.Acknowledge(ctx, reqID)
	if err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if acked.Status != escalation.StatusAcknowledged {
		t.Errorf("status = %s, want ACKNOWLEDGED", acked.Status)
	}

	resumed, err := eng.ConfirmStep(ctx, inst.ID, "confirm_handoff", inst.ResumptionToken, protocol.StepOutcomeSuccess)
	if err != nil {
		t.Fatalf("ConfirmStep: %v", err)
	}
	if resumed.State != protocol.StateResolved {
		t.Errorf("resumed state = %s, want RESOLVED", resumed.State)
	}
}

func TestEngineRequiresConfig(t *testing.T) {
	if _, err := New(context.Background(), Params{}); err == nil {
		t.Error("New without config should fail")
	}
}

func TestEngineCloseStopsBackgroundWork(t *testing.T) {
	defer goleak.VerifyNone(t)

	eng, err := New(context.Background(), Params{Config: testConfig()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	eng.StartSweeper(context.Background())
	eng.Close()
	eng.Close() // idempotent
}
