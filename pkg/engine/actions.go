package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/solace-health/vigil/pkg/audit"
	"github.com/solace-health/vigil/pkg/escalation"
	"github.com/solace-health/vigil/pkg/protocol"
)

// Messenger delivers outreach messages to a subject's registered contact
// surface. The core ships a logging stub; deployments inject a real one.
type Messenger interface {
	SendMessage(ctx context.Context, subjectID, kind string) error
}

// LogMessenger records outreach intents in the log without delivering
// anything. The default for tests and one-shot CLI runs.
type LogMessenger struct {
	Logger *zap.Logger
}

func (m *LogMessenger) SendMessage(_ context.Context, subjectID, kind string) error {
	logger := m.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("outreach message",
		zap.String("subject_hash", audit.HashSubject(subjectID)[:12]),
		zap.String("kind", kind))
	return nil
}

// actionRunner bridges protocol steps to their side effects. The switch
// covers every action in the template validator's table.
type actionRunner struct {
	escalation *escalation.Manager
	messenger  Messenger
	logger     *zap.Logger
}

var _ protocol.ActionExecutor = (*actionRunner)(nil)

func (r *actionRunner) Execute(ctx context.Context, inst *protocol.Instance, step protocol.Step) error {
	switch step.Action {
	case protocol.ActionNoOp:
		return nil

	case protocol.ActionSendMessage:
		return r.messenger.SendMessage(ctx, inst.SubjectID, step.Params["message_kind"])

	case protocol.ActionRecordSafetyPlan:
		inst.Vars[protocol.VarSafetyPlanRecordedAt] = time.Now().UTC().Format(time.RFC3339)
		return nil

	case protocol.ActionScheduleFollowup:
		interval, err := time.ParseDuration(step.Params["interval"])
		if err != nil {
			return fmt.Errorf("engine: step %s has invalid followup interval: %w", step.ID, err)
		}
		inst.Vars[protocol.VarFollowupAt] = time.Now().UTC().Add(interval).Format(time.RFC3339)
		return nil

	case protocol.ActionInvokeEscalation:
		urgency, err := escalation.ParseUrgency(step.Params["urgency"])
		if err != nil {
			return fmt.Errorf("engine: step %s: %w", step.ID, err)
		}
		req, err := r.escalation.Dispatch(ctx, inst.ID, urgency, r.summary(inst, step))
		if err != nil {
			return err
		}
		inst.Vars[protocol.VarEscalationRequestID] = req.ID
		return nil

	case protocol.ActionNotifyOversight:
		return r.escalation.OversightNotice(ctx, inst.ID, r.summary(inst, step))

	case protocol.ActionRequestConfirmation:
		// The executor parks before dispatching this action.
		return nil
	}
	return fmt.Errorf("engine: unhandled action %q", step.Action)
}

// summary builds the minimum-necessary context line escalations carry:
// template, step and a subject hash prefix, never assessment text.
func (r *actionRunner) summary(inst *protocol.Instance, step protocol.Step) string {
	return fmt.Sprintf("protocol %s step %s, subject %s",
		inst.TemplateID, step.ID, audit.HashSubject(inst.SubjectID)[:12])
}
