package protocol

import (
	"fmt"
	"time"
)

// State is a protocol instance lifecycle state. RESOLVED, ABORTED and
// EXPIRED are terminal; no transition ever leaves them.
type State string

const (
	StateNotStarted       State = "NOT_STARTED"
	StateValidating       State = "VALIDATING"
	StateAssessing        State = "ASSESSING"
	StatePlanningSafety   State = "PLANNING_SAFETY"
	StateEscalating       State = "ESCALATING"
	StateAwaitingResponse State = "AWAITING_RESPONSE"
	StateResolved         State = "RESOLVED"
	StateAborted          State = "ABORTED"
	StateExpired          State = "EXPIRED"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	switch s {
	case StateResolved, StateAborted, StateExpired:
		return true
	}
	return false
}

func validPhase(s State) bool {
	switch s {
	case StateValidating, StateAssessing, StatePlanningSafety,
		StateEscalating, StateAwaitingResponse:
		return true
	}
	return false
}

// Transition is one recorded state change.
type Transition struct {
	Seq    int64     `json:"seq"`
	From   State     `json:"from"`
	To     State     `json:"to"`
	StepID string    `json:"step_id,omitempty"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Instance is one running (or finished) protocol for one subject. It
// serializes to JSON for the versioned store; the round trip preserves
// state, vars and history exactly.
type Instance struct {
	ID           string `json:"id"`
	SubjectID    string `json:"subject_id"`
	TemplateID   string `json:"template_id"`
	AssessmentID string `json:"assessment_id"`

	State       State  `json:"state"`
	CurrentStep string `json:"current_step,omitempty"`

	// ResumptionToken is set only while parked in AWAITING_RESPONSE and
	// must accompany the ConfirmStep call that resumes the instance.
	ResumptionToken string `json:"resumption_token,omitempty"`

	// StepDeadline is set while parked when the step declares a timeout.
	// The sweep follows the step's on_timeout target once it passes.
	StepDeadline time.Time `json:"step_deadline,omitzero"`

	Vars        map[string]string `json:"vars,omitempty"`
	History     []Transition      `json:"history"`
	Seq         int64             `json:"seq"` // last transition sequence
	AbortReason string            `json:"abort_reason,omitempty"`

	Deadline  time.Time `json:"deadline"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Instance var keys written by action executors and read by step
// preconditions.
const (
	VarSafetyPlanRecordedAt = "safety_plan_recorded_at"
	VarEscalationRequestID  = "escalation_request_id"
	VarFollowupAt           = "followup_at"
)

// StepOutcome is the confirmed result of a parked step.
type StepOutcome string

const (
	StepOutcomeSuccess StepOutcome = "SUCCESS"
	StepOutcomeFailure StepOutcome = "FAILURE"
)

// StepFailure reports a step whose action failed after exhausting its
// retries. The instance it belongs to is aborted with this reason.
type StepFailure struct {
	InstanceID string
	StepID     string
	Action     Action
	Attempts   int
	Err        error
}

func (e *StepFailure) Error() string {
	return fmt.Sprintf("protocol step %s (%s) failed after %d attempts on instance %s: %v",
		e.StepID, e.Action, e.Attempts, e.InstanceID, e.Err)
}

func (e *StepFailure) Unwrap() error { return e.Err }

// TerminalStateError rejects operations attempted on a finished instance.
type TerminalStateError struct {
	InstanceID string
	State      State
}

func (e *TerminalStateError) Error() string {
	return fmt.Sprintf("instance %s is in terminal state %s", e.InstanceID, e.State)
}
