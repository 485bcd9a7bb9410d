// Package escalation routes protocol escalations to human responders over
// ranked channels, with bounded per-channel timeouts, a single re-raise on
// exhaustion, and a guaranteed oversight notification. A request is never
// silently dropped.
package escalation

import (
	"encoding/json"
	"fmt"
	"time"
)

// Urgency is the ordered escalation priority.
type Urgency int

const (
	UrgencyRoutine Urgency = iota
	UrgencyElevated
	UrgencyUrgent
	UrgencyCritical
	UrgencyEmergency
)

var urgencyNames = [...]string{
	UrgencyRoutine:   "ROUTINE",
	UrgencyElevated:  "ELEVATED",
	UrgencyUrgent:    "URGENT",
	UrgencyCritical:  "CRITICAL",
	UrgencyEmergency: "EMERGENCY",
}

func (u Urgency) String() string {
	if u < UrgencyRoutine || u > UrgencyEmergency {
		return fmt.Sprintf("Urgency(%d)", int(u))
	}
	return urgencyNames[u]
}

// ParseUrgency converts a name back to an Urgency.
func ParseUrgency(name string) (Urgency, error) {
	for i, n := range urgencyNames {
		if n == name {
			return Urgency(i), nil
		}
	}
	return UrgencyRoutine, fmt.Errorf("unknown urgency %q", name)
}

// Raise returns the next urgency tier, capped at EMERGENCY.
func (u Urgency) Raise() Urgency {
	if u >= UrgencyEmergency {
		return UrgencyEmergency
	}
	return u + 1
}

func (u Urgency) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

func (u *Urgency) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseUrgency(name)
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}

// Status is the escalation delivery state. Transitions are monotonic:
// once past PENDING a request never returns to it, and ACKNOWLEDGED,
// FAILED and TIMED_OUT are final.
type Status string

const (
	StatusPending      Status = "PENDING"
	StatusDelivered    Status = "DELIVERED"
	StatusAcknowledged Status = "ACKNOWLEDGED"
	StatusFailed       Status = "FAILED"
	StatusTimedOut     Status = "TIMED_OUT"
)

// validTransitions is the explicit status machine.
var validTransitions = map[Status][]Status{
	StatusPending:   {StatusDelivered, StatusFailed, StatusTimedOut},
	StatusDelivered: {StatusAcknowledged, StatusTimedOut},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Request is one escalation. Its payload is minimum-necessary: it carries
// the instance reference and urgency, never assessment text.
type Request struct {
	ID         string  `json:"id"`
	InstanceID string  `json:"instance_id"`
	Urgency    Urgency `json:"urgency"`
	Status     Status  `json:"status"`
	Summary    string  `json:"summary"` // short non-identifying context line

	ResponderID   string `json:"responder_id,omitempty"`
	ChannelName   string `json:"channel_name,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`

	ReRaised          bool `json:"re_raised"`
	OversightNotified bool `json:"oversight_notified"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ExhaustedError reports that every responder channel failed at the
// original and re-raised urgency. The request is marked FAILED and
// oversight has been notified by the time callers see this.
type ExhaustedError struct {
	RequestID string
	Urgency   Urgency
	Attempts  int
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("escalation %s exhausted %d channel attempts up to urgency %s",
		e.RequestID, e.Attempts, e.Urgency)
}
