// Package audit provides the append-only, tamper-evident record of every
// classification, threshold use, protocol transition and escalation. Events
// form a hash chain: each event's hash covers the previous event's hash, so
// any retroactive edit breaks verification from that point on.
//
// Appends are synchronous write-through. Components treat an append failure
// as fatal for the operation that produced the event - an unaudited
// crisis-protocol transition is unacceptable, so the core fails closed.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// EventType identifies the state change an event records.
type EventType string

const (
	EventAssessmentCreated  EventType = "assessment.created"
	EventThresholdAdjusted  EventType = "threshold.adjusted"
	EventOutcomeRecorded    EventType = "outcome.recorded"
	EventProtocolStarted    EventType = "protocol.started"
	EventProtocolTransition EventType = "protocol.transition"
	EventProtocolStepFailed EventType = "protocol.step_failed"
	EventProtocolExpired    EventType = "protocol.expired"
	EventEscalationCreated  EventType = "escalation.created"
	EventEscalationStatus   EventType = "escalation.status"
	EventOversightNotified  EventType = "oversight.notified"
)

// Event is a single append-only audit record. SubjectHash is always a
// one-way hash, never the raw subject id; Payload has free text redacted
// before append.
type Event struct {
	ID          string         `json:"id"`
	Type        EventType      `json:"type"`
	Actor       string         `json:"actor"` // component name, e.g. "classifier", "executor"
	SubjectHash string         `json:"subject_hash,omitempty"`
	InstanceID  string         `json:"instance_id,omitempty"`
	Seq         int64          `json:"seq,omitempty"` // per-instance transition sequence
	Timestamp   time.Time      `json:"timestamp"`
	Payload     map[string]any `json:"payload,omitempty"`
	PrevHash    string         `json:"prev_hash"`
	Hash        string         `json:"hash"`
}

// Filter selects events for the compliance query surface.
type Filter struct {
	SubjectHash string
	InstanceID  string
	Type        EventType
	From        time.Time
	To          time.Time
	Limit       int
}

// Log is the append-only sink contract. Append assigns ID, timestamp and
// chain hashes; the returned event carries them. Events are never updated
// or deleted; retention is governed outside this package.
type Log interface {
	Append(ctx context.Context, ev Event) (Event, error)
	Query(ctx context.Context, f Filter) ([]Event, error)
}

// HashSubject produces the pseudonymous subject reference stored in events.
func HashSubject(subjectID string) string {
	sum := sha256.Sum256([]byte("vigil.subject:" + subjectID))
	return hex.EncodeToString(sum[:])
}

// redactedKeys are payload fields that may carry free text. Their values are
// replaced by a content hash so the event stays correlatable but unreadable.
var redactedKeys = map[string]bool{
	"text":          true,
	"message":       true,
	"content":       true,
	"body":          true,
	"reason_detail": true,
}

// RedactPayload returns a copy of payload with free-text values hashed.
func RedactPayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if redactedKeys[strings.ToLower(k)] {
			if s, ok := v.(string); ok {
				sum := sha256.Sum256([]byte(s))
				out[k] = "sha256:" + hex.EncodeToString(sum[:8])
				continue
			}
		}
		out[k] = v
	}
	return out
}

// chainHash computes an event's hash over the previous hash and the event's
// canonical JSON (hash fields excluded, payload keys sorted).
func chainHash(prevHash string, ev Event) string {
	ev.PrevHash = ""
	ev.Hash = ""
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(canonicalJSON(ev))
	return hex.EncodeToString(h.Sum(nil))
}

func canonicalJSON(ev Event) []byte {
	// json.Marshal of a map already sorts keys; struct fields marshal in
	// declaration order, which is stable for a given build.
	type canonical struct {
		ID          string    `json:"id"`
		Type        EventType `json:"type"`
		Actor       string    `json:"actor"`
		SubjectHash string    `json:"subject_hash"`
		InstanceID  string    `json:"instance_id"`
		Seq         int64     `json:"seq"`
		Timestamp   string    `json:"timestamp"`
		Payload     string    `json:"payload"`
	}
	c := canonical{
		ID:          ev.ID,
		Type:        ev.Type,
		Actor:       ev.Actor,
		SubjectHash: ev.SubjectHash,
		InstanceID:  ev.InstanceID,
		Seq:         ev.Seq,
		Timestamp:   ev.Timestamp.UTC().Format(time.RFC3339Nano),
		Payload:     payloadDigest(ev.Payload),
	}
	data, _ := json.Marshal(c)
	return data
}

func payloadDigest(payload map[string]any) string {
	if len(payload) == 0 {
		return ""
	}
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%v;", k, payload[k])
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// VerifyChain walks events in append order and reports the index of the
// first event whose hash does not match its contents and predecessor.
// Returns -1 when the chain is intact.
func VerifyChain(events []Event) int {
	prev := ""
	for i, ev := range events {
		if ev.PrevHash != prev {
			return i
		}
		if chainHash(prev, ev) != ev.Hash {
			return i
		}
		prev = ev.Hash
	}
	return -1
}

func matches(ev Event, f Filter) bool {
	if f.SubjectHash != "" && ev.SubjectHash != f.SubjectHash {
		return false
	}
	if f.InstanceID != "" && ev.InstanceID != f.InstanceID {
		return false
	}
	if f.Type != "" && ev.Type != f.Type {
		return false
	}
	if !f.From.IsZero() && ev.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && ev.Timestamp.After(f.To) {
		return false
	}
	return true
}
