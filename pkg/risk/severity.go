package risk

import (
	"encoding/json"
	"fmt"
)

// Severity is an ordered risk level within a harm domain.
// The ordering is load-bearing: threshold boundaries, protocol selection
// and contextual modifiers all compare severities numerically.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityModerate
	SeverityHigh
	SeveritySevere
	SeverityImminent
)

var severityNames = [...]string{
	SeverityNone:     "NONE",
	SeverityLow:      "LOW",
	SeverityModerate: "MODERATE",
	SeverityHigh:     "HIGH",
	SeveritySevere:   "SEVERE",
	SeverityImminent: "IMMINENT",
}

func (s Severity) String() string {
	if s < SeverityNone || s > SeverityImminent {
		return fmt.Sprintf("Severity(%d)", int(s))
	}
	return severityNames[s]
}

// ParseSeverity converts a name back to a Severity.
func ParseSeverity(name string) (Severity, error) {
	for i, n := range severityNames {
		if n == name {
			return Severity(i), nil
		}
	}
	return SeverityNone, fmt.Errorf("unknown severity %q", name)
}

// Step moves the severity by delta levels, clamped to the valid range.
// Contextual modifiers use Step(±1); it never wraps or overflows.
func (s Severity) Step(delta int) Severity {
	v := int(s) + delta
	if v < int(SeverityNone) {
		return SeverityNone
	}
	if v > int(SeverityImminent) {
		return SeverityImminent
	}
	return Severity(v)
}

// Max returns the higher of two severities.
func (s Severity) Max(other Severity) Severity {
	if other > s {
		return other
	}
	return s
}

// MarshalJSON encodes the severity by name so stored assessments and audit
// payloads stay readable and stable across enum reordering.
func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Severity) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseSeverity(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
