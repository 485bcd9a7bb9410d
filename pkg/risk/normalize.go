package risk

import (
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Normalize converts raw input into a canonical AssessmentRequest.
// Text is NFKC-folded (homoglyphs and compatibility forms collapse to their
// canonical equivalents), control characters are stripped and whitespace is
// collapsed. Empty text is valid; a missing subject id is not.
func Normalize(subjectID, text string, ctx Context, at time.Time) (AssessmentRequest, error) {
	if strings.TrimSpace(subjectID) == "" {
		return AssessmentRequest{}, &ValidationError{Field: "subject_id", Reason: "required"}
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return AssessmentRequest{
		SubjectID: subjectID,
		Text:      NormalizeText(text),
		Context:   ctx,
		Timestamp: at.UTC(),
	}, nil
}

// NormalizeText applies the canonical text transform used for both scoring
// and cache fingerprinting.
func NormalizeText(text string) string {
	text = norm.NFKC.String(text)

	var b strings.Builder
	b.Grow(len(text))
	lastSpace := true
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			if !lastSpace {
				b.WriteRune(' ')
				lastSpace = true
			}
		case unicode.IsControl(r):
			// dropped
		default:
			b.WriteRune(r)
			lastSpace = false
		}
	}
	return strings.TrimRight(b.String(), " ")
}

// TimeBandOf buckets a local clock time into the band used by contextual
// modifiers. Late night runs 23:00-05:59.
func TimeBandOf(t time.Time) TimeBand {
	switch h := t.Hour(); {
	case h >= 23 || h < 6:
		return TimeBandLateNight
	case h >= 18:
		return TimeBandEvening
	default:
		return TimeBandDay
	}
}
