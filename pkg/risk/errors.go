package risk

import "fmt"

// ValidationError rejects a malformed request before any state is created.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request: %s %s", e.Field, e.Reason)
}

// ClassificationError surfaces a scorer failure or normalizer contract
// violation. Callers retry; the engine never downgrades this to a NONE
// severity result.
type ClassificationError struct {
	Stage string // "scorer", "threshold", "contract"
	Err   error
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("classification failed at %s: %v", e.Stage, e.Err)
}

func (e *ClassificationError) Unwrap() error { return e.Err }
