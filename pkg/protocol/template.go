// Package protocol holds the intervention protocol library, the selector
// that maps assessments to a template, and the executor state machine that
// runs protocol instances.
package protocol

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed templates/*.yaml
var embeddedTemplates embed.FS

// Duration parses Go duration strings ("48h", "30m") from YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std converts to a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Action is the closed set of step actions. Dispatch goes through an
// exhaustive table checked at template load, so an unknown action is a
// load error, never a runtime surprise.
type Action string

const (
	ActionSendMessage         Action = "SEND_MESSAGE"
	ActionRequestConfirmation Action = "REQUEST_CONFIRMATION"
	ActionInvokeEscalation    Action = "INVOKE_ESCALATION"
	ActionRecordSafetyPlan    Action = "RECORD_SAFETY_PLAN"
	ActionScheduleFollowup    Action = "SCHEDULE_FOLLOWUP"
	ActionNotifyOversight     Action = "NOTIFY_OVERSIGHT"
	ActionNoOp                Action = "NO_OP"
)

// knownActions is the exhaustive action table. Every action the executor
// can dispatch must appear here.
var knownActions = map[Action]bool{
	ActionSendMessage:         true,
	ActionRequestConfirmation: true,
	ActionInvokeEscalation:    true,
	ActionRecordSafetyPlan:    true,
	ActionScheduleFollowup:    true,
	ActionNotifyOversight:     true,
	ActionNoOp:                true,
}

// Precondition names a state check a step requires before it dispatches.
// The set is closed and checked at template load, like actions.
type Precondition string

const (
	// PrecondSafetyPlanRecorded requires a recorded safety plan on the
	// instance.
	PrecondSafetyPlanRecorded Precondition = "safety_plan_recorded"
	// PrecondEscalationDispatched requires a prior escalation dispatch.
	PrecondEscalationDispatched Precondition = "escalation_dispatched"
)

var knownPreconditions = map[Precondition]bool{
	PrecondSafetyPlanRecorded:   true,
	PrecondEscalationDispatched: true,
}

// Step is one node of a protocol template. OnSuccess, OnFailure and
// OnTimeout name either another step id or a terminal state (RESOLVED,
// ABORTED). Preconditions are evaluated before the step dispatches; an
// unmet precondition follows the failure route without retrying.
type Step struct {
	ID            string            `yaml:"id"`
	Phase         State             `yaml:"phase"`
	Action        Action            `yaml:"action"`
	Preconditions []Precondition    `yaml:"preconditions,omitempty"`
	Params        map[string]string `yaml:"params,omitempty"`
	MaxRetries    int               `yaml:"max_retries,omitempty"`
	Timeout       Duration          `yaml:"timeout,omitempty"`
	OnSuccess     string            `yaml:"on_success"`
	OnFailure     string            `yaml:"on_failure,omitempty"`
	OnTimeout     string            `yaml:"on_timeout,omitempty"`
}

// Template is one declarative intervention protocol. Tier orders
// templates by intrusiveness; the selector escalates across tiers.
type Template struct {
	ID          string   `yaml:"id"`
	Tier        int      `yaml:"tier"`
	Description string   `yaml:"description"`
	TTL         Duration `yaml:"ttl"`
	Steps       []Step   `yaml:"steps"`
}

// Step returns the step with the given id.
func (t *Template) Step(id string) (Step, bool) {
	for _, s := range t.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// Library is a validated set of templates, indexed by id and ordered by
// tier.
type Library struct {
	byID   map[string]*Template
	byTier []*Template
}

// DefaultLibrary loads the embedded templates.
func DefaultLibrary() (*Library, error) {
	entries, err := embeddedTemplates.ReadDir("templates")
	if err != nil {
		return nil, fmt.Errorf("read embedded templates: %w", err)
	}
	var raw [][]byte
	for _, e := range entries {
		data, err := embeddedTemplates.ReadFile("templates/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("read embedded template %s: %w", e.Name(), err)
		}
		raw = append(raw, data)
	}
	return buildLibrary(raw)
}

// LoadLibrary loads templates from a directory of YAML files, replacing
// the embedded defaults entirely.
func LoadLibrary(dir string) (*Library, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no templates found in %s", dir)
	}
	sort.Strings(paths)
	var raw [][]byte
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read template %s: %w", p, err)
		}
		raw = append(raw, data)
	}
	return buildLibrary(raw)
}

func buildLibrary(raw [][]byte) (*Library, error) {
	lib := &Library{byID: make(map[string]*Template)}
	for _, data := range raw {
		var t Template
		if err := yaml.Unmarshal(data, &t); err != nil {
			return nil, fmt.Errorf("parse template: %w", err)
		}
		if err := validateTemplate(&t); err != nil {
			return nil, err
		}
		if _, dup := lib.byID[t.ID]; dup {
			return nil, fmt.Errorf("duplicate template id %q", t.ID)
		}
		tt := t
		lib.byID[t.ID] = &tt
		lib.byTier = append(lib.byTier, &tt)
	}
	sort.Slice(lib.byTier, func(i, j int) bool { return lib.byTier[i].Tier < lib.byTier[j].Tier })

	for i := 1; i < len(lib.byTier); i++ {
		if lib.byTier[i].Tier == lib.byTier[i-1].Tier {
			return nil, fmt.Errorf("templates %q and %q share tier %d",
				lib.byTier[i-1].ID, lib.byTier[i].ID, lib.byTier[i].Tier)
		}
	}
	if len(lib.byTier) == 0 {
		return nil, fmt.Errorf("template library is empty")
	}
	return lib, nil
}

// Get returns the template with the given id.
func (l *Library) Get(id string) (*Template, bool) {
	t, ok := l.byID[id]
	return t, ok
}

// ByTier returns the template at the given tier, or the highest tier
// below it when no exact match exists.
func (l *Library) ByTier(tier int) *Template {
	best := l.byTier[0]
	for _, t := range l.byTier {
		if t.Tier > tier {
			break
		}
		best = t
	}
	return best
}

// MaxTier returns the highest tier in the library.
func (l *Library) MaxTier() int { return l.byTier[len(l.byTier)-1].Tier }

// MinTier returns the lowest tier in the library.
func (l *Library) MinTier() int { return l.byTier[0].Tier }

// IDs returns all template ids, ordered by tier.
func (l *Library) IDs() []string {
	out := make([]string, len(l.byTier))
	for i, t := range l.byTier {
		out[i] = t.ID
	}
	return out
}

func validateTemplate(t *Template) error {
	if t.ID == "" {
		return fmt.Errorf("template missing id")
	}
	if t.Tier <= 0 {
		return fmt.Errorf("template %s: tier must be positive", t.ID)
	}
	if t.TTL <= 0 {
		return fmt.Errorf("template %s: ttl must be positive", t.ID)
	}
	if len(t.Steps) == 0 {
		return fmt.Errorf("template %s: no steps", t.ID)
	}

	ids := make(map[string]bool, len(t.Steps))
	for _, s := range t.Steps {
		if s.ID == "" {
			return fmt.Errorf("template %s: step missing id", t.ID)
		}
		if ids[s.ID] {
			return fmt.Errorf("template %s: duplicate step id %q", t.ID, s.ID)
		}
		ids[s.ID] = true
	}

	terminalReachable := false
	for _, s := range t.Steps {
		if !knownActions[s.Action] {
			return fmt.Errorf("template %s step %s: unknown action %q", t.ID, s.ID, s.Action)
		}
		if !validPhase(s.Phase) {
			return fmt.Errorf("template %s step %s: invalid phase %q", t.ID, s.ID, s.Phase)
		}
		if s.Action == ActionRequestConfirmation && s.Phase != StateAwaitingResponse {
			return fmt.Errorf("template %s step %s: REQUEST_CONFIRMATION must run in AWAITING_RESPONSE", t.ID, s.ID)
		}
		for _, p := range s.Preconditions {
			if !knownPreconditions[p] {
				return fmt.Errorf("template %s step %s: unknown precondition %q", t.ID, s.ID, p)
			}
		}
		if s.Timeout > 0 && s.Phase == StateAwaitingResponse && s.OnTimeout == "" {
			return fmt.Errorf("template %s step %s: a parked step with a timeout needs on_timeout", t.ID, s.ID)
		}
		if s.OnSuccess == "" {
			return fmt.Errorf("template %s step %s: missing on_success", t.ID, s.ID)
		}
		for _, target := range []string{s.OnSuccess, s.OnFailure, s.OnTimeout} {
			if target == "" {
				continue
			}
			if isTerminalTarget(target) {
				terminalReachable = true
				continue
			}
			if !ids[target] {
				return fmt.Errorf("template %s step %s: transition target %q does not exist", t.ID, s.ID, target)
			}
		}
	}
	if !terminalReachable {
		return fmt.Errorf("template %s: no step reaches a terminal state", t.ID)
	}
	return nil
}

// isTerminalTarget reports whether a transition target names a terminal
// state rather than a step.
func isTerminalTarget(target string) bool {
	switch State(strings.ToUpper(target)) {
	case StateResolved, StateAborted:
		return true
	}
	return false
}
