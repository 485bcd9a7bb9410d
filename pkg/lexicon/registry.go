// Package lexicon provides the compile-once signal registry used by the
// lexical risk scorer. All regexes are compiled at first use and shared
// across every assessment.
//
// Design principles:
// - COMPILE ONCE: patterns compiled on first Get(), not per-request
// - DRY: single source of truth for every domain lexicon
// - CATEGORIZED: signals grouped by harm domain plus the two cross-domain
//   classes (protective factors, amplifiers) for targeted matching
package lexicon

import (
	"regexp"
	"sync"

	"github.com/solace-health/vigil/pkg/risk"
)

// Class distinguishes how a signal contributes to scoring.
type Class string

const (
	// ClassIndicator signals raise the raw score of their domain.
	ClassIndicator Class = "indicator"
	// ClassAmplifier signals raise the score of any domain that already
	// has an indicator hit (first-person framing, immediacy, means access).
	ClassAmplifier Class = "amplifier"
	// ClassProtective signals are explicit protective factors. They never
	// contribute to scores directly; the classifier uses their presence as
	// a contextual modifier.
	ClassProtective Class = "protective"
)

// Signal holds a compiled pattern with scoring metadata.
type Signal struct {
	Name        string
	Regex       *regexp.Regexp
	Domain      risk.Domain // empty for amplifiers and protective factors
	Class       Class
	Weight      float64 // raw score contribution (0-100 scale)
	Description string
}

// Registry holds all compiled signals, organized by domain and class.
type Registry struct {
	byDomain map[risk.Domain][]*Signal
	byClass  map[Class][]*Signal
	all      []*Signal
}

var (
	globalRegistry *Registry
	initOnce       sync.Once
)

// Get returns the global signal registry, building it on first use.
func Get() *Registry {
	initOnce.Do(func() {
		globalRegistry = newRegistry()
	})
	return globalRegistry
}

func newRegistry() *Registry {
	r := &Registry{
		byDomain: make(map[risk.Domain][]*Signal),
		byClass:  make(map[Class][]*Signal),
		all:      make([]*Signal, 0, 96),
	}

	r.registerSelfHarmSignals()
	r.registerViolenceSignals()
	r.registerSubstanceUseSignals()
	r.registerNeglectSignals()
	r.registerAbuseExposureSignals()
	r.registerAmplifiers()
	r.registerProtectiveFactors()

	return r
}

func (r *Registry) register(name, pattern string, domain risk.Domain, class Class, weight float64, description string) {
	s := &Signal{
		Name:        name,
		Regex:       regexp.MustCompile(pattern),
		Domain:      domain,
		Class:       class,
		Weight:      weight,
		Description: description,
	}
	if domain != "" {
		r.byDomain[domain] = append(r.byDomain[domain], s)
	}
	r.byClass[class] = append(r.byClass[class], s)
	r.all = append(r.all, s)
}

// Domain returns all indicator signals for a harm domain.
// Returns an empty slice, never nil, for unknown domains.
func (r *Registry) Domain(d risk.Domain) []*Signal {
	if signals, ok := r.byDomain[d]; ok {
		return signals
	}
	return []*Signal{}
}

// Class returns all signals of the given class.
func (r *Registry) Class(c Class) []*Signal {
	if signals, ok := r.byClass[c]; ok {
		return signals
	}
	return []*Signal{}
}

// MatchDomain returns every indicator signal of the domain matching text.
func (r *Registry) MatchDomain(text string, d risk.Domain) []*Signal {
	var matches []*Signal
	for _, s := range r.byDomain[d] {
		if s.Regex.MatchString(text) {
			matches = append(matches, s)
		}
	}
	return matches
}

// MatchClass returns every signal of the class matching text.
func (r *Registry) MatchClass(text string, c Class) []*Signal {
	var matches []*Signal
	for _, s := range r.byClass[c] {
		if s.Regex.MatchString(text) {
			matches = append(matches, s)
		}
	}
	return matches
}

// TotalSignals returns the number of registered signals.
func (r *Registry) TotalSignals() int { return len(r.all) }
