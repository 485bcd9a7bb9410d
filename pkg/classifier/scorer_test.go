package classifier

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/solace-health/vigil/pkg/risk"
)

func TestLexicalScorerIndicators(t *testing.T) {
	s := NewLexicalScorer()
	ctx := context.Background()

	scores, err := s.Score(ctx, "i want to kill myself")
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if len(scores) != len(risk.ConfiguredDomains()) {
		t.Fatalf("expected one entry per domain, got %d", len(scores))
	}
	if scores[risk.DomainSelfHarm] == 0 {
		t.Fatalf("explicit self-harm statement scored zero")
	}
	if scores[risk.DomainSubstanceUse] != 0 {
		t.Fatalf("unrelated domain should be zero, got %v", scores[risk.DomainSubstanceUse])
	}
}

func TestLexicalScorerBenignText(t *testing.T) {
	s := NewLexicalScorer()
	scores, err := s.Score(context.Background(), "lovely weather today, going for a walk")
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	for d, v := range scores {
		if v != 0 {
			t.Fatalf("benign text scored %v in %s", v, d)
		}
	}
}

func TestLexicalScorerAmplifierGating(t *testing.T) {
	s := NewLexicalScorer()
	ctx := context.Background()

	// An amplifier alone scores nothing anywhere.
	ampOnly, err := s.Score(ctx, "it has to be tonight, right now")
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	for d, v := range ampOnly {
		if v != 0 {
			t.Fatalf("amplifier without indicator scored %v in %s", v, d)
		}
	}

	// The same amplifier raises a domain that has an indicator hit.
	plain, err := s.Score(ctx, "i don't want to live")
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	amplified, err := s.Score(ctx, "i don't want to live, it has to be tonight")
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if amplified[risk.DomainSelfHarm] <= plain[risk.DomainSelfHarm] {
		t.Fatalf("amplifier did not raise the indicated domain: %v vs %v",
			amplified[risk.DomainSelfHarm], plain[risk.DomainSelfHarm])
	}
}

func TestLexicalScorerCapsAtHundred(t *testing.T) {
	s := NewLexicalScorer()
	text := "i want to kill myself, i've decided, it has to be tonight, i have the pills, " +
		"suicide is the only option, this is my final message, no point anymore"
	scores, err := s.Score(context.Background(), text)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if scores[risk.DomainSelfHarm] != 100 {
		t.Fatalf("stacked signals should cap at 100, got %v", scores[risk.DomainSelfHarm])
	}
}

// stubScorer lets tests control raw scores and failures.
type stubScorer struct {
	name   string
	ready  bool
	scores map[risk.Domain]float64
	err    error
	calls  int
}

func (s *stubScorer) Name() string  { return s.name }
func (s *stubScorer) IsReady() bool { return s.ready }
func (s *stubScorer) Score(ctx context.Context, text string) (map[risk.Domain]float64, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	out := make(map[risk.Domain]float64, len(s.scores))
	for d, v := range s.scores {
		out[d] = v
	}
	return out, nil
}

func TestCompositeScorerMergesByMax(t *testing.T) {
	baseline := &stubScorer{name: "base", ready: true, scores: map[risk.Domain]float64{
		risk.DomainSelfHarm: 30,
		risk.DomainViolence: 50,
	}}
	optional := &stubScorer{name: "opt", ready: true, scores: map[risk.Domain]float64{
		risk.DomainSelfHarm: 70,
		risk.DomainViolence: 10,
	}}

	c := NewCompositeScorer(baseline, time.Second, nil, optional)
	scores, err := c.Score(context.Background(), "text")
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if scores[risk.DomainSelfHarm] != 70 {
		t.Fatalf("expected optional max 70, got %v", scores[risk.DomainSelfHarm])
	}
	if scores[risk.DomainViolence] != 50 {
		t.Fatalf("expected baseline max 50, got %v", scores[risk.DomainViolence])
	}
}

func TestCompositeScorerDegradesGracefully(t *testing.T) {
	baseline := &stubScorer{name: "base", ready: true, scores: map[risk.Domain]float64{risk.DomainSelfHarm: 40}}
	notReady := &stubScorer{name: "cold", ready: false, scores: map[risk.Domain]float64{risk.DomainSelfHarm: 90}}
	failing := &stubScorer{name: "broken", ready: true, err: errors.New("model unavailable")}

	c := NewCompositeScorer(baseline, time.Second, nil, notReady, failing)
	scores, err := c.Score(context.Background(), "text")
	if err != nil {
		t.Fatalf("optional failures must not fail the score: %v", err)
	}
	if scores[risk.DomainSelfHarm] != 40 {
		t.Fatalf("expected baseline score 40, got %v", scores[risk.DomainSelfHarm])
	}
	if notReady.calls != 0 {
		t.Fatalf("not-ready scorer must be skipped, got %d calls", notReady.calls)
	}
}

func TestCompositeScorerBaselineFailureIsFatal(t *testing.T) {
	baseline := &stubScorer{name: "base", ready: true, err: errors.New("registry broken")}
	c := NewCompositeScorer(baseline, time.Second, nil)
	if _, err := c.Score(context.Background(), "text"); err == nil {
		t.Fatalf("baseline failure must fail the composite score")
	}
}
