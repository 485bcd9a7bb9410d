package classifier

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/solace-health/vigil/pkg/risk"
)

// seedPhrase is a canonical crisis phrasing used to build the vector
// knowledge base. Weight is the raw score contributed at similarity 1.0.
type seedPhrase struct {
	Text   string
	Domain risk.Domain
	Weight float64
}

// crisisSeeds cover each domain with paraphrase-robust phrasings that the
// lexical registry can miss. Benign seeds anchor the "no risk" region so
// everyday language does not drift toward a crisis neighbour.
var crisisSeeds = []seedPhrase{
	{"I don't want to be alive anymore", risk.DomainSelfHarm, 85},
	{"I keep thinking about ending everything tonight", risk.DomainSelfHarm, 90},
	{"nobody would miss me if I were gone", risk.DomainSelfHarm, 65},
	{"I've been cutting myself again", risk.DomainSelfHarm, 75},
	{"I wrote letters saying goodbye to everyone", risk.DomainSelfHarm, 88},

	{"I'm going to make him pay for what he did", risk.DomainViolence, 70},
	{"I bought a weapon and I know where she lives", risk.DomainViolence, 92},
	{"I can't stop imagining hurting them", risk.DomainViolence, 60},

	{"I drank until I blacked out again last night", risk.DomainSubstanceUse, 60},
	{"I took more pills than I was supposed to on purpose", risk.DomainSubstanceUse, 85},
	{"I need it just to get through the morning now", risk.DomainSubstanceUse, 55},

	{"there's no food in the house and nobody checks on the kids", risk.DomainNeglect, 70},
	{"grandpa hasn't had his medication in two weeks", risk.DomainNeglect, 65},
	{"the children are left alone overnight all the time", risk.DomainNeglect, 75},

	{"he hits me when he's been drinking", risk.DomainAbuseExposure, 85},
	{"I'm scared to go home because of what happens there", risk.DomainAbuseExposure, 70},
	{"she threatens me if I talk to anyone about it", risk.DomainAbuseExposure, 75},

	{"I had a rough day at work but dinner helped", "", 0},
	{"my favourite show got cancelled, I'm gutted", "", 0},
	{"I'm dead tired after the gym, killing it this week", "", 0},
}

// SemanticScorer scores by embedding similarity to the seed knowledge
// base. It needs an embedding function to be useful; without one it stays
// not-ready and the composite scorer skips it.
type SemanticScorer struct {
	db         *chromem.DB
	collection *chromem.Collection
	threshold  float32
	mu         sync.RWMutex
	ready      bool
}

func NewSemanticScorer(embedder chromem.EmbeddingFunc) (*SemanticScorer, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedding function is required")
	}
	db := chromem.NewDB()
	collection, err := db.CreateCollection("crisis_phrasings", nil, embedder)
	if err != nil {
		return nil, fmt.Errorf("failed to create collection: %w", err)
	}
	return &SemanticScorer{
		db:         db,
		collection: collection,
		threshold:  0.65,
	}, nil
}

// LoadSeeds embeds the seed phrasings into the collection. Call once at
// startup; Score returns an error until it succeeds.
func (s *SemanticScorer) LoadSeeds(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	docs := make([]chromem.Document, len(crisisSeeds))
	for i, seed := range crisisSeeds {
		domain := string(seed.Domain)
		if domain == "" {
			domain = "benign"
		}
		docs[i] = chromem.Document{
			ID:      fmt.Sprintf("seed_%d", i),
			Content: seed.Text,
			Metadata: map[string]string{
				"domain": domain,
				"weight": fmt.Sprintf("%.1f", seed.Weight),
			},
		}
	}
	if err := s.collection.AddDocuments(ctx, docs, 1); err != nil {
		return fmt.Errorf("failed to add seeds: %w", err)
	}

	s.ready = true
	return nil
}

func (s *SemanticScorer) Name() string { return "semantic" }

func (s *SemanticScorer) IsReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready
}

// SetThreshold updates the similarity floor below which matches are ignored.
func (s *SemanticScorer) SetThreshold(t float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threshold = t
}

func (s *SemanticScorer) Score(ctx context.Context, text string) (map[risk.Domain]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.ready {
		return nil, fmt.Errorf("semantic scorer not initialized - call LoadSeeds first")
	}

	results, err := s.collection.Query(ctx, strings.ToLower(text), 5, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}

	out := make(map[risk.Domain]float64, len(risk.ConfiguredDomains()))
	for _, d := range risk.ConfiguredDomains() {
		out[d] = 0
	}
	if len(results) == 0 {
		return out, nil
	}

	// A confident benign best-match suppresses weaker crisis neighbours.
	if results[0].Metadata["domain"] == "benign" && results[0].Similarity > s.threshold {
		return out, nil
	}

	for _, r := range results {
		if r.Similarity < s.threshold {
			continue
		}
		domain := risk.Domain(r.Metadata["domain"])
		if _, ok := out[domain]; !ok {
			continue
		}
		weight, err := strconv.ParseFloat(r.Metadata["weight"], 64)
		if err != nil {
			continue
		}
		score := float64(r.Similarity) * weight
		if score > out[domain] {
			out[domain] = score
		}
	}
	return out, nil
}

var _ Scorer = (*SemanticScorer)(nil)
