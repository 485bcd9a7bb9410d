package classifier

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/knights-analytics/hugot"
	"github.com/knights-analytics/hugot/options"
	"github.com/knights-analytics/hugot/pipelines"

	"github.com/solace-health/vigil/pkg/risk"
)

// ONNXConfig configures the local ML scorer.
type ONNXConfig struct {
	// ModelPath is the local path to the ONNX model directory. The model
	// is a multi-label text classifier whose labels name harm domains.
	ModelPath string

	// OnnxLibraryPath is the path to libonnxruntime.so. Empty means the
	// pure Go backend.
	OnnxLibraryPath string
}

// onnxLabelDomains maps model output labels to harm domains. Labels not
// listed here (e.g. "safe") contribute nothing.
var onnxLabelDomains = map[string]risk.Domain{
	"self_harm":      risk.DomainSelfHarm,
	"suicidal":       risk.DomainSelfHarm,
	"violence":       risk.DomainViolence,
	"threat":         risk.DomainViolence,
	"substance_use":  risk.DomainSubstanceUse,
	"neglect":        risk.DomainNeglect,
	"abuse_exposure": risk.DomainAbuseExposure,
	"abuse":          risk.DomainAbuseExposure,
}

// ONNXScorer runs a local text classification model through Hugot. It is
// optional: when the model or runtime is unavailable the scorer reports
// not-ready and the composite skips it. No external API calls.
type ONNXScorer struct {
	session  *hugot.Session
	pipeline *pipelines.TextClassificationPipeline
	mu       sync.RWMutex
	ready    bool
}

// NewONNXScorer initializes the session and pipeline eagerly.
func NewONNXScorer(cfg ONNXConfig) (*ONNXScorer, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("model path is required")
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("model path not accessible: %w", err)
	}

	session, err := createSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	pipeline, err := hugot.NewPipeline(session, hugot.TextClassificationConfig{
		ModelPath: cfg.ModelPath,
		Name:      "risk-domain-classifier",
	})
	if err != nil {
		_ = session.Destroy()
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	return &ONNXScorer{session: session, pipeline: pipeline, ready: true}, nil
}

// NewONNXScorerWithFallback returns a not-ready scorer instead of an error
// when initialization fails, so callers can wire it unconditionally.
func NewONNXScorerWithFallback(cfg ONNXConfig) *ONNXScorer {
	s, err := NewONNXScorer(cfg)
	if err != nil {
		return &ONNXScorer{}
	}
	return s
}

func createSession(cfg ONNXConfig) (*hugot.Session, error) {
	// ONNX Runtime backend first, pure Go backend as fallback.
	if cfg.OnnxLibraryPath != "" {
		session, err := hugot.NewORTSession(options.WithOnnxLibraryPath(cfg.OnnxLibraryPath))
		if err == nil {
			return session, nil
		}
	}
	session, err := hugot.NewGoSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create Go session: %w", err)
	}
	return session, nil
}

func (s *ONNXScorer) Name() string { return "onnx" }

func (s *ONNXScorer) IsReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready
}

func (s *ONNXScorer) Score(_ context.Context, text string) (map[risk.Domain]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.ready || s.pipeline == nil {
		return nil, fmt.Errorf("onnx scorer not ready")
	}

	result, err := s.pipeline.RunPipeline([]string{text})
	if err != nil {
		return nil, fmt.Errorf("classification failed: %w", err)
	}

	out := make(map[risk.Domain]float64, len(risk.ConfiguredDomains()))
	for _, d := range risk.ConfiguredDomains() {
		out[d] = 0
	}
	if len(result.ClassificationOutputs) == 0 {
		return out, nil
	}
	for _, o := range result.ClassificationOutputs[0] {
		domain, ok := onnxLabelDomains[o.Label]
		if !ok {
			continue
		}
		score := float64(o.Score) * 100
		if score > out[domain] {
			out[domain] = score
		}
	}
	return out, nil
}

// Close releases the ONNX session.
func (s *ONNXScorer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = false
	if s.session != nil {
		return s.session.Destroy()
	}
	return nil
}

var _ Scorer = (*ONNXScorer)(nil)
