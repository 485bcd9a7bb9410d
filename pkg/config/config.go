// Package config holds global settings for the Vigil crisis-detection core.
// All settings can be configured via environment variables or programmatically.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds global settings for the Vigil gateway and engine.
type Config struct {
	// === Core Settings ===
	AuditLogPath string // Path to JSONL audit sink (default: "audit_events.jsonl")
	TemplatePath string // Optional protocol template library override (YAML)

	// === Classification ===
	MinConfidence     float64       // Below this, assessments are flagged LOW_CONFIDENCE (default: 0.35)
	CacheTTL          time.Duration // Fingerprint cache TTL (default: 30s)
	EnableSemantics   bool          // Enable chromem-go semantic scoring (default: true)
	EnableONNXScorer  bool          // Enable hugot/ONNX scoring when a model is present (default: false)
	ONNXModelPath     string        // Path to ONNX text-classification model directory
	ScorerTimeout     time.Duration // Per-scorer call budget (default: 2s)
	ModifierStepLimit int           // Max net severity steps per direction from context (default: 1)

	// === Adaptive Thresholds ===
	MaxStepFraction float64       // Boundary shift per outcome as fraction of range (default: 0.05)
	ThresholdTTL    time.Duration // Redis boundary cache TTL (default: 5m)
	RedisAddr       string        // Redis address for the threshold read cache ("" = in-memory only)
	RedisPassword   string
	RedisDB         int

	// === Pattern Detection ===
	LookbackWindow   time.Duration // History window consulted per subject (default: 72h)
	ClusterWindow    time.Duration // Sub-window for temporal clustering (default: 1h)
	ClusterMinHits   int           // Elevated assessments within ClusterWindow to flag clustering (default: 3)
	RecurrenceFactor float64       // Multiple of baseline frequency to flag recurrence (default: 2.0)

	// === Protocol Execution ===
	StepMaxRetries  int           // Default retry bound for failing steps (default: 3)
	RetryBackoff    time.Duration // Base backoff between step retries (default: 2s)
	SweepInterval   time.Duration // Expiration sweep cadence (default: 30s)
	DefaultDeadline time.Duration // Instance TTL when a template omits one (default: 24h)

	// === Escalation ===
	ChannelTimeout   time.Duration // Per-channel delivery attempt budget (default: 15s)
	OversightChannel string        // Channel name used for oversight notification (default: "oversight")
	MaxConcurrent    int           // Concurrent escalation dispatches (default: 64)

	// === Persistence ===
	PostgresDSN string // "" = in-memory stores

	// === Observability ===
	LogLevel       string // debug | info | warn | error (default: "info")
	MetricsEnabled bool   // Serve /metrics (default: true)
}

// NewDefaultConfig creates a Config with sensible defaults.
// All settings can be overridden via environment variables.
func NewDefaultConfig() *Config {
	return &Config{
		AuditLogPath: GetEnv("VIGIL_AUDIT_LOG", "audit_events.jsonl"),
		TemplatePath: GetEnv("VIGIL_TEMPLATE_PATH", ""),

		MinConfidence:     GetEnvFloat("VIGIL_MIN_CONFIDENCE", 0.35),
		CacheTTL:          GetEnvDuration("VIGIL_CACHE_TTL", 30*time.Second),
		EnableSemantics:   GetEnvBool("VIGIL_ENABLE_SEMANTICS", true),
		EnableONNXScorer:  GetEnvBool("VIGIL_ENABLE_ONNX", false),
		ONNXModelPath:     GetEnv("VIGIL_ONNX_MODEL_PATH", ""),
		ScorerTimeout:     GetEnvDuration("VIGIL_SCORER_TIMEOUT", 2*time.Second),
		ModifierStepLimit: clampInt(GetEnvInt("VIGIL_MODIFIER_STEP_LIMIT", 1), 1, 2),

		MaxStepFraction: GetEnvFloat("VIGIL_MAX_STEP_FRACTION", 0.05),
		ThresholdTTL:    GetEnvDuration("VIGIL_THRESHOLD_TTL", 5*time.Minute),
		RedisAddr:       GetEnv("VIGIL_REDIS_ADDR", ""),
		RedisPassword:   GetEnv("VIGIL_REDIS_PASSWORD", ""),
		RedisDB:         GetEnvInt("VIGIL_REDIS_DB", 0),

		LookbackWindow:   GetEnvDuration("VIGIL_LOOKBACK_WINDOW", 72*time.Hour),
		ClusterWindow:    GetEnvDuration("VIGIL_CLUSTER_WINDOW", time.Hour),
		ClusterMinHits:   clampInt(GetEnvInt("VIGIL_CLUSTER_MIN_HITS", 3), 2, 100),
		RecurrenceFactor: GetEnvFloat("VIGIL_RECURRENCE_FACTOR", 2.0),

		StepMaxRetries:  clampInt(GetEnvInt("VIGIL_STEP_MAX_RETRIES", 3), 0, 10),
		RetryBackoff:    GetEnvDuration("VIGIL_RETRY_BACKOFF", 2*time.Second),
		SweepInterval:   GetEnvDuration("VIGIL_SWEEP_INTERVAL", 30*time.Second),
		DefaultDeadline: GetEnvDuration("VIGIL_DEFAULT_DEADLINE", 24*time.Hour),

		ChannelTimeout:   GetEnvDuration("VIGIL_CHANNEL_TIMEOUT", 15*time.Second),
		OversightChannel: GetEnv("VIGIL_OVERSIGHT_CHANNEL", "oversight"),
		MaxConcurrent:    clampInt(GetEnvInt("VIGIL_MAX_CONCURRENT", 64), 1, 4096),

		PostgresDSN: GetEnv("VIGIL_POSTGRES_DSN", ""),

		LogLevel:       GetEnv("VIGIL_LOG_LEVEL", "info"),
		MetricsEnabled: GetEnvBool("VIGIL_METRICS", true),
	}
}

// NewHighSensitivityConfig creates a Config for maximum detection sensitivity
// (more false positives, fewer misses).
func NewHighSensitivityConfig() *Config {
	cfg := NewDefaultConfig()
	cfg.MinConfidence = 0.25
	cfg.ClusterMinHits = 2
	cfg.RecurrenceFactor = 1.5
	cfg.SweepInterval = 15 * time.Second
	return cfg
}

// NewLowNoiseConfig creates a Config that minimizes false positives.
func NewLowNoiseConfig() *Config {
	cfg := NewDefaultConfig()
	cfg.MinConfidence = 0.5
	cfg.ClusterMinHits = 4
	cfg.RecurrenceFactor = 3.0
	return cfg
}

// Validate checks that configuration values are internally consistent.
// In production mode (VIGIL_ENV=production) persistence must be configured;
// in development it logs warnings but allows startup.
func (c *Config) Validate() error {
	isProduction := isProductionEnv()

	var problems []string
	if c.MaxStepFraction <= 0 || c.MaxStepFraction > 0.25 {
		problems = append(problems, fmt.Sprintf("VIGIL_MAX_STEP_FRACTION must be in (0, 0.25], got %v", c.MaxStepFraction))
	}
	if c.MinConfidence < 0 || c.MinConfidence >= 1 {
		problems = append(problems, fmt.Sprintf("VIGIL_MIN_CONFIDENCE must be in [0, 1), got %v", c.MinConfidence))
	}
	if c.SweepInterval <= 0 {
		problems = append(problems, "VIGIL_SWEEP_INTERVAL must be positive")
	}
	if c.ChannelTimeout <= 0 {
		problems = append(problems, "VIGIL_CHANNEL_TIMEOUT must be positive")
	}

	if isProduction {
		if c.PostgresDSN == "" {
			problems = append(problems, "VIGIL_POSTGRES_DSN is required in production (in-memory stores lose protocol state on restart)")
		}
	} else {
		if c.PostgresDSN == "" {
			log.Printf("[STARTUP] Warning: VIGIL_POSTGRES_DSN not set - using in-memory stores")
		}
		if c.RedisAddr == "" {
			log.Printf("[STARTUP] Warning: VIGIL_REDIS_ADDR not set - threshold cache is process-local")
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// MustValidate calls Validate and fatally exits if validation fails.
// Call this at startup before serving.
func (c *Config) MustValidate() {
	if err := c.Validate(); err != nil {
		log.Fatalf("[STARTUP] FATAL: configuration validation failed: %v", err)
	}
	log.Println("[STARTUP] Configuration validated successfully")
}

func isProductionEnv() bool {
	env := strings.ToLower(os.Getenv("VIGIL_ENV"))
	return env == "production" || env == "prod"
}

func clampInt(val, min, max int) int {
	if val < min {
		return min
	}
	if val > max {
		return max
	}
	return val
}

// Helper functions for environment variable parsing.
// Exported for use by other packages.

// GetEnv returns the value of an environment variable or a default value.
func GetEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// GetEnvBool returns the boolean value of an environment variable or a default value.
func GetEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

// GetEnvFloat returns the float64 value of an environment variable or a default value.
func GetEnvFloat(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return defaultValue
}

// GetEnvInt returns the integer value of an environment variable or a default value.
func GetEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return defaultValue
}

// GetEnvDuration returns the duration value of an environment variable or a default value.
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return defaultValue
}
