package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/solace-health/vigil/pkg/audit"
	"github.com/solace-health/vigil/pkg/config"
	"github.com/solace-health/vigil/pkg/engine"
	"github.com/solace-health/vigil/pkg/escalation"
	"github.com/solace-health/vigil/pkg/protocol"
	"github.com/solace-health/vigil/pkg/risk"
	"github.com/solace-health/vigil/pkg/storage"
	"github.com/solace-health/vigil/pkg/telemetry"
)

const Version = "0.1.0"

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	switch cmd {
	case "serve":
		port := "3000"
		if len(os.Args) > 2 {
			port = os.Args[2]
		}
		runHTTPServer(port)
	case "assess":
		if len(os.Args) < 3 {
			fmt.Println("Usage: vigil assess <text>")
			os.Exit(1)
		}
		text := strings.Join(os.Args[2:], " ")
		runCLIAssess(text)
	case "version":
		fmt.Printf("Vigil v%s\n", Version)
		fmt.Println("Crisis Detection and Intervention Core")
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf("Vigil v%s - Crisis Detection and Intervention Core\n\n", Version)
	fmt.Println("Usage:")
	fmt.Println("  vigil serve [port]    Start HTTP gateway (default: 3000)")
	fmt.Println("  vigil assess <text>   Assess one signal and print the result")
	fmt.Println("  vigil version         Show version")
	fmt.Println("")
	fmt.Println("Examples:")
	fmt.Println("  vigil serve 8080")
	fmt.Println("  vigil assess \"I can't keep doing this\"")
	fmt.Println("")
	fmt.Println("Environment Variables:")
	fmt.Println("  VIGIL_POSTGRES_DSN        Postgres DSN for durable state (default: in-memory)")
	fmt.Println("  VIGIL_REDIS_ADDR          Redis address for the threshold cache")
	fmt.Println("  VIGIL_AUDIT_LOG           JSONL audit sink path (ignored when Postgres is set)")
	fmt.Println("  VIGIL_SES_FROM_EMAIL      Enables the SES email escalation channel")
	fmt.Println("  VIGIL_RESPONDER_EMAIL     On-call responder address for email escalations")
	fmt.Println("  VIGIL_RESPONDER_WEBHOOK   On-call responder webhook URL")
	fmt.Println("  VIGIL_OVERSIGHT_WEBHOOK   Oversight webhook URL for exhausted escalations")
}

func buildLogger(level string) *zap.Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := zcfg.Build()
	if err != nil {
		log.Fatalf("[STARTUP] FATAL: logger init failed: %v", err)
	}
	return logger
}

// buildRegistry assembles the responder roster from the environment. Every
// configured channel is registered at every urgency tier; tier-specific
// rosters come from a config file in larger deployments.
func buildRegistry(ctx context.Context, logger *zap.Logger) (*escalation.Registry, *escalation.ResponderChannel) {
	registry := escalation.NewRegistry()
	var channels []escalation.ResponderChannel

	if from := config.GetEnv("VIGIL_SES_FROM_EMAIL", ""); from != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			logger.Warn("email channel disabled, AWS config load failed", zap.Error(err))
		} else {
			email := escalation.NewEmailChannel(sesv2.NewFromConfig(awsCfg), from, config.GetEnv("VIGIL_SES_FROM_NAME", ""))
			if to := config.GetEnv("VIGIL_RESPONDER_EMAIL", ""); to != "" {
				channels = append(channels, escalation.ResponderChannel{Channel: email, Target: to})
				log.Println("✓ Email escalation channel enabled (SES)")
			}
		}
	} else {
		log.Println("○ Email escalation channel disabled (VIGIL_SES_FROM_EMAIL not set)")
	}

	if url := config.GetEnv("VIGIL_RESPONDER_WEBHOOK", ""); url != "" {
		channels = append(channels, escalation.ResponderChannel{Channel: escalation.NewWebhookChannel(), Target: url})
		log.Println("✓ Webhook escalation channel enabled")
	} else {
		log.Println("○ Webhook escalation channel disabled (VIGIL_RESPONDER_WEBHOOK not set)")
	}

	if len(channels) > 0 {
		onCall := escalation.Responder{
			ID:       "responder-oncall",
			Name:     config.GetEnv("VIGIL_RESPONDER_NAME", "On-Call Responder"),
			Channels: channels,
		}
		for u := escalation.UrgencyRoutine; u <= escalation.UrgencyEmergency; u++ {
			registry.Add(u, onCall)
		}
	}

	var oversight *escalation.ResponderChannel
	if url := config.GetEnv("VIGIL_OVERSIGHT_WEBHOOK", ""); url != "" {
		oversight = &escalation.ResponderChannel{Channel: escalation.NewWebhookChannel(), Target: url}
		log.Println("✓ Oversight webhook enabled")
	} else {
		log.Println("○ Oversight webhook disabled (notifications recorded in-process only)")
	}
	return registry, oversight
}

func buildEngine(ctx context.Context, cfg *config.Config, logger *zap.Logger, metrics *telemetry.Metrics) (*engine.Engine, func()) {
	var cleanups []func()
	params := engine.Params{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics,
	}

	if cfg.PostgresDSN != "" {
		store, err := storage.NewPostgresStore(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("[STARTUP] FATAL: %v", err)
		}
		cleanups = append(cleanups, store.Close)

		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("[STARTUP] FATAL: audit pool: %v", err)
		}
		cleanups = append(cleanups, pool.Close)
		auditLog, err := audit.OpenPostgresLog(ctx, pool)
		if err != nil {
			log.Fatalf("[STARTUP] FATAL: %v", err)
		}

		params.Store = store
		params.Audit = auditLog
		log.Println("✓ Postgres persistence enabled")
	} else {
		log.Println("○ Postgres persistence disabled (in-memory stores)")
	}

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, threshold cache is process-local", zap.Error(err))
			_ = rdb.Close()
		} else {
			params.Redis = rdb
			cleanups = append(cleanups, func() { _ = rdb.Close() })
			log.Println("✓ Redis threshold cache enabled")
		}
	}

	params.Registry, params.Oversight = buildRegistry(ctx, logger)

	eng, err := engine.New(ctx, params)
	if err != nil {
		log.Fatalf("[STARTUP] FATAL: %v", err)
	}
	cleanups = append(cleanups, eng.Close)

	return eng, func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}
}

// ============================================================================
// HTTP Server Mode
// ============================================================================

func runHTTPServer(port string) {
	cfg := config.NewDefaultConfig()
	cfg.MustValidate()
	logger := buildLogger(cfg.LogLevel)
	defer logger.Sync()

	reg := prometheus.NewRegistry()
	var metrics *telemetry.Metrics
	if cfg.MetricsEnabled {
		metrics = telemetry.New(reg)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, cleanup := buildEngine(ctx, cfg, logger, metrics)
	defer cleanup()

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	eng.StartSweeper(sweepCtx)

	app := fiber.New(fiber.Config{
		AppName: "Vigil Gateway",
	})

	app.Get("/health", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "version": Version})
	})

	if cfg.MetricsEnabled {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	}

	// Assess one signal. Context attributes are structured; the free text
	// never selects the population group.
	app.Post("/v1/assess", func(c fiber.Ctx) error {
		var req struct {
			SubjectID string       `json:"subject_id"`
			Text      string       `json:"text"`
			Context   risk.Context `json:"context"`
			Timestamp time.Time    `json:"timestamp"`
		}
		if err := c.Bind().Body(&req); err != nil {
			return c.Status(400).JSON(fiber.Map{"error": "invalid request"})
		}

		a, hits, err := eng.Assess(c.Context(), req.SubjectID, req.Text, req.Context, req.Timestamp)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(fiber.Map{"assessment": a, "patterns": hits})
	})

	// Select and start a protocol for a stored assessment.
	app.Post("/v1/protocols", func(c fiber.Ctx) error {
		var req struct {
			AssessmentID string `json:"assessment_id"`
		}
		if err := c.Bind().Body(&req); err != nil {
			return c.Status(400).JSON(fiber.Map{"error": "invalid request"})
		}
		if req.AssessmentID == "" {
			return c.Status(400).JSON(fiber.Map{"error": "assessment_id is required"})
		}

		inst, err := eng.StartProtocol(c.Context(), req.AssessmentID)
		if err != nil {
			var sf *protocol.StepFailure
			if errors.As(err, &sf) {
				// The instance exists and is ABORTED; report it with the failure.
				return c.Status(502).JSON(fiber.Map{"error": sf.Error(), "instance": inst})
			}
			return writeError(c, err)
		}
		return c.Status(201).JSON(inst)
	})

	app.Get("/v1/protocols/:id", func(c fiber.Ctx) error {
		inst, err := eng.GetInstance(c.Context(), c.Params("id"))
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(inst)
	})

	// Resume a parked instance with the responder's confirmed outcome.
	app.Post("/v1/protocols/:id/steps/:stepID/confirm", func(c fiber.Ctx) error {
		var req struct {
			ResumptionToken string `json:"resumption_token"`
			Outcome         string `json:"outcome"`
		}
		if err := c.Bind().Body(&req); err != nil {
			return c.Status(400).JSON(fiber.Map{"error": "invalid request"})
		}

		inst, err := eng.ConfirmStep(c.Context(), c.Params("id"), c.Params("stepID"),
			req.ResumptionToken, protocol.StepOutcome(req.Outcome))
		if err != nil {
			var sf *protocol.StepFailure
			if errors.As(err, &sf) {
				return c.Status(502).JSON(fiber.Map{"error": sf.Error(), "instance": inst})
			}
			return writeError(c, err)
		}
		return c.JSON(inst)
	})

	// Feed a reviewed outcome back into the adaptive thresholds.
	app.Post("/v1/outcomes", func(c fiber.Ctx) error {
		var req struct {
			AssessmentID string `json:"assessment_id"`
			Domain       string `json:"domain"`
			Outcome      string `json:"outcome"`
		}
		if err := c.Bind().Body(&req); err != nil {
			return c.Status(400).JSON(fiber.Map{"error": "invalid request"})
		}

		err := eng.RecordOutcome(c.Context(), req.AssessmentID, risk.Domain(req.Domain), risk.Outcome(req.Outcome))
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(fiber.Map{"status": "recorded"})
	})

	app.Post("/v1/escalations/:id/ack", func(c fiber.Ctx) error {
		reqRec, err := eng.Acknowledge(c.Context(), c.Params("id"))
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(reqRec)
	})

	// Compliance query over the hash-chained audit trail.
	app.Get("/v1/audit", func(c fiber.Ctx) error {
		f := audit.Filter{
			SubjectHash: c.Query("subject_hash"),
			InstanceID:  c.Query("instance_id"),
			Type:        audit.EventType(c.Query("type")),
		}
		if v := c.Query("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return c.Status(400).JSON(fiber.Map{"error": "limit must be a non-negative integer"})
			}
			f.Limit = n
		}
		if v := c.Query("from"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return c.Status(400).JSON(fiber.Map{"error": "from must be RFC3339"})
			}
			f.From = t
		}
		if v := c.Query("to"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return c.Status(400).JSON(fiber.Map{"error": "to must be RFC3339"})
			}
			f.To = t
		}

		events, err := eng.QueryAudit(c.Context(), f)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(fiber.Map{"events": events, "count": len(events)})
	})

	log.Printf("Vigil gateway starting on :%s", port)
	log.Printf("Endpoints:")
	log.Printf("  GET  /health                                   - Health check")
	log.Printf("  POST /v1/assess                                - Assess one signal")
	log.Printf("  POST /v1/protocols                             - Start a protocol for an assessment")
	log.Printf("  GET  /v1/protocols/:id                         - Protocol instance state")
	log.Printf("  POST /v1/protocols/:id/steps/:stepID/confirm   - Confirm a parked step")
	log.Printf("  POST /v1/outcomes                              - Record a reviewed outcome")
	log.Printf("  POST /v1/escalations/:id/ack                   - Acknowledge an escalation")
	log.Printf("  GET  /v1/audit                                 - Query the audit trail")

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(":" + port)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatal(err)
		}
	case <-ctx.Done():
		log.Printf("shutdown signal received, draining")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}
}

// writeError maps domain errors onto HTTP statuses.
func writeError(c fiber.Ctx, err error) error {
	var verr *risk.ValidationError
	if errors.As(err, &verr) {
		status := 400
		if strings.Contains(verr.Reason, "not found") {
			status = 404
		}
		return c.Status(status).JSON(fiber.Map{"error": verr.Error()})
	}
	var cerr *risk.ClassificationError
	if errors.As(err, &cerr) {
		if cerr.Stage == "contract" {
			return c.Status(400).JSON(fiber.Map{"error": cerr.Error()})
		}
		return c.Status(500).JSON(fiber.Map{"error": cerr.Error()})
	}
	var terr *protocol.TerminalStateError
	if errors.As(err, &terr) {
		return c.Status(409).JSON(fiber.Map{"error": terr.Error()})
	}
	var xerr *escalation.ExhaustedError
	if errors.As(err, &xerr) {
		return c.Status(502).JSON(fiber.Map{"error": xerr.Error()})
	}
	if errors.Is(err, storage.ErrNotFound) {
		return c.Status(404).JSON(fiber.Map{"error": "not found"})
	}
	if errors.Is(err, storage.ErrConflict) {
		return c.Status(409).JSON(fiber.Map{"error": "conflict, retry"})
	}
	return c.Status(500).JSON(fiber.Map{"error": err.Error()})
}

// ============================================================================
// CLI Mode
// ============================================================================

func runCLIAssess(text string) {
	cfg := config.NewDefaultConfig()
	cfg.MustValidate()
	logger := buildLogger(cfg.LogLevel)
	defer logger.Sync()

	ctx := context.Background()
	eng, cleanup := buildEngine(ctx, cfg, logger, nil)
	defer cleanup()

	now := time.Now()
	a, hits, err := eng.Assess(ctx, "cli-subject", text, risk.Context{
		TimeBand: risk.TimeBandOf(now),
	}, now)
	if err != nil {
		log.Fatalf("assess failed: %v", err)
	}

	output, _ := json.MarshalIndent(fiber.Map{"assessment": a, "patterns": hits}, "", "  ")
	fmt.Println(string(output))
}
