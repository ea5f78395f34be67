package main

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/evolvd/internal/config"
	"github.com/fyrsmithlabs/evolvd/internal/filelock"
	"github.com/fyrsmithlabs/evolvd/internal/guardrail"
	"github.com/fyrsmithlabs/evolvd/internal/logging"
	"github.com/fyrsmithlabs/evolvd/internal/oracle"
	"github.com/fyrsmithlabs/evolvd/internal/orchestrator"
	"github.com/fyrsmithlabs/evolvd/internal/retrieval"
	"github.com/fyrsmithlabs/evolvd/internal/sandbox"
	"github.com/fyrsmithlabs/evolvd/internal/secrets"
	"github.com/fyrsmithlabs/evolvd/internal/store"
	"github.com/fyrsmithlabs/evolvd/internal/telemetry"
	"github.com/fyrsmithlabs/evolvd/internal/validation"
)

const instrumentationName = "github.com/fyrsmithlabs/evolvd/cmd/evolvd"

// app holds the wired dependencies shared by every command.
type app struct {
	cfg        *config.Config
	logger     *logging.Logger
	tel        *telemetry.Telemetry
	store      *store.Badger
	controller *orchestrator.Controller
}

// appOptions tune newApp per command.
type appOptions struct {
	progress  orchestrator.ProgressCallback
	writeBack bool
	review    bool
}

// loadConfig reads the configuration named by --config.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// newApp initializes logging, telemetry, the run store and the controller.
func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	tel, err := telemetry.New(ctx, telemetry.FromObservability(cfg.Observability, version), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	a := &app{cfg: cfg, tel: tel}
	fail := func(err error) (*app, error) {
		_ = a.Close(ctx)
		return nil, err
	}

	logCfg, err := loggingConfig(cfg.Observability, logLevel)
	if err != nil {
		return fail(err)
	}
	a.logger, err = logging.NewLogger(logCfg, global.GetLoggerProvider())
	if err != nil {
		return fail(fmt.Errorf("failed to initialize logger: %w", err))
	}
	z := a.logger.Underlying()

	a.store, err = store.Open(store.Config{
		Path:     cfg.Store.Path,
		InMemory: cfg.Store.InMemory,
		Logger:   z,
	})
	if err != nil {
		return fail(fmt.Errorf("opening run store: %w", err))
	}

	a.controller, err = newController(cfg, a.store, tel, z, opts)
	if err != nil {
		return fail(err)
	}
	return a, nil
}

// newController wires the orchestrator's collaborators from cfg.
func newController(cfg *config.Config, runs store.Store, tel *telemetry.Telemetry, logger *zap.Logger, opts appOptions) (*orchestrator.Controller, error) {
	orc, err := newOracle(cfg.Oracle)
	if err != nil {
		return nil, err
	}
	enc, err := newEncoder(cfg)
	if err != nil {
		return nil, err
	}

	toolchain := sandbox.Toolchain{Python: cfg.Sandbox.Python, Go: cfg.Sandbox.Go, Node: cfg.Sandbox.Node}
	sb := sandbox.NewProcessSandbox(sandbox.Options{
		Timeout: cfg.Sandbox.Timeout.Duration(),
		Logger:  logger.Named("sandbox"),
	})
	scanner := secrets.MustNewScanner(nil)
	quality, operational := newPipelines(cfg, sb, toolchain, scanner, logger)

	return orchestrator.New(orchestrator.Dependencies{
		Oracle:      orc,
		Executor:    sb,
		Toolchain:   toolchain,
		Quality:     quality,
		Operational: operational,
		Encoder:     enc,
		Store:       runs,
		Scanner:     scanner,
		Guardrail:   guardrail.NewEngine(cfg.Guardrail.LintThreshold),
		Locks:       filelock.NewRegistry(),
	}, orchestrator.Options{
		MaxRetries:           cfg.Controller.MaxRetries,
		MaxPlanIterations:    cfg.Controller.MaxPlanIterations,
		MaxResolveIterations: cfg.Controller.MaxResolveIterations,
		WorkerLimit:          cfg.Controller.WorkerLimit,
		TokenCap:             cfg.Budget.TokenCap,
		ProceedOnInvalidPlan: cfg.Controller.ProceedOnInvalidPlan,
		OracleTimeout:        cfg.Oracle.Timeout.Duration(),
		OracleRateLimit:      cfg.Oracle.RateLimit,
		Review:               opts.review,
		WriteBack:            opts.writeBack,
		Retrieval: retrieval.Options{
			TopK:          cfg.Retrieval.TopK,
			MinSimilarity: cfg.Retrieval.MinSimilarity,
			ChunkLines:    cfg.Retrieval.ChunkLines,
			Logger:        logger.Named("retrieval"),
		},
		Logger:   logger.Named("orchestrator"),
		Tracer:   tel.Tracer(instrumentationName),
		Meter:    tel.Meter(instrumentationName),
		Progress: opts.progress,
	})
}

// newPipelines builds the quality and operational gate pipelines on sb.
func newPipelines(cfg *config.Config, sb sandbox.Executor, tc sandbox.Toolchain, scanner *secrets.Scanner, logger *zap.Logger) (*validation.QualityGatePipeline, *validation.OperationalCheckPipeline) {
	syntax := validation.NewSyntaxAdapter(sb, tc, false)
	router := validation.NewRouter(validation.NewCommandAdapter(sb, tc)).
		Handle(validation.GateSecurityScan, validation.All(
			validation.NewSecretScanAdapter(scanner),
			validation.NewGitleaksAdapter(logger.Named("gitleaks")),
		)).
		Handle(validation.GateSyntax, syntax)

	quality := validation.NewQualityGatePipeline(router, validation.QualityOptions{
		Limit:  cfg.Controller.WorkerLimit,
		Logger: logger.Named("quality"),
	})
	operational := validation.NewOperationalCheckPipeline(validation.OperationalOptions{
		Syntax:               syntax,
		Dependencies:         validation.NewCommandAuditor(sb, validation.DefaultAuditCommands(), false, logger.Named("audit")),
		AdvisoryDependencies: true,
		VCS:                  validation.GitReadiness{Strict: cfg.Controller.StrictVCS},
		Limit:                cfg.Controller.WorkerLimit,
		Logger:               logger.Named("operational"),
	})
	return quality, operational
}

// newOracle returns the configured provider. "none" yields an oracle that
// always fails, so every consumer falls back to its stub output.
func newOracle(cfg config.OracleConfig) (oracle.Oracle, error) {
	switch cfg.Provider {
	case "none":
		return oracle.Unavailable{}, nil
	case "openai":
		o, err := oracle.NewOpenAI(openAIConfig(cfg))
		if err != nil {
			return nil, fmt.Errorf("creating oracle: %w", err)
		}
		return o, nil
	}
	return nil, fmt.Errorf("unknown oracle provider %q", cfg.Provider)
}

// newEncoder returns the embedder used for context retrieval, or nil when
// retrieval is disabled or no provider is configured.
func newEncoder(cfg *config.Config) (retrieval.Encoder, error) {
	if !cfg.Retrieval.Enabled || cfg.Oracle.Provider != "openai" {
		return nil, nil
	}
	emb, err := oracle.NewOpenAIEmbedder(openAIConfig(cfg.Oracle))
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}
	return emb, nil
}

func openAIConfig(cfg config.OracleConfig) oracle.OpenAIConfig {
	return oracle.OpenAIConfig{
		Model:          cfg.Model,
		EmbeddingModel: cfg.EmbeddingModel,
		BaseURL:        cfg.BaseURL,
		APIKey:         cfg.APIKey.Value(),
		Temperature:    cfg.Temperature,
		MaxTokens:      cfg.MaxTokens,
	}
}

// loggingConfig maps the observability section onto a logging config.
// override, when set, replaces the configured level.
func loggingConfig(o config.ObservabilityConfig, override string) (*logging.Config, error) {
	cfg := logging.NewDefaultConfig()
	level := o.LogLevel
	if override != "" {
		level = override
	}
	if level != "" {
		l, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		cfg.Level = l
	}
	if o.LogFormat != "" {
		cfg.Format = o.LogFormat
	}
	cfg.Output.OTEL = o.EnableTelemetry
	if o.ServiceName != "" {
		cfg.Fields["service"] = o.ServiceName
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid logging config: %w", err)
	}
	return cfg, nil
}

// Close flushes telemetry and logs and closes the store.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing store: %w", err))
		}
	}
	if a.tel != nil {
		if err := a.tel.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutting down telemetry: %w", err))
		}
	}
	if a.logger != nil {
		_ = a.logger.Sync() // stdout sync fails on some terminals
	}
	return errors.Join(errs...)
}
