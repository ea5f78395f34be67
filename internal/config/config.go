// Package config loads evolvd configuration from defaults, an optional
// YAML file and EVOLVD_* environment variables.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete evolvd configuration.
type Config struct {
	Controller    ControllerConfig    `koanf:"controller"`
	Budget        BudgetConfig        `koanf:"budget"`
	Oracle        OracleConfig        `koanf:"oracle"`
	Sandbox       SandboxConfig       `koanf:"sandbox"`
	Guardrail     GuardrailConfig     `koanf:"guardrail"`
	Retrieval     RetrievalConfig     `koanf:"retrieval"`
	Store         StoreConfig         `koanf:"store"`
	Server        ServerConfig        `koanf:"server"`
	Observability ObservabilityConfig `koanf:"observability"`
}

// ControllerConfig bounds the orchestration loops.
type ControllerConfig struct {
	MaxRetries           int  `koanf:"max_retries"`
	MaxPlanIterations    int  `koanf:"max_plan_iterations"`
	MaxResolveIterations int  `koanf:"max_resolve_iterations"`
	WorkerLimit          int  `koanf:"worker_limit"`
	ProceedOnInvalidPlan bool `koanf:"proceed_on_invalid_plan"`

	// StrictVCS reports a dirty worktree as an operational issue.
	StrictVCS bool `koanf:"strict_vcs"`
}

// BudgetConfig caps token consumption per objective. Zero disables the cap.
type BudgetConfig struct {
	TokenCap int64 `koanf:"token_cap"`
}

// OracleConfig configures the text-generation collaborator.
type OracleConfig struct {
	// Provider is "openai" or "none". "none" runs with stub output only.
	Provider       string   `koanf:"provider"`
	Model          string   `koanf:"model"`
	EmbeddingModel string   `koanf:"embedding_model"`
	BaseURL        string   `koanf:"base_url"`
	APIKey         Secret   `koanf:"api_key"`
	Timeout        Duration `koanf:"timeout"`

	// RateLimit is requests per second; zero disables limiting.
	RateLimit   float64 `koanf:"rate_limit"`
	Temperature float64 `koanf:"temperature"`
	MaxTokens   int     `koanf:"max_tokens"`
}

// SandboxConfig configures isolated verification runs.
type SandboxConfig struct {
	Timeout Duration `koanf:"timeout"`
	Python  string   `koanf:"python"`
	Go      string   `koanf:"go"`
	Node    string   `koanf:"node"`
}

// GuardrailConfig tunes the guardrail rules.
type GuardrailConfig struct {
	LintThreshold int `koanf:"lint_threshold"`
}

// RetrievalConfig tunes context retrieval.
type RetrievalConfig struct {
	Enabled       bool    `koanf:"enabled"`
	TopK          int     `koanf:"top_k"`
	MinSimilarity float32 `koanf:"min_similarity"`
	ChunkLines    int     `koanf:"chunk_lines"`
}

// StoreConfig configures run persistence.
type StoreConfig struct {
	Path     string `koanf:"path"`
	InMemory bool   `koanf:"in_memory"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	ServiceName     string `koanf:"service_name"`
	OTLPEndpoint    string `koanf:"otlp_endpoint"`

	// OTLPProtocol is "grpc" or "http/protobuf".
	OTLPProtocol string  `koanf:"otlp_protocol"`
	OTLPInsecure bool    `koanf:"otlp_insecure"`
	SamplingRate float64 `koanf:"sampling_rate"`

	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error

	if c.Controller.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("controller.max_retries must be >= 1, got %d", c.Controller.MaxRetries))
	}
	if c.Controller.MaxPlanIterations < 1 {
		errs = append(errs, fmt.Errorf("controller.max_plan_iterations must be >= 1, got %d", c.Controller.MaxPlanIterations))
	}
	if c.Controller.MaxResolveIterations < 1 {
		errs = append(errs, fmt.Errorf("controller.max_resolve_iterations must be >= 1, got %d", c.Controller.MaxResolveIterations))
	}
	if c.Controller.WorkerLimit < 1 {
		errs = append(errs, fmt.Errorf("controller.worker_limit must be >= 1, got %d", c.Controller.WorkerLimit))
	}
	if c.Budget.TokenCap < 0 {
		errs = append(errs, errors.New("budget.token_cap cannot be negative"))
	}
	switch c.Oracle.Provider {
	case "openai":
		if c.Oracle.Model == "" {
			errs = append(errs, errors.New("oracle.model is required for the openai provider"))
		}
	case "none":
	default:
		errs = append(errs, fmt.Errorf("oracle.provider must be 'openai' or 'none', got %q", c.Oracle.Provider))
	}
	if c.Oracle.RateLimit < 0 {
		errs = append(errs, errors.New("oracle.rate_limit cannot be negative"))
	}
	if c.Retrieval.TopK < 1 {
		errs = append(errs, fmt.Errorf("retrieval.top_k must be >= 1, got %d", c.Retrieval.TopK))
	}
	if c.Guardrail.LintThreshold < 0 {
		errs = append(errs, errors.New("guardrail.lint_threshold cannot be negative"))
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if r := c.Observability.SamplingRate; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("observability.sampling_rate must be between 0 and 1, got %f", r))
	}
	if !c.Store.InMemory && c.Store.Path == "" {
		errs = append(errs, errors.New("store.path is required unless store.in_memory is set"))
	}

	return errors.Join(errs...)
}

// applyDefaults fills zero values.
func applyDefaults(cfg *Config) {
	if cfg.Controller.MaxRetries == 0 {
		cfg.Controller.MaxRetries = 3
	}
	if cfg.Controller.MaxPlanIterations == 0 {
		cfg.Controller.MaxPlanIterations = 3
	}
	if cfg.Controller.MaxResolveIterations == 0 {
		cfg.Controller.MaxResolveIterations = 3
	}
	if cfg.Controller.WorkerLimit == 0 {
		cfg.Controller.WorkerLimit = 4
	}

	if cfg.Oracle.Provider == "" {
		cfg.Oracle.Provider = "openai"
	}
	if cfg.Oracle.Model == "" {
		cfg.Oracle.Model = "gpt-4o-mini"
	}
	if cfg.Oracle.EmbeddingModel == "" {
		cfg.Oracle.EmbeddingModel = "text-embedding-3-small"
	}
	if cfg.Oracle.Timeout == 0 {
		cfg.Oracle.Timeout = Duration(60 * time.Second)
	}
	if cfg.Oracle.MaxTokens == 0 {
		cfg.Oracle.MaxTokens = 4096
	}

	if cfg.Sandbox.Timeout == 0 {
		cfg.Sandbox.Timeout = Duration(30 * time.Second)
	}
	if cfg.Sandbox.Python == "" {
		cfg.Sandbox.Python = "python3"
	}
	if cfg.Sandbox.Go == "" {
		cfg.Sandbox.Go = "go"
	}
	if cfg.Sandbox.Node == "" {
		cfg.Sandbox.Node = "node"
	}

	if cfg.Guardrail.LintThreshold == 0 {
		cfg.Guardrail.LintThreshold = 10
	}

	if cfg.Retrieval.TopK == 0 {
		cfg.Retrieval.TopK = 5
	}
	if cfg.Retrieval.ChunkLines == 0 {
		cfg.Retrieval.ChunkLines = 60
	}

	if cfg.Store.Path == "" {
		cfg.Store.Path = "~/.local/share/evolvd/runs"
	}

	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8087
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "evolvd"
	}
	if cfg.Observability.OTLPProtocol == "" {
		cfg.Observability.OTLPProtocol = "grpc"
	}
	if cfg.Observability.SamplingRate == 0 {
		cfg.Observability.SamplingRate = 1.0
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.Observability.LogFormat == "" {
		cfg.Observability.LogFormat = "json"
	}
}
