package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every configuration surface named in spec §6, loaded in three
// layers of increasing priority: defaults, environment variables
// (ORCHCORE_*), then functional options.
//
//	cfg, err := NewConfig(
//	    WithName("orchestrator-core"),
//	    WithPort(8080),
//	)
type Config struct {
	Name      string `json:"name" yaml:"name"`
	ID        string `json:"id" yaml:"id"`
	Port      int    `json:"port" yaml:"port"`
	Address   string `json:"address" yaml:"address"`
	Namespace string `json:"namespace" yaml:"namespace"`

	HTTP       HTTPConfig                    `json:"http" yaml:"http"`
	Registry   RegistryConfig                `json:"registry" yaml:"registry"`
	Planner    PlannerConfig                 `json:"planner" yaml:"planner"`
	Recursion  RecursionConfig               `json:"recursion" yaml:"recursion"`
	Router     RouterConfig                  `json:"router" yaml:"router"`
	Context    map[string]ContextModelConfig `json:"context" yaml:"context"`
	Telemetry  TelemetryConfig               `json:"telemetry" yaml:"telemetry"`
	Memory     MemoryConfig                  `json:"memory" yaml:"memory"`
	Resilience ResilienceConfig              `json:"resilience" yaml:"resilience"`

	Logging     LoggingConfig     `json:"logging" yaml:"logging"`
	Development DevelopmentConfig `json:"development" yaml:"development"`
	Kubernetes  KubernetesConfig  `json:"kubernetes" yaml:"kubernetes"`

	logger Logger `json:"-" yaml:"-"`
}

// HTTPConfig configures the plain net/http admin surface (§6 "HTTP admin
// surface"): list/get/search agents, trigger a plan, inspect recursion
// frames.
type HTTPConfig struct {
	ReadTimeout       time.Duration `json:"read_timeout" yaml:"read_timeout"`
	ReadHeaderTimeout time.Duration `json:"read_header_timeout" yaml:"read_header_timeout"`
	WriteTimeout      time.Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout       time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout   time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	EnableHealthCheck bool          `json:"enable_health_check" yaml:"enable_health_check"`
	HealthCheckPath   string        `json:"health_check_path" yaml:"health_check_path"`
	CORS              CORSConfig    `json:"cors" yaml:"cors"`
}

// CORSConfig mirrors the admin API's cross-origin policy.
type CORSConfig struct {
	Enabled        bool     `json:"enabled" yaml:"enabled"`
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins"`
	AllowedMethods []string `json:"allowed_methods" yaml:"allowed_methods"`
	AllowedHeaders []string `json:"allowed_headers" yaml:"allowed_headers"`
}

// RegistryConfig is the persistence/eventing surface for C1/C2 (§4.2a).
type RegistryConfig struct {
	Provider     string        `json:"provider" yaml:"provider"` // "redis" | "sqlite"
	RedisURL     string        `json:"redis_url" yaml:"redis_url"`
	SQLitePath   string        `json:"sqlite_path" yaml:"sqlite_path"`
	NATSURL      string        `json:"nats_url" yaml:"nats_url"`
	TTL          time.Duration `json:"ttl" yaml:"ttl"`
	CacheEnabled bool          `json:"cache_enabled" yaml:"cache_enabled"`
}

// PlannerConfig is the MCTS configuration surface for C4 (§4.4).
type PlannerConfig struct {
	Simulations         int           `json:"simulations" yaml:"simulations"`
	ParallelSimulations int           `json:"parallel_simulations" yaml:"parallel_simulations"`
	MaxDepth            int           `json:"max_depth" yaml:"max_depth"`
	Timeout             time.Duration `json:"timeout_seconds" yaml:"timeout_seconds"`
	ExplorationConstant float64       `json:"exploration_constant" yaml:"exploration_constant"`
	UsePrior            bool          `json:"use_prior" yaml:"use_prior"`
}

// RecursionConfig is the admission-control surface for C5 (§4.5).
type RecursionConfig struct {
	MaxDepth                     int           `json:"max_depth" yaml:"max_depth"`
	MaxAgentsPerLevel            int           `json:"max_agents_per_level" yaml:"max_agents_per_level"`
	RecursionTimeout             time.Duration `json:"recursion_timeout" yaml:"recursion_timeout"`
	CycleDetection               bool          `json:"cycle_detection" yaml:"cycle_detection"`
	ResourceEscalationThreshold  float64       `json:"resource_escalation_threshold" yaml:"resource_escalation_threshold"`
	PerformanceDegradationThresh float64       `json:"performance_degradation_threshold" yaml:"performance_degradation_threshold"`
}

// RouterPreference selects which score factor C6 weighs most heavily.
type RouterPreference string

const (
	PreferSpeed    RouterPreference = "speed"
	PreferQuality  RouterPreference = "quality"
	PreferBalanced RouterPreference = "balanced"
)

// RouterConfig is the scoring/caching surface for C6 (§4.6, §4.6a).
type RouterConfig struct {
	Prioritize     RouterPreference `json:"prioritize" yaml:"prioritize"`
	CacheSize      int              `json:"cache_size" yaml:"cache_size"`
	UrgentWithinMs int64            `json:"urgent_within_ms" yaml:"urgent_within_ms"`
}

// ContextModelConfig is one entry in the `context.<model>` surface for C7
// (§4.7): the model's token budget and compression trigger.
type ContextModelConfig struct {
	MaxContextTokens int     `json:"max_context_tokens" yaml:"max_context_tokens"`
	ReservedTokens   int     `json:"reserved_tokens" yaml:"reserved_tokens"`
	SafetyMargin     int     `json:"safety_margin" yaml:"safety_margin"`
	DynamicThreshold float64 `json:"dynamic_threshold" yaml:"dynamic_threshold"`
}

// TelemetryConfig controls OTel metrics/tracing export, matching the
// teacher's TelemetryConfig surface.
type TelemetryConfig struct {
	Enabled        bool    `json:"enabled" yaml:"enabled"`
	OTLPEndpoint   string  `json:"otlp_endpoint" yaml:"otlp_endpoint"`
	ServiceName    string  `json:"service_name" yaml:"service_name"`
	MetricsEnabled bool    `json:"metrics_enabled" yaml:"metrics_enabled"`
	TracingEnabled bool    `json:"tracing_enabled" yaml:"tracing_enabled"`
	SamplingRate   float64 `json:"sampling_rate" yaml:"sampling_rate"`
	Insecure       bool    `json:"insecure" yaml:"insecure"`
}

// MemoryConfig backs the context archive and session store.
type MemoryConfig struct {
	Provider        string        `json:"provider" yaml:"provider"` // "inmemory" | "redis"
	RedisURL        string        `json:"redis_url" yaml:"redis_url"`
	DefaultTTL      time.Duration `json:"default_ttl" yaml:"default_ttl"`
	CleanupInterval time.Duration `json:"cleanup_interval" yaml:"cleanup_interval"`
}

// ResilienceConfig holds circuit breaker, retry, and timeout policy for
// registry reads and remote executor dispatch.
type ResilienceConfig struct {
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker" yaml:"circuit_breaker"`
	Retry          RetryConfig          `json:"retry" yaml:"retry"`
	Timeout        TimeoutConfig        `json:"timeout" yaml:"timeout"`
}

type CircuitBreakerConfig struct {
	Enabled          bool          `json:"enabled" yaml:"enabled"`
	Threshold        int           `json:"threshold" yaml:"threshold"`
	Timeout          time.Duration `json:"timeout" yaml:"timeout"`
	HalfOpenRequests int           `json:"half_open_requests" yaml:"half_open_requests"`
}

// RetryConfig implements the base/factor/cap/attempts policy from spec §7:
// base 100ms, factor 2, cap 2s, max 3 attempts — for idempotent reads only.
type RetryConfig struct {
	MaxAttempts     int           `json:"max_attempts" yaml:"max_attempts"`
	InitialInterval time.Duration `json:"initial_interval" yaml:"initial_interval"`
	MaxInterval     time.Duration `json:"max_interval" yaml:"max_interval"`
	Multiplier      float64       `json:"multiplier" yaml:"multiplier"`
}

type TimeoutConfig struct {
	DefaultTimeout time.Duration `json:"default_timeout" yaml:"default_timeout"`
	HealthProbe    time.Duration `json:"health_probe" yaml:"health_probe"` // fixed 10s per §4.3
}

type LoggingConfig struct {
	Level      string `json:"level" yaml:"level"`
	Format     string `json:"format" yaml:"format"`
	Output     string `json:"output" yaml:"output"`
	TimeFormat string `json:"time_format" yaml:"time_format"`
}

type DevelopmentConfig struct {
	Enabled      bool `json:"enabled" yaml:"enabled"`
	MockRegistry bool `json:"mock_registry" yaml:"mock_registry"`
	DebugLogging bool `json:"debug_logging" yaml:"debug_logging"`
	PrettyLogs   bool `json:"pretty_logs" yaml:"pretty_logs"`
}

type KubernetesConfig struct {
	Enabled      bool   `json:"enabled" yaml:"enabled"`
	ServiceName  string `json:"service_name" yaml:"service_name"`
	PodName      string `json:"pod_name" yaml:"pod_name"`
	PodNamespace string `json:"pod_namespace" yaml:"pod_namespace"`
}

// Option is a functional configuration option, applied after env loading.
type Option func(*Config) error

func WithName(name string) Option {
	return func(c *Config) error { c.Name = name; return nil }
}

func WithPort(port int) Option {
	return func(c *Config) error {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("invalid port %d", port)
		}
		c.Port = port
		return nil
	}
}

func WithLogger(logger Logger) Option {
	return func(c *Config) error { c.logger = logger; return nil }
}

// DefaultConfig returns sensible defaults for every configuration surface.
func DefaultConfig() *Config {
	return &Config{
		Port:      8080,
		Namespace: "default",
		HTTP: HTTPConfig{
			ReadTimeout:       30 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
			ShutdownTimeout:   10 * time.Second,
			EnableHealthCheck: true,
			HealthCheckPath:   "/health",
		},
		Registry: RegistryConfig{
			Provider:     "sqlite",
			SQLitePath:   "orchestrator.db",
			TTL:          30 * time.Second,
			CacheEnabled: true,
		},
		Planner: PlannerConfig{
			Simulations:         64,
			ParallelSimulations: 8,
			MaxDepth:            10,
			Timeout:             5 * time.Second,
			ExplorationConstant: 1.4,
			UsePrior:            false,
		},
		Recursion: RecursionConfig{
			MaxDepth:                     10,
			MaxAgentsPerLevel:            50,
			RecursionTimeout:             300 * time.Second,
			CycleDetection:               true,
			ResourceEscalationThreshold:  0.8,
			PerformanceDegradationThresh: 0.7,
		},
		Router: RouterConfig{
			Prioritize:     PreferBalanced,
			CacheSize:      256,
			UrgentWithinMs: 1000,
		},
		Context: map[string]ContextModelConfig{},
		Telemetry: TelemetryConfig{
			MetricsEnabled: true,
			TracingEnabled: true,
			SamplingRate:   1.0,
			Insecure:       true,
		},
		Memory: MemoryConfig{
			Provider:        "inmemory",
			DefaultTTL:      time.Hour,
			CleanupInterval: 10 * time.Minute,
		},
		Resilience: ResilienceConfig{
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				Threshold:        5,
				Timeout:          30 * time.Second,
				HalfOpenRequests: 3,
			},
			Retry: RetryConfig{
				MaxAttempts:     3,
				InitialInterval: 100 * time.Millisecond,
				MaxInterval:     2 * time.Second,
				Multiplier:      2.0,
			},
			Timeout: TimeoutConfig{
				DefaultTimeout: 30 * time.Second,
				HealthProbe:    10 * time.Second,
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			TimeFormat: time.RFC3339,
		},
	}
}

// DetectEnvironment adjusts defaults for Kubernetes vs local, following the
// teacher's auto-detection via KUBERNETES_SERVICE_HOST.
func (c *Config) DetectEnvironment() {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		c.Kubernetes.Enabled = true
		c.Address = "0.0.0.0"
		c.Logging.Format = "json"
	} else {
		c.Address = "localhost"
		if os.Getenv("ORCHCORE_DEV_MODE") == "" {
			c.Development.Enabled = true
			c.Development.PrettyLogs = true
			c.Logging.Format = "text"
		}
	}
}

// LoadFromEnv overlays ORCHCORE_* environment variables (and a handful of
// conventional fallbacks like REDIS_URL) onto the receiver.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("ORCHCORE_AGENT_NAME"); v != "" {
		c.Name = v
	}
	if v := os.Getenv("ORCHCORE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		} else {
			return fmt.Errorf("invalid ORCHCORE_PORT %q: %w", v, err)
		}
	}
	if v := os.Getenv("ORCHCORE_ADDRESS"); v != "" {
		c.Address = v
	}
	if v := os.Getenv("ORCHCORE_NAMESPACE"); v != "" {
		c.Namespace = v
	}

	if v := firstNonEmpty(os.Getenv("ORCHCORE_REGISTRY_REDIS_URL"), os.Getenv("REDIS_URL")); v != "" {
		c.Registry.RedisURL = v
		c.Registry.Provider = "redis"
	}
	if v := os.Getenv("ORCHCORE_REGISTRY_SQLITE_PATH"); v != "" {
		c.Registry.SQLitePath = v
	}
	if v := os.Getenv("ORCHCORE_REGISTRY_NATS_URL"); v != "" {
		c.Registry.NATSURL = v
	}

	if v := os.Getenv("ORCHCORE_PLANNER_SIMULATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Planner.Simulations = n
		}
	}
	if v := os.Getenv("ORCHCORE_PLANNER_PARALLEL_SIMULATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Planner.ParallelSimulations = n
		}
	}
	if v := os.Getenv("ORCHCORE_PLANNER_EXPLORATION_CONSTANT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Planner.ExplorationConstant = f
		}
	}

	if v := os.Getenv("ORCHCORE_RECURSION_MAX_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Recursion.MaxDepth = n
		}
	}
	if v := os.Getenv("ORCHCORE_RECURSION_MAX_AGENTS_PER_LEVEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Recursion.MaxAgentsPerLevel = n
		}
	}
	if v := os.Getenv("ORCHCORE_RECURSION_CYCLE_DETECTION"); v != "" {
		c.Recursion.CycleDetection = v == "true" || v == "1"
	}

	if v := os.Getenv("ORCHCORE_ROUTER_PRIORITIZE"); v != "" {
		c.Router.Prioritize = RouterPreference(v)
	}

	if v := os.Getenv("ORCHCORE_TELEMETRY_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.OTLPEndpoint = v
		c.Telemetry.Enabled = true
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" && c.Telemetry.OTLPEndpoint == "" {
		c.Telemetry.OTLPEndpoint = v
		c.Telemetry.Enabled = true
	}

	if v := os.Getenv("ORCHCORE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("ORCHCORE_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("ORCHCORE_DEV_MODE"); v != "" {
		c.Development.Enabled = v == "true" || v == "1"
	}

	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// LoadFromFile overlays a YAML configuration document onto the receiver.
func (c *Config) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return NewError("config.LoadFromFile", ErrStorage, path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return NewError("config.LoadFromFile", ErrInvalidRequest, path, err)
	}
	return nil
}

// Validate rejects configuration combinations that cannot run.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return NewError("config.Validate", ErrInvalidRequest, "", fmt.Errorf("port %d out of range", c.Port))
	}
	switch c.Registry.Provider {
	case "redis":
		if c.Registry.RedisURL == "" {
			return NewError("config.Validate", ErrInvalidRequest, "", fmt.Errorf("registry.redis_url required for provider=redis"))
		}
	case "sqlite":
		if c.Registry.SQLitePath == "" {
			return NewError("config.Validate", ErrInvalidRequest, "", fmt.Errorf("registry.sqlite_path required for provider=sqlite"))
		}
	default:
		return NewError("config.Validate", ErrInvalidRequest, "", fmt.Errorf("unknown registry provider %q", c.Registry.Provider))
	}
	if c.Planner.Simulations < 0 {
		return NewError("config.Validate", ErrInvalidRequest, "", fmt.Errorf("planner.simulations must be >= 0"))
	}
	if c.Planner.ParallelSimulations <= 0 {
		return NewError("config.Validate", ErrInvalidRequest, "", fmt.Errorf("planner.parallel_simulations must be > 0"))
	}
	if c.Recursion.MaxDepth <= 0 {
		return NewError("config.Validate", ErrInvalidRequest, "", fmt.Errorf("recursion.max_depth must be > 0"))
	}
	return nil
}

// NewConfig builds a Config from defaults, environment, then options, in
// that priority order, and validates the result.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()
	cfg.DetectEnvironment()

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env config: %w", err)
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if cfg.logger == nil {
		logger := NewProductionLogger(cfg.Logging, cfg.Development, cfg.Name)
		if prodLogger, ok := logger.(*ProductionLogger); ok {
			trackLogger(prodLogger)
		}
		cfg.logger = logger
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ============================================================================
// ProductionLogger — layered observability (ambient stack, teacher idiom)
// ============================================================================

// ProductionLogger is the default Logger: structured JSON or human-readable
// text, with a metrics layer enabled once telemetry registers itself.
type ProductionLogger struct {
	level       string
	debug       bool
	serviceName string
	format      string
	output      io.Writer

	metricsEnabled bool
}

func NewProductionLogger(logging LoggingConfig, dev DevelopmentConfig, serviceName string) Logger {
	var output io.Writer = os.Stdout
	if logging.Output == "stderr" {
		output = os.Stderr
	}

	return &ProductionLogger{
		level:          strings.ToLower(logging.Level),
		debug:          dev.DebugLogging || logging.Level == "debug",
		serviceName:    serviceName,
		format:         logging.Format,
		output:         output,
		metricsEnabled: false,
	}
}

// EnableMetrics is called by the telemetry package once it initializes.
func (p *ProductionLogger) EnableMetrics() {
	p.metricsEnabled = true
}

func (p *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	p.logEvent("INFO", msg, fields, nil)
}

func (p *ProductionLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("INFO", msg, fields, ctx)
}

func (p *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	p.logEvent("ERROR", msg, fields, nil)
}

func (p *ProductionLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("ERROR", msg, fields, ctx)
}

func (p *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	p.logEvent("WARN", msg, fields, nil)
}

func (p *ProductionLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("WARN", msg, fields, ctx)
}

func (p *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	if p.debug {
		p.logEvent("DEBUG", msg, fields, nil)
	}
}

func (p *ProductionLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	if p.debug {
		p.logEvent("DEBUG", msg, fields, ctx)
	}
}

func (p *ProductionLogger) logEvent(level, msg string, fields map[string]interface{}, ctx context.Context) {
	timestamp := time.Now().Format(time.RFC3339)

	if p.format == "json" {
		logEntry := map[string]interface{}{
			"timestamp": timestamp,
			"level":     level,
			"service":   p.serviceName,
			"component": "orchestrator-core",
			"message":   msg,
		}

		if ctx != nil && p.metricsEnabled {
			if baggage := getContextBaggage(ctx); len(baggage) > 0 {
				for k, v := range baggage {
					logEntry["trace."+k] = v
				}
			}
		}

		for k, v := range fields {
			logEntry[k] = v
		}

		if data, err := json.Marshal(logEntry); err == nil {
			fmt.Fprintln(p.output, string(data))
		}
	} else {
		traceInfo := ""
		if ctx != nil && p.metricsEnabled {
			if baggage := getContextBaggage(ctx); baggage["request_id"] != "" {
				traceInfo = fmt.Sprintf("[req=%s] ", baggage["request_id"])
			}
		}

		var fieldStr strings.Builder
		if len(fields) > 0 {
			fieldStr.WriteString(" ")
			for k, v := range fields {
				fieldStr.WriteString(fmt.Sprintf("%s=%v ", k, v))
			}
		}

		fmt.Fprintf(p.output, "%s [%s] [%s] %s%s%s\n",
			timestamp, level, p.serviceName, traceInfo, msg, fieldStr.String())
	}

	if p.metricsEnabled {
		p.emitFrameworkMetric(level, msg, fields, ctx)
	}
}

func (p *ProductionLogger) emitFrameworkMetric(level, msg string, fields map[string]interface{}, ctx context.Context) {
	labels := []string{
		"level", level,
		"service", p.serviceName,
		"component", "orchestrator-core",
	}

	for k, v := range fields {
		switch k {
		case "operation", "status", "error_type", "agent_id", "work_kind":
			labels = append(labels, k, fmt.Sprintf("%v", v))
		}
	}

	if ctx != nil {
		emitMetricWithContext(ctx, "orchestrator.operations", 1.0, labels...)
	} else {
		emitMetric("orchestrator.operations", 1.0, labels...)
	}
}

func emitMetric(name string, value float64, labels ...string) {
	if globalMetricsRegistry != nil {
		globalMetricsRegistry.Counter(name, labels...)
	}
}

func emitMetricWithContext(ctx context.Context, name string, value float64, labels ...string) {
	if globalMetricsRegistry != nil {
		globalMetricsRegistry.EmitWithContext(ctx, name, value, labels...)
	}
}

func getContextBaggage(ctx context.Context) map[string]string {
	if globalMetricsRegistry != nil {
		return globalMetricsRegistry.GetBaggage(ctx)
	}
	return make(map[string]string)
}
