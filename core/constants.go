package core

import "time"

// Environment variable names, for code that reads them directly rather than
// through Config.LoadFromEnv.
const (
	EnvRedisURL    = "REDIS_URL"
	EnvNamespace   = "ORCHCORE_NAMESPACE"
	EnvServiceName = "ORCHCORE_K8S_SERVICE_NAME"
	EnvPort        = "ORCHCORE_PORT"
	EnvDevMode     = "ORCHCORE_DEV_MODE"
)

// DefaultRegistryKeyPrefix namespaces registry entries in Redis.
// Format: <prefix><agent-id>
const DefaultRegistryKeyPrefix = "orchcore:registry:"

// DefaultHealthProbeTimeout is the fixed remote health-check timeout from
// spec §4.3: distinct from, and shorter than, execution timeouts.
const DefaultHealthProbeTimeout = 10 * time.Second

// QualityWindowSize bounds the per-agent rolling quality sample queue
// used by health_score recomputation (spec §4.8).
const QualityWindowSize = 100

// RecursionHistoryCap bounds the Recursion Manager's completed-frame
// history (spec §4.5 "if history.len > 1000, drop oldest").
const RecursionHistoryCap = 1000
