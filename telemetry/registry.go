package telemetry

import "sync"

// ModuleConfig describes the metrics one module intends to emit.
type ModuleConfig struct {
	Metrics []MetricDefinition
}

// MetricDefinition documents one metric's shape for operators reading the
// declared set, independent of whether anything has emitted it yet.
type MetricDefinition struct {
	Name    string
	Type    string // counter, histogram, gauge, updowncounter
	Help    string
	Labels  []string
	Unit    string    // optional: milliseconds, bytes, etc.
	Buckets []float64 // optional: for histograms
}

var (
	declaredMetrics   = map[string]ModuleConfig{}
	declaredMetricsMu sync.Mutex
)

// DeclareMetrics registers a module's metric definitions so they show up in
// DeclaredModules for diagnostics, independent of whether an OTelProvider is
// active. Safe to call from an init() function.
func DeclareMetrics(module string, config ModuleConfig) {
	declaredMetricsMu.Lock()
	defer declaredMetricsMu.Unlock()
	declaredMetrics[module] = config
}

// DeclaredModules returns the set of modules that have declared metrics,
// for startup diagnostics (e.g. logging what a deployment will emit).
func DeclaredModules() map[string]ModuleConfig {
	declaredMetricsMu.Lock()
	defer declaredMetricsMu.Unlock()
	out := make(map[string]ModuleConfig, len(declaredMetrics))
	for k, v := range declaredMetrics {
		out[k] = v
	}
	return out
}
