// Command orchestratord runs the agent orchestration core as a single
// process: registry, executor, planner, recursion manager, router, context
// window manager, and feedback store, behind a plain net/http admin API.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/agentmesh/orchestrator-core/contextwindow"
	"github.com/agentmesh/orchestrator-core/core"
	"github.com/agentmesh/orchestrator-core/executor"
	"github.com/agentmesh/orchestrator-core/feedback"
	"github.com/agentmesh/orchestrator-core/planner"
	"github.com/agentmesh/orchestrator-core/recursion"
	"github.com/agentmesh/orchestrator-core/registry"
	"github.com/agentmesh/orchestrator-core/resilience"
	"github.com/agentmesh/orchestrator-core/router"
	"github.com/agentmesh/orchestrator-core/store"
	"github.com/agentmesh/orchestrator-core/store/redisstore"
	"github.com/agentmesh/orchestrator-core/store/sqlstore"
	"github.com/agentmesh/orchestrator-core/telemetry"
	"github.com/agentmesh/orchestrator-core/transport"
)

func main() {
	cfg := core.DefaultConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		log.Fatalf("config: %v", err)
	}
	if path := os.Getenv("ORCHCORE_CONFIG_FILE"); path != "" {
		if err := cfg.LoadFromFile(path); err != nil {
			log.Fatalf("config: loading %s: %v", path, err)
		}
	}
	cfg.DetectEnvironment()
	if cfg.Name == "" {
		cfg.Name = "orchestratord"
	}

	logger := core.NewProductionLogger(cfg.Logging, cfg.Development, cfg.Name)
	logger.Info("starting orchestrator core", map[string]interface{}{
		"name": cfg.Name,
		"port": cfg.Port,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backingStore, err := newStore(ctx, cfg.Registry)
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer backingStore.Close()

	var events registry.EventPublisher
	if cfg.Registry.NATSURL != "" {
		client, err := transport.NewClient(cfg.Registry.NATSURL, transport.WithLogger(logger))
		if err != nil {
			logger.Warn("lifecycle event transport unavailable, continuing without it", map[string]interface{}{
				"nats_url": cfg.Registry.NATSURL,
				"error":    err.Error(),
			})
		} else {
			defer client.Close()
			events = client
		}
	}

	var telem core.Telemetry
	if cfg.Telemetry.Enabled {
		t, err := telemetry.EnableTelemetry(cfg.Name, cfg.Telemetry.OTLPEndpoint, logger)
		if err != nil {
			logger.Warn("telemetry unavailable, continuing without it", map[string]interface{}{"error": err.Error()})
		} else {
			telem = t
		}
	}

	regOpts := []registry.Option{registry.WithLogger(logger)}
	if events != nil {
		regOpts = append(regOpts, registry.WithEventPublisher(events))
	}
	if telem != nil {
		regOpts = append(regOpts, registry.WithTelemetry(telem))
	}
	reg := registry.New(backingStore, regOpts...)
	if err := reg.WarmCache(ctx); err != nil {
		logger.Warn("cache warm failed, starting with an empty cache", map[string]interface{}{"error": err.Error()})
	}

	resilienceDeps := resilience.ResilienceDependencies{Logger: logger}
	if telem != nil {
		resilienceDeps.Telemetry = telem
	}
	cb, err := resilience.CreateCircuitBreaker(cfg.Name+"-remote-dispatch", resilienceDeps)
	if err != nil {
		log.Fatalf("circuit breaker: %v", err)
	}
	retryCfg := &resilience.RetryConfig{
		MaxAttempts:   cfg.Resilience.Retry.MaxAttempts,
		InitialDelay:  cfg.Resilience.Retry.InitialInterval,
		MaxDelay:      cfg.Resilience.Retry.MaxInterval,
		BackoffFactor: cfg.Resilience.Retry.Multiplier,
		JitterEnabled: true,
	}

	exec := executor.New(reg, executor.WithLogger(logger))

	plan := planner.New(planner.Config{
		Simulations:         cfg.Planner.Simulations,
		ParallelSimulations: cfg.Planner.ParallelSimulations,
		MaxDepth:            cfg.Planner.MaxDepth,
		Timeout:             cfg.Planner.Timeout,
		ExplorationConstant: cfg.Planner.ExplorationConstant,
		UsePrior:            cfg.Planner.UsePrior,
	}, planner.WithLogger(logger))

	recur := recursion.New(recursion.Limits{
		MaxDepth:                        cfg.Recursion.MaxDepth,
		MaxAgentsPerLevel:               cfg.Recursion.MaxAgentsPerLevel,
		RecursionTimeout:                cfg.Recursion.RecursionTimeout,
		CycleDetection:                  cfg.Recursion.CycleDetection,
		ResourceEscalationThreshold:     cfg.Recursion.ResourceEscalationThreshold,
		PerformanceDegradationThreshold: cfg.Recursion.PerformanceDegradationThresh,
	}, recursion.WithLogger(logger))

	ctxWindow := contextwindow.New(modelLimits(cfg.Context))

	routeOpts := []router.Option{
		router.WithLogger(logger),
		router.WithContextPreparer(ctxWindow),
	}
	if cfg.Router.CacheSize > 0 {
		routeOpts = append(routeOpts, router.WithCache(cfg.Router.CacheSize))
	}
	route := router.New(routeOpts...)

	fbOpts := []feedback.Option{}
	if telem != nil {
		fbOpts = append(fbOpts, feedback.WithTelemetry(telem))
	}
	fb := feedback.New(fbOpts...)

	srv := &server{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		executor: exec,
		planner:  plan,
		recur:    recur,
		router:   route,
		feedback: fb,
		cb:       cb,
		retryCfg: retryCfg,
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           withCORS(cfg.HTTP.CORS, srv.routes()),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("http admin surface listening", map[string]interface{}{"addr": httpServer.Addr})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server exited", map[string]interface{}{"error": err.Error()})
		}
	}()

	<-sigCh
	logger.Info("shutting down", map[string]interface{}{"timeout": cfg.HTTP.ShutdownTimeout.String()})
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", map[string]interface{}{"error": err.Error()})
	}
}

// newStore builds the registry's persistence backend per cfg.Provider. Both
// backends satisfy store.Store; the registry never knows which one it got.
func newStore(ctx context.Context, cfg core.RegistryConfig) (store.Store, error) {
	switch cfg.Provider {
	case "redis":
		return redisstore.New(cfg.RedisURL, "orchestrator")
	case "sqlite", "":
		return sqlstore.New(ctx, cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown registry provider %q", cfg.Provider)
	}
}

// modelLimits translates the configuration surface's per-model context
// entries into the contextwindow package's ModelLimits map.
func modelLimits(models map[string]core.ContextModelConfig) map[string]contextwindow.ModelLimits {
	out := make(map[string]contextwindow.ModelLimits, len(models))
	for name, m := range models {
		out[name] = contextwindow.ModelLimits{
			MaxTokens:        m.MaxContextTokens,
			ReservedTokens:   m.ReservedTokens,
			SafetyMargin:     m.SafetyMargin,
			DynamicThreshold: m.DynamicThreshold,
		}
	}
	if len(out) == 0 {
		// A deployment with no [context.*] entries still gets one usable
		// target so PrepareForTarget doesn't always error out.
		out["default"] = contextwindow.ModelLimits{
			MaxTokens:        8192,
			ReservedTokens:   500,
			SafetyMargin:     200,
			DynamicThreshold: 0.65,
		}
	}
	return out
}

// withCORS applies the admin surface's cross-origin policy, following the
// same enable-flag/allow-list shape as the teacher's CORSMiddleware.
func withCORS(cfg core.CORSConfig, next http.Handler) http.Handler {
	if !cfg.Enabled {
		return next
	}
	allowed := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		allowed[o] = true
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (allowed["*"] || allowed[origin]) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", joinOrDefault(cfg.AllowedMethods, "GET, POST, PATCH, DELETE, OPTIONS"))
			w.Header().Set("Access-Control-Allow-Headers", joinOrDefault(cfg.AllowedHeaders, "Content-Type"))
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func joinOrDefault(values []string, def string) string {
	if len(values) == 0 {
		return def
	}
	out := values[0]
	for _, v := range values[1:] {
		out += ", " + v
	}
	return out
}
