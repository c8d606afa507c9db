// Package executor implements the Executor (C3): dispatch of a WorkItem to
// a local in-process handler or a remote agent over HTTP, with timeout
// enforcement and execution-result reporting back to the registry.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/agentmesh/orchestrator-core/core"
)

// Resolver is the subset of registry.Registry the executor depends on.
type Resolver interface {
	Resolve(ctx context.Context, id core.AgentId) (core.AgentDefinition, error)
	RecordExecution(ctx context.Context, id core.AgentId, result core.ExecutionResult) error
}

// Handler is an in-process local agent implementation, dispatched by kind.
type Handler func(ctx context.Context, input interface{}, workCtx map[string]interface{}) (interface{}, error)

// Executor dispatches WorkItems per spec §4.3.
type Executor struct {
	resolver Resolver
	handlers map[string]Handler
	http     *http.Client
	logger   core.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger attaches a logger.
func WithLogger(l core.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithHandler registers a local handler for a given agent kind.
func WithHandler(kind string, h Handler) Option {
	return func(e *Executor) { e.handlers[kind] = h }
}

// New constructs an Executor. Remote dispatch uses an otelhttp-instrumented
// transport so spans propagate across the wire, matching the instrumentation
// idiom the rest of this codebase uses for outbound calls.
func New(resolver Resolver, opts ...Option) *Executor {
	e := &Executor{
		resolver: resolver,
		handlers: make(map[string]Handler),
		http:     &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		logger:   &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type remoteRequest struct {
	AgentID core.AgentId           `json:"agent_id"`
	Input   interface{}            `json:"input"`
	Context map[string]interface{} `json:"context,omitempty"`
}

type remoteResponse struct {
	Output interface{} `json:"output"`
	Error  string      `json:"error,omitempty"`
}

// Execute dispatches a work item to the given agent within timeout,
// following the three steps in spec §4.3.
func (e *Executor) Execute(ctx context.Context, id core.AgentId, item core.WorkItem, timeout time.Duration) core.ExecutionResult {
	start := time.Now()

	def, err := e.resolver.Resolve(ctx, id)
	if err != nil {
		return e.finish(ctx, id, start, false, nil, core.NewError("executor.Execute", core.ErrNotFound, id.String(), err).Error())
	}
	if def.Status != core.StatusIdle && def.Status != core.StatusDegraded {
		return e.finish(ctx, id, start, false, nil, core.NewError("executor.Execute", core.ErrUnavailable, id.String(), nil).Error())
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var output interface{}
	var execErr error
	if def.IsRemote() {
		output, execErr = e.executeRemote(callCtx, def, item)
	} else {
		output, execErr = e.executeLocal(callCtx, def, item)
	}

	if execErr != nil {
		kind := core.ErrInternal
		switch {
		case callCtx.Err() == context.DeadlineExceeded:
			kind = core.ErrTimeout
		case def.IsRemote():
			kind = core.ErrTransport
		}
		return e.finish(ctx, id, start, false, nil, core.NewError("executor.Execute", kind, id.String(), execErr).Error())
	}

	return e.finish(ctx, id, start, true, output, "")
}

func (e *Executor) executeLocal(ctx context.Context, def core.AgentDefinition, item core.WorkItem) (interface{}, error) {
	handler, ok := e.handlers[def.Kind]
	if !ok {
		return nil, fmt.Errorf("no local handler registered for kind %q", def.Kind)
	}
	return handler(ctx, item.Input, item.Context)
}

func (e *Executor) executeRemote(ctx context.Context, def core.AgentDefinition, item core.WorkItem) (interface{}, error) {
	body, err := json.Marshal(remoteRequest{AgentID: def.ID, Input: item.Input, Context: item.Context})
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("http://%s/execute", def.Endpoint.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("remote agent returned status %d: %s", resp.StatusCode, respBody)
	}

	var parsed remoteResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, err
	}
	if parsed.Error != "" {
		return nil, fmt.Errorf("remote agent error: %s", parsed.Error)
	}
	return parsed.Output, nil
}

// Health probes a remote agent's health endpoint with a fixed short timeout,
// distinct from execution timeouts (spec §4.3).
func (e *Executor) Health(ctx context.Context, def core.AgentDefinition) (bool, time.Duration, error) {
	if !def.IsRemote() {
		return def.Status == core.StatusIdle || def.Status == core.StatusBusy, 0, nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, core.DefaultHealthProbeTimeout)
	defer cancel()

	url := fmt.Sprintf("http://%s/health", def.Endpoint.String())
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, nil)
	if err != nil {
		return false, 0, err
	}

	start := time.Now()
	resp, err := e.http.Do(req)
	latency := time.Since(start)
	if err != nil {
		return false, latency, err
	}
	defer resp.Body.Close()

	return resp.StatusCode >= 200 && resp.StatusCode < 300, latency, nil
}

func (e *Executor) finish(ctx context.Context, id core.AgentId, start time.Time, success bool, output interface{}, errMsg string) core.ExecutionResult {
	result := core.ExecutionResult{
		ID:          id.String() + "-" + fmt.Sprint(start.UnixNano()),
		AgentID:     id,
		Success:     success,
		Output:      output,
		Error:       errMsg,
		DurationMs:  float64(time.Since(start).Microseconds()) / 1000.0,
		CompletedAt: time.Now(),
	}

	// Failed executions still update metrics (spec §7): always record.
	if err := e.resolver.RecordExecution(ctx, id, result); err != nil {
		e.logger.Error("failed to record execution", map[string]interface{}{
			"agent_id": id.String(),
			"error":    err.Error(),
		})
	}
	return result
}
