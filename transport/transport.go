// Package transport carries registry lifecycle events over NATS and
// defines the wire contract remote agents speak, adapting the teacher's
// connection-handling idiom to the orchestrator's event set.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	nc "github.com/nats-io/nats.go"

	"github.com/agentmesh/orchestrator-core/core"
)

// Subject prefixes for registry lifecycle events (spec §6).
const (
	SubjectRegistered = "orchestrator.agents.registered"
	SubjectUpdated    = "orchestrator.agents.updated"
	SubjectRetired    = "orchestrator.agents.retired"
)

// LifecycleEvent is published whenever a registry mutation completes.
type LifecycleEvent struct {
	Event      string               `json:"event"`
	Definition core.AgentDefinition `json:"definition"`
	At         time.Time            `json:"at"`
}

// Client wraps a NATS connection with reconnect handling and the
// publish/subscribe surface the orchestrator's components need.
type Client struct {
	conn   *nc.Conn
	logger core.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithLogger attaches a logger.
func WithLogger(l core.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient connects to a NATS server with indefinite reconnect.
func NewClient(url string, opts ...Option) (*Client, error) {
	c := &Client{logger: &core.NoOpLogger{}}
	for _, opt := range opts {
		opt(c)
	}

	connOpts := []nc.Option{
		nc.ReconnectWait(2 * time.Second),
		nc.MaxReconnects(-1),
		nc.DisconnectErrHandler(func(conn *nc.Conn, err error) {
			if err != nil {
				c.logger.Warn("nats disconnected", map[string]interface{}{"error": err.Error()})
			}
		}),
		nc.ReconnectHandler(func(conn *nc.Conn) {
			c.logger.Info("nats reconnected", map[string]interface{}{"url": conn.ConnectedUrl()})
		}),
		nc.ClosedHandler(func(conn *nc.Conn) {
			c.logger.Info("nats connection closed", nil)
		}),
	}

	conn, err := nc.Connect(url, connOpts...)
	if err != nil {
		return nil, fmt.Errorf("transport: connect to nats: %w", err)
	}
	c.conn = conn
	return c, nil
}

// Close closes the underlying connection.
func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}

// IsConnected reports the connection's liveness.
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

func subjectFor(event string) string {
	switch event {
	case "registered":
		return SubjectRegistered
	case "updated":
		return SubjectUpdated
	case "retired":
		return SubjectRetired
	default:
		return "orchestrator.agents." + event
	}
}

// Publish implements registry.EventPublisher: it serializes a
// LifecycleEvent and publishes it to the subject matching event.
func (c *Client) Publish(ctx context.Context, event string, def core.AgentDefinition) error {
	payload := LifecycleEvent{Event: event, Definition: def, At: time.Now()}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("transport: marshal lifecycle event: %w", err)
	}
	if err := c.conn.Publish(subjectFor(event), data); err != nil {
		return fmt.Errorf("transport: publish to %s: %w", subjectFor(event), err)
	}
	return nil
}

// SubscribeLifecycle subscribes to all registry lifecycle events and
// invokes handler for each one it can decode.
func (c *Client) SubscribeLifecycle(handler func(LifecycleEvent)) (*nc.Subscription, error) {
	return c.conn.Subscribe("orchestrator.agents.*", func(msg *nc.Msg) {
		var evt LifecycleEvent
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			c.logger.Warn("transport: undecodable lifecycle event", map[string]interface{}{"error": err.Error()})
			return
		}
		handler(evt)
	})
}

// RemoteRequest is the JSON body the orchestrator POSTs to a remote
// agent's /execute endpoint.
type RemoteRequest struct {
	AgentID core.AgentId           `json:"agent_id"`
	Input   interface{}            `json:"input"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// RemoteResponse is the JSON body a remote agent's /execute endpoint
// returns.
type RemoteResponse struct {
	Output interface{} `json:"output,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// RequestExecution makes a synchronous NATS request/reply execution call,
// an alternative transport to HTTP for agents reachable only via the bus.
func (c *Client) RequestExecution(subject string, req RemoteRequest, timeout time.Duration) (RemoteResponse, error) {
	var resp RemoteResponse
	data, err := json.Marshal(req)
	if err != nil {
		return resp, fmt.Errorf("transport: marshal remote request: %w", err)
	}
	msg, err := c.conn.Request(subject, data, timeout)
	if err != nil {
		return resp, fmt.Errorf("transport: request to %s: %w", subject, err)
	}
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return resp, fmt.Errorf("transport: unmarshal remote response: %w", err)
	}
	return resp, nil
}

// Flush flushes buffered outbound data, useful before a test assertion or
// a graceful shutdown.
func (c *Client) Flush() error {
	if err := c.conn.Flush(); err != nil {
		return fmt.Errorf("transport: flush: %w", err)
	}
	return nil
}
