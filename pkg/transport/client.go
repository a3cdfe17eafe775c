package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hivemesh-dev/hivemesh/pkg/registry"
	"github.com/hivemesh-dev/hivemesh/pkg/security"
	"github.com/hivemesh-dev/hivemesh/protocol"
)

// ClientConfig configures the outbound transport client.
type ClientConfig struct {
	// Timeout bounds each request (default: 30s).
	Timeout time.Duration
	// MaxFailures opens a peer's circuit breaker after this many
	// consecutive failures (default: 5).
	MaxFailures int
	// ResetTimeout is how long an open circuit stays open
	// (default: 30s).
	ResetTimeout time.Duration
	// BroadcastConcurrency bounds concurrent sends during a broadcast
	// (default: 8).
	BroadcastConcurrency int
}

// Client is the outbound side of the transport. It resolves peers
// through the registry, signs outgoing messages as its identity, and
// verifies the signature of every response before trusting it.
type Client struct {
	identity   *protocol.Identity
	registry   registry.Registry
	httpClient *http.Client
	cfg        ClientConfig

	mu       sync.Mutex
	breakers map[protocol.AgentID]*security.CircuitBreaker
}

// NewClient creates a transport client for the given identity.
func NewClient(cfg ClientConfig, identity *protocol.Identity, reg registry.Registry) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.BroadcastConcurrency <= 0 {
		cfg.BroadcastConcurrency = 8
	}
	return &Client{
		identity:   identity,
		registry:   reg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cfg:        cfg,
		breakers:   make(map[protocol.AgentID]*security.CircuitBreaker),
	}
}

// Send delivers a signed envelope to the peer it is addressed to and
// returns the peer's verified response payload. The response envelope
// must carry a valid signature from the addressed peer; anything else
// is rejected with InvalidSignature.
func (c *Client) Send(ctx context.Context, e *protocol.Envelope) (protocol.Payload, error) {
	record, err := c.registry.Get(ctx, e.To)
	if errors.Is(err, registry.ErrNotFound) {
		return nil, protocol.NewError(protocol.KindAgentNotFound, "agent %s is not in the registry", e.To)
	}
	if err != nil {
		return nil, protocol.NewError(protocol.KindResourceUnavailable, "registry lookup for %s: %v", e.To, err)
	}
	if record.Endpoint == "" {
		return nil, protocol.NewError(protocol.KindAgentNotFound, "agent %s has no endpoint", e.To)
	}

	var response protocol.Envelope
	send := func() error {
		body, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal envelope: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, record.Endpoint+"/v1/messages", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("send to %s: %w", e.To, err)
		}
		defer func() {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		}()

		// The body is a signed envelope at every status; the HTTP
		// status only mirrors the payload's error kind.
		if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
			return fmt.Errorf("decode response from %s: %w", e.To, err)
		}
		return nil
	}
	if err := c.breaker(e.To).Execute(send); err != nil {
		return nil, protocol.NewError(protocol.KindResourceUnavailable, "%v", err)
	}

	peerKey, err := protocol.DecodePublicKey(record.PublicKey)
	if err != nil {
		return nil, protocol.NewError(protocol.KindConfigError, "record for %s: %v", e.To, err)
	}
	if response.From != e.To || !c.identity.VerifyMessage(&response, peerKey) {
		return nil, protocol.NewError(protocol.KindInvalidSignature, "response from %s failed verification", e.To)
	}

	payload, err := protocol.DecodePayload(&response)
	if err != nil {
		return nil, err
	}
	if taskErr, ok := payload.(*protocol.TaskError); ok {
		return nil, &protocol.Error{
			Kind:    protocol.ErrorKind(taskErr.Error),
			Message: taskErr.Message,
		}
	}
	return payload, nil
}

// SendTask runs a capability on a peer and returns its task result.
func (c *Client) SendTask(ctx context.Context, to protocol.AgentID, capability string, params map[string]any) (*protocol.TaskResult, error) {
	e, err := c.identity.NewTaskRequest(to, capability, params)
	if err != nil {
		return nil, err
	}
	payload, err := c.Send(ctx, e)
	if err != nil {
		return nil, err
	}
	result, ok := payload.(*protocol.TaskResult)
	if !ok {
		return nil, protocol.NewError(protocol.KindInvalidMessageFormat,
			"expected task_result from %s, got %s", to, payload.MessageType())
	}
	return result, nil
}

// QueryCapabilities asks a peer for its capability descriptors,
// optionally filtered to the given ids.
func (c *Client) QueryCapabilities(ctx context.Context, to protocol.AgentID, filter ...string) ([]protocol.Capability, error) {
	e, err := c.identity.NewCapabilityQuery(to, filter...)
	if err != nil {
		return nil, err
	}
	payload, err := c.Send(ctx, e)
	if err != nil {
		return nil, err
	}
	resp, ok := payload.(*protocol.CapabilityResponse)
	if !ok {
		return nil, protocol.NewError(protocol.KindInvalidMessageFormat,
			"expected capability_response from %s, got %s", to, payload.MessageType())
	}
	return resp.Capabilities, nil
}

// SendHeartbeat sends a signed heartbeat to a peer.
func (c *Client) SendHeartbeat(ctx context.Context, to protocol.AgentID) error {
	e, err := c.identity.NewHeartbeat(to)
	if err != nil {
		return err
	}
	_, err = c.Send(ctx, e)
	return err
}

// Announce sends this agent's profile to a peer, which registers it.
func (c *Client) Announce(ctx context.Context, to protocol.AgentID) error {
	e, err := c.identity.NewAgentIdentity(to)
	if err != nil {
		return err
	}
	_, err = c.Send(ctx, e)
	return err
}

// Broadcast sends the envelope built by build to every registry peer
// except this agent. Sends run concurrently; per-peer failures are
// collected rather than aborting the rest.
func (c *Client) Broadcast(ctx context.Context, build func(to protocol.AgentID) (*protocol.Envelope, error)) map[protocol.AgentID]error {
	records, err := c.registry.List(ctx)
	if err != nil {
		return map[protocol.AgentID]error{c.identity.ID(): err}
	}

	results := make(map[protocol.AgentID]error)
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.BroadcastConcurrency)

	for _, record := range records {
		if record.ID == c.identity.ID() {
			continue
		}
		to := record.ID
		g.Go(func() error {
			e, err := build(to)
			if err == nil {
				_, err = c.Send(gctx, e)
			}
			mu.Lock()
			results[to] = err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (c *Client) breaker(peer protocol.AgentID) *security.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	cb, ok := c.breakers[peer]
	if !ok {
		cb = security.NewCircuitBreaker(c.cfg.MaxFailures, c.cfg.ResetTimeout)
		c.breakers[peer] = cb
	}
	return cb
}
