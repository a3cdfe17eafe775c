package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hivemesh-dev/hivemesh/pkg/registry"
	"github.com/hivemesh-dev/hivemesh/protocol"
)

// newTestClient wires a client agent into the node's registry so both
// sides can resolve each other.
func newTestClient(t *testing.T, node *testNode, cfg ClientConfig) (*Client, *testAgent) {
	t.Helper()
	caller := newTestAgent(t, "hive:agentid:caller")
	node.addPeer(t, caller)
	return NewClient(cfg, caller.identity, node.registry), caller
}

func TestClientSendTask(t *testing.T) {
	node := newTestNode(t, ServerConfig{})
	client, _ := newTestClient(t, node, ClientConfig{})

	result, err := client.SendTask(context.Background(), node.agent.identity.ID(), "echo", map[string]any{"text": "ping"})
	if err != nil {
		t.Fatalf("SendTask: %v", err)
	}
	if result.Status != protocol.TaskStatusCompleted {
		t.Errorf("status = %s, want completed", result.Status)
	}
	if result.Result["text"] != "ping" {
		t.Errorf("result = %v, want echoed params", result.Result)
	}
	if result.TaskID == "" {
		t.Error("task id missing from result")
	}
}

func TestClientSendTaskErrorSurfacesKind(t *testing.T) {
	node := newTestNode(t, ServerConfig{})
	client, _ := newTestClient(t, node, ClientConfig{})

	_, err := client.SendTask(context.Background(), node.agent.identity.ID(), "no_such_capability", nil)
	if err == nil {
		t.Fatal("SendTask succeeded against a missing capability")
	}
	if !protocol.IsKind(err, protocol.KindCapabilityNotFound) {
		t.Errorf("error kind = %v, want CapabilityNotFound", protocol.KindOf(err))
	}
}

func TestClientUnknownPeer(t *testing.T) {
	node := newTestNode(t, ServerConfig{})
	client, _ := newTestClient(t, node, ClientConfig{})

	_, err := client.SendTask(context.Background(), "hive:agentid:ghost", "echo", nil)
	if !protocol.IsKind(err, protocol.KindAgentNotFound) {
		t.Errorf("error kind = %v, want AgentNotFound", protocol.KindOf(err))
	}
}

func TestClientQueryCapabilities(t *testing.T) {
	node := newTestNode(t, ServerConfig{})
	client, _ := newTestClient(t, node, ClientConfig{})

	capabilities, err := client.QueryCapabilities(context.Background(), node.agent.identity.ID())
	if err != nil {
		t.Fatalf("QueryCapabilities: %v", err)
	}
	if len(capabilities) != 1 || capabilities[0].ID != "echo" {
		t.Errorf("capabilities = %+v, want the echo descriptor", capabilities)
	}

	filtered, err := client.QueryCapabilities(context.Background(), node.agent.identity.ID(), "missing")
	if err != nil {
		t.Fatalf("QueryCapabilities with filter: %v", err)
	}
	if len(filtered) != 0 {
		t.Errorf("filtered capabilities = %+v, want none", filtered)
	}
}

func TestClientHeartbeatAndAnnounce(t *testing.T) {
	node := newTestNode(t, ServerConfig{})
	client, _ := newTestClient(t, node, ClientConfig{})

	if err := client.SendHeartbeat(context.Background(), node.agent.identity.ID()); err != nil {
		t.Errorf("SendHeartbeat: %v", err)
	}
	if err := client.Announce(context.Background(), node.agent.identity.ID()); err != nil {
		t.Errorf("Announce: %v", err)
	}
}

func TestClientRejectsWrongResponseKey(t *testing.T) {
	node := newTestNode(t, ServerConfig{})
	client, _ := newTestClient(t, node, ClientConfig{})

	// Poison the node's registry record with a key that does not match
	// the key the node actually signs with.
	other := newTestAgent(t, "hive:agentid:other")
	poisoned := *node.agent.record
	poisoned.PublicKey = other.identity.PublicKey()
	if err := node.registry.Register(context.Background(), &poisoned); err != nil {
		t.Fatalf("Register: %v", err)
	}

	_, err := client.SendTask(context.Background(), node.agent.identity.ID(), "echo", map[string]any{"text": "x"})
	if !protocol.IsKind(err, protocol.KindInvalidSignature) {
		t.Errorf("error kind = %v, want InvalidSignature", protocol.KindOf(err))
	}
}

func TestClientCircuitBreakerOpens(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	caller := newTestAgent(t, "hive:agentid:caller")
	dead := newTestAgent(t, "hive:agentid:dead")
	dead.record.Endpoint = "http://127.0.0.1:1"
	ctx := context.Background()
	if err := reg.Register(ctx, dead.record); err != nil {
		t.Fatalf("Register: %v", err)
	}

	client := NewClient(ClientConfig{
		Timeout:      200 * time.Millisecond,
		MaxFailures:  2,
		ResetTimeout: time.Hour,
	}, caller.identity, reg)

	for i := 0; i < 2; i++ {
		if err := client.SendHeartbeat(ctx, dead.identity.ID()); err == nil {
			t.Fatal("SendHeartbeat succeeded against a dead endpoint")
		}
	}

	// Circuit is open now; the failure is immediate and still typed.
	err := client.SendHeartbeat(ctx, dead.identity.ID())
	if !protocol.IsKind(err, protocol.KindResourceUnavailable) {
		t.Errorf("error kind = %v, want ResourceUnavailable", protocol.KindOf(err))
	}
}

func TestClientBroadcast(t *testing.T) {
	node := newTestNode(t, ServerConfig{})
	client, caller := newTestClient(t, node, ClientConfig{Timeout: 2 * time.Second})

	dead := newTestAgent(t, "hive:agentid:dead")
	dead.record.Endpoint = "http://127.0.0.1:1"
	node.addPeer(t, dead)

	results := client.Broadcast(context.Background(), func(to protocol.AgentID) (*protocol.Envelope, error) {
		return caller.identity.NewHeartbeat(to)
	})

	if _, ok := results[caller.identity.ID()]; ok {
		t.Error("broadcast sent to self")
	}
	if err := results[node.agent.identity.ID()]; err != nil {
		t.Errorf("broadcast to live node failed: %v", err)
	}
	if err := results[dead.identity.ID()]; err == nil {
		t.Error("broadcast to dead node reported no error")
	}
	if len(results) != 2 {
		t.Errorf("got %d results, want 2", len(results))
	}
}

func TestClientBuildErrorIsReported(t *testing.T) {
	node := newTestNode(t, ServerConfig{})
	client, _ := newTestClient(t, node, ClientConfig{})

	buildErr := errors.New("cannot build")
	results := client.Broadcast(context.Background(), func(to protocol.AgentID) (*protocol.Envelope, error) {
		return nil, buildErr
	})
	if err := results[node.agent.identity.ID()]; !errors.Is(err, buildErr) {
		t.Errorf("broadcast result = %v, want the build error", err)
	}
}
