package heartbeat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hivemesh-dev/hivemesh/protocol"
)

type fakeBroadcaster struct {
	mu        sync.Mutex
	rounds    int
	envelopes []*protocol.Envelope
	peers     []protocol.AgentID
	failWith  error
}

func (f *fakeBroadcaster) Broadcast(ctx context.Context, build func(to protocol.AgentID) (*protocol.Envelope, error)) map[protocol.AgentID]error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rounds++
	results := make(map[protocol.AgentID]error)
	for _, peer := range f.peers {
		e, err := build(peer)
		if err == nil {
			f.envelopes = append(f.envelopes, e)
			err = f.failWith
		}
		results[peer] = err
	}
	return results
}

func (f *fakeBroadcaster) roundCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rounds
}

func newTestIdentity(t *testing.T) *protocol.Identity {
	t.Helper()
	keys, err := protocol.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	identity, err := protocol.NewIdentity(protocol.IdentityConfig{
		ID:   "hive:agentid:beater",
		Keys: keys,
	})
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	return identity
}

func TestBeatSendsSignedHeartbeats(t *testing.T) {
	identity := newTestIdentity(t)
	sender := &fakeBroadcaster{peers: []protocol.AgentID{"hive:agentid:a", "hive:agentid:b"}}
	emitter := NewEmitter(Config{}, identity, sender, nil)

	emitter.Beat(context.Background())

	if len(sender.envelopes) != 2 {
		t.Fatalf("sent %d envelopes, want 2", len(sender.envelopes))
	}
	key, err := protocol.DecodePublicKey(identity.PublicKey())
	if err != nil {
		t.Fatalf("DecodePublicKey: %v", err)
	}
	for _, e := range sender.envelopes {
		if e.Type != protocol.MessageHeartbeat {
			t.Errorf("envelope type = %s, want heartbeat", e.Type)
		}
		if !identity.VerifyMessage(e, key) {
			t.Error("heartbeat envelope signature does not verify")
		}
		if err := protocol.ValidateEnvelope(e); err != nil {
			t.Errorf("heartbeat envelope invalid: %v", err)
		}
	}
}

func TestBeatToleratesPeerFailures(t *testing.T) {
	identity := newTestIdentity(t)
	sender := &fakeBroadcaster{
		peers:    []protocol.AgentID{"hive:agentid:down"},
		failWith: errors.New("unreachable"),
	}
	emitter := NewEmitter(Config{}, identity, sender, nil)

	// A failing peer must not panic or abort the round.
	emitter.Beat(context.Background())
	if sender.roundCount() != 1 {
		t.Errorf("rounds = %d, want 1", sender.roundCount())
	}
}

func TestEmitterLifecycle(t *testing.T) {
	identity := newTestIdentity(t)
	sender := &fakeBroadcaster{peers: []protocol.AgentID{"hive:agentid:peer"}}
	emitter := NewEmitter(Config{Interval: time.Second}, identity, sender, nil)

	if err := emitter.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := emitter.Start(); err == nil {
		t.Error("second Start should fail")
	}

	deadline := time.Now().Add(3 * time.Second)
	for sender.roundCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if sender.roundCount() == 0 {
		t.Fatal("no heartbeat round fired within the deadline")
	}

	emitter.Stop()
	rounds := sender.roundCount()
	time.Sleep(1200 * time.Millisecond)
	if sender.roundCount() != rounds {
		t.Error("heartbeat rounds continued after Stop")
	}

	// Stop on a stopped emitter is a no-op.
	emitter.Stop()
}
