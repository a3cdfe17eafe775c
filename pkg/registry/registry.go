// Package registry stores agent records (identifier, public key,
// endpoint, capability descriptors) and answers the one question the
// protocol engine asks before every dispatch: what is this sender's
// public key? Backends cover single-process (memory), shared (Redis),
// durable (SQLite), and federated (remote HTTP) deployments.
package registry

import (
	"context"
	"crypto/ed25519"
	"errors"
	"strings"

	"github.com/hivemesh-dev/hivemesh/protocol"
)

// ErrNotFound is returned when no record exists for an agent id. A
// missing record means the sender is unauthenticated; callers must
// treat it as a normal lookup miss, never a crash.
var ErrNotFound = errors.New("agent not found")

// Record is one agent's registry entry.
type Record struct {
	ID           protocol.AgentID      `json:"id" yaml:"id"`
	Name         string                `json:"name,omitempty" yaml:"name,omitempty"`
	Description  string                `json:"description,omitempty" yaml:"description,omitempty"`
	PublicKey    string                `json:"public_key" yaml:"public_key"`
	Endpoint     string                `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Capabilities []protocol.Capability `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
}

// Validate checks that a record can be registered.
func (r *Record) Validate() error {
	if r == nil {
		return errors.New("nil record")
	}
	if !r.ID.Valid() {
		return protocol.NewError(protocol.KindInvalidMessageFormat, "invalid agent id %q", r.ID)
	}
	if _, err := protocol.DecodePublicKey(r.PublicKey); err != nil {
		return protocol.NewError(protocol.KindInvalidMessageFormat, "record for %s: %v", r.ID, err)
	}
	return nil
}

// Registry is the lookup contract the protocol engine and transport
// depend on. Implementations must be safe for concurrent use.
type Registry interface {
	// Register creates or replaces the record for record.ID.
	Register(ctx context.Context, record *Record) error

	// Get retrieves a record by agent id. Returns ErrNotFound when no
	// record exists.
	Get(ctx context.Context, id protocol.AgentID) (*Record, error)

	// GetPublicKey returns the decoded Ed25519 public key for an agent.
	// Returns ErrNotFound when the agent is unknown.
	GetPublicKey(ctx context.Context, id protocol.AgentID) (ed25519.PublicKey, error)

	// List returns all records.
	List(ctx context.Context) ([]*Record, error)

	// Search returns records matching a free-text query: a case-
	// insensitive substring match over id, name, and capability ids.
	Search(ctx context.Context, query string) ([]*Record, error)

	// Close releases any resources held by the backend.
	Close() error
}

// recordPublicKey decodes a record's stored public key.
func recordPublicKey(record *Record) (ed25519.PublicKey, error) {
	return protocol.DecodePublicKey(record.PublicKey)
}

// matchRecord implements the shared free-text query semantics.
func matchRecord(record *Record, query string) bool {
	if query == "" {
		return true
	}
	q := strings.ToLower(query)
	if strings.Contains(strings.ToLower(string(record.ID)), q) {
		return true
	}
	if strings.Contains(strings.ToLower(record.Name), q) {
		return true
	}
	for _, capability := range record.Capabilities {
		if strings.Contains(strings.ToLower(capability.ID), q) {
			return true
		}
	}
	return false
}
