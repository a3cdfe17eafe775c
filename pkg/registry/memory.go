package registry

import (
	"context"
	"crypto/ed25519"
	"sort"
	"sync"

	"github.com/hivemesh-dev/hivemesh/protocol"
)

// MemoryRegistry is an in-process registry backed by a map. Suitable
// for tests and single-node meshes with statically configured peers.
type MemoryRegistry struct {
	mu      sync.RWMutex
	records map[protocol.AgentID]*Record
}

// NewMemoryRegistry creates an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		records: make(map[protocol.AgentID]*Record),
	}
}

// Register creates or replaces a record.
func (r *MemoryRegistry) Register(ctx context.Context, record *Record) error {
	if err := record.Validate(); err != nil {
		return err
	}
	clone := *record
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[record.ID] = &clone
	return nil
}

// Get retrieves a record by agent id.
func (r *MemoryRegistry) Get(ctx context.Context, id protocol.AgentID) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *record
	return &clone, nil
}

// GetPublicKey returns the decoded public key for an agent.
func (r *MemoryRegistry) GetPublicKey(ctx context.Context, id protocol.AgentID) (ed25519.PublicKey, error) {
	record, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return recordPublicKey(record)
}

// List returns all records sorted by id.
func (r *MemoryRegistry) List(ctx context.Context) ([]*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	records := make([]*Record, 0, len(r.records))
	for _, record := range r.records {
		clone := *record
		records = append(records, &clone)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records, nil
}

// Search returns records matching the free-text query.
func (r *MemoryRegistry) Search(ctx context.Context, query string) ([]*Record, error) {
	records, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	matched := records[:0]
	for _, record := range records {
		if matchRecord(record, query) {
			matched = append(matched, record)
		}
	}
	return matched, nil
}

// Close is a no-op for the in-memory backend.
func (r *MemoryRegistry) Close() error { return nil }
