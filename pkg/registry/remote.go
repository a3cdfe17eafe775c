package registry

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hivemesh-dev/hivemesh/protocol"
)

// RemoteRegistry queries a peer node's registry endpoints over HTTP
// (the routes pkg/transport serves). A 404 from the remote is a normal
// lookup miss and comes back as ErrNotFound.
type RemoteRegistry struct {
	baseURL string
	client  *http.Client
}

// NewRemoteRegistry creates a client for the registry served at
// baseURL (e.g. "http://peer:8080").
func NewRemoteRegistry(baseURL string, client *http.Client) *RemoteRegistry {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &RemoteRegistry{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

// Register publishes a record to the remote registry.
func (r *RemoteRegistry) Register(ctx context.Context, record *Record) error {
	if err := record.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/agents", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("register %s: %w", record.ID, err)
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("register %s: remote returned %s", record.ID, resp.Status)
	}
	return nil
}

// Get retrieves a record from the remote registry.
func (r *RemoteRegistry) Get(ctx context.Context, id protocol.AgentID) (*Record, error) {
	endpoint := r.baseURL + "/v1/agents/" + url.PathEscape(string(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	defer drain(resp)

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get %s: remote returned %s", id, resp.Status)
	}

	var record Record
	if err := json.NewDecoder(resp.Body).Decode(&record); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", id, err)
	}
	return &record, nil
}

// GetPublicKey returns the decoded public key for an agent.
func (r *RemoteRegistry) GetPublicKey(ctx context.Context, id protocol.AgentID) (ed25519.PublicKey, error) {
	record, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return recordPublicKey(record)
}

// List returns all records the remote knows.
func (r *RemoteRegistry) List(ctx context.Context) ([]*Record, error) {
	return r.query(ctx, "")
}

// Search forwards the free-text query to the remote.
func (r *RemoteRegistry) Search(ctx context.Context, query string) ([]*Record, error) {
	return r.query(ctx, query)
}

func (r *RemoteRegistry) query(ctx context.Context, query string) ([]*Record, error) {
	endpoint := r.baseURL + "/v1/agents"
	if query != "" {
		endpoint += "?q=" + url.QueryEscape(query)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query registry: %w", err)
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("query registry: remote returned %s", resp.Status)
	}

	var records []*Record
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("decode records: %w", err)
	}
	return records, nil
}

// Close is a no-op; the HTTP client owns no per-registry resources.
func (r *RemoteRegistry) Close() error { return nil }

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
