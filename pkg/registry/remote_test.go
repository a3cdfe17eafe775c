package registry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/hivemesh-dev/hivemesh/protocol"
)

// remoteFixture serves the registry routes from an in-memory backend,
// the same shape the transport package exposes.
func remoteFixture(t *testing.T) *httptest.Server {
	t.Helper()
	var mu sync.RWMutex
	backing := NewMemoryRegistry()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/agents", func(w http.ResponseWriter, r *http.Request) {
		var record Record
		if err := json.NewDecoder(r.Body).Decode(&record); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if err := backing.Register(r.Context(), &record); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("GET /v1/agents/{id}", func(w http.ResponseWriter, r *http.Request) {
		mu.RLock()
		defer mu.RUnlock()
		record, err := backing.Get(r.Context(), protocol.AgentID(r.PathValue("id")))
		if errors.Is(err, ErrNotFound) {
			http.Error(w, "agent not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(record)
	})
	mux.HandleFunc("GET /v1/agents", func(w http.ResponseWriter, r *http.Request) {
		mu.RLock()
		defer mu.RUnlock()
		records, err := backing.Search(r.Context(), r.URL.Query().Get("q"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if records == nil {
			records = []*Record{}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(records)
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestRemoteRegistry(t *testing.T) {
	server := remoteFixture(t)
	reg := NewRemoteRegistry(server.URL, server.Client())
	defer reg.Close()
	exerciseRegistry(t, reg)
}

func TestRemoteRegistryServerErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("500 is an error not a miss", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}))
		defer server.Close()

		reg := NewRemoteRegistry(server.URL, server.Client())
		_, err := reg.Get(ctx, "hive:agentid:any")
		if err == nil {
			t.Fatal("Get returned no error for a 500 response")
		}
		if errors.Is(err, ErrNotFound) {
			t.Error("a 500 response must not map to ErrNotFound")
		}
	})

	t.Run("unreachable remote", func(t *testing.T) {
		reg := NewRemoteRegistry("http://127.0.0.1:1", nil)
		if _, err := reg.Get(ctx, "hive:agentid:any"); err == nil {
			t.Error("Get returned no error for an unreachable remote")
		}
	})

	t.Run("malformed body", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("not json"))
		}))
		defer server.Close()

		reg := NewRemoteRegistry(server.URL, server.Client())
		if _, err := reg.Get(ctx, "hive:agentid:any"); err == nil {
			t.Error("Get returned no error for a malformed response body")
		}
	})
}
