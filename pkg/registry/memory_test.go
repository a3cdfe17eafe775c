package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

func TestMemoryRegistry(t *testing.T) {
	reg := NewMemoryRegistry()
	defer reg.Close()
	exerciseRegistry(t, reg)
}

func TestMemoryRegistryIsolation(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry()
	defer reg.Close()

	record := testRecord(t, "hive:agentid:isolated")
	if err := reg.Register(ctx, record); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Mutating the caller's record must not leak into the registry.
	record.Name = "mutated after register"
	got, err := reg.Get(ctx, record.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name == "mutated after register" {
		t.Error("registry stored a reference to the caller's record")
	}

	// Mutating a returned record must not leak back either.
	got.Name = "mutated after get"
	again, err := reg.Get(ctx, record.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if again.Name == "mutated after get" {
		t.Error("registry returned a shared record")
	}
}

func TestMemoryRegistryConcurrent(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry()
	defer reg.Close()

	const goroutines = 16
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			record := testRecord(t, fmt.Sprintf("hive:agentid:agent-%02d", n))
			if err := reg.Register(ctx, record); err != nil {
				t.Errorf("Register: %v", err)
				return
			}
			if _, err := reg.Get(ctx, record.ID); err != nil {
				t.Errorf("Get: %v", err)
			}
			if _, err := reg.List(ctx); err != nil {
				t.Errorf("List: %v", err)
			}
		}(i)
	}
	wg.Wait()

	records, err := reg.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != goroutines {
		t.Errorf("List returned %d records, want %d", len(records), goroutines)
	}
	for i := 1; i < len(records); i++ {
		if records[i-1].ID >= records[i].ID {
			t.Errorf("List not sorted: %s before %s", records[i-1].ID, records[i].ID)
		}
	}
}
