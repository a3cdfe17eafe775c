package registry

import (
	"context"
	"path/filepath"
	"testing"
)

func TestSQLiteRegistry(t *testing.T) {
	reg, err := NewSQLiteRegistry(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("NewSQLiteRegistry: %v", err)
	}
	defer reg.Close()
	exerciseRegistry(t, reg)
}

func TestSQLiteRegistryPersistence(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "registry.db")

	reg, err := NewSQLiteRegistry(path)
	if err != nil {
		t.Fatalf("NewSQLiteRegistry: %v", err)
	}
	record := testRecord(t, "hive:agentid:durable")
	if err := reg.Register(ctx, record); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := NewSQLiteRegistry(path)
	if err != nil {
		t.Fatalf("NewSQLiteRegistry (reopen): %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Get(ctx, record.ID)
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if got.PublicKey != record.PublicKey {
		t.Error("record did not survive close and reopen")
	}
}
