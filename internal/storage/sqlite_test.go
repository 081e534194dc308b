package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func TestSQLiteKV_CRUD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "cache.db")
	store, err := NewSQLiteKV(path)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	ctx := context.Background()

	if _, found, err := store.Get(ctx, "missing"); err != nil || found {
		t.Fatalf("Get(missing) = found %v, err %v", found, err)
	}

	if err := store.Set(ctx, "qa_dataset_cache_a", `{"dim":3}`); err != nil {
		t.Fatal(err)
	}
	if err := store.Set(ctx, "qa_dataset_cache_a", `{"dim":4}`); err != nil {
		t.Fatal(err)
	}
	if err := store.Set(ctx, "other", "x"); err != nil {
		t.Fatal(err)
	}
	got, found, err := store.Get(ctx, "qa_dataset_cache_a")
	if err != nil || !found {
		t.Fatalf("Get = found %v, err %v", found, err)
	}
	if got != `{"dim":4}` {
		t.Errorf("expected overwrite, got %s", got)
	}

	keys, err := store.Keys(ctx, "qa_dataset_cache_")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 || keys[0] != "qa_dataset_cache_a" {
		t.Errorf("Keys = %v", keys)
	}

	if err := store.Delete(ctx, "qa_dataset_cache_a"); err != nil {
		t.Fatal(err)
	}
	if _, found, _ := store.Get(ctx, "qa_dataset_cache_a"); found {
		t.Error("expected key deleted")
	}
	if err := store.Delete(ctx, "never-set"); err != nil {
		t.Errorf("delete of missing key: %v", err)
	}
}

func TestSQLiteKV_Persistent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	ctx := context.Background()
	store, err := NewSQLiteKV(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Set(ctx, "k", "v"); err != nil {
		t.Fatal(err)
	}
	store.Close()

	reopened, err := NewSQLiteKV(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	if v, found, _ := reopened.Get(ctx, "k"); !found || v != "v" {
		t.Errorf("after reopen: %q found=%v", v, found)
	}
}

func TestMemoryKV_Capacity(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV(10)
	if err := kv.Set(ctx, "ab", "cdef"); err != nil {
		t.Fatal(err)
	}
	if err := kv.Set(ctx, "xy", "123456"); !errors.Is(err, ErrCapacity) {
		t.Fatalf("expected ErrCapacity, got %v", err)
	}
	// Replacing a value frees its old size first.
	if err := kv.Set(ctx, "ab", "12345678"); err != nil {
		t.Fatalf("replace within capacity: %v", err)
	}
	if err := kv.Delete(ctx, "ab"); err != nil {
		t.Fatal(err)
	}
	if err := kv.Set(ctx, "xy", "123456"); err != nil {
		t.Fatalf("after delete: %v", err)
	}
	if v, found, _ := kv.Get(ctx, "xy"); !found || v != "123456" {
		t.Errorf("Get = %q, %v", v, found)
	}

	unbounded := NewMemoryKV(0)
	if err := unbounded.Set(ctx, "k", string(make([]byte, 1<<20))); err != nil {
		t.Fatal(err)
	}
}
