package objectstore

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"testing"
)

func newTestStores(t *testing.T) map[string]Store {
	t.Helper()
	sqliteStore, err := NewSQLiteStore(filepath.Join(t.TempDir(), "objects.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { sqliteStore.Close() })

	return map[string]Store{
		"memstore": NewMemStore(),
		"sqlite":   sqliteStore,
	}
}

func TestStorePutGet(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := store.Put(ctx, "source/job-1", []byte("hello world")); err != nil {
				t.Fatalf("Put: %v", err)
			}
			data, err := store.Get(ctx, "source/job-1")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if string(data) != "hello world" {
				t.Errorf("expected 'hello world', got %q", data)
			}
		})
	}
}

func TestStoreGetMissing(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := store.Get(ctx, "does-not-exist"); err != ErrNotFound {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestStorePutOverwrites(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store.Put(ctx, "translated/job-1/0", []byte("first"))
			store.Put(ctx, "translated/job-1/0", []byte("second"))

			data, err := store.Get(ctx, "translated/job-1/0")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if string(data) != "second" {
				t.Errorf("expected last write to win, got %q", data)
			}
		})
	}
}

func TestStoreListPrefix(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store.Put(ctx, "translated/job-1/0", []byte("a"))
			store.Put(ctx, "translated/job-1/1", []byte("b"))
			store.Put(ctx, "translated/job-2/0", []byte("c"))

			keys, err := store.List(ctx, "translated/job-1/")
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(keys) != 2 {
				t.Errorf("expected 2 keys under job-1 prefix, got %d: %v", len(keys), keys)
			}
		})
	}
}

func TestStoreGetReader(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			large := strings.Repeat("streamed object content.\n", 20000)
			if err := store.Put(ctx, "source/job-stream", []byte(large)); err != nil {
				t.Fatalf("Put: %v", err)
			}

			r, err := store.GetReader(ctx, "source/job-stream")
			if err != nil {
				t.Fatalf("GetReader: %v", err)
			}
			defer r.Close()

			data, err := io.ReadAll(r)
			if err != nil {
				t.Fatalf("ReadAll: %v", err)
			}
			if string(data) != large {
				t.Errorf("GetReader content mismatch: got %d bytes, want %d", len(data), len(large))
			}
		})
	}
}

func TestStoreGetReaderMissing(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := store.GetReader(ctx, "does-not-exist"); err != ErrNotFound {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestStoreExistsAndDelete(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store.Put(ctx, "source/job-3", []byte("data"))

			exists, err := store.Exists(ctx, "source/job-3")
			if err != nil || !exists {
				t.Fatalf("expected object to exist, err=%v exists=%v", err, exists)
			}

			if err := store.Delete(ctx, "source/job-3"); err != nil {
				t.Fatalf("Delete: %v", err)
			}

			exists, err = store.Exists(ctx, "source/job-3")
			if err != nil || exists {
				t.Fatalf("expected object to be gone, err=%v exists=%v", err, exists)
			}
		})
	}
}
