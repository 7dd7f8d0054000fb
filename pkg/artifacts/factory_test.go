package artifacts

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func TestNewStore_Default(t *testing.T) {
	tmpDir := t.TempDir()

	store, err := NewStore(context.Background(), StorageConfig{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	fs, ok := store.(*FileStore)
	if !ok {
		t.Fatalf("Expected *FileStore, got %T", store)
	}
	expectedBase := filepath.Join(tmpDir, "artifacts")
	if fs.baseDir != expectedBase {
		t.Errorf("Expected baseDir %s, got %s", expectedBase, fs.baseDir)
	}
}

func TestNewStore_S3MissingBucket(t *testing.T) {
	_, err := NewStore(context.Background(), StorageConfig{Type: StoreTypeS3})
	if err == nil {
		t.Fatal("Expected error for missing S3 bucket")
	}
}

func TestNewStore_GCSMissingBucket(t *testing.T) {
	_, err := NewStore(context.Background(), StorageConfig{Type: StoreTypeGCS})
	if err == nil {
		t.Fatal("Expected error for missing GCS bucket")
	}
}

func TestNewStore_Unsupported(t *testing.T) {
	_, err := NewStore(context.Background(), StorageConfig{Type: "tape"})
	if err == nil {
		t.Fatal("Expected error for unsupported type")
	}
	if StoreType("tape").Valid() {
		t.Error("tape should not be a valid store type")
	}
}

func TestFileStore_EraseLifecycle(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	const id = "https://provider.example/artifacts/1"

	if _, err := store.IsErased(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound before put, got %v", err)
	}
	if err := store.Erase(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound erasing missing payload, got %v", err)
	}

	if err := store.Put(ctx, id, []byte("payload")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	got, err := store.Get(ctx, id)
	if err != nil || string(got) != "payload" {
		t.Fatalf("Get = %q, %v", got, err)
	}
	erased, err := store.IsErased(ctx, id)
	if err != nil || erased {
		t.Fatalf("IsErased before erase = %v, %v", erased, err)
	}

	if err := store.Erase(ctx, id); err != nil {
		t.Fatalf("Erase failed: %v", err)
	}
	erased, err = store.IsErased(ctx, id)
	if err != nil || !erased {
		t.Fatalf("IsErased after erase = %v, %v", erased, err)
	}
	got, err = store.Get(ctx, id)
	if err != nil || len(got) != 0 {
		t.Fatalf("Get after erase = %q, %v", got, err)
	}
}

func TestFileStore_DistinctIdentifiers(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	if err := store.Put(ctx, "a/../b", []byte("one")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := store.Put(ctx, "b", []byte("two")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	got, _ := store.Get(ctx, "a/../b")
	if string(got) != "one" {
		t.Errorf("Expected payload one, got %q", got)
	}
}
