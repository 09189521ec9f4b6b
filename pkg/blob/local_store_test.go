package blob

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestLocalBlobStore(t *testing.T) {
	tmpDir := t.TempDir()
	store := NewLocalBlobStore(tmpDir)
	ctx := context.Background()

	// 1. Put
	key := "unused/2024/06/01/1717200000_a.csv.gz"
	content := "hello world"
	if err := store.Put(ctx, key, strings.NewReader(content)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(tmpDir, filepath.FromSlash(key))); err != nil {
		t.Errorf("File was not created: %v", err)
	}

	// 2. Get
	reader, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	data, err := io.ReadAll(reader)
	reader.Close()
	if err != nil {
		t.Fatalf("Failed to read from reader: %v", err)
	}
	if string(data) != content {
		t.Errorf("Get content mismatch. Got %s, want %s", string(data), content)
	}

	// 3. List is sorted and slash separated
	key2 := "unused/2024/05/31/1717100000_b.csv.gz"
	if err := store.Put(ctx, key2, strings.NewReader("other")); err != nil {
		t.Fatal(err)
	}
	keys, err := store.List(ctx, "unused")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if want := []string{key2, key}; !reflect.DeepEqual(keys, want) {
		t.Errorf("List = %v, want %v", keys, want)
	}

	// 4. Delete
	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Get(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if _, err := store.Get(ctx, key2); err != nil {
		t.Error("Other file should still exist")
	}
}

func TestLocalBlobStoreMissingPrefix(t *testing.T) {
	store := NewLocalBlobStore(t.TempDir())
	keys, err := store.List(context.Background(), "nothing/here")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("expected no keys, got %v", keys)
	}
}

func TestLocalBlobStoreKeyStaysUnderRoot(t *testing.T) {
	root := t.TempDir()
	store := NewLocalBlobStore(filepath.Join(root, "blobs"))
	ctx := context.Background()

	if err := store.Put(ctx, "../escape.txt", strings.NewReader("x")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "escape.txt")); err == nil {
		t.Errorf("key escaped the blob root")
	}
	if err := store.Put(ctx, "dir/", strings.NewReader("x")); err == nil {
		t.Errorf("expected error for directory key")
	}
}
