package providers

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLocalProviderPutListDelete(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	p := NewLocalProvider(dir)

	for _, key := range []string{"a/2.png", "a/1.png", "b/1.png"} {
		if err := p.Put(ctx, key, strings.NewReader(key), int64(len(key)), "image/png"); err != nil {
			t.Fatalf("Put(%s): %v", key, err)
		}
	}

	keys, err := p.List(ctx, "a")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 2 || keys[0] != "a/1.png" || keys[1] != "a/2.png" {
		t.Fatalf("List(a) = %v", keys)
	}

	data, err := os.ReadFile(filepath.Join(dir, "b", "1.png"))
	if err != nil || string(data) != "b/1.png" {
		t.Fatalf("stored content = %q, %v", data, err)
	}

	if err := p.Delete(ctx, "b/1.png"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "b")); !os.IsNotExist(err) {
		t.Fatalf("empty directory not cleaned up: %v", err)
	}
	if err := p.Delete(ctx, "b/1.png"); err != nil {
		t.Fatalf("second Delete: %v", err)
	}

	keys, err = p.List(ctx, "missing")
	if err != nil || len(keys) != 0 {
		t.Fatalf("List(missing) = %v, %v", keys, err)
	}
}

func TestLocalProviderRejectsTraversal(t *testing.T) {
	p := NewLocalProvider(t.TempDir())
	if err := p.Put(context.Background(), "../escape.png", strings.NewReader("x"), 1, "image/png"); err == nil {
		t.Fatal("expected traversal to be rejected")
	}
}

func TestNewRejectsUnknownProvider(t *testing.T) {
	if _, err := New(context.Background(), Config{Provider: "ftp"}); err == nil {
		t.Fatal("expected error for unknown provider")
	}
	p, err := New(context.Background(), Config{Provider: "local", Path: t.TempDir()})
	if err != nil {
		t.Fatalf("New(local): %v", err)
	}
	if p.Name() != NameLocal {
		t.Fatalf("Name() = %q", p.Name())
	}
}
