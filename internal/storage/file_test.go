package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileEngineRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	engine, err := NewFileEngine(path, func(string, ...any) {})
	if err != nil {
		t.Fatalf("new file engine failed: %v", err)
	}
	defer engine.Close()

	if err := engine.SetItem(ctx, "ns", `{"a":1}`); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	value, ok, err := engine.GetItem(ctx, "ns")
	if err != nil || !ok || value != `{"a":1}` {
		t.Fatalf("expected stored value, got %q ok=%v err=%v", value, ok, err)
	}
}

func TestFileEngineSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")

	first, err := NewFileEngine(path, func(string, ...any) {})
	if err != nil {
		t.Fatalf("new file engine failed: %v", err)
	}
	if err := first.SetItem(ctx, "ns", "payload"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	first.Close()

	second, err := NewFileEngine(path, func(string, ...any) {})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer second.Close()
	value, ok, err := second.GetItem(ctx, "ns")
	if err != nil || !ok || value != "payload" {
		t.Fatalf("expected payload to survive restart, got %q ok=%v err=%v", value, ok, err)
	}
}

func TestFileEngineRemovePersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	engine, err := NewFileEngine(path, func(string, ...any) {})
	if err != nil {
		t.Fatalf("new file engine failed: %v", err)
	}
	defer engine.Close()

	if err := engine.SetItem(ctx, "ns", "payload"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := engine.RemoveItem(ctx, "ns"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read state file failed: %v", err)
	}
	if string(data) != "{}" {
		t.Fatalf("expected empty document on disk, got %s", data)
	}
}

func TestFileEngineInvalidatesOnExternalRewrite(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	engine, err := NewFileEngine(path, func(string, ...any) {})
	if err != nil {
		t.Fatalf("new file engine failed: %v", err)
	}
	defer engine.Close()
	if engine.watcher == nil {
		t.Skip("fsnotify unavailable on this host")
	}

	if err := engine.SetItem(ctx, "ns", "old"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	// Wait out the settle window so the rewrite is not mistaken for an
	// echo of our own flush.
	time.Sleep(fileWatchSettle + 100*time.Millisecond)
	if err := os.WriteFile(path, []byte(`{"ns":"new"}`), 0o644); err != nil {
		t.Fatalf("external rewrite failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		value, ok, err := engine.GetItem(ctx, "ns")
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if ok && value == "new" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("cache was not invalidated after external rewrite")
}
