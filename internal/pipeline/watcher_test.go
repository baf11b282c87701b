package pipeline

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"cptesting/internal/tasks"
)

func TestDefinitionWatcherRebuildsGraph(t *testing.T) {
	dir := t.TempDir()
	w, err := NewDefinitionWatcher([]string{dir}, quietLogger(), func(def *Definition) error {
		return def.Override("isr", "expectedExposureType=bias")
	})
	if err != nil {
		t.Fatalf("watcher: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "isr.toml")
	if err := os.WriteFile(path, []byte(flatIsr), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-w.Events:
			if ev.Path != path {
				t.Fatalf("unexpected event for %s", ev.Path)
			}
			// A create may be observed before the content lands.
			if ev.Err != nil {
				continue
			}
			node, ok := ev.Graph.Task("isr")
			if !ok {
				t.Fatalf("rebuilt graph lacks isr")
			}
			if node.Connections.Has("flat") {
				t.Fatalf("rebuilt graph should follow the file's config")
			}
			if got := node.Config.(*tasks.IsrConfig).ExpectedExposureType; got != "bias" {
				t.Fatalf("override hook not applied, got %q", got)
			}
			return
		case <-deadline:
			t.Fatalf("timed out waiting for graph event")
		}
	}
}
