package cluster

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/JiHyuk-Byun/agent-infra/pkg/backend"
)

func writeEndpoints(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write endpoints file: %v", err)
	}
}

func waitForBackends(t *testing.T, registry *backend.Registry, model string, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		if got := len(registry.ListForModel(model)); got == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("registry never reached %d backends for %s (have %d)",
				want, model, len(registry.ListForModel(model)))
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestWatcherReconcilesOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "endpoints.yaml")
	writeEndpoints(t, path, `
endpoints:
  - model: llama
    host: 127.0.0.1
    port: 5900
`)

	registry := backend.NewRegistry()
	watcher, err := NewWatcher(path, registry, 0)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		if err := watcher.Watch(ctx); err != nil {
			t.Errorf("Watch: %v", err)
		}
	}()

	// Initial load applies the current file.
	waitForBackends(t, registry, "llama", 1)

	// Growing the file adds a replica.
	writeEndpoints(t, path, `
endpoints:
  - model: llama
    host: 127.0.0.1
    port: 5900
  - model: llama
    host: 127.0.0.1
    port: 5901
`)
	waitForBackends(t, registry, "llama", 2)

	// Shrinking removes the dropped replica.
	writeEndpoints(t, path, `
endpoints:
  - model: llama
    host: 127.0.0.1
    port: 5900
`)
	waitForBackends(t, registry, "llama", 1)
}
