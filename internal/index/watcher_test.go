package index

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// recorderStore records document mutations for watcher tests.
type recorderStore struct {
	mu      sync.Mutex
	added   map[string]string
	removed []string
}

func newRecorderStore() *recorderStore {
	return &recorderStore{added: make(map[string]string)}
}

func (r *recorderStore) AddDocument(ctx context.Context, name, content string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.added[name] = content
	return nil
}

func (r *recorderStore) RemoveDocument(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, name)
	return nil
}

func (r *recorderStore) hasDoc(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.added[name]
	return ok
}

func (r *recorderStore) removedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.removed)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestWatcherIngestsExistingAndNewFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "existing.txt"), []byte("already here"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	store := newRecorderStore()
	w, err := NewWatcher(dir, store, zerolog.Nop())
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	waitFor(t, func() bool { return store.hasDoc("existing.txt") })

	if err := os.WriteFile(filepath.Join(dir, "new.md"), []byte("fresh"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, func() bool { return store.hasDoc("new.md") })

	// Unwatched extensions are ignored.
	if err := os.WriteFile(filepath.Join(dir, "skip.bin"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.Remove(filepath.Join(dir, "new.md")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	waitFor(t, func() bool { return store.removedCount() > 0 })
	if store.hasDoc("skip.bin") {
		t.Fatalf("unwatched extension ingested")
	}

	cancel()
	<-done
}
