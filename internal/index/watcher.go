package index

import (
	"context"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// watchedExtensions limits auto-ingestion to plain-text content.
var watchedExtensions = []string{".txt", ".md"}

// DocumentStore is the slice of Index the watcher needs.
type DocumentStore interface {
	AddDocument(ctx context.Context, name, content string) error
	RemoveDocument(name string) error
}

// Watcher auto-ingests documents from a directory: created or modified files
// are (re-)indexed under their base name, removed files are dropped.
type Watcher struct {
	dir     string
	store   DocumentStore
	log     zerolog.Logger
	watcher *fsnotify.Watcher
}

// NewWatcher creates a watcher on dir. Run must be called to start it.
func NewWatcher(dir string, store DocumentStore, log zerolog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, err
	}
	return &Watcher{
		dir:     dir,
		store:   store,
		log:     log.With().Str("component", "docwatcher").Str("dir", dir).Logger(),
		watcher: fw,
	}, nil
}

// Run ingests the directory's current contents, then processes events until
// ctx is canceled. Ingestion failures are logged, never fatal.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !watched(e.Name()) {
			continue
		}
		w.ingest(ctx, filepath.Join(w.dir, e.Name()))
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !watched(event.Name) {
				continue
			}
			switch {
			case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
				w.ingest(ctx, event.Name)
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				name := filepath.Base(event.Name)
				if err := w.store.RemoveDocument(name); err != nil {
					w.log.Warn().Err(err).Str("document", name).Msg("remove failed")
				}
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn().Err(err).Msg("watch error")
		}
	}
}

func (w *Watcher) ingest(ctx context.Context, path string) {
	content, err := os.ReadFile(path)
	if err != nil {
		w.log.Warn().Err(err).Str("path", path).Msg("read failed")
		return
	}
	name := filepath.Base(path)
	if err := w.store.AddDocument(ctx, name, string(content)); err != nil {
		w.log.Warn().Err(err).Str("document", name).Msg("ingest failed")
		return
	}
	w.log.Debug().Str("document", name).Msg("ingested")
}

func watched(path string) bool {
	ext := filepath.Ext(path)
	for _, e := range watchedExtensions {
		if ext == e {
			return true
		}
	}
	return false
}
