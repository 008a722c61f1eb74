package alertrelay

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 250 * time.Millisecond

// WatchFile reloads the document when the backing file is replaced
// out-of-process (an operator hand-editing the JSON). Events are debounced
// because a save is a backup-write-rename sequence, and reloads that match
// the in-memory serialization are skipped so our own saves are ignored.
func (s *Store) WatchFile(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return err
	}
	target := filepath.Clean(path)

	go func() {
		defer watcher.Close()
		var timer *time.Timer
		var timerC <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(watchDebounce)
					timerC = timer.C
				} else {
					timer.Reset(watchDebounce)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("document watcher error", "error", err)
			case <-timerC:
				timer = nil
				timerC = nil
				s.reloadFromFile(target)
			}
		}
	}()
	return nil
}

func (s *Store) reloadFromFile(path string) {
	doc, err := NewFileDocumentBackend(path).Load()
	if err != nil {
		s.logger.Warn("document reload failed", "path", path, "error", err)
		return
	}
	if doc == nil {
		return
	}
	doc.Validate()
	incoming, err := json.Marshal(doc)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := json.Marshal(s.doc)
	if err == nil && bytes.Equal(current, incoming) {
		return
	}
	s.doc = doc
	s.logger.Info("document reloaded from file", "path", path)
}
