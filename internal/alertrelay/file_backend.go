package alertrelay

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileDocumentBackend persists the document as one JSON file. A save copies
// the current file to <path>.backup, writes the new serialization to a temp
// file, and renames it over the live path, so a crash mid-write never leaves
// a half-written live file. A failed write restores from the backup.
type FileDocumentBackend struct {
	Path string
}

func NewFileDocumentBackend(path string) *FileDocumentBackend {
	return &FileDocumentBackend{Path: strings.TrimSpace(path)}
}

func (b *FileDocumentBackend) backupPath() string {
	return b.Path + ".backup"
}

func (b *FileDocumentBackend) Load() (*Document, error) {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (b *FileDocumentBackend) Save(doc *Document) error {
	if b == nil || strings.TrimSpace(b.Path) == "" || doc == nil {
		return nil
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	if current, readErr := os.ReadFile(b.Path); readErr == nil {
		if err := os.WriteFile(b.backupPath(), current, 0o644); err != nil {
			return err
		}
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		b.restoreBackup()
		return err
	}
	if err := os.Rename(tmp, b.Path); err != nil {
		b.restoreBackup()
		return err
	}
	return nil
}

func (b *FileDocumentBackend) restoreBackup() {
	backup, err := os.ReadFile(b.backupPath())
	if err != nil {
		return
	}
	_ = os.WriteFile(b.Path, backup, 0o644)
}

// MemoryDocumentBackend holds a deep-copied snapshot in memory. Used by
// tests and the memory:// DSN scheme.
type MemoryDocumentBackend struct {
	mu       sync.Mutex
	snapshot *Document
}

func NewMemoryDocumentBackend() *MemoryDocumentBackend {
	return &MemoryDocumentBackend{}
}

func (b *MemoryDocumentBackend) Load() (*Document, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.snapshot == nil {
		return nil, nil
	}
	return cloneDocument(b.snapshot)
}

func (b *MemoryDocumentBackend) Save(doc *Document) error {
	if b == nil || doc == nil {
		return nil
	}
	clone, err := cloneDocument(doc)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshot = clone
	return nil
}

func cloneDocument(doc *Document) (*Document, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var clone Document
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, err
	}
	return &clone, nil
}
