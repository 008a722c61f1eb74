package alertrelay

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeDocumentFile(t *testing.T, path string, doc *Document) {
	t.Helper()
	if err := NewFileDocumentBackend(path).Save(doc); err != nil {
		t.Fatalf("write document file: %v", err)
	}
}

func TestReloadFromFileSwapsDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "document.json")
	store := NewStore(NewFileDocumentBackend(path))

	edited := NewDocument()
	edited.Destinations["U1"] = Destination{ChannelID: "C1", Kind: "channel"}
	writeDocumentFile(t, path, edited)

	store.reloadFromFile(path)
	if _, ok := store.Destination("U1"); !ok {
		t.Fatalf("expected external edit picked up")
	}
}

func TestReloadFromFileKeepsDocumentOnCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "document.json")
	store := NewStore(NewFileDocumentBackend(path))
	if _, err := store.Token("U1"); err != nil {
		t.Fatalf("token issue failed: %v", err)
	}

	if err := os.WriteFile(path, []byte("{half a docu"), 0o644); err != nil {
		t.Fatalf("corrupt file: %v", err)
	}
	store.reloadFromFile(path)
	if _, ok := store.ResolveUser(mustToken(t, store, "U1")); !ok {
		t.Fatalf("corrupt reload clobbered in-memory state")
	}
}

func TestReloadFromFileValidatesBeforeSwap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "document.json")
	store := NewStore(NewFileDocumentBackend(path))

	edited := NewDocument()
	edited.UserTokens["U1"] = "aaaa" // reverse entry missing: orphan
	writeDocumentFile(t, path, edited)

	store.reloadFromFile(path)
	if _, err := store.Token("U1"); err != nil {
		t.Fatalf("token after reload: %v", err)
	}
	if _, ok := store.ResolveUser("aaaa"); ok {
		t.Fatalf("expected orphaned token swept during reload")
	}
}

func mustToken(t *testing.T, store *Store, userID string) string {
	t.Helper()
	token, err := store.Token(userID)
	if err != nil {
		t.Fatalf("token issue failed: %v", err)
	}
	return token
}

func TestWatchFilePicksUpExternalEdit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "document.json")
	store := NewStore(NewFileDocumentBackend(path))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := store.WatchFile(ctx, path); err != nil {
		t.Fatalf("watch failed: %v", err)
	}

	edited := NewDocument()
	edited.Destinations["U1"] = Destination{ChannelID: "C1", Kind: "channel"}
	writeDocumentFile(t, path, edited)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := store.Destination("U1"); ok {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("external edit never reloaded")
}
