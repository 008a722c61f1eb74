package alertrelay

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFileBackendRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "document.json")
	backend := NewFileDocumentBackend(path)

	doc := NewDocument()
	doc.Destinations["U1"] = Destination{ChannelID: "C1", Kind: "channel", WorkspaceID: "T1"}
	doc.UserTokens["U1"] = "tok_1"
	doc.TokenToUser["tok_1"] = "U1"
	if err := backend.Save(doc); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	loaded, err := backend.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.Destinations["U1"].ChannelID != "C1" {
		t.Fatalf("unexpected destination: %+v", loaded.Destinations["U1"])
	}
	if loaded.TokenToUser["tok_1"] != "U1" {
		t.Fatalf("unexpected token map: %+v", loaded.TokenToUser)
	}
}

func TestFileBackendLoadAbsentFile(t *testing.T) {
	backend := NewFileDocumentBackend(filepath.Join(t.TempDir(), "missing.json"))
	doc, err := backend.Load()
	if err != nil {
		t.Fatalf("expected absent file to load as nil, got error: %v", err)
	}
	if doc != nil {
		t.Fatalf("expected nil document for absent file")
	}
}

func TestFileBackendWritesBackupBeforeReplacing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "document.json")
	backend := NewFileDocumentBackend(path)

	first := NewDocument()
	first.UserTokens["U1"] = "tok_first"
	first.TokenToUser["tok_first"] = "U1"
	if err := backend.Save(first); err != nil {
		t.Fatalf("first save failed: %v", err)
	}
	if _, err := os.Stat(path + ".backup"); err == nil {
		t.Fatalf("no backup expected before the file exists")
	}

	second := NewDocument()
	second.UserTokens["U1"] = "tok_second"
	second.TokenToUser["tok_second"] = "U1"
	if err := backend.Save(second); err != nil {
		t.Fatalf("second save failed: %v", err)
	}

	backupBackend := NewFileDocumentBackend(path + ".backup")
	backup, err := backupBackend.Load()
	if err != nil {
		t.Fatalf("backup load failed: %v", err)
	}
	if backup.UserTokens["U1"] != "tok_first" {
		t.Fatalf("expected backup to hold the previous serialization, got %+v", backup.UserTokens)
	}

	live, err := backend.Load()
	if err != nil {
		t.Fatalf("live load failed: %v", err)
	}
	if live.UserTokens["U1"] != "tok_second" {
		t.Fatalf("expected live file updated, got %+v", live.UserTokens)
	}
}

func TestFileBackendLoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "document.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if _, err := NewFileDocumentBackend(path).Load(); err == nil {
		t.Fatalf("expected parse error for corrupt file")
	}
}
