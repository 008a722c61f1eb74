package alertrelay

import (
	"errors"
	"sync/atomic"
	"testing"
)

type countingBackend struct {
	inner     DocumentBackend
	loadCalls int32
	saveCalls int32
	failSaves int32
}

func (b *countingBackend) Load() (*Document, error) {
	atomic.AddInt32(&b.loadCalls, 1)
	if b.inner == nil {
		return nil, nil
	}
	return b.inner.Load()
}

func (b *countingBackend) Save(doc *Document) error {
	atomic.AddInt32(&b.saveCalls, 1)
	if atomic.LoadInt32(&b.failSaves) > 0 {
		atomic.AddInt32(&b.failSaves, -1)
		return errors.New("save unavailable")
	}
	if b.inner == nil {
		return nil
	}
	return b.inner.Save(doc)
}

type failingBackend struct{}

func (failingBackend) Load() (*Document, error) { return nil, errors.New("backend down") }
func (failingBackend) Save(doc *Document) error { return errors.New("backend down") }

func newTestStore(t *testing.T) (*Store, *countingBackend) {
	t.Helper()
	backend := &countingBackend{inner: NewMemoryDocumentBackend()}
	store := NewStoreWithOptions(StoreOptions{Backend: backend})
	return store, backend
}

func TestUpdateSkipsSaveWhenUnchanged(t *testing.T) {
	store, backend := newTestStore(t)
	baseline := atomic.LoadInt32(&backend.saveCalls)

	if err := store.Update("noop", func(doc *Document) {}); err != nil {
		t.Fatalf("noop update failed: %v", err)
	}
	if got := atomic.LoadInt32(&backend.saveCalls); got != baseline {
		t.Fatalf("expected no save for unchanged document, got %d extra", got-baseline)
	}

	if err := store.Update("set destination", func(doc *Document) {
		doc.Destinations["U1"] = Destination{ChannelID: "C1", Kind: "channel"}
	}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if got := atomic.LoadInt32(&backend.saveCalls); got != baseline+1 {
		t.Fatalf("expected exactly one save, got %d", got-baseline)
	}
}

func TestHeartbeatWritesAtMostOnceWhenUnchanged(t *testing.T) {
	store, backend := newTestStore(t)
	if err := store.Update("seed", func(doc *Document) {
		doc.Destinations["U1"] = Destination{ChannelID: "C1", Kind: "channel"}
	}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	baseline := atomic.LoadInt32(&backend.saveCalls)

	if err := store.Heartbeat(); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}
	if err := store.Heartbeat(); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}
	if got := atomic.LoadInt32(&backend.saveCalls) - baseline; got > 1 {
		t.Fatalf("expected at most one write from back-to-back heartbeats, got %d", got)
	}
}

func TestHeartbeatRetriesAfterFailedSave(t *testing.T) {
	store, backend := newTestStore(t)
	atomic.StoreInt32(&backend.failSaves, 1)

	err := store.Update("set destination", func(doc *Document) {
		doc.Destinations["U1"] = Destination{ChannelID: "C1", Kind: "channel"}
	})
	if err == nil {
		t.Fatalf("expected save failure to propagate")
	}

	if err := store.Heartbeat(); err != nil {
		t.Fatalf("heartbeat retry failed: %v", err)
	}
	loaded, err := backend.inner.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.Destinations["U1"].ChannelID != "C1" {
		t.Fatalf("expected heartbeat to flush the owed mutation")
	}
}

func TestTokenRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)

	token1, err := store.Token("U1")
	if err != nil {
		t.Fatalf("token issue failed: %v", err)
	}
	if len(token1) != 32 {
		t.Fatalf("expected 128-bit hex token, got %q", token1)
	}
	token2, err := store.Token("U1")
	if err != nil {
		t.Fatalf("token lookup failed: %v", err)
	}
	if token1 != token2 {
		t.Fatalf("token changed between calls: %q vs %q", token1, token2)
	}
	userID, ok := store.ResolveUser(token1)
	if !ok || userID != "U1" {
		t.Fatalf("resolve user got (%q, %v), want (U1, true)", userID, ok)
	}
}

func TestResolveUserUnknownToken(t *testing.T) {
	store, _ := newTestStore(t)
	if _, ok := store.ResolveUser("tok_unknown"); ok {
		t.Fatalf("expected unknown token to miss")
	}
}

func TestStoreFallsBackToSecondaryOnLoad(t *testing.T) {
	fallback := NewMemoryDocumentBackend()
	seed := NewDocument()
	seed.Destinations["U1"] = Destination{ChannelID: "C9", Kind: "channel"}
	if err := fallback.Save(seed); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	store := NewStoreWithOptions(StoreOptions{
		Backend:  failingBackend{},
		Fallback: fallback,
	})
	dest, ok := store.Destination("U1")
	if !ok || dest.ChannelID != "C9" {
		t.Fatalf("expected document loaded from fallback, got (%+v, %v)", dest, ok)
	}
}

func TestStoreSynthesizesEmptyDocument(t *testing.T) {
	store := NewStoreWithOptions(StoreOptions{Backend: failingBackend{}})
	health := store.Health()
	if health.Destinations != 0 || health.Tokens != 0 || health.Installations != 0 {
		t.Fatalf("expected empty synthesized document, got %+v", health)
	}
}

func TestStoreRepairsDocumentOnLoad(t *testing.T) {
	backend := NewMemoryDocumentBackend()
	seed := NewDocument()
	seed.UserTokens["U1"] = "tok_1"
	seed.TokenToUser["tok_1"] = "U1"
	seed.TokenToUser["tok_orphan"] = "U1"
	if err := backend.Save(seed); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	store := NewStoreWithOptions(StoreOptions{Backend: backend})
	if _, ok := store.ResolveUser("tok_orphan"); ok {
		t.Fatalf("expected orphan removed on load")
	}
	persisted, err := backend.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if _, exists := persisted.TokenToUser["tok_orphan"]; exists {
		t.Fatalf("expected repair persisted immediately")
	}
}

func TestInstallationsOrderedByWorkspace(t *testing.T) {
	store, _ := newTestStore(t)
	err := store.Update("seed installs", func(doc *Document) {
		doc.Installations["T3"] = Installation{WorkspaceID: "T3"}
		doc.Installations["T1"] = Installation{WorkspaceID: "T1"}
		doc.Installations["T2"] = Installation{WorkspaceID: "T2"}
	})
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	installs := store.Installations()
	if len(installs) != 3 {
		t.Fatalf("expected 3 installations, got %d", len(installs))
	}
	for i, want := range []string{"T1", "T2", "T3"} {
		if installs[i].WorkspaceID != want {
			t.Fatalf("position %d: got %s, want %s", i, installs[i].WorkspaceID, want)
		}
	}
}
