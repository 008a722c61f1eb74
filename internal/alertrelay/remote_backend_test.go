package alertrelay

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestRemoteBackendSavePatchesWholeDocument(t *testing.T) {
	var gotMethod string
	var gotAuth string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotAuth = r.Header.Get("Authorization")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	backend := NewRemoteDocumentBackend(RemoteBackendOptions{BaseURL: srv.URL, AuthToken: "secret"})
	doc := NewDocument()
	doc.Destinations["U1"] = Destination{ChannelID: "C1", Kind: "channel"}
	if err := backend.Save(doc); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if gotMethod != http.MethodPatch {
		t.Fatalf("expected PATCH, got %s", gotMethod)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("unexpected auth header: %q", gotAuth)
	}
	var sent Document
	if err := json.Unmarshal(gotBody, &sent); err != nil {
		t.Fatalf("body was not a document: %v", err)
	}
	if sent.Destinations["U1"].ChannelID != "C1" {
		t.Fatalf("unexpected payload: %s", gotBody)
	}
}

func TestRemoteBackendLoadMissingDocument(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	backend := NewRemoteDocumentBackend(RemoteBackendOptions{BaseURL: srv.URL})
	doc, err := backend.Load()
	if err != nil {
		t.Fatalf("expected missing remote document to load as nil, got %v", err)
	}
	if doc != nil {
		t.Fatalf("expected nil document")
	}
}

func TestRemoteBackendRetriesRateLimit(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"destinations":{},"userTokens":{},"tokenToUser":{},"installations":{}}`))
	}))
	defer srv.Close()

	backend := NewRemoteDocumentBackend(RemoteBackendOptions{BaseURL: srv.URL, BaseDelay: 1, MaxDelay: 1})
	doc, err := backend.Load()
	if err != nil {
		t.Fatalf("load failed after retry: %v", err)
	}
	if doc == nil {
		t.Fatalf("expected document")
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected 2 calls, got %d", got)
	}
}

func TestRemoteBackendSurfacesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"schema mismatch"}`))
	}))
	defer srv.Close()

	backend := NewRemoteDocumentBackend(RemoteBackendOptions{BaseURL: srv.URL})
	if err := backend.Save(NewDocument()); err == nil {
		t.Fatalf("expected save error")
	}
}
