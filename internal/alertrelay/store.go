package alertrelay

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DocumentBackend loads and saves the whole routing document. Load returning
// (nil, nil) means the backend has no document yet.
type DocumentBackend interface {
	Load() (*Document, error)
	Save(doc *Document) error
}

type backendCloser interface {
	Close() error
}

type StoreOptions struct {
	// Backend is the primary document backend (remote when configured).
	Backend DocumentBackend
	// Fallback is tried when the primary fails, typically the local file
	// backend. May be nil.
	Fallback DocumentBackend
	Logger   *slog.Logger
	Now      func() time.Time
}

// Store owns the in-memory authoritative copy of the document. Every write
// goes through Update, which is the only path to the backing store.
type Store struct {
	mu       sync.Mutex
	doc      *Document
	backend  DocumentBackend
	fallback DocumentBackend
	logger   *slog.Logger
	now      func() time.Time

	lastSaved   []byte
	lastSavedAt time.Time
	dirty       bool
}

func NewStore(backend DocumentBackend) *Store {
	return NewStoreWithOptions(StoreOptions{Backend: backend})
}

func NewStoreWithOptions(opts StoreOptions) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &Store{
		backend:  opts.Backend,
		fallback: opts.Fallback,
		logger:   logger,
		now:      now,
	}
	s.doc = s.loadDocument()
	repaired := s.doc.Validate()
	if repaired || s.dirty {
		if err := s.saveLocked(); err != nil {
			s.dirty = true
			s.logger.Warn("failed to persist repaired document", "error", err)
		} else {
			s.dirty = false
		}
	}
	return s
}

// loadDocument tries the primary backend, then the fallback, and degrades to
// an empty document rather than failing startup.
func (s *Store) loadDocument() *Document {
	for _, backend := range []DocumentBackend{s.backend, s.fallback} {
		if backend == nil {
			continue
		}
		doc, err := backend.Load()
		if err != nil {
			s.logger.Warn("document load failed", "error", err)
			continue
		}
		if doc != nil {
			return doc
		}
	}
	doc := NewDocument()
	s.dirty = true
	return doc
}

// Update applies mutate to the document and persists only when the
// serialized state actually changed, or when a previous save failed and is
// still owed to the backend. Handlers call this defensively on every event;
// the diff check keeps the write amplification down.
func (s *Store) Update(description string, mutate func(doc *Document)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	before, err := json.Marshal(s.doc)
	if err != nil {
		return fmt.Errorf("serialize document before %s: %w", description, err)
	}
	mutate(s.doc)
	after, err := json.Marshal(s.doc)
	if err != nil {
		return fmt.Errorf("serialize document after %s: %w", description, err)
	}
	if bytes.Equal(before, after) && !s.dirty {
		return nil
	}
	if err := s.saveLocked(); err != nil {
		s.dirty = true
		return fmt.Errorf("persist document after %s: %w", description, err)
	}
	s.dirty = false
	return nil
}

// saveLocked writes through the primary backend, falling back to the local
// one on failure. Caller holds s.mu.
func (s *Store) saveLocked() error {
	data, err := json.Marshal(s.doc)
	if err != nil {
		return err
	}
	var saveErr error
	for _, backend := range []DocumentBackend{s.backend, s.fallback} {
		if backend == nil {
			continue
		}
		if err := backend.Save(s.doc); err != nil {
			saveErr = err
			s.logger.Warn("document save failed", "error", err)
			continue
		}
		s.lastSaved = data
		s.lastSavedAt = s.now()
		return nil
	}
	if saveErr == nil {
		saveErr = fmt.Errorf("no document backend configured")
	}
	return saveErr
}

// Heartbeat runs a no-op mutation through Update. It writes nothing when the
// document is unchanged, but retries a save that previously failed, so a
// broken backend surfaces in the logs between alerts rather than during one.
func (s *Store) Heartbeat() error {
	return s.Update("heartbeat", func(doc *Document) {})
}

// ForceSave persists unconditionally. Used on shutdown and from the panic
// recovery path, where losing a pending state correction is worse than one
// redundant write.
func (s *Store) ForceSave() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.saveLocked(); err != nil {
		s.dirty = true
		return err
	}
	s.dirty = false
	return nil
}

// Close releases backend resources after a final best-effort save.
func (s *Store) Close() error {
	if err := s.ForceSave(); err != nil {
		s.logger.Warn("final save failed", "error", err)
	}
	for _, backend := range []DocumentBackend{s.backend, s.fallback} {
		if closer, ok := backend.(backendCloser); ok {
			_ = closer.Close()
		}
	}
	return nil
}

// Token returns the user's webhook token, minting and persisting a fresh one
// on first need. Tokens are immutable once issued.
func (s *Store) Token(userID string) (string, error) {
	if userID == "" {
		return "", ErrInvalidInput
	}
	s.mu.Lock()
	existing := s.doc.UserTokens[userID]
	s.mu.Unlock()
	if existing != "" {
		return existing, nil
	}
	fresh, err := randomToken()
	if err != nil {
		return "", err
	}
	token := fresh
	err = s.Update("issue webhook token", func(doc *Document) {
		if current := doc.UserTokens[userID]; current != "" {
			token = current
			return
		}
		doc.UserTokens[userID] = fresh
		doc.TokenToUser[fresh] = userID
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

// ResolveUser maps a webhook token back to its user. An unknown token is a
// not-found condition, never a reason to fall back to another user.
func (s *Store) ResolveUser(token string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	userID, ok := s.doc.TokenToUser[token]
	return userID, ok
}

// Destination returns the configured destination for a user.
func (s *Store) Destination(userID string) (Destination, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dest, ok := s.doc.Destinations[userID]
	return dest, ok
}

// Installation returns the credential record for a workspace.
func (s *Store) Installation(workspaceID string) (Installation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.doc.Installations[workspaceID]
	return inst, ok
}

// Installations returns all installations ordered by workspace id. The order
// makes the resolver's probe loop deterministic.
func (s *Store) Installations() []Installation {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]Installation, 0, len(s.doc.Installations))
	for _, inst := range s.doc.Installations {
		result = append(result, inst)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].WorkspaceID < result[j].WorkspaceID
	})
	return result
}

// Health is the liveness snapshot served by GET /health.
type Health struct {
	Destinations  int       `json:"destinations"`
	Tokens        int       `json:"tokens"`
	Installations int       `json:"installations"`
	LastSavedAt   time.Time `json:"lastSavedAt"`
}

func (s *Store) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Health{
		Destinations:  len(s.doc.Destinations),
		Tokens:        len(s.doc.UserTokens),
		Installations: len(s.doc.Installations),
		LastSavedAt:   s.lastSavedAt,
	}
}

// randomToken returns a 128-bit random identifier in hex. The token is
// exposed publicly in webhook URLs, so it carries no user or workspace
// information.
func randomToken() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf[:]), nil
}
