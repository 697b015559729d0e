package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"diffsync-server/internal/domain"
	"diffsync-server/internal/engine"
)

type sessionKey struct {
	documentID string
	clientID   string
}

// memoryStore holds the session state shared by the client and server
// in-memory stores.
type memoryStore[T, D any] struct {
	mu      sync.RWMutex
	shadows map[sessionKey]domain.ShadowDocument[T]
	backups map[sessionKey]map[uint64]domain.BackupShadowDocument[T]
	edits   map[sessionKey][]domain.Edit[D]
}

func newMemoryStore[T, D any]() memoryStore[T, D] {
	return memoryStore[T, D]{
		shadows: make(map[sessionKey]domain.ShadowDocument[T]),
		backups: make(map[sessionKey]map[uint64]domain.BackupShadowDocument[T]),
		edits:   make(map[sessionKey][]domain.Edit[D]),
	}
}

func (s *memoryStore[T, D]) SaveShadow(_ context.Context, shadow domain.ShadowDocument[T]) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shadows[sessionKey{shadow.Document.ID, shadow.Document.ClientID}] = shadow
	return nil
}

func (s *memoryStore[T, D]) GetShadow(_ context.Context, documentID, clientID string) (domain.ShadowDocument[T], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	shadow, ok := s.shadows[sessionKey{documentID, clientID}]
	if !ok {
		return shadow, fmt.Errorf("shadow %s/%s: %w", documentID, clientID, engine.ErrNotFound)
	}
	return shadow, nil
}

func (s *memoryStore[T, D]) SaveBackup(_ context.Context, backup domain.BackupShadowDocument[T]) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sessionKey{backup.Shadow.Document.ID, backup.Shadow.Document.ClientID}
	generations, ok := s.backups[key]
	if !ok {
		generations = make(map[uint64]domain.BackupShadowDocument[T])
		s.backups[key] = generations
	}
	generations[backup.Version] = backup
	return nil
}

func (s *memoryStore[T, D]) GetBackup(_ context.Context, documentID, clientID string, version uint64) (domain.BackupShadowDocument[T], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	backup, ok := s.backups[sessionKey{documentID, clientID}][version]
	if !ok {
		return backup, fmt.Errorf("backup %s/%s@%d: %w", documentID, clientID, version, engine.ErrNotFound)
	}
	return backup, nil
}

func (s *memoryStore[T, D]) ResetBackups(_ context.Context, backup domain.BackupShadowDocument[T]) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sessionKey{backup.Shadow.Document.ID, backup.Shadow.Document.ClientID}
	s.backups[key] = map[uint64]domain.BackupShadowDocument[T]{backup.Version: backup}
	return nil
}

func (s *memoryStore[T, D]) SaveEdit(_ context.Context, documentID, clientID string, edit domain.Edit[D]) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sessionKey{documentID, clientID}
	s.edits[key] = append(s.edits[key], edit.Clone())
	return nil
}

func (s *memoryStore[T, D]) GetEdits(_ context.Context, documentID, clientID string) ([]domain.Edit[D], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	queued := s.edits[sessionKey{documentID, clientID}]
	out := make([]domain.Edit[D], len(queued))
	for i, e := range queued {
		out[i] = e.Clone()
	}
	return out, nil
}

func (s *memoryStore[T, D]) RemoveEdit(_ context.Context, documentID, clientID string, edit domain.Edit[D]) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sessionKey{documentID, clientID}
	queued := s.edits[key]
	kept := queued[:0]
	for _, e := range queued {
		if e.ClientVersion == edit.ClientVersion && e.ServerVersion == edit.ServerVersion {
			continue
		}
		kept = append(kept, e)
	}
	if len(kept) == 0 {
		delete(s.edits, key)
		return nil
	}
	s.edits[key] = kept
	return nil
}

func (s *memoryStore[T, D]) RemoveEdits(_ context.Context, documentID, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.edits, sessionKey{documentID, clientID})
	return nil
}

func (s *memoryStore[T, D]) removeSession(key sessionKey) {
	delete(s.shadows, key)
	delete(s.backups, key)
	delete(s.edits, key)
}

// ClientMemoryStore keeps client state in process memory.
type ClientMemoryStore[T, D any] struct {
	memoryStore[T, D]
	documents map[sessionKey]domain.ClientDocument[T]
}

func NewClientMemoryStore[T, D any]() *ClientMemoryStore[T, D] {
	return &ClientMemoryStore[T, D]{
		memoryStore: newMemoryStore[T, D](),
		documents:   make(map[sessionKey]domain.ClientDocument[T]),
	}
}

func (s *ClientMemoryStore[T, D]) SaveClientDocument(_ context.Context, doc domain.ClientDocument[T]) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.documents[sessionKey{doc.ID, doc.ClientID}] = doc
	return nil
}

func (s *ClientMemoryStore[T, D]) GetClientDocument(_ context.Context, documentID, clientID string) (domain.ClientDocument[T], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.documents[sessionKey{documentID, clientID}]
	if !ok {
		return doc, fmt.Errorf("document %s/%s: %w", documentID, clientID, engine.ErrNotFound)
	}
	return doc, nil
}

func (s *ClientMemoryStore[T, D]) RemoveDocument(_ context.Context, documentID, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sessionKey{documentID, clientID}
	delete(s.documents, key)
	s.removeSession(key)
	return nil
}

// ServerMemoryStore keeps canonical documents and client sessions in
// process memory.
type ServerMemoryStore[T, D any] struct {
	memoryStore[T, D]
	documents map[string]domain.Document[T]
}

func NewServerMemoryStore[T, D any]() *ServerMemoryStore[T, D] {
	return &ServerMemoryStore[T, D]{
		memoryStore: newMemoryStore[T, D](),
		documents:   make(map[string]domain.Document[T]),
	}
}

func (s *ServerMemoryStore[T, D]) SaveDocument(_ context.Context, doc domain.Document[T]) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.documents[doc.ID] = doc
	return nil
}

func (s *ServerMemoryStore[T, D]) GetDocument(_ context.Context, documentID string) (domain.Document[T], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.documents[documentID]
	if !ok {
		return doc, fmt.Errorf("document %s: %w", documentID, engine.ErrNotFound)
	}
	return doc, nil
}

func (s *ServerMemoryStore[T, D]) ClientIDs(_ context.Context, documentID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for key := range s.shadows {
		if key.documentID == documentID {
			ids = append(ids, key.clientID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *ServerMemoryStore[T, D]) RemoveClient(_ context.Context, documentID, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeSession(sessionKey{documentID, clientID})
	return nil
}
