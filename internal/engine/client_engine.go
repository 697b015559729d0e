package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"diffsync-server/internal/domain"

	"go.uber.org/zap"
)

// PatchListener is called with the live document after a patch message
// changed it.
type PatchListener[T any] func(doc domain.ClientDocument[T])

// ClientEngine drives the client half of differential synchronization for
// any number of documents.
type ClientEngine[T, D any] struct {
	synchronizer ClientSynchronizer[T, D]
	store        ClientDataStore[T, D]
	logger       *zap.Logger
	locks        *keyedMutex

	listenersMu sync.RWMutex
	listeners   []PatchListener[T]
}

func NewClientEngine[T, D any](synchronizer ClientSynchronizer[T, D], store ClientDataStore[T, D], logger *zap.Logger) *ClientEngine[T, D] {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ClientEngine[T, D]{
		synchronizer: synchronizer,
		store:        store,
		logger:       logger.Named("client-engine"),
		locks:        newKeyedMutex(),
	}
}

func (e *ClientEngine[T, D]) AddPatchListener(listener PatchListener[T]) {
	e.listenersMu.Lock()
	defer e.listenersMu.Unlock()
	e.listeners = append(e.listeners, listener)
}

// AddDocument starts tracking doc with a shadow and backup at version 0.
func (e *ClientEngine[T, D]) AddDocument(ctx context.Context, doc domain.ClientDocument[T]) error {
	unlock := e.locks.Lock(doc.ID)
	defer unlock()

	_, err := e.store.GetShadow(ctx, doc.ID, doc.ClientID)
	if err == nil {
		return &DocumentAlreadyManagedError{DocumentID: doc.ID, ClientID: doc.ClientID}
	}
	if !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("failed to get shadow: %w", err)
	}

	shadow := domain.NewShadowDocument(0, 0, doc)

	if err := e.store.SaveClientDocument(ctx, doc); err != nil {
		return fmt.Errorf("failed to save document: %w", err)
	}
	if err := e.store.SaveShadow(ctx, shadow); err != nil {
		return fmt.Errorf("failed to save shadow: %w", err)
	}
	if err := e.store.SaveBackup(ctx, domain.NewBackupShadowDocument(0, shadow)); err != nil {
		return fmt.Errorf("failed to save backup: %w", err)
	}

	e.logger.Debug("document added",
		zap.String("document_id", doc.ID),
		zap.String("client_id", doc.ClientID),
	)

	return nil
}

func (e *ClientEngine[T, D]) Document(ctx context.Context, documentID, clientID string) (domain.ClientDocument[T], error) {
	doc, err := e.store.GetClientDocument(ctx, documentID, clientID)
	if err != nil {
		return domain.ClientDocument[T]{}, notFound(err, documentID, clientID)
	}
	return doc, nil
}

// Diff records doc as the live document and returns every edit the server
// has not acknowledged yet, including the one computed for doc. The shadow
// the edit was computed against is kept as the backup for its version.
func (e *ClientEngine[T, D]) Diff(ctx context.Context, doc domain.ClientDocument[T]) (domain.PatchMessage[D], error) {
	unlock := e.locks.Lock(doc.ID)
	defer unlock()

	shadow, err := e.store.GetShadow(ctx, doc.ID, doc.ClientID)
	if err != nil {
		return domain.PatchMessage[D]{}, notFound(err, doc.ID, doc.ClientID)
	}

	edit, err := e.synchronizer.Diff(doc.Content, shadow)
	if err != nil {
		return domain.PatchMessage[D]{}, &SynchronizationError{Op: "diff", DocumentID: doc.ID, Err: err}
	}

	pending, err := e.store.GetEdits(ctx, doc.ID, doc.ClientID)
	if err != nil {
		return domain.PatchMessage[D]{}, fmt.Errorf("failed to get edits: %w", err)
	}

	if err := e.store.SaveBackup(ctx, domain.NewBackupShadowDocument(shadow.ClientVersion, shadow)); err != nil {
		return domain.PatchMessage[D]{}, fmt.Errorf("failed to save backup: %w", err)
	}

	if err := e.store.SaveEdit(ctx, doc.ID, doc.ClientID, edit); err != nil {
		return domain.PatchMessage[D]{}, fmt.Errorf("failed to save edit: %w", err)
	}
	if err := e.store.SaveShadow(ctx, shadow.WithContent(doc.Content).IncrementClientVersion()); err != nil {
		return domain.PatchMessage[D]{}, fmt.Errorf("failed to save shadow: %w", err)
	}
	if err := e.store.SaveClientDocument(ctx, doc); err != nil {
		return domain.PatchMessage[D]{}, fmt.Errorf("failed to save document: %w", err)
	}

	return domain.NewPatchMessage(doc.ID, doc.ClientID, append(pending, edit)), nil
}

// PendingEdits returns the unacknowledged edits, for resending after a
// reconnect.
func (e *ClientEngine[T, D]) PendingEdits(ctx context.Context, documentID, clientID string) (domain.PatchMessage[D], error) {
	unlock := e.locks.Lock(documentID)
	defer unlock()

	if _, err := e.store.GetShadow(ctx, documentID, clientID); err != nil {
		return domain.PatchMessage[D]{}, notFound(err, documentID, clientID)
	}

	pending, err := e.store.GetEdits(ctx, documentID, clientID)
	if err != nil {
		return domain.PatchMessage[D]{}, fmt.Errorf("failed to get edits: %w", err)
	}

	return domain.NewPatchMessage(documentID, clientID, pending), nil
}

type clientState[T any] struct {
	doc    domain.ClientDocument[T]
	shadow domain.ShadowDocument[T]
}

// Patch applies the server edits in msg in order. Processing stops at the
// first failing edit; edits applied before it stay applied.
func (e *ClientEngine[T, D]) Patch(ctx context.Context, msg domain.PatchMessage[D]) (domain.ClientDocument[T], error) {
	unlock := e.locks.Lock(msg.DocumentID)
	defer unlock()

	st, err := e.state(ctx, msg.DocumentID, msg.ClientID)
	if err != nil {
		return domain.ClientDocument[T]{}, err
	}

	changed := false
	for _, edit := range msg.Edits {
		applied, err := e.applyEdit(ctx, st, edit)
		if err != nil {
			if changed {
				e.notify(st.doc)
			}
			return domain.ClientDocument[T]{}, err
		}
		changed = changed || applied
	}

	if changed {
		e.notify(st.doc)
	}

	return st.doc, nil
}

func (e *ClientEngine[T, D]) state(ctx context.Context, documentID, clientID string) (*clientState[T], error) {
	doc, err := e.store.GetClientDocument(ctx, documentID, clientID)
	if err != nil {
		return nil, notFound(err, documentID, clientID)
	}
	shadow, err := e.store.GetShadow(ctx, documentID, clientID)
	if err != nil {
		return nil, notFound(err, documentID, clientID)
	}

	return &clientState[T]{doc: doc, shadow: shadow}, nil
}

func (e *ClientEngine[T, D]) applyEdit(ctx context.Context, st *clientState[T], edit domain.Edit[D]) (bool, error) {
	documentID, clientID := st.shadow.Document.ID, st.shadow.Document.ClientID

	if edit.Seed {
		return e.applySeed(ctx, st, edit)
	}

	shadow := st.shadow
	restored := false

	switch {
	case edit.ServerVersion < shadow.ServerVersion:
		e.logger.Debug("skipping duplicate edit",
			zap.String("document_id", documentID),
			zap.Uint64("server_version", edit.ServerVersion),
		)
		return false, acknowledge(ctx, e.store, documentID, clientID, edit.ClientVersion, clientVersion[D])

	case edit.ClientVersion < shadow.ClientVersion:
		backup, err := e.store.GetBackup(ctx, documentID, clientID, edit.ClientVersion)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return false, fmt.Errorf("failed to get backup: %w", err)
		}
		if err != nil || backup.Shadow.ServerVersion != edit.ServerVersion {
			return false, conflict(ctx, e.store, shadow, edit)
		}
		shadow = backup.Shadow
		restored = true
	}

	if edit.ClientVersion != shadow.ClientVersion || edit.ServerVersion != shadow.ServerVersion {
		return false, conflict(ctx, e.store, shadow, edit)
	}

	if err := verifyChecksum(e.synchronizer, edit, shadow); err != nil {
		e.logger.Warn("dropping edit", zap.String("document_id", documentID), zap.Error(err))
		return false, err
	}

	patched, err := e.synchronizer.PatchShadow(edit, shadow)
	if err != nil {
		return false, &SynchronizationError{Op: "patch shadow", DocumentID: documentID, Err: err}
	}
	patched = patched.WithVersions(shadow.ServerVersion+1, shadow.ClientVersion)

	doc, err := e.synchronizer.PatchDocument(edit, st.doc)
	if err != nil {
		return false, &SynchronizationError{Op: "patch document", DocumentID: documentID, Err: err}
	}

	if restored {
		e.logger.Info("restored shadow from backup",
			zap.String("document_id", documentID),
			zap.String("client_id", clientID),
			zap.Uint64("client_version", edit.ClientVersion),
		)
	}

	if err := e.commit(ctx, st, doc, patched); err != nil {
		return false, err
	}

	return true, nil
}

// applySeed replaces the local state with the content of a seed edit sent
// by the server to resolve a conflict.
func (e *ClientEngine[T, D]) applySeed(ctx context.Context, st *clientState[T], edit domain.Edit[D]) (bool, error) {
	documentID := st.shadow.Document.ID

	if edit.ServerVersion < st.shadow.ServerVersion {
		return false, nil
	}

	var zero T
	base := st.shadow.WithContent(zero)

	if err := verifyChecksum(e.synchronizer, edit, base); err != nil {
		return false, err
	}

	patched, err := e.synchronizer.PatchShadow(edit, base)
	if err != nil {
		return false, &SynchronizationError{Op: "patch shadow", DocumentID: documentID, Err: err}
	}
	patched = patched.WithVersions(edit.ServerVersion+1, edit.ClientVersion)

	e.logger.Info("document reseeded by server",
		zap.String("document_id", documentID),
		zap.String("client_id", st.shadow.Document.ClientID),
	)

	if err := e.commit(ctx, st, st.doc.WithContent(patched.Document.Content), patched); err != nil {
		return false, err
	}

	return true, nil
}

// commit persists an applied edit. Every pending edit is either acknowledged
// by it or superseded by a restore, so the queue is cleared and the backups
// collapse to one generation. The shadow is written after the document, so a
// failed document write leaves the same edit applicable again. A failed
// shadow write is not rolled back. Failures after it only leave stale queue
// entries and backups, which later edits acknowledge or overwrite.
func (e *ClientEngine[T, D]) commit(ctx context.Context, st *clientState[T], doc domain.ClientDocument[T], shadow domain.ShadowDocument[T]) error {
	if err := e.store.SaveClientDocument(ctx, doc); err != nil {
		return fmt.Errorf("failed to save document: %w", err)
	}
	if err := e.store.SaveShadow(ctx, shadow); err != nil {
		return fmt.Errorf("failed to save shadow: %w", err)
	}

	st.doc = doc
	st.shadow = shadow

	if err := e.store.RemoveEdits(ctx, doc.ID, doc.ClientID); err != nil {
		return fmt.Errorf("failed to remove edits: %w", err)
	}
	if err := e.store.ResetBackups(ctx, domain.NewBackupShadowDocument(shadow.ClientVersion, shadow)); err != nil {
		return fmt.Errorf("failed to reset backups: %w", err)
	}

	return nil
}

// RemoveDocument stops tracking the document for clientID.
func (e *ClientEngine[T, D]) RemoveDocument(ctx context.Context, documentID, clientID string) error {
	unlock := e.locks.Lock(documentID)
	defer unlock()

	if _, err := e.store.GetShadow(ctx, documentID, clientID); err != nil {
		return notFound(err, documentID, clientID)
	}

	if err := e.store.RemoveDocument(ctx, documentID, clientID); err != nil {
		return fmt.Errorf("failed to remove document: %w", err)
	}

	return nil
}

func (e *ClientEngine[T, D]) notify(doc domain.ClientDocument[T]) {
	e.listenersMu.RLock()
	listeners := make([]PatchListener[T], len(e.listeners))
	copy(listeners, e.listeners)
	e.listenersMu.RUnlock()

	for _, l := range listeners {
		l(doc)
	}
}
