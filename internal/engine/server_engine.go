package engine

import (
	"context"
	"errors"
	"fmt"

	"diffsync-server/internal/domain"

	"go.uber.org/zap"
)

// ServerEngine drives the server half of differential synchronization. It
// owns the canonical documents and one shadow per connected client. All
// operations on one document are serialized.
type ServerEngine[T, D any] struct {
	synchronizer ServerSynchronizer[T, D]
	store        ServerDataStore[T, D]
	logger       *zap.Logger
	locks        *keyedMutex
}

func NewServerEngine[T, D any](synchronizer ServerSynchronizer[T, D], store ServerDataStore[T, D], logger *zap.Logger) *ServerEngine[T, D] {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ServerEngine[T, D]{
		synchronizer: synchronizer,
		store:        store,
		logger:       logger.Named("server-engine"),
		locks:        newKeyedMutex(),
	}
}

// AddDocument creates the canonical document.
func (e *ServerEngine[T, D]) AddDocument(ctx context.Context, doc domain.Document[T]) error {
	unlock := e.locks.Lock(doc.ID)
	defer unlock()

	_, err := e.store.GetDocument(ctx, doc.ID)
	if err == nil {
		return &DocumentAlreadyManagedError{DocumentID: doc.ID}
	}
	if !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("failed to get document: %w", err)
	}

	if err := e.store.SaveDocument(ctx, doc); err != nil {
		return fmt.Errorf("failed to save document: %w", err)
	}

	e.logger.Info("document added", zap.String("document_id", doc.ID))

	return nil
}

func (e *ServerEngine[T, D]) Document(ctx context.Context, documentID string) (domain.Document[T], error) {
	doc, err := e.store.GetDocument(ctx, documentID)
	if err != nil {
		return domain.Document[T]{}, notFound(err, documentID, "")
	}
	return doc, nil
}

// AddClient creates the shadow and backup of a client seeing the document
// for the first time. The shadow starts from the client's content so the
// first diff brings the client to the canonical content.
func (e *ServerEngine[T, D]) AddClient(ctx context.Context, doc domain.ClientDocument[T]) error {
	unlock := e.locks.Lock(doc.ID)
	defer unlock()

	if _, err := e.store.GetDocument(ctx, doc.ID); err != nil {
		return notFound(err, doc.ID, "")
	}

	_, err := e.store.GetShadow(ctx, doc.ID, doc.ClientID)
	if err == nil {
		return &DocumentAlreadyManagedError{DocumentID: doc.ID, ClientID: doc.ClientID}
	}
	if !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("failed to get shadow: %w", err)
	}

	shadow := domain.NewShadowDocument(0, 0, doc)
	if err := e.store.SaveShadow(ctx, shadow); err != nil {
		return fmt.Errorf("failed to save shadow: %w", err)
	}
	if err := e.store.SaveBackup(ctx, domain.NewBackupShadowDocument(0, shadow)); err != nil {
		return fmt.Errorf("failed to save backup: %w", err)
	}

	e.logger.Info("client added",
		zap.String("document_id", doc.ID),
		zap.String("client_id", doc.ClientID),
	)

	return nil
}

func (e *ServerEngine[T, D]) ClientIDs(ctx context.Context, documentID string) ([]string, error) {
	if _, err := e.store.GetDocument(ctx, documentID); err != nil {
		return nil, notFound(err, documentID, "")
	}

	ids, err := e.store.ClientIDs(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	return ids, nil
}

// Diff returns one message per client whose shadow differs from the
// canonical document. Without clientIDs every tracked client is considered.
func (e *ServerEngine[T, D]) Diff(ctx context.Context, documentID string, clientIDs ...string) ([]domain.PatchMessage[D], error) {
	unlock := e.locks.Lock(documentID)
	defer unlock()

	doc, err := e.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, notFound(err, documentID, "")
	}

	if len(clientIDs) == 0 {
		clientIDs, err = e.store.ClientIDs(ctx, documentID)
		if err != nil {
			return nil, fmt.Errorf("failed to list clients: %w", err)
		}
	}

	docSum, err := e.synchronizer.Checksum(doc.Content)
	if err != nil {
		return nil, &SynchronizationError{Op: "checksum", DocumentID: documentID, Err: err}
	}

	var messages []domain.PatchMessage[D]
	for _, clientID := range clientIDs {
		shadow, err := e.store.GetShadow(ctx, documentID, clientID)
		if errors.Is(err, ErrNotFound) {
			e.logger.Debug("skipping untracked client",
				zap.String("document_id", documentID),
				zap.String("client_id", clientID),
			)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get shadow: %w", err)
		}

		sum, err := e.synchronizer.Checksum(shadow.Document.Content)
		if err != nil {
			return nil, &SynchronizationError{Op: "checksum", DocumentID: documentID, Err: err}
		}
		if sum == docSum {
			continue
		}

		msg, err := e.diff(ctx, doc, shadow)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	return messages, nil
}

// DiffClient always computes an edit for clientID, even an empty one, so the
// result doubles as an acknowledgement.
func (e *ServerEngine[T, D]) DiffClient(ctx context.Context, documentID, clientID string) (domain.PatchMessage[D], error) {
	unlock := e.locks.Lock(documentID)
	defer unlock()

	doc, err := e.store.GetDocument(ctx, documentID)
	if err != nil {
		return domain.PatchMessage[D]{}, notFound(err, documentID, "")
	}
	shadow, err := e.store.GetShadow(ctx, documentID, clientID)
	if err != nil {
		return domain.PatchMessage[D]{}, notFound(err, documentID, clientID)
	}

	return e.diff(ctx, doc, shadow)
}

func (e *ServerEngine[T, D]) diff(ctx context.Context, doc domain.Document[T], shadow domain.ShadowDocument[T]) (domain.PatchMessage[D], error) {
	clientID := shadow.Document.ClientID

	edit, err := e.synchronizer.Diff(doc.Content, shadow)
	if err != nil {
		return domain.PatchMessage[D]{}, &SynchronizationError{Op: "diff", DocumentID: doc.ID, Err: err}
	}

	pending, err := e.store.GetEdits(ctx, doc.ID, clientID)
	if err != nil {
		return domain.PatchMessage[D]{}, fmt.Errorf("failed to get edits: %w", err)
	}

	if err := e.store.SaveBackup(ctx, domain.NewBackupShadowDocument(shadow.ServerVersion, shadow)); err != nil {
		return domain.PatchMessage[D]{}, fmt.Errorf("failed to save backup: %w", err)
	}

	if err := e.store.SaveEdit(ctx, doc.ID, clientID, edit); err != nil {
		return domain.PatchMessage[D]{}, fmt.Errorf("failed to save edit: %w", err)
	}
	if err := e.store.SaveShadow(ctx, shadow.WithContent(doc.Content).IncrementServerVersion()); err != nil {
		return domain.PatchMessage[D]{}, fmt.Errorf("failed to save shadow: %w", err)
	}

	return domain.NewPatchMessage(doc.ID, clientID, append(pending, edit)), nil
}

type serverState[T any] struct {
	doc    domain.Document[T]
	shadow domain.ShadowDocument[T]
}

// Patch applies the client edits in msg to the client's shadow and to the
// canonical document. Processing stops at the first failing edit; edits
// applied before it stay applied.
func (e *ServerEngine[T, D]) Patch(ctx context.Context, msg domain.PatchMessage[D]) (domain.Document[T], error) {
	unlock := e.locks.Lock(msg.DocumentID)
	defer unlock()

	doc, err := e.store.GetDocument(ctx, msg.DocumentID)
	if err != nil {
		return domain.Document[T]{}, notFound(err, msg.DocumentID, "")
	}
	shadow, err := e.store.GetShadow(ctx, msg.DocumentID, msg.ClientID)
	if err != nil {
		return domain.Document[T]{}, notFound(err, msg.DocumentID, msg.ClientID)
	}

	st := &serverState[T]{doc: doc, shadow: shadow}
	for _, edit := range msg.Edits {
		if err := e.applyEdit(ctx, st, edit); err != nil {
			return domain.Document[T]{}, err
		}
	}

	return st.doc, nil
}

func (e *ServerEngine[T, D]) applyEdit(ctx context.Context, st *serverState[T], edit domain.Edit[D]) error {
	documentID, clientID := st.shadow.Document.ID, st.shadow.Document.ClientID

	shadow := st.shadow
	restored := false

	switch {
	case edit.ClientVersion < shadow.ClientVersion:
		e.logger.Debug("skipping duplicate edit",
			zap.String("document_id", documentID),
			zap.String("client_id", clientID),
			zap.Uint64("client_version", edit.ClientVersion),
		)
		return acknowledge(ctx, e.store, documentID, clientID, edit.ServerVersion, serverVersion[D])

	case edit.ServerVersion < shadow.ServerVersion:
		backup, err := e.store.GetBackup(ctx, documentID, clientID, edit.ServerVersion)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("failed to get backup: %w", err)
		}
		if err != nil || backup.Shadow.ClientVersion != edit.ClientVersion {
			return conflict(ctx, e.store, shadow, edit)
		}
		shadow = backup.Shadow
		restored = true
	}

	if edit.ClientVersion != shadow.ClientVersion || edit.ServerVersion != shadow.ServerVersion {
		return conflict(ctx, e.store, shadow, edit)
	}

	if err := verifyChecksum(e.synchronizer, edit, shadow); err != nil {
		e.logger.Warn("dropping edit",
			zap.String("document_id", documentID),
			zap.String("client_id", clientID),
			zap.Error(err),
		)
		return err
	}

	patched, err := e.synchronizer.PatchShadow(edit, shadow)
	if err != nil {
		return &SynchronizationError{Op: "patch shadow", DocumentID: documentID, Err: err}
	}
	patched = patched.WithVersions(shadow.ServerVersion, shadow.ClientVersion+1)

	doc, err := e.synchronizer.PatchDocument(edit, st.doc)
	if err != nil {
		return &SynchronizationError{Op: "patch document", DocumentID: documentID, Err: err}
	}

	if restored {
		e.logger.Info("restored shadow from backup",
			zap.String("document_id", documentID),
			zap.String("client_id", clientID),
			zap.Uint64("server_version", edit.ServerVersion),
		)
	}

	return e.commit(ctx, st, doc, patched)
}

// commit persists an applied edit in the same order as the client engine:
// document, shadow, then the cleared queue and the collapsed backups. A
// failed document write leaves the same edit applicable again.
func (e *ServerEngine[T, D]) commit(ctx context.Context, st *serverState[T], doc domain.Document[T], shadow domain.ShadowDocument[T]) error {
	documentID, clientID := shadow.Document.ID, shadow.Document.ClientID

	if err := e.store.SaveDocument(ctx, doc); err != nil {
		return fmt.Errorf("failed to save document: %w", err)
	}
	if err := e.store.SaveShadow(ctx, shadow); err != nil {
		return fmt.Errorf("failed to save shadow: %w", err)
	}

	st.doc = doc
	st.shadow = shadow

	if err := e.store.RemoveEdits(ctx, documentID, clientID); err != nil {
		return fmt.Errorf("failed to remove edits: %w", err)
	}
	if err := e.store.ResetBackups(ctx, domain.NewBackupShadowDocument(shadow.ServerVersion, shadow)); err != nil {
		return fmt.Errorf("failed to reset backups: %w", err)
	}

	return nil
}

// Resync resolves a conflict in favour of the server. The client receives a
// seed edit carrying the whole canonical content and its shadow is reset to
// that content.
func (e *ServerEngine[T, D]) Resync(ctx context.Context, documentID, clientID string) (domain.PatchMessage[D], error) {
	unlock := e.locks.Lock(documentID)
	defer unlock()

	doc, err := e.store.GetDocument(ctx, documentID)
	if err != nil {
		return domain.PatchMessage[D]{}, notFound(err, documentID, "")
	}
	shadow, err := e.store.GetShadow(ctx, documentID, clientID)
	if err != nil {
		return domain.PatchMessage[D]{}, notFound(err, documentID, clientID)
	}

	var zero T
	base := shadow.WithContent(zero)

	edit, err := e.synchronizer.Diff(doc.Content, base)
	if err != nil {
		return domain.PatchMessage[D]{}, &SynchronizationError{Op: "diff", DocumentID: documentID, Err: err}
	}
	seed := edit.AsSeed()

	if err := e.store.RemoveEdits(ctx, documentID, clientID); err != nil {
		return domain.PatchMessage[D]{}, fmt.Errorf("failed to remove edits: %w", err)
	}
	if err := e.store.ResetBackups(ctx, domain.NewBackupShadowDocument(base.ServerVersion, base)); err != nil {
		return domain.PatchMessage[D]{}, fmt.Errorf("failed to reset backups: %w", err)
	}
	if err := e.store.SaveEdit(ctx, documentID, clientID, seed); err != nil {
		return domain.PatchMessage[D]{}, fmt.Errorf("failed to save edit: %w", err)
	}
	if err := e.store.SaveShadow(ctx, shadow.WithContent(doc.Content).IncrementServerVersion()); err != nil {
		return domain.PatchMessage[D]{}, fmt.Errorf("failed to save shadow: %w", err)
	}

	e.logger.Info("client resynchronized",
		zap.String("document_id", documentID),
		zap.String("client_id", clientID),
		zap.Uint64("server_version", shadow.ServerVersion),
	)

	return domain.NewPatchMessage(documentID, clientID, []domain.Edit[D]{seed}), nil
}

// RemoveClient drops the client's shadow, backups and edit queue. The
// canonical document is kept.
func (e *ServerEngine[T, D]) RemoveClient(ctx context.Context, documentID, clientID string) error {
	unlock := e.locks.Lock(documentID)
	defer unlock()

	if _, err := e.store.GetShadow(ctx, documentID, clientID); err != nil {
		return notFound(err, documentID, clientID)
	}

	if err := e.store.RemoveClient(ctx, documentID, clientID); err != nil {
		return fmt.Errorf("failed to remove client: %w", err)
	}

	e.logger.Info("client removed",
		zap.String("document_id", documentID),
		zap.String("client_id", clientID),
	)

	return nil
}
