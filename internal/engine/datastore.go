package engine

import (
	"context"

	"diffsync-server/internal/domain"
)

// DataStore persists the per (document, client) synchronization state.
// Backups are kept per version, one generation for every diff that is not
// acknowledged yet. Lookups of missing entries return an error wrapping
// ErrNotFound, except GetEdits which returns an empty queue.
type DataStore[T, D any] interface {
	SaveShadow(ctx context.Context, shadow domain.ShadowDocument[T]) error
	GetShadow(ctx context.Context, documentID, clientID string) (domain.ShadowDocument[T], error)
	// SaveBackup stores backup as the generation for backup.Version,
	// replacing an earlier generation with the same version.
	SaveBackup(ctx context.Context, backup domain.BackupShadowDocument[T]) error
	GetBackup(ctx context.Context, documentID, clientID string, version uint64) (domain.BackupShadowDocument[T], error)
	// ResetBackups replaces every generation of the session with backup.
	ResetBackups(ctx context.Context, backup domain.BackupShadowDocument[T]) error
	SaveEdit(ctx context.Context, documentID, clientID string, edit domain.Edit[D]) error
	GetEdits(ctx context.Context, documentID, clientID string) ([]domain.Edit[D], error)
	// RemoveEdit removes the queued edit with the same client and server
	// versions as edit.
	RemoveEdit(ctx context.Context, documentID, clientID string, edit domain.Edit[D]) error
	RemoveEdits(ctx context.Context, documentID, clientID string) error
}

type ClientDataStore[T, D any] interface {
	DataStore[T, D]
	SaveClientDocument(ctx context.Context, doc domain.ClientDocument[T]) error
	GetClientDocument(ctx context.Context, documentID, clientID string) (domain.ClientDocument[T], error)
	// RemoveDocument drops the document, shadow, backups and edit queue.
	RemoveDocument(ctx context.Context, documentID, clientID string) error
}

type ServerDataStore[T, D any] interface {
	DataStore[T, D]
	SaveDocument(ctx context.Context, doc domain.Document[T]) error
	GetDocument(ctx context.Context, documentID string) (domain.Document[T], error)
	// ClientIDs returns the sorted ids of clients holding a shadow of the
	// document.
	ClientIDs(ctx context.Context, documentID string) ([]string, error)
	// RemoveClient drops the shadow, backups and edit queue of one client.
	RemoveClient(ctx context.Context, documentID, clientID string) error
}
