package engine

import (
	"context"
	"errors"
	"fmt"

	"diffsync-server/internal/domain"
)

func notFound(err error, documentID, clientID string) error {
	if errors.Is(err, ErrNotFound) {
		return &DocumentNotFoundError{DocumentID: documentID, ClientID: clientID}
	}
	return err
}

// acknowledge drops queued edits whose version, as read by version, is below
// upTo.
func acknowledge[T, D any](ctx context.Context, store DataStore[T, D], documentID, clientID string, upTo uint64, version func(domain.Edit[D]) uint64) error {
	pending, err := store.GetEdits(ctx, documentID, clientID)
	if err != nil {
		return fmt.Errorf("failed to get edits: %w", err)
	}

	for _, edit := range pending {
		if version(edit) >= upTo {
			continue
		}
		if err := store.RemoveEdit(ctx, documentID, clientID, edit); err != nil {
			return fmt.Errorf("failed to remove edit: %w", err)
		}
	}

	return nil
}

func clientVersion[D any](e domain.Edit[D]) uint64 { return e.ClientVersion }

func serverVersion[D any](e domain.Edit[D]) uint64 { return e.ServerVersion }

func verifyChecksum[T, D any](sync Synchronizer[T, D], edit domain.Edit[D], shadow domain.ShadowDocument[T]) error {
	sum, err := sync.Checksum(shadow.Document.Content)
	if err != nil {
		return &SynchronizationError{Op: "checksum", DocumentID: shadow.Document.ID, Err: err}
	}

	if sum != edit.Checksum {
		return &ChecksumMismatchError{
			DocumentID: shadow.Document.ID,
			ClientID:   shadow.Document.ClientID,
			Expected:   edit.Checksum,
			Actual:     sum,
		}
	}

	return nil
}

func conflict[T, D any](ctx context.Context, store DataStore[T, D], shadow domain.ShadowDocument[T], edit domain.Edit[D]) error {
	pending, err := store.GetEdits(ctx, shadow.Document.ID, shadow.Document.ClientID)
	if err != nil {
		return fmt.Errorf("failed to get edits: %w", err)
	}

	return &ConflictError[T, D]{
		DocumentID: shadow.Document.ID,
		ClientID:   shadow.Document.ClientID,
		Shadow:     shadow,
		Pending:    pending,
		Incoming:   edit,
	}
}
