package engine

import (
	"errors"
	"fmt"

	"diffsync-server/internal/domain"
)

var (
	// ErrNotFound is wrapped by data stores for missing entries.
	ErrNotFound = errors.New("not found")
	// ErrWriteConflict is wrapped by data stores when an entry changed since
	// it was read.
	ErrWriteConflict = errors.New("write conflict")

	ErrDocumentNotFound       = errors.New("document not found")
	ErrDocumentAlreadyManaged = errors.New("document already managed")
	ErrChecksumMismatch       = errors.New("checksum mismatch")
	ErrConflict               = errors.New("conflict detected")
	ErrSynchronization        = errors.New("synchronization failed")
)

type DocumentNotFoundError struct {
	DocumentID string
	ClientID   string
}

func (e *DocumentNotFoundError) Error() string {
	if e.ClientID == "" {
		return fmt.Sprintf("document not found: %s", e.DocumentID)
	}
	return fmt.Sprintf("document not found: %s (client: %s)", e.DocumentID, e.ClientID)
}

func (e *DocumentNotFoundError) Is(target error) bool {
	return target == ErrDocumentNotFound
}

type DocumentAlreadyManagedError struct {
	DocumentID string
	ClientID   string
}

func (e *DocumentAlreadyManagedError) Error() string {
	if e.ClientID == "" {
		return fmt.Sprintf("document already managed: %s", e.DocumentID)
	}
	return fmt.Sprintf("document already managed: %s (client: %s)", e.DocumentID, e.ClientID)
}

func (e *DocumentAlreadyManagedError) Is(target error) bool {
	return target == ErrDocumentAlreadyManaged
}

// ChecksumMismatchError reports an edit whose declared checksum differs from
// the checksum of the shadow it would be applied to.
type ChecksumMismatchError struct {
	DocumentID string
	ClientID   string
	Expected   string
	Actual     string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s (client: %s): edit has %s, shadow has %s",
		e.DocumentID, e.ClientID, e.Expected, e.Actual)
}

func (e *ChecksumMismatchError) Is(target error) bool {
	return target == ErrChecksumMismatch
}

// ConflictError reports versions that could not be reconciled from the
// backup shadow.
type ConflictError[T, D any] struct {
	DocumentID string
	ClientID   string
	Shadow     domain.ShadowDocument[T]
	Pending    []domain.Edit[D]
	Incoming   domain.Edit[D]
}

func (e *ConflictError[T, D]) Error() string {
	return fmt.Sprintf("conflict detected for %s (client: %s): shadow at client %d server %d, edit at client %d server %d",
		e.DocumentID, e.ClientID,
		e.Shadow.ClientVersion, e.Shadow.ServerVersion,
		e.Incoming.ClientVersion, e.Incoming.ServerVersion)
}

func (e *ConflictError[T, D]) Is(target error) bool {
	return target == ErrConflict
}

// SynchronizationError wraps a failure of the synchronizer.
type SynchronizationError struct {
	Op         string
	DocumentID string
	Err        error
}

func (e *SynchronizationError) Error() string {
	return fmt.Sprintf("failed to %s %s: %v", e.Op, e.DocumentID, e.Err)
}

func (e *SynchronizationError) Unwrap() error {
	return e.Err
}

func (e *SynchronizationError) Is(target error) bool {
	return target == ErrSynchronization
}

// IsRecoverable reports whether err should be answered by resynchronizing
// the session.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrChecksumMismatch)
}
