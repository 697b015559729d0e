package engine

import "diffsync-server/internal/domain"

// Synchronizer supplies diff, patch and checksum for content of type T with
// diffs of type D.
//
// Diff computes an edit that turns the shadow content into content, tagged
// with the shadow versions and the checksum of the shadow content.
// PatchShadow applies an edit exactly and fails if the edit was not computed
// against the shadow content; it does not touch versions. The engines own
// version bookkeeping.
type Synchronizer[T, D any] interface {
	Diff(content T, shadow domain.ShadowDocument[T]) (domain.Edit[D], error)
	PatchShadow(edit domain.Edit[D], shadow domain.ShadowDocument[T]) (domain.ShadowDocument[T], error)
	Checksum(content T) (string, error)
}

// ClientSynchronizer patches the live client document. Patching the live
// document is best effort since it may hold local changes the edit was not
// computed against.
type ClientSynchronizer[T, D any] interface {
	Synchronizer[T, D]
	PatchDocument(edit domain.Edit[D], doc domain.ClientDocument[T]) (domain.ClientDocument[T], error)
}

// ServerSynchronizer patches the canonical server document.
type ServerSynchronizer[T, D any] interface {
	Synchronizer[T, D]
	PatchDocument(edit domain.Edit[D], doc domain.Document[T]) (domain.Document[T], error)
}
