// Package jsonmergepatch synchronizes JSON documents with RFC 7386 merge
// patches. Each edit carries at most one merge patch document.
package jsonmergepatch

import (
	"bytes"
	"encoding/json"
	"fmt"

	"diffsync-server/internal/domain"
	"diffsync-server/internal/synchronizer/jsonpatch"

	ejp "github.com/evanphx/json-patch/v5"
)

// Patch is one merge patch document.
type Patch = json.RawMessage

var emptyObject = json.RawMessage(`{}`)

type core struct{}

func (core) Diff(content json.RawMessage, shadow domain.ShadowDocument[json.RawMessage]) (domain.Edit[Patch], error) {
	checksum, err := jsonpatch.Checksum(shadow.Document.Content)
	if err != nil {
		return domain.Edit[Patch]{}, err
	}

	patch, err := ejp.CreateMergePatch(normalize(shadow.Document.Content), normalize(content))
	if err != nil {
		return domain.Edit[Patch]{}, fmt.Errorf("failed to create merge patch: %w", err)
	}

	var diffs []Patch
	if !isEmpty(patch) {
		diffs = []Patch{patch}
	}
	return domain.NewEdit(shadow.ClientVersion, shadow.ServerVersion, checksum, diffs), nil
}

func (core) PatchShadow(edit domain.Edit[Patch], shadow domain.ShadowDocument[json.RawMessage]) (domain.ShadowDocument[json.RawMessage], error) {
	if len(edit.Diffs) == 0 {
		return shadow, nil
	}

	patched, err := merge(edit.Diffs, shadow.Document.Content)
	if err != nil {
		return shadow, err
	}
	return shadow.WithContent(patched), nil
}

func (core) Checksum(content json.RawMessage) (string, error) {
	return jsonpatch.Checksum(content)
}

type ClientSynchronizer struct {
	core
}

func NewClientSynchronizer() *ClientSynchronizer {
	return &ClientSynchronizer{}
}

// PatchDocument merges the edit into the live document. Keys the edit does
// not name keep their local values.
func (s *ClientSynchronizer) PatchDocument(edit domain.Edit[Patch], doc domain.ClientDocument[json.RawMessage]) (domain.ClientDocument[json.RawMessage], error) {
	patched, err := merge(edit.Diffs, doc.Content)
	if err != nil {
		return doc, err
	}
	return doc.WithContent(patched), nil
}

type ServerSynchronizer struct {
	core
}

func NewServerSynchronizer() *ServerSynchronizer {
	return &ServerSynchronizer{}
}

func (s *ServerSynchronizer) PatchDocument(edit domain.Edit[Patch], doc domain.Document[json.RawMessage]) (domain.Document[json.RawMessage], error) {
	patched, err := merge(edit.Diffs, doc.Content)
	if err != nil {
		return doc, err
	}
	return doc.WithContent(patched), nil
}

func merge(patches []Patch, content json.RawMessage) (json.RawMessage, error) {
	doc := normalize(content)
	for _, p := range patches {
		patched, err := ejp.MergePatch(doc, p)
		if err != nil {
			return nil, fmt.Errorf("failed to apply merge patch: %w", err)
		}
		doc = patched
	}
	return doc, nil
}

func isEmpty(patch []byte) bool {
	canonical, err := jsonpatch.Canonical(patch)
	return err == nil && bytes.Equal(canonical, emptyObject)
}

func normalize(content json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(content)) == 0 {
		return emptyObject
	}
	return content
}
