// Package jsonpatch synchronizes JSON documents with RFC 6902 patches.
package jsonpatch

import (
	"bytes"
	"encoding/json"
	"fmt"

	"diffsync-server/internal/domain"
	"diffsync-server/internal/synchronizer"

	ejp "github.com/evanphx/json-patch/v5"
	gjp "gomodules.xyz/jsonpatch/v2"
)

// Operation is one RFC 6902 operation.
type Operation = gjp.Operation

var emptyObject = json.RawMessage(`{}`)

type core struct{}

func (core) Diff(content json.RawMessage, shadow domain.ShadowDocument[json.RawMessage]) (domain.Edit[Operation], error) {
	checksum, err := Checksum(shadow.Document.Content)
	if err != nil {
		return domain.Edit[Operation]{}, err
	}

	ops, err := gjp.CreatePatch(normalize(shadow.Document.Content), normalize(content))
	if err != nil {
		return domain.Edit[Operation]{}, fmt.Errorf("failed to create patch: %w", err)
	}

	return domain.NewEdit(shadow.ClientVersion, shadow.ServerVersion, checksum, ops), nil
}

func (core) PatchShadow(edit domain.Edit[Operation], shadow domain.ShadowDocument[json.RawMessage]) (domain.ShadowDocument[json.RawMessage], error) {
	if len(edit.Diffs) == 0 {
		return shadow, nil
	}

	patched, err := apply(edit.Diffs, normalize(shadow.Document.Content))
	if err != nil {
		return shadow, err
	}

	return shadow.WithContent(patched), nil
}

func (core) Checksum(content json.RawMessage) (string, error) {
	return Checksum(content)
}

// patch applies operations one at a time to content that may have drifted,
// skipping the ones whose target no longer exists.
func (core) patch(edit domain.Edit[Operation], content json.RawMessage) json.RawMessage {
	doc := normalize(content)
	for _, op := range edit.Diffs {
		patched, err := apply([]Operation{op}, doc)
		if err != nil {
			continue
		}
		doc = patched
	}
	return doc
}

type ClientSynchronizer struct {
	core
}

func NewClientSynchronizer() *ClientSynchronizer {
	return &ClientSynchronizer{}
}

func (s *ClientSynchronizer) PatchDocument(edit domain.Edit[Operation], doc domain.ClientDocument[json.RawMessage]) (domain.ClientDocument[json.RawMessage], error) {
	return doc.WithContent(s.patch(edit, doc.Content)), nil
}

type ServerSynchronizer struct {
	core
}

func NewServerSynchronizer() *ServerSynchronizer {
	return &ServerSynchronizer{}
}

func (s *ServerSynchronizer) PatchDocument(edit domain.Edit[Operation], doc domain.Document[json.RawMessage]) (domain.Document[json.RawMessage], error) {
	return doc.WithContent(s.patch(edit, doc.Content)), nil
}

// Checksum is the SHA-1 of the canonical encoding of content, so documents
// that differ only in key order or spacing share a checksum.
func Checksum(content json.RawMessage) (string, error) {
	canonical, err := Canonical(content)
	if err != nil {
		return "", err
	}
	return synchronizer.SHA1(canonical), nil
}

// Canonical re-encodes content with sorted keys and no insignificant space.
// Empty content is the empty object.
func Canonical(content json.RawMessage) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(normalize(content)))
	dec.UseNumber()

	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}

	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	return out, nil
}

// Encode renders operations as a patch document. Values are always written
// for operations that carry one, including null.
func Encode(ops []Operation) ([]byte, error) {
	raw := make([]map[string]interface{}, 0, len(ops))
	for _, op := range ops {
		m := map[string]interface{}{
			"op":   op.Operation,
			"path": op.Path,
		}
		if op.Operation != "remove" {
			m["value"] = op.Value
		}
		raw = append(raw, m)
	}
	return json.Marshal(raw)
}

func apply(ops []Operation, doc []byte) (json.RawMessage, error) {
	encoded, err := Encode(ops)
	if err != nil {
		return nil, fmt.Errorf("failed to encode patch: %w", err)
	}

	patch, err := ejp.DecodePatch(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode patch: %w", err)
	}

	patched, err := patch.Apply(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to apply patch: %w", err)
	}
	return patched, nil
}

func normalize(content json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(content)) == 0 {
		return emptyObject
	}
	return content
}
