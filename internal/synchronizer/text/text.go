// Package text synchronizes plain text documents with diff-match-patch.
package text

import (
	"errors"
	"time"

	"diffsync-server/internal/domain"
	"diffsync-server/internal/synchronizer"

	"github.com/sergi/go-diff/diffmatchpatch"
)

var ErrShadowMismatch = errors.New("edit does not apply to shadow content")

type Option func(*diffmatchpatch.DiffMatchPatch)

// WithDiffTimeout bounds the time spent computing one diff. Zero means no
// limit.
func WithDiffTimeout(d time.Duration) Option {
	return func(dmp *diffmatchpatch.DiffMatchPatch) {
		dmp.DiffTimeout = d
	}
}

// WithMatchThreshold sets how closely a patch context must match the live
// document, from 0 (exact) to 1 (anything).
func WithMatchThreshold(threshold float64) Option {
	return func(dmp *diffmatchpatch.DiffMatchPatch) {
		dmp.MatchThreshold = threshold
	}
}

type core struct {
	dmp *diffmatchpatch.DiffMatchPatch
}

func newCore(opts ...Option) core {
	dmp := diffmatchpatch.New()
	for _, opt := range opts {
		opt(dmp)
	}
	return core{dmp: dmp}
}

func (c core) Diff(content string, shadow domain.ShadowDocument[string]) (domain.Edit[domain.Diff], error) {
	checksum, err := c.Checksum(shadow.Document.Content)
	if err != nil {
		return domain.Edit[domain.Diff]{}, err
	}

	diffs := c.dmp.DiffMain(shadow.Document.Content, content, false)

	return domain.NewEdit(shadow.ClientVersion, shadow.ServerVersion, checksum, fromDMP(diffs)), nil
}

func (c core) PatchShadow(edit domain.Edit[domain.Diff], shadow domain.ShadowDocument[string]) (domain.ShadowDocument[string], error) {
	if len(edit.Diffs) == 0 {
		return shadow, nil
	}

	diffs := toDMP(edit.Diffs)
	if c.dmp.DiffText1(diffs) != shadow.Document.Content {
		return shadow, ErrShadowMismatch
	}

	return shadow.WithContent(c.dmp.DiffText2(diffs)), nil
}

func (c core) Checksum(content string) (string, error) {
	return synchronizer.SHA1([]byte(content)), nil
}

// patch applies the edit to content that may have drifted from the text the
// edit was computed against. Hunks that cannot be placed are dropped.
func (c core) patch(edit domain.Edit[domain.Diff], content string) string {
	if len(edit.Diffs) == 0 {
		return content
	}

	diffs := toDMP(edit.Diffs)
	patches := c.dmp.PatchMake(c.dmp.DiffText1(diffs), diffs)
	patched, _ := c.dmp.PatchApply(patches, content)

	return patched
}

type ClientSynchronizer struct {
	core
}

func NewClientSynchronizer(opts ...Option) *ClientSynchronizer {
	return &ClientSynchronizer{core: newCore(opts...)}
}

func (s *ClientSynchronizer) PatchDocument(edit domain.Edit[domain.Diff], doc domain.ClientDocument[string]) (domain.ClientDocument[string], error) {
	return doc.WithContent(s.patch(edit, doc.Content)), nil
}

type ServerSynchronizer struct {
	core
}

func NewServerSynchronizer(opts ...Option) *ServerSynchronizer {
	return &ServerSynchronizer{core: newCore(opts...)}
}

func (s *ServerSynchronizer) PatchDocument(edit domain.Edit[domain.Diff], doc domain.Document[string]) (domain.Document[string], error) {
	return doc.WithContent(s.patch(edit, doc.Content)), nil
}

func fromDMP(diffs []diffmatchpatch.Diff) []domain.Diff {
	out := make([]domain.Diff, 0, len(diffs))
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			out = append(out, domain.NewDiff(domain.OperationAdd, d.Text))
		case diffmatchpatch.DiffDelete:
			out = append(out, domain.NewDiff(domain.OperationDelete, d.Text))
		default:
			out = append(out, domain.NewDiff(domain.OperationUnchanged, d.Text))
		}
	}
	return out
}

func toDMP(diffs []domain.Diff) []diffmatchpatch.Diff {
	out := make([]diffmatchpatch.Diff, 0, len(diffs))
	for _, d := range diffs {
		switch d.Operation {
		case domain.OperationAdd:
			out = append(out, diffmatchpatch.Diff{Type: diffmatchpatch.DiffInsert, Text: d.Text})
		case domain.OperationDelete:
			out = append(out, diffmatchpatch.Diff{Type: diffmatchpatch.DiffDelete, Text: d.Text})
		default:
			out = append(out, diffmatchpatch.Diff{Type: diffmatchpatch.DiffEqual, Text: d.Text})
		}
	}
	return out
}
