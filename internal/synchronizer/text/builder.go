package text

import "diffsync-server/internal/domain"

// EditBuilder assembles a text edit run by run.
type EditBuilder struct {
	clientVersion uint64
	serverVersion uint64
	checksum      string
	diffs         []domain.Diff
}

func NewEditBuilder() *EditBuilder {
	return &EditBuilder{}
}

func (b *EditBuilder) ClientVersion(v uint64) *EditBuilder {
	b.clientVersion = v
	return b
}

func (b *EditBuilder) ServerVersion(v uint64) *EditBuilder {
	b.serverVersion = v
	return b
}

func (b *EditBuilder) Checksum(sum string) *EditBuilder {
	b.checksum = sum
	return b
}

func (b *EditBuilder) Unchanged(text string) *EditBuilder {
	b.diffs = append(b.diffs, domain.NewDiff(domain.OperationUnchanged, text))
	return b
}

func (b *EditBuilder) Add(text string) *EditBuilder {
	b.diffs = append(b.diffs, domain.NewDiff(domain.OperationAdd, text))
	return b
}

func (b *EditBuilder) Delete(text string) *EditBuilder {
	b.diffs = append(b.diffs, domain.NewDiff(domain.OperationDelete, text))
	return b
}

// Build returns an edit that does not share the builder's diff slice.
func (b *EditBuilder) Build() domain.Edit[domain.Diff] {
	return domain.NewEdit(b.clientVersion, b.serverVersion, b.checksum, b.diffs)
}
