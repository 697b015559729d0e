package text

import (
	"testing"

	"diffsync-server/internal/domain"

	"github.com/stretchr/testify/require"
)

func shadowOf(content string) domain.ShadowDocument[string] {
	return domain.NewShadowDocument(0, 0, domain.NewClientDocument("doc", "client", content))
}

func TestDiff_ProducesRuns(t *testing.T) {
	s := NewClientSynchronizer()

	edit, err := s.Diff("Do or do not, there is no try!", shadowOf("Do or do not, there is no try."))
	require.NoError(t, err)

	expected := NewEditBuilder().
		Unchanged("Do or do not, there is no try").
		Delete(".").
		Add("!").
		Build()
	require.Equal(t, expected.Diffs, edit.Diffs)

	sum, err := s.Checksum("Do or do not, there is no try.")
	require.NoError(t, err)
	require.Equal(t, sum, edit.Checksum)
}

func TestDiff_TagsShadowVersions(t *testing.T) {
	s := NewServerSynchronizer()
	shadow := shadowOf("Mr. Babar").WithVersions(3, 7)

	edit, err := s.Diff("Mr. Rosen", shadow)
	require.NoError(t, err)
	require.Equal(t, uint64(7), edit.ClientVersion)
	require.Equal(t, uint64(3), edit.ServerVersion)
}

func TestRoundTrip(t *testing.T) {
	s := NewServerSynchronizer()
	pairs := []struct{ from, to string }{
		{"", "Mr. Rosen"},
		{"Mr. Babar", ""},
		{"Mr. Babar", "Mr. Rosen"},
		{"Do or do not, there is no try.", "Do or do not, there is no try!"},
		{"same", "same"},
		{"línea uno\nlínea dos", "línea uno\nlínea tres\n"},
	}

	for _, p := range pairs {
		shadow := shadowOf(p.from)
		edit, err := s.Diff(p.to, shadow)
		require.NoError(t, err)

		patched, err := s.PatchShadow(edit, shadow)
		require.NoError(t, err)
		require.Equal(t, p.to, patched.Document.Content)

		doc, err := s.PatchDocument(edit, domain.NewDocument("doc", p.from))
		require.NoError(t, err)
		require.Equal(t, p.to, doc.Content)
	}
}

func TestPatchShadow_RejectsForeignEdit(t *testing.T) {
	s := NewClientSynchronizer()
	edit := NewEditBuilder().Unchanged("Mr. ").Delete("Babar").Add("Rosen").Build()

	shadow := shadowOf("Mrs. Babar")
	patched, err := s.PatchShadow(edit, shadow)
	require.ErrorIs(t, err, ErrShadowMismatch)
	require.Equal(t, shadow, patched)
}

func TestPatchShadow_EmptyEdit(t *testing.T) {
	s := NewClientSynchronizer()
	shadow := shadowOf("unchanged")

	patched, err := s.PatchShadow(domain.NewEdit[domain.Diff](0, 0, "", nil), shadow)
	require.NoError(t, err)
	require.Equal(t, shadow, patched)
}

func TestPatchDocument_FuzzyOnLocalChanges(t *testing.T) {
	s := NewClientSynchronizer()
	shadow := shadowOf("The quick brown fox jumps over the lazy dog.")

	edit, err := s.Diff("The quick red fox jumps over the lazy dog.", shadow)
	require.NoError(t, err)

	live := domain.NewClientDocument("doc", "client", "The quick brown fox jumps over the lazy dog!!")
	doc, err := s.PatchDocument(edit, live)
	require.NoError(t, err)
	require.Equal(t, "The quick red fox jumps over the lazy dog!!", doc.Content)
	require.Equal(t, "client", doc.ClientID)
}

func TestChecksum_SHA1Hex(t *testing.T) {
	s := NewClientSynchronizer()

	sum, err := s.Checksum("")
	require.NoError(t, err)
	require.Equal(t, "da39a3ee5e6b4b0d3255bfef95601890afd80709", sum)

	other, err := s.Checksum("Mr. Rosen")
	require.NoError(t, err)
	require.Len(t, other, 40)
	require.NotEqual(t, sum, other)

	// The digest of this text starts with a zero byte.
	short, err := s.Checksum("Mr. Babar 614")
	require.NoError(t, err)
	require.Equal(t, "a55ecfd9b8ecc0a8985544206fad1105366f91", short)
}

func TestEditBuilder(t *testing.T) {
	b := NewEditBuilder().ClientVersion(1).ServerVersion(2).Checksum("abc").Add("x")
	first := b.Build()
	b.Add("y")

	require.Len(t, first.Diffs, 1)
	require.Equal(t, uint64(1), first.ClientVersion)
	require.Equal(t, uint64(2), first.ServerVersion)
	require.Equal(t, "abc", first.Checksum)
}
