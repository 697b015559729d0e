package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewEdit_CopiesDiffs(t *testing.T) {
	diffs := []Diff{NewDiff(OperationUnchanged, "Mr. "), NewDiff(OperationAdd, "Rosen")}

	edit := NewEdit(1, 2, "abc", diffs)
	diffs[1] = NewDiff(OperationDelete, "Babar")

	require.Equal(t, NewDiff(OperationAdd, "Rosen"), edit.Diffs[1])
	require.Equal(t, uint64(1), edit.ClientVersion)
	require.Equal(t, uint64(2), edit.ServerVersion)
	require.False(t, edit.Seed)
}

func TestNewEdit_NilDiffs(t *testing.T) {
	edit := NewEdit[Diff](0, 0, "", nil)
	require.NotNil(t, edit.Diffs)
	require.Empty(t, edit.Diffs)
}

func TestEdit_AsSeed(t *testing.T) {
	edit := NewEdit(3, 4, "sum", []Diff{NewDiff(OperationAdd, "x")})
	seed := edit.AsSeed()

	require.True(t, seed.Seed)
	require.False(t, edit.Seed)
	seed.Diffs[0].Text = "y"
	require.Equal(t, "x", edit.Diffs[0].Text)
}

func TestNewPatchMessage_ClonesEdits(t *testing.T) {
	edits := []Edit[Diff]{NewEdit(0, 0, "a", []Diff{NewDiff(OperationAdd, "one")})}
	msg := NewPatchMessage("doc", "client", edits)

	edits[0].Diffs[0].Text = "changed"

	require.Equal(t, "doc", msg.DocumentID)
	require.Equal(t, "client", msg.ClientID)
	require.Equal(t, "one", msg.Edits[0].Diffs[0].Text)
}

func TestShadowDocument_Increments(t *testing.T) {
	shadow := NewShadowDocument(0, 0, NewClientDocument("doc", "client", "text"))

	next := shadow.IncrementClientVersion().IncrementServerVersion().IncrementServerVersion()

	require.Equal(t, uint64(1), next.ClientVersion)
	require.Equal(t, uint64(2), next.ServerVersion)
	require.Equal(t, uint64(0), shadow.ClientVersion)
	require.Equal(t, "text", next.Document.Content)

	updated := next.WithContent("other")
	require.Equal(t, "other", updated.Document.Content)
	require.Equal(t, "text", next.Document.Content)
	require.Equal(t, "client", updated.Document.ClientID)
}
