package jsonmergepatch

import (
	"context"
	"encoding/json"
	"testing"

	"diffsync-server/internal/domain"
	"diffsync-server/internal/engine"
	"diffsync-server/internal/repository"
	"diffsync-server/internal/synchronizer/jsonpatch"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func shadowOf(content string) domain.ShadowDocument[json.RawMessage] {
	return domain.NewShadowDocument(0, 0, domain.NewClientDocument("doc", "client", json.RawMessage(content)))
}

func TestDiff(t *testing.T) {
	s := NewServerSynchronizer()

	edit, err := s.Diff(json.RawMessage(`{"name": "Fletch"}`), shadowOf(`{"name": "fletch"}`))
	require.NoError(t, err)

	sum, err := jsonpatch.Checksum(json.RawMessage(`{"name":"fletch"}`))
	require.NoError(t, err)
	require.Equal(t, sum, edit.Checksum)
	require.Len(t, edit.Diffs, 1)
	require.JSONEq(t, `{"name": "Fletch"}`, string(edit.Diffs[0]))
}

func TestDiff_Unchanged(t *testing.T) {
	s := NewClientSynchronizer()

	edit, err := s.Diff(json.RawMessage(`{"b": 1, "a": 2}`), shadowOf(`{"a": 2, "b": 1}`))
	require.NoError(t, err)
	require.Empty(t, edit.Diffs)
}

func TestRoundTrip(t *testing.T) {
	s := NewServerSynchronizer()
	pairs := []struct{ from, to string }{
		{`{"name": "fletch"}`, `{"name": "Fletch"}`},
		{``, `{"name": "Fletch", "tags": ["a", "b"]}`},
		{`{"name": "Fletch", "age": 42}`, `{"name": "Fletch"}`},
		{`{"a": {"b": 1, "c": 2}}`, `{"a": {"c": 3}}`},
	}

	for _, p := range pairs {
		shadow := shadowOf(p.from)
		edit, err := s.Diff(json.RawMessage(p.to), shadow)
		require.NoError(t, err)

		patched, err := s.PatchShadow(edit, shadow)
		require.NoError(t, err)
		require.JSONEq(t, p.to, string(patched.Document.Content))

		doc, err := s.PatchDocument(edit, domain.NewDocument("doc", json.RawMessage(p.from)))
		require.NoError(t, err)
		require.JSONEq(t, p.to, string(doc.Content))
	}
}

func TestPatchDocument_KeepsLocalKeys(t *testing.T) {
	s := NewClientSynchronizer()
	edit := domain.NewEdit(0, 0, "", []Patch{json.RawMessage(`{"name": "Fletch", "age": null}`)})

	doc, err := s.PatchDocument(edit, domain.NewClientDocument("doc", "client",
		json.RawMessage(`{"name": "fletch", "age": 42, "city": "Paris"}`)))
	require.NoError(t, err)
	require.JSONEq(t, `{"name": "Fletch", "city": "Paris"}`, string(doc.Content))
}

func TestPatchShadow_InvalidContent(t *testing.T) {
	s := NewServerSynchronizer()
	edit := domain.NewEdit(0, 0, "", []Patch{json.RawMessage(`{"name": "Fletch"}`)})

	_, err := s.PatchShadow(edit, shadowOf(`{"name":`))
	require.Error(t, err)
}

func TestEngineRoundTrip(t *testing.T) {
	ctx := context.Background()
	serverStore := repository.NewServerMemoryStore[json.RawMessage, Patch]()
	srv := engine.NewServerEngine[json.RawMessage, Patch](NewServerSynchronizer(), serverStore, zaptest.NewLogger(t))
	client := engine.NewClientEngine[json.RawMessage, Patch](NewClientSynchronizer(),
		repository.NewClientMemoryStore[json.RawMessage, Patch](), zaptest.NewLogger(t))

	initial := json.RawMessage(`{"name": "fletch", "age": 42}`)
	require.NoError(t, srv.AddDocument(ctx, domain.NewDocument("doc", initial)))
	require.NoError(t, srv.AddClient(ctx, domain.NewClientDocument("doc", "client1", initial)))
	require.NoError(t, client.AddDocument(ctx, domain.NewClientDocument("doc", "client1", initial)))

	msg, err := client.Diff(ctx, domain.NewClientDocument("doc", "client1", json.RawMessage(`{"name": "Fletch"}`)))
	require.NoError(t, err)
	require.Len(t, msg.Edits, 1)

	doc, err := srv.Patch(ctx, msg)
	require.NoError(t, err)
	require.JSONEq(t, `{"name": "Fletch"}`, string(doc.Content))

	require.NoError(t, serverStore.SaveDocument(ctx, domain.NewDocument("doc", json.RawMessage(`{"name": "Fletch", "city": "Paris"}`))))

	messages, err := srv.Diff(ctx, "doc")
	require.NoError(t, err)
	require.Len(t, messages, 1)

	patched, err := client.Patch(ctx, messages[0])
	require.NoError(t, err)
	require.JSONEq(t, `{"name": "Fletch", "city": "Paris"}`, string(patched.Content))
}
