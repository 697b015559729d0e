package websocket

import (
	"encoding/json"
	"testing"

	"diffsync-server/internal/domain"

	"github.com/stretchr/testify/require"
)

func TestParseMsgType(t *testing.T) {
	cases := map[string]MsgType{
		"ADD":     MsgTypeAdd,
		"add":     MsgTypeAdd,
		" Patch ": MsgTypePatch,
		"detach":  MsgTypeDetach,
		"UNKNOWN": MsgTypeUnknown,
		"":        MsgTypeUnknown,
		"bogus":   MsgTypeUnknown,
	}
	for in, want := range cases {
		require.Equal(t, want, ParseMsgType(in), in)
	}
}

func TestUnknownMsgTypeResult(t *testing.T) {
	raw, err := json.Marshal(UnknownMsgTypeResult("bogus"))
	require.NoError(t, err)
	require.JSONEq(t, `{"result":"Unknown msgType 'bogus'"}`, string(raw))
}

func TestPatchMessage_WireShape(t *testing.T) {
	edit := domain.NewEdit(1, 2, "abc", []domain.Diff{
		domain.NewDiff(domain.OperationUnchanged, "Do or do not, there is no try"),
		domain.NewDiff(domain.OperationDelete, "."),
		domain.NewDiff(domain.OperationAdd, "!"),
	})

	msg, err := NewPatchMessage(domain.NewPatchMessage("1234", "client1", []domain.Edit[domain.Diff]{edit}))
	require.NoError(t, err)

	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	require.JSONEq(t, `{
		"msgType": "PATCH",
		"id": "1234",
		"clientId": "client1",
		"edits": [{
			"clientVersion": 1,
			"serverVersion": 2,
			"checksum": "abc",
			"diffs": [
				{"operation": "UNCHANGED", "text": "Do or do not, there is no try"},
				{"operation": "DELETE", "text": "."},
				{"operation": "ADD", "text": "!"}
			]
		}]
	}`, string(raw))

	var decoded Message
	require.NoError(t, json.Unmarshal(raw, &decoded))
	patch, err := DecodePatchMessage[domain.Diff](&decoded)
	require.NoError(t, err)
	require.Equal(t, "1234", patch.DocumentID)
	require.Equal(t, "client1", patch.ClientID)
	require.Equal(t, []domain.Edit[domain.Diff]{edit}, patch.Edits)
}

func TestAddMessage_Content(t *testing.T) {
	msg, err := NewAddMessage(domain.NewClientDocument("1234", "client1", "Mr. Babar"))
	require.NoError(t, err)
	require.Equal(t, MsgTypeAdd, msg.Type())

	content, err := DecodeContent[string](msg)
	require.NoError(t, err)
	require.Equal(t, "Mr. Babar", content)

	jsonMsg := &Message{MsgType: "add", Content: json.RawMessage(`{"name":"Mr.Babar"}`)}
	doc, err := DecodeContent[json.RawMessage](jsonMsg)
	require.NoError(t, err)
	require.JSONEq(t, `{"name":"Mr.Babar"}`, string(doc))

	empty, err := DecodeContent[string](&Message{MsgType: "ADD"})
	require.NoError(t, err)
	require.Empty(t, empty)
}
