package websocket

import (
	"encoding/json"
	"fmt"
	"strings"

	"diffsync-server/internal/domain"
)

type MsgType string

const (
	MsgTypeAdd     MsgType = "ADD"
	MsgTypePatch   MsgType = "PATCH"
	MsgTypeDetach  MsgType = "DETACH"
	MsgTypeUnknown MsgType = "UNKNOWN"
)

// ParseMsgType maps a wire value onto the known message types, ignoring
// case. Anything else is MsgTypeUnknown.
func ParseMsgType(value string) MsgType {
	switch MsgType(strings.ToUpper(strings.TrimSpace(value))) {
	case MsgTypeAdd:
		return MsgTypeAdd
	case MsgTypePatch:
		return MsgTypePatch
	case MsgTypeDetach:
		return MsgTypeDetach
	default:
		return MsgTypeUnknown
	}
}

// Message is the envelope of every frame exchanged with a client.
type Message struct {
	MsgType  string          `json:"msgType"`
	ID       string          `json:"id,omitempty"`
	ClientID string          `json:"clientId,omitempty"`
	Content  json.RawMessage `json:"content,omitempty"`
	Edits    json.RawMessage `json:"edits,omitempty"`
}

func (m *Message) Type() MsgType {
	return ParseMsgType(m.MsgType)
}

// Result answers messages that cannot be processed.
type Result struct {
	Result string `json:"result"`
}

func UnknownMsgTypeResult(msgType string) Result {
	return Result{Result: fmt.Sprintf("Unknown msgType '%s'", msgType)}
}

func NewAddMessage[T any](doc domain.ClientDocument[T]) (*Message, error) {
	content, err := json.Marshal(doc.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to encode content: %w", err)
	}

	return &Message{
		MsgType:  string(MsgTypeAdd),
		ID:       doc.ID,
		ClientID: doc.ClientID,
		Content:  content,
	}, nil
}

func NewPatchMessage[D any](patch domain.PatchMessage[D]) (*Message, error) {
	edits := patch.Edits
	if edits == nil {
		edits = []domain.Edit[D]{}
	}

	raw, err := json.Marshal(edits)
	if err != nil {
		return nil, fmt.Errorf("failed to encode edits: %w", err)
	}

	return &Message{
		MsgType:  string(MsgTypePatch),
		ID:       patch.DocumentID,
		ClientID: patch.ClientID,
		Edits:    raw,
	}, nil
}

func NewDetachMessage(documentID, clientID string) *Message {
	return &Message{
		MsgType:  string(MsgTypeDetach),
		ID:       documentID,
		ClientID: clientID,
	}
}

// DecodeContent returns the content carried by an ADD message, or the zero
// value when there is none.
func DecodeContent[T any](m *Message) (T, error) {
	var content T
	if len(m.Content) == 0 {
		return content, nil
	}
	if err := json.Unmarshal(m.Content, &content); err != nil {
		return content, fmt.Errorf("failed to decode content: %w", err)
	}
	return content, nil
}

func DecodePatchMessage[D any](m *Message) (domain.PatchMessage[D], error) {
	var edits []domain.Edit[D]
	if len(m.Edits) > 0 {
		if err := json.Unmarshal(m.Edits, &edits); err != nil {
			return domain.PatchMessage[D]{}, fmt.Errorf("failed to decode edits: %w", err)
		}
	}
	return domain.NewPatchMessage(m.ID, m.ClientID, edits), nil
}
