package domain

type Operation string

const (
	OperationAdd       Operation = "ADD"
	OperationDelete    Operation = "DELETE"
	OperationUnchanged Operation = "UNCHANGED"
)

// Diff is one run of a text diff.
type Diff struct {
	Operation Operation `json:"operation"`
	Text      string    `json:"text"`
}

func NewDiff(op Operation, text string) Diff {
	return Diff{Operation: op, Text: text}
}

// Edit is a diff computed against a shadow. ClientVersion and ServerVersion
// are the versions of that shadow and Checksum is the checksum of its
// content. A seed edit is computed against empty content and replaces the
// receiver's state.
type Edit[D any] struct {
	ClientVersion uint64 `json:"clientVersion"`
	ServerVersion uint64 `json:"serverVersion"`
	Checksum      string `json:"checksum"`
	Seed          bool   `json:"seed,omitempty"`
	Diffs         []D    `json:"diffs"`
}

func NewEdit[D any](clientVersion, serverVersion uint64, checksum string, diffs []D) Edit[D] {
	return Edit[D]{
		ClientVersion: clientVersion,
		ServerVersion: serverVersion,
		Checksum:      checksum,
		Diffs:         copyDiffs(diffs),
	}
}

func (e Edit[D]) AsSeed() Edit[D] {
	seed := NewEdit(e.ClientVersion, e.ServerVersion, e.Checksum, e.Diffs)
	seed.Seed = true
	return seed
}

// Clone returns an edit that shares no memory with e.
func (e Edit[D]) Clone() Edit[D] {
	clone := NewEdit(e.ClientVersion, e.ServerVersion, e.Checksum, e.Diffs)
	clone.Seed = e.Seed
	return clone
}

func copyDiffs[D any](diffs []D) []D {
	if diffs == nil {
		return []D{}
	}
	out := make([]D, len(diffs))
	copy(out, diffs)
	return out
}

// PatchMessage is the batch of pending edits exchanged for one
// (document, client) pair.
type PatchMessage[D any] struct {
	DocumentID string    `json:"id"`
	ClientID   string    `json:"clientId"`
	Edits      []Edit[D] `json:"edits"`
}

func NewPatchMessage[D any](documentID, clientID string, edits []Edit[D]) PatchMessage[D] {
	out := make([]Edit[D], len(edits))
	for i, e := range edits {
		out[i] = e.Clone()
	}
	return PatchMessage[D]{
		DocumentID: documentID,
		ClientID:   clientID,
		Edits:      out,
	}
}
