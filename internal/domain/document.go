package domain

type Document[T any] struct {
	ID      string `json:"id"`
	Content T      `json:"content"`
}

func NewDocument[T any](id string, content T) Document[T] {
	return Document[T]{ID: id, Content: content}
}

func (d Document[T]) WithContent(content T) Document[T] {
	return Document[T]{ID: d.ID, Content: content}
}

// ClientDocument is a document bound to the session identified by ClientID.
type ClientDocument[T any] struct {
	ID       string `json:"id"`
	ClientID string `json:"clientId"`
	Content  T      `json:"content"`
}

func NewClientDocument[T any](id, clientID string, content T) ClientDocument[T] {
	return ClientDocument[T]{ID: id, ClientID: clientID, Content: content}
}

func (d ClientDocument[T]) WithContent(content T) ClientDocument[T] {
	return ClientDocument[T]{ID: d.ID, ClientID: d.ClientID, Content: content}
}

// ShadowDocument is the last content both sides agreed on for one
// (document, client) pair, together with the number of edits each side has
// produced and the other side has applied.
type ShadowDocument[T any] struct {
	ServerVersion uint64            `json:"serverVersion"`
	ClientVersion uint64            `json:"clientVersion"`
	Document      ClientDocument[T] `json:"document"`
}

func NewShadowDocument[T any](serverVersion, clientVersion uint64, doc ClientDocument[T]) ShadowDocument[T] {
	return ShadowDocument[T]{
		ServerVersion: serverVersion,
		ClientVersion: clientVersion,
		Document:      doc,
	}
}

func (s ShadowDocument[T]) WithContent(content T) ShadowDocument[T] {
	return NewShadowDocument(s.ServerVersion, s.ClientVersion, s.Document.WithContent(content))
}

func (s ShadowDocument[T]) WithVersions(serverVersion, clientVersion uint64) ShadowDocument[T] {
	return NewShadowDocument(serverVersion, clientVersion, s.Document)
}

func (s ShadowDocument[T]) IncrementClientVersion() ShadowDocument[T] {
	return s.WithVersions(s.ServerVersion, s.ClientVersion+1)
}

func (s ShadowDocument[T]) IncrementServerVersion() ShadowDocument[T] {
	return s.WithVersions(s.ServerVersion+1, s.ClientVersion)
}

// BackupShadowDocument is a copy of a shadow taken at Version, where Version
// is the counter of the side that owns the backup.
type BackupShadowDocument[T any] struct {
	Version uint64            `json:"version"`
	Shadow  ShadowDocument[T] `json:"shadow"`
}

func NewBackupShadowDocument[T any](version uint64, shadow ShadowDocument[T]) BackupShadowDocument[T] {
	return BackupShadowDocument[T]{Version: version, Shadow: shadow}
}
