package repository

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"diffsync-server/internal/domain"
	"diffsync-server/internal/engine"

	"github.com/go-kivik/kivik/v4"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	docTypeDocument = "document"
	docTypeShadow   = "shadow"
	docTypeBackup   = "backup"
	docTypeEdits    = "edits"
)

type documentDoc[T any] struct {
	ID         string `json:"_id"`
	Rev        string `json:"_rev,omitempty"`
	DocType    string `json:"doc_type"`
	DocumentID string `json:"document_id"`
	Content    T      `json:"content"`
}

type shadowDoc[T any] struct {
	ID            string `json:"_id"`
	Rev           string `json:"_rev,omitempty"`
	DocType       string `json:"doc_type"`
	DocumentID    string `json:"document_id"`
	ClientID      string `json:"client_id"`
	ServerVersion uint64 `json:"server_version"`
	ClientVersion uint64 `json:"client_version"`
	Content       T      `json:"content"`
}

type backupGeneration[T any] struct {
	Version       uint64 `json:"version"`
	ServerVersion uint64 `json:"server_version"`
	ClientVersion uint64 `json:"client_version"`
	Content       T      `json:"content"`
}

// backupDoc holds every backup generation of one session, ordered by version.
type backupDoc[T any] struct {
	ID          string                `json:"_id"`
	Rev         string                `json:"_rev,omitempty"`
	DocType     string                `json:"doc_type"`
	DocumentID  string                `json:"document_id"`
	ClientID    string                `json:"client_id"`
	Generations []backupGeneration[T] `json:"generations"`
}

type editsDoc[D any] struct {
	ID         string           `json:"_id"`
	Rev        string           `json:"_rev,omitempty"`
	DocType    string           `json:"doc_type"`
	DocumentID string           `json:"document_id"`
	ClientID   string           `json:"client_id"`
	Edits      []domain.Edit[D] `json:"edits"`
}

func documentDocID(documentID string) string {
	return fmt.Sprintf("document:%s", documentID)
}

func shadowDocID(documentID, clientID string) string {
	return fmt.Sprintf("shadow:%s:%s", documentID, clientID)
}

func backupDocID(documentID, clientID string) string {
	return fmt.Sprintf("backup:%s:%s", documentID, clientID)
}

func editsDocID(documentID, clientID string) string {
	return fmt.Sprintf("edits:%s:%s", documentID, clientID)
}

func toShadowDoc[T any](shadow domain.ShadowDocument[T]) shadowDoc[T] {
	return shadowDoc[T]{
		ID:            shadowDocID(shadow.Document.ID, shadow.Document.ClientID),
		DocType:       docTypeShadow,
		DocumentID:    shadow.Document.ID,
		ClientID:      shadow.Document.ClientID,
		ServerVersion: shadow.ServerVersion,
		ClientVersion: shadow.ClientVersion,
		Content:       shadow.Document.Content,
	}
}

func (d shadowDoc[T]) toDomain() domain.ShadowDocument[T] {
	return domain.NewShadowDocument(d.ServerVersion, d.ClientVersion,
		domain.NewClientDocument(d.DocumentID, d.ClientID, d.Content))
}

func toBackupGeneration[T any](backup domain.BackupShadowDocument[T]) backupGeneration[T] {
	return backupGeneration[T]{
		Version:       backup.Version,
		ServerVersion: backup.Shadow.ServerVersion,
		ClientVersion: backup.Shadow.ClientVersion,
		Content:       backup.Shadow.Document.Content,
	}
}

func (d backupDoc[T]) generation(version uint64) (domain.BackupShadowDocument[T], bool) {
	for _, g := range d.Generations {
		if g.Version == version {
			return domain.NewBackupShadowDocument(g.Version, domain.NewShadowDocument(g.ServerVersion, g.ClientVersion,
				domain.NewClientDocument(d.DocumentID, d.ClientID, g.Content))), true
		}
	}
	return domain.BackupShadowDocument[T]{}, false
}

// withGeneration returns generations with g added, replacing the generation
// of the same version.
func withGeneration[T any](generations []backupGeneration[T], g backupGeneration[T]) []backupGeneration[T] {
	out := make([]backupGeneration[T], 0, len(generations)+1)
	for _, existing := range generations {
		if existing.Version != g.Version {
			out = append(out, existing)
		}
	}
	out = append(out, g)
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}

type revisioned interface {
	revision() string
}

func (d documentDoc[T]) revision() string { return d.Rev }
func (d shadowDoc[T]) revision() string   { return d.Rev }
func (d backupDoc[T]) revision() string   { return d.Rev }
func (d editsDoc[D]) revision() string    { return d.Rev }

// CouchServerStore keeps server state in CouchDB, one CouchDB document per
// canonical document, shadow, backup set and edit queue. Writes carry the
// revision of the last read or write of the same entry, so a change made by
// another node in between fails with ErrWriteConflict instead of being
// overwritten.
type CouchServerStore[T, D any] struct {
	db       *kivik.DB
	cache    *lru.Cache[string, domain.Document[T]]
	pageSize int

	mu   sync.Mutex
	revs map[string]string
}

const defaultPageSize = 200

func NewCouchServerStore[T, D any](client *kivik.Client, dbName string, cacheSize int) (*CouchServerStore[T, D], error) {
	if cacheSize <= 0 {
		cacheSize = 1
	}
	cache, err := lru.New[string, domain.Document[T]](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create document cache: %w", err)
	}

	return &CouchServerStore[T, D]{
		db:       client.DB(dbName),
		cache:    cache,
		pageSize: defaultPageSize,
		revs:     make(map[string]string),
	}, nil
}

func (s *CouchServerStore[T, D]) rev(docID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revs[docID]
}

func (s *CouchServerStore[T, D]) remember(docID, rev string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revs[docID] = rev
}

func (s *CouchServerStore[T, D]) forget(docID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.revs, docID)
}

// get reads docID into dest and remembers its revision for the next write.
func (s *CouchServerStore[T, D]) get(ctx context.Context, docID string, dest revisioned) error {
	row := s.db.Get(ctx, docID)
	if err := row.ScanDoc(dest); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			s.forget(docID)
			return fmt.Errorf("%s: %w", docID, engine.ErrNotFound)
		}
		return fmt.Errorf("failed to get %s: %w", docID, err)
	}
	s.remember(docID, dest.revision())
	return nil
}

func (s *CouchServerStore[T, D]) put(ctx context.Context, docID string, doc interface{}) error {
	rev, err := s.db.Put(ctx, docID, doc)
	if err != nil {
		if kivik.HTTPStatus(err) == http.StatusConflict {
			s.forget(docID)
			return fmt.Errorf("failed to save %s: %w: %v", docID, engine.ErrWriteConflict, err)
		}
		return fmt.Errorf("failed to save %s: %w", docID, err)
	}
	s.remember(docID, rev)
	return nil
}

func (s *CouchServerStore[T, D]) delete(ctx context.Context, docID string) error {
	rev := s.rev(docID)
	if rev == "" {
		var err error
		rev, err = s.db.GetRev(ctx, docID)
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to get revision of %s: %w", docID, err)
		}
	}

	if _, err := s.db.Delete(ctx, docID, rev); err != nil {
		s.forget(docID)
		switch kivik.HTTPStatus(err) {
		case http.StatusNotFound:
			return nil
		case http.StatusConflict:
			return fmt.Errorf("failed to delete %s: %w: %v", docID, engine.ErrWriteConflict, err)
		}
		return fmt.Errorf("failed to delete %s: %w", docID, err)
	}
	s.forget(docID)
	return nil
}

func (s *CouchServerStore[T, D]) SaveDocument(ctx context.Context, doc domain.Document[T]) error {
	docID := documentDocID(doc.ID)

	err := s.put(ctx, docID, documentDoc[T]{
		ID:         docID,
		Rev:        s.rev(docID),
		DocType:    docTypeDocument,
		DocumentID: doc.ID,
		Content:    doc.Content,
	})
	if err != nil {
		s.cache.Remove(doc.ID)
		return err
	}

	s.cache.Add(doc.ID, doc)
	return nil
}

func (s *CouchServerStore[T, D]) GetDocument(ctx context.Context, documentID string) (domain.Document[T], error) {
	if doc, ok := s.cache.Get(documentID); ok {
		return doc, nil
	}

	var doc documentDoc[T]
	if err := s.get(ctx, documentDocID(documentID), &doc); err != nil {
		return domain.Document[T]{}, err
	}

	out := domain.NewDocument(doc.DocumentID, doc.Content)
	s.cache.Add(documentID, out)
	return out, nil
}

// Invalidate drops the cached copy of a document changed by another node.
func (s *CouchServerStore[T, D]) Invalidate(documentID string) {
	s.cache.Remove(documentID)
	s.forget(documentDocID(documentID))
}

func (s *CouchServerStore[T, D]) SaveShadow(ctx context.Context, shadow domain.ShadowDocument[T]) error {
	doc := toShadowDoc(shadow)
	doc.Rev = s.rev(doc.ID)
	return s.put(ctx, doc.ID, doc)
}

func (s *CouchServerStore[T, D]) GetShadow(ctx context.Context, documentID, clientID string) (domain.ShadowDocument[T], error) {
	var doc shadowDoc[T]
	if err := s.get(ctx, shadowDocID(documentID, clientID), &doc); err != nil {
		return domain.ShadowDocument[T]{}, err
	}
	return doc.toDomain(), nil
}

func (s *CouchServerStore[T, D]) backups(ctx context.Context, documentID, clientID string) (backupDoc[T], error) {
	doc := backupDoc[T]{
		ID:         backupDocID(documentID, clientID),
		DocType:    docTypeBackup,
		DocumentID: documentID,
		ClientID:   clientID,
	}
	if err := s.get(ctx, doc.ID, &doc); err != nil && !errors.Is(err, engine.ErrNotFound) {
		return doc, err
	}
	return doc, nil
}

func (s *CouchServerStore[T, D]) SaveBackup(ctx context.Context, backup domain.BackupShadowDocument[T]) error {
	doc, err := s.backups(ctx, backup.Shadow.Document.ID, backup.Shadow.Document.ClientID)
	if err != nil {
		return err
	}
	doc.Generations = withGeneration(doc.Generations, toBackupGeneration(backup))
	return s.put(ctx, doc.ID, doc)
}

func (s *CouchServerStore[T, D]) GetBackup(ctx context.Context, documentID, clientID string, version uint64) (domain.BackupShadowDocument[T], error) {
	doc, err := s.backups(ctx, documentID, clientID)
	if err != nil {
		return domain.BackupShadowDocument[T]{}, err
	}
	backup, ok := doc.generation(version)
	if !ok {
		return backup, fmt.Errorf("%s@%d: %w", doc.ID, version, engine.ErrNotFound)
	}
	return backup, nil
}

func (s *CouchServerStore[T, D]) ResetBackups(ctx context.Context, backup domain.BackupShadowDocument[T]) error {
	doc, err := s.backups(ctx, backup.Shadow.Document.ID, backup.Shadow.Document.ClientID)
	if err != nil {
		return err
	}
	doc.Generations = []backupGeneration[T]{toBackupGeneration(backup)}
	return s.put(ctx, doc.ID, doc)
}

func (s *CouchServerStore[T, D]) edits(ctx context.Context, documentID, clientID string) (editsDoc[D], error) {
	doc := editsDoc[D]{
		ID:         editsDocID(documentID, clientID),
		DocType:    docTypeEdits,
		DocumentID: documentID,
		ClientID:   clientID,
	}
	if err := s.get(ctx, doc.ID, &doc); err != nil && !errors.Is(err, engine.ErrNotFound) {
		return doc, err
	}
	return doc, nil
}

func (s *CouchServerStore[T, D]) SaveEdit(ctx context.Context, documentID, clientID string, edit domain.Edit[D]) error {
	doc, err := s.edits(ctx, documentID, clientID)
	if err != nil {
		return err
	}
	doc.Edits = append(doc.Edits, edit)
	return s.put(ctx, doc.ID, doc)
}

func (s *CouchServerStore[T, D]) GetEdits(ctx context.Context, documentID, clientID string) ([]domain.Edit[D], error) {
	doc, err := s.edits(ctx, documentID, clientID)
	if err != nil {
		return nil, err
	}
	if doc.Edits == nil {
		return []domain.Edit[D]{}, nil
	}
	return doc.Edits, nil
}

func (s *CouchServerStore[T, D]) RemoveEdit(ctx context.Context, documentID, clientID string, edit domain.Edit[D]) error {
	doc, err := s.edits(ctx, documentID, clientID)
	if err != nil {
		return err
	}
	if doc.Rev == "" {
		return nil
	}

	doc.Edits = withoutEdit(doc.Edits, edit)
	return s.put(ctx, doc.ID, doc)
}

func withoutEdit[D any](edits []domain.Edit[D], edit domain.Edit[D]) []domain.Edit[D] {
	kept := make([]domain.Edit[D], 0, len(edits))
	for _, e := range edits {
		if e.ClientVersion == edit.ClientVersion && e.ServerVersion == edit.ServerVersion {
			continue
		}
		kept = append(kept, e)
	}
	return kept
}

func (s *CouchServerStore[T, D]) RemoveEdits(ctx context.Context, documentID, clientID string) error {
	return s.delete(ctx, editsDocID(documentID, clientID))
}

// ClientIDs pages through the shadows of the document. Mango queries return
// 25 rows unless a limit is given.
func (s *CouchServerStore[T, D]) ClientIDs(ctx context.Context, documentID string) ([]string, error) {
	var ids []string
	bookmark := ""
	for {
		page, next, err := s.clientIDsPage(ctx, documentID, bookmark)
		if err != nil {
			return nil, err
		}
		ids = append(ids, page...)
		if len(page) < s.pageSize || next == "" || next == bookmark {
			break
		}
		bookmark = next
	}

	sort.Strings(ids)
	return ids, nil
}

func (s *CouchServerStore[T, D]) clientIDsPage(ctx context.Context, documentID, bookmark string) ([]string, string, error) {
	query := map[string]interface{}{
		"selector": map[string]interface{}{
			"doc_type":    docTypeShadow,
			"document_id": documentID,
		},
		"fields": []string{"client_id"},
		"limit":  s.pageSize,
	}
	if bookmark != "" {
		query["bookmark"] = bookmark
	}

	rows := s.db.Find(ctx, query)
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("failed to query shadows: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var doc struct {
			ClientID string `json:"client_id"`
		}
		if err := rows.ScanDoc(&doc); err != nil {
			return nil, "", fmt.Errorf("failed to scan shadow: %w", err)
		}
		ids = append(ids, doc.ClientID)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("failed to iterate shadows: %w", err)
	}

	meta, err := rows.Metadata()
	if err != nil {
		return nil, "", fmt.Errorf("failed to read query metadata: %w", err)
	}
	return ids, meta.Bookmark, nil
}

func (s *CouchServerStore[T, D]) RemoveClient(ctx context.Context, documentID, clientID string) error {
	for _, docID := range []string{
		shadowDocID(documentID, clientID),
		backupDocID(documentID, clientID),
		editsDocID(documentID, clientID),
	} {
		if err := s.delete(ctx, docID); err != nil {
			return err
		}
	}
	return nil
}

// EnsureDatabase creates dbName when it does not exist yet.
func EnsureDatabase(ctx context.Context, client *kivik.Client, dbName string) (bool, error) {
	exists, err := client.DBExists(ctx, dbName)
	if err != nil {
		return false, fmt.Errorf("failed to check database existence: %w", err)
	}
	if exists {
		return false, nil
	}
	if err := client.CreateDB(ctx, dbName); err != nil {
		return false, fmt.Errorf("failed to create database: %w", err)
	}
	return true, nil
}
