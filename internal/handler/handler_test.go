package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"diffsync-server/internal/domain"
	"diffsync-server/internal/engine"
	"diffsync-server/internal/repository"
	"diffsync-server/internal/synchronizer/text"
	"diffsync-server/internal/websocket"

	"github.com/gorilla/mux"
	ws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type textEngine = engine.ServerEngine[string, domain.Diff]

type fakePublisher struct {
	published chan string
}

func (p *fakePublisher) Publish(_ context.Context, documentID string) error {
	p.published <- documentID
	return nil
}

func newEngine(t *testing.T) *textEngine {
	return engine.NewServerEngine[string, domain.Diff](
		text.NewServerSynchronizer(),
		repository.NewServerMemoryStore[string, domain.Diff](),
		zaptest.NewLogger(t),
	)
}

func newRouter(t *testing.T, eng *textEngine, publisher Publisher) *mux.Router {
	logger := zaptest.NewLogger(t)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	manager := websocket.NewManager(websocket.Options{
		WriteWait:  time.Second,
		PongWait:   time.Minute,
		PingPeriod: 30 * time.Second,
	}, logger)
	syncHandler := NewSyncMessageHandler(eng, manager, logger)
	if publisher != nil {
		syncHandler.SetPublisher(publisher)
	}
	manager.SetMessageHandler(syncHandler)
	go manager.Run(ctx)

	documents := NewDocumentHandler(eng, logger)

	r := mux.NewRouter()
	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/documents", documents.Create).Methods("POST")
	api.HandleFunc("/documents/{id}", documents.Get).Methods("GET")
	api.HandleFunc("/documents/{id}/clients", documents.Clients).Methods("GET")
	r.HandleFunc("/ws", NewWebSocketHandler(manager, 1024, 1024, logger).HandleConnection)
	return r
}

func dial(t *testing.T, srv *httptest.Server) *ws.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := ws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *ws.Conn, frame string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(ws.TextMessage, []byte(frame)))
}

func receive(t *testing.T, conn *ws.Conn) map[string]json.RawMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var out map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func receivePatch(t *testing.T, conn *ws.Conn) domain.PatchMessage[domain.Diff] {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg websocket.Message
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, websocket.MsgTypePatch, msg.Type())
	patch, err := websocket.DecodePatchMessage[domain.Diff](&msg)
	require.NoError(t, err)
	return patch
}

func TestUnknownMsgType(t *testing.T) {
	srv := httptest.NewServer(newRouter(t, newEngine(t), nil))
	defer srv.Close()
	conn := dial(t, srv)

	send(t, conn, `{"msgType":"SUBSCRIBE","id":"1234","clientId":"a"}`)
	require.JSONEq(t, `"Unknown msgType 'SUBSCRIBE'"`, string(receive(t, conn)["result"]))

	send(t, conn, `not json`)
	require.JSONEq(t, `"Invalid message"`, string(receive(t, conn)["result"]))
}

func TestAdd_RequiresSession(t *testing.T) {
	srv := httptest.NewServer(newRouter(t, newEngine(t), nil))
	defer srv.Close()
	conn := dial(t, srv)

	send(t, conn, `{"msgType":"ADD","clientId":"a","content":"Mr. Babar"}`)
	var result string
	require.NoError(t, json.Unmarshal(receive(t, conn)["result"], &result))
	require.Contains(t, result, "required")
}

func TestAddPatchFanOut(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t)
	publisher := &fakePublisher{published: make(chan string, 4)}
	srv := httptest.NewServer(newRouter(t, eng, publisher))
	defer srv.Close()

	a := dial(t, srv)
	send(t, a, `{"msgType":"add","id":"1234","clientId":"a","content":"Mr. Babar"}`)
	ack := receivePatch(t, a)
	require.Equal(t, "1234", ack.DocumentID)
	require.Equal(t, "a", ack.ClientID)
	require.Len(t, ack.Edits, 1)
	require.Equal(t, uint64(0), ack.Edits[0].ServerVersion)

	b := dial(t, srv)
	send(t, b, `{"msgType":"ADD","id":"1234","clientId":"b","content":""}`)
	join := receivePatch(t, b)
	require.Equal(t, []domain.Diff{domain.NewDiff(domain.OperationAdd, "Mr. Babar")}, join.Edits[0].Diffs)

	ids, err := eng.ClientIDs(ctx, "1234")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, ids)

	// a has applied the server's first edit, so its shadow is at server
	// version 1.
	sum, err := text.NewClientSynchronizer().Checksum("Mr. Babar")
	require.NoError(t, err)
	edit := text.NewEditBuilder().
		ClientVersion(0).
		ServerVersion(1).
		Checksum(sum).
		Unchanged("Mr. Babar").
		Add("!").
		Build()
	msg, err := websocket.NewPatchMessage(domain.NewPatchMessage("1234", "a", []domain.Edit[domain.Diff]{edit}))
	require.NoError(t, err)
	require.NoError(t, a.WriteJSON(msg))

	ack = receivePatch(t, a)
	require.Equal(t, uint64(1), ack.Edits[len(ack.Edits)-1].ClientVersion)

	fanOut := receivePatch(t, b)
	last := fanOut.Edits[len(fanOut.Edits)-1]
	require.Equal(t, []domain.Diff{
		domain.NewDiff(domain.OperationUnchanged, "Mr. Babar"),
		domain.NewDiff(domain.OperationAdd, "!"),
	}, last.Diffs)

	select {
	case id := <-publisher.published:
		require.Equal(t, "1234", id)
	case <-time.After(5 * time.Second):
		t.Fatal("change not published")
	}

	doc, err := eng.Document(ctx, "1234")
	require.NoError(t, err)
	require.Equal(t, "Mr. Babar!", doc.Content)
}

// conflictingStore fails the next document write with a write conflict.
type conflictingStore struct {
	*repository.ServerMemoryStore[string, domain.Diff]
	conflicts atomic.Int32
}

func (s *conflictingStore) SaveDocument(ctx context.Context, doc domain.Document[string]) error {
	if s.conflicts.Add(-1) >= 0 {
		return fmt.Errorf("failed to save document %s: %w", doc.ID, engine.ErrWriteConflict)
	}
	s.conflicts.Store(0)
	return s.ServerMemoryStore.SaveDocument(ctx, doc)
}

func TestPatch_RetriesWriteConflict(t *testing.T) {
	ctx := context.Background()
	store := &conflictingStore{ServerMemoryStore: repository.NewServerMemoryStore[string, domain.Diff]()}
	eng := engine.NewServerEngine[string, domain.Diff](text.NewServerSynchronizer(), store, zaptest.NewLogger(t))
	srv := httptest.NewServer(newRouter(t, eng, nil))
	defer srv.Close()

	conn := dial(t, srv)
	send(t, conn, `{"msgType":"ADD","id":"1234","clientId":"a","content":"Mr. Babar"}`)
	receivePatch(t, conn)

	sum, err := text.NewClientSynchronizer().Checksum("Mr. Babar")
	require.NoError(t, err)
	edit := text.NewEditBuilder().
		ServerVersion(1).
		Checksum(sum).
		Unchanged("Mr. Babar").
		Add("!").
		Build()
	msg, err := websocket.NewPatchMessage(domain.NewPatchMessage("1234", "a", []domain.Edit[domain.Diff]{edit}))
	require.NoError(t, err)

	store.conflicts.Store(1)
	require.NoError(t, conn.WriteJSON(msg))

	ack := receivePatch(t, conn)
	last := ack.Edits[len(ack.Edits)-1]
	require.False(t, last.Seed)
	require.Equal(t, uint64(1), last.ClientVersion)

	doc, err := eng.Document(ctx, "1234")
	require.NoError(t, err)
	require.Equal(t, "Mr. Babar!", doc.Content)
	require.Zero(t, store.conflicts.Load())
}

func TestPatch_ConflictResyncs(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t)
	srv := httptest.NewServer(newRouter(t, eng, nil))
	defer srv.Close()

	conn := dial(t, srv)
	send(t, conn, `{"msgType":"ADD","id":"1234","clientId":"a","content":"Mr. Babar"}`)
	receivePatch(t, conn)

	edit := text.NewEditBuilder().
		ClientVersion(7).
		ServerVersion(7).
		Checksum("bogus").
		Add("?").
		Build()
	msg, err := websocket.NewPatchMessage(domain.NewPatchMessage("1234", "a", []domain.Edit[domain.Diff]{edit}))
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(msg))

	seed := receivePatch(t, conn)
	require.Len(t, seed.Edits, 1)
	require.True(t, seed.Edits[0].Seed)
	require.Equal(t, []domain.Diff{domain.NewDiff(domain.OperationAdd, "Mr. Babar")}, seed.Edits[0].Diffs)

	doc, err := eng.Document(ctx, "1234")
	require.NoError(t, err)
	require.Equal(t, "Mr. Babar", doc.Content)
}

func TestDetach(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t)
	srv := httptest.NewServer(newRouter(t, eng, nil))
	defer srv.Close()

	conn := dial(t, srv)
	send(t, conn, `{"msgType":"ADD","id":"1234","clientId":"a","content":"Mr. Babar"}`)
	receivePatch(t, conn)

	send(t, conn, `{"msgType":"DETACH","id":"1234","clientId":"a"}`)
	require.Eventually(t, func() bool {
		ids, err := eng.ClientIDs(ctx, "1234")
		return err == nil && len(ids) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDocumentHandler(t *testing.T) {
	eng := newEngine(t)
	r := newRouter(t, eng, nil)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/documents", bytes.NewBufferString(`{"id":"1234","content":"Mr. Babar"}`)))
	require.Equal(t, http.StatusCreated, w.Code)
	require.JSONEq(t, `{"success":true,"data":{"id":"1234","content":"Mr. Babar"}}`, w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/documents", bytes.NewBufferString(`{"id":"1234","content":"again"}`)))
	require.Equal(t, http.StatusConflict, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/documents", bytes.NewBufferString(`{"content":"no id"}`)))
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/documents", bytes.NewBufferString(`{`)))
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/documents/1234", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"success":true,"data":{"id":"1234","content":"Mr. Babar"}}`, w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/documents/5678", nil))
	require.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/documents/1234/clients", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"success":true,"data":{"clients":[]}}`, w.Body.String())
}
