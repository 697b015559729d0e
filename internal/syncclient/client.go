package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"diffsync-server/internal/domain"
	"diffsync-server/internal/engine"
	"diffsync-server/internal/websocket"

	"github.com/google/uuid"
	ws "github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeWait = 10 * time.Second

type Option func(*options)

type options struct {
	clientID string
	logger   *zap.Logger
	dialer   *ws.Dialer
}

// WithClientID sets the session ID used for every document. A random UUID
// is used otherwise.
func WithClientID(id string) Option {
	return func(o *options) {
		o.clientID = id
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func WithDialer(dialer *ws.Dialer) Option {
	return func(o *options) {
		o.dialer = dialer
	}
}

// frame is any server message: a sync message or a result.
type frame struct {
	websocket.Message
	Result string `json:"result,omitempty"`
}

type session struct {
	awaiting bool
	dirty    bool
}

// Client keeps documents in sync with a server over one websocket
// connection. At most one PATCH per document is in flight; updates made
// while it is unacknowledged are sent with the next one.
type Client[T, D any] struct {
	id     string
	conn   *ws.Conn
	engine *engine.ClientEngine[T, D]
	logger *zap.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	sessions map[string]*session
}

func Dial[T, D any](ctx context.Context, url string, eng *engine.ClientEngine[T, D], opts ...Option) (*Client[T, D], error) {
	o := options{dialer: ws.DefaultDialer}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clientID == "" {
		o.clientID = uuid.New().String()
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	conn, _, err := o.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}

	return &Client[T, D]{
		id:       o.clientID,
		conn:     conn,
		engine:   eng,
		logger:   o.logger.Named("syncclient").With(zap.String("client_id", o.clientID)),
		sessions: make(map[string]*session),
	}, nil
}

func (c *Client[T, D]) ID() string {
	return c.id
}

// OnPatch registers a listener for documents changed by the server.
func (c *Client[T, D]) OnPatch(listener engine.PatchListener[T]) {
	c.engine.AddPatchListener(listener)
}

// AddDocument starts syncing documentID from content and announces it to the
// server. A document the engine already tracks is announced again.
func (c *Client[T, D]) AddDocument(ctx context.Context, documentID string, content T) error {
	doc := domain.NewClientDocument(documentID, c.id, content)
	err := c.engine.AddDocument(ctx, doc)
	if errors.Is(err, engine.ErrDocumentAlreadyManaged) {
		doc, err = c.engine.Document(ctx, documentID, c.id)
	}
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.sessions[documentID] = &session{awaiting: true}
	c.mu.Unlock()

	msg, err := websocket.NewAddMessage(doc)
	if err != nil {
		return err
	}
	return c.write(msg)
}

// Update records content as the new local version of documentID and sends
// the resulting edits unless a previous PATCH is still unacknowledged.
func (c *Client[T, D]) Update(ctx context.Context, documentID string, content T) error {
	c.mu.Lock()
	_, ok := c.sessions[documentID]
	c.mu.Unlock()
	if !ok {
		return &engine.DocumentNotFoundError{DocumentID: documentID, ClientID: c.id}
	}

	patch, err := c.engine.Diff(ctx, domain.NewClientDocument(documentID, c.id, content))
	if err != nil {
		return err
	}

	c.mu.Lock()
	s, ok := c.sessions[documentID]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	if s.awaiting {
		s.dirty = true
		c.mu.Unlock()
		return nil
	}
	s.awaiting = true
	c.mu.Unlock()

	return c.sendPatch(patch)
}

func (c *Client[T, D]) Document(ctx context.Context, documentID string) (T, error) {
	doc, err := c.engine.Document(ctx, documentID, c.id)
	if err != nil {
		var zero T
		return zero, err
	}
	return doc.Content, nil
}

// Detach ends the session for documentID on both sides.
func (c *Client[T, D]) Detach(ctx context.Context, documentID string) error {
	c.mu.Lock()
	delete(c.sessions, documentID)
	c.mu.Unlock()

	if err := c.write(websocket.NewDetachMessage(documentID, c.id)); err != nil {
		return err
	}
	return c.engine.RemoveDocument(ctx, documentID, c.id)
}

// Resend restores the sessions of documentIDs on a new connection that
// shares the engine of a lost one. Pending edits are sent as they are; a
// document without pending edits is announced again.
func (c *Client[T, D]) Resend(ctx context.Context, documentIDs ...string) error {
	sort.Strings(documentIDs)
	for _, documentID := range documentIDs {
		pending, err := c.engine.PendingEdits(ctx, documentID, c.id)
		if err != nil {
			return err
		}
		if len(pending.Edits) == 0 {
			var current T
			if err := c.AddDocument(ctx, documentID, current); err != nil {
				return err
			}
			continue
		}

		c.mu.Lock()
		c.sessions[documentID] = &session{awaiting: true}
		c.mu.Unlock()

		if err := c.sendPatch(pending); err != nil {
			return err
		}
	}
	return nil
}

// Run reads server messages until ctx is done or the connection fails.
func (c *Client[T, D]) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		c.conn.Close()
	}()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to read message: %w", err)
		}

		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			c.logger.Warn("dropping malformed message", zap.Error(err))
			continue
		}
		if f.Result != "" {
			c.logger.Warn("server result", zap.String("result", f.Result))
			continue
		}

		switch f.Type() {
		case websocket.MsgTypePatch:
			if err := c.handlePatch(ctx, &f.Message); err != nil {
				c.logger.Warn("failed to handle patch", zap.String("document_id", f.ID), zap.Error(err))
			}
		default:
			c.logger.Debug("ignoring message", zap.String("msgType", f.MsgType))
		}
	}
}

func (c *Client[T, D]) handlePatch(ctx context.Context, msg *websocket.Message) error {
	patch, err := websocket.DecodePatchMessage[D](msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	_, tracked := c.sessions[patch.DocumentID]
	c.mu.Unlock()
	if !tracked {
		return nil
	}

	_, err = c.engine.Patch(ctx, patch)
	if engine.IsRecoverable(err) {
		c.logger.Info("reattaching after failed patch", zap.String("document_id", patch.DocumentID), zap.Error(err))
		return c.reattach(ctx, patch.DocumentID)
	}
	if err != nil {
		return err
	}

	c.mu.Lock()
	s, ok := c.sessions[patch.DocumentID]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	flush := s.dirty
	s.awaiting = flush
	s.dirty = false
	c.mu.Unlock()

	if !flush {
		return nil
	}

	// The server may have answered from a backup, dropping the queue, so the
	// live document is diffed again instead of resending the queue.
	doc, err := c.engine.Document(ctx, patch.DocumentID, c.id)
	if err != nil {
		return err
	}
	next, err := c.engine.Diff(ctx, doc)
	if err != nil {
		return err
	}
	return c.sendPatch(next)
}

// reattach drops the local session and joins again with the current
// content. The server answers with its canonical content.
func (c *Client[T, D]) reattach(ctx context.Context, documentID string) error {
	doc, err := c.engine.Document(ctx, documentID, c.id)
	if err != nil {
		return err
	}

	if err := c.write(websocket.NewDetachMessage(documentID, c.id)); err != nil {
		return err
	}
	if err := c.engine.RemoveDocument(ctx, documentID, c.id); err != nil {
		return err
	}
	return c.AddDocument(ctx, documentID, doc.Content)
}

func (c *Client[T, D]) sendPatch(patch domain.PatchMessage[D]) error {
	msg, err := websocket.NewPatchMessage(patch)
	if err != nil {
		return err
	}
	return c.write(msg)
}

func (c *Client[T, D]) write(msg *websocket.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (c *Client[T, D]) Close() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(ws.CloseMessage, ws.FormatCloseMessage(ws.CloseNormalClosure, ""))
	return c.conn.Close()
}
