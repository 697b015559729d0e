package handler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"diffsync-server/internal/domain"
	"diffsync-server/internal/engine"
	"diffsync-server/internal/metrics"
	"diffsync-server/internal/websocket"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// Publisher announces that a document changed on this node.
type Publisher interface {
	Publish(ctx context.Context, documentID string) error
}

type sessionRequest struct {
	ID       string `validate:"required"`
	ClientID string `validate:"required"`
}

// SyncMessageHandler drives a ServerEngine from websocket messages.
type SyncMessageHandler[T, D any] struct {
	engine    *engine.ServerEngine[T, D]
	manager   *websocket.Manager
	publisher Publisher
	validate  *validator.Validate
	logger    *zap.Logger
}

func NewSyncMessageHandler[T, D any](eng *engine.ServerEngine[T, D], manager *websocket.Manager, logger *zap.Logger) *SyncMessageHandler[T, D] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyncMessageHandler[T, D]{
		engine:   eng,
		manager:  manager,
		validate: validator.New(),
		logger:   logger.Named("sync"),
	}
}

// SetPublisher makes successful patches visible to other nodes.
func (h *SyncMessageHandler[T, D]) SetPublisher(publisher Publisher) {
	h.publisher = publisher
}

func (h *SyncMessageHandler[T, D]) HandleWebSocketMessage(ctx context.Context, client *websocket.Client, msg *websocket.Message) error {
	switch msg.Type() {
	case websocket.MsgTypeAdd:
		return h.handleAdd(ctx, client, msg)

	case websocket.MsgTypePatch:
		return h.handlePatch(ctx, client, msg)

	case websocket.MsgTypeDetach:
		return h.handleDetach(ctx, client, msg)

	default:
		h.logger.Debug("unknown message type", zap.String("msgType", msg.MsgType))
		return h.manager.Send(client, websocket.UnknownMsgTypeResult(msg.MsgType))
	}
}

func (h *SyncMessageHandler[T, D]) validSession(client *websocket.Client, msg *websocket.Message) bool {
	if err := h.validate.Struct(sessionRequest{ID: msg.ID, ClientID: msg.ClientID}); err != nil {
		h.manager.Send(client, websocket.Result{Result: err.Error()})
		return false
	}
	return true
}

func (h *SyncMessageHandler[T, D]) handleAdd(ctx context.Context, client *websocket.Client, msg *websocket.Message) error {
	if !h.validSession(client, msg) {
		return nil
	}

	content, err := websocket.DecodeContent[T](msg)
	if err != nil {
		h.manager.Send(client, websocket.Result{Result: "Invalid content"})
		return err
	}

	err = h.engine.AddDocument(ctx, domain.NewDocument(msg.ID, content))
	if err != nil && !errors.Is(err, engine.ErrDocumentAlreadyManaged) {
		return fmt.Errorf("failed to add document: %w", err)
	}

	err = h.engine.AddClient(ctx, domain.NewClientDocument(msg.ID, msg.ClientID, content))
	if err != nil && !errors.Is(err, engine.ErrDocumentAlreadyManaged) {
		return fmt.Errorf("failed to add client: %w", err)
	}

	h.manager.Subscribe(msg.ID, msg.ClientID, client)

	patch, err := h.engine.DiffClient(ctx, msg.ID, msg.ClientID)
	if err != nil {
		return fmt.Errorf("failed to diff client: %w", err)
	}
	return h.sendPatch(client, patch)
}

func (h *SyncMessageHandler[T, D]) handlePatch(ctx context.Context, client *websocket.Client, msg *websocket.Message) error {
	if !h.validSession(client, msg) {
		return nil
	}

	patch, err := websocket.DecodePatchMessage[D](msg)
	if err != nil {
		h.manager.Send(client, websocket.Result{Result: "Invalid edits"})
		return err
	}

	start := time.Now()
	_, err = h.engine.Patch(ctx, patch)
	if errors.Is(err, engine.ErrWriteConflict) {
		// Another node wrote the document first. The document is the first
		// write of a patch, so the patch is applied again on fresh state.
		h.logger.Info("retrying patch after write conflict",
			zap.String("document_id", patch.DocumentID),
			zap.String("client_id", patch.ClientID),
			zap.Error(err),
		)
		_, err = h.engine.Patch(ctx, patch)
	}
	switch {
	case engine.IsRecoverable(err):
		metrics.ReportPatch("resync", time.Since(start))
		return h.resync(ctx, client, patch, err)

	case errors.Is(err, engine.ErrDocumentNotFound):
		metrics.ReportPatch("not_found", time.Since(start))
		return h.manager.Send(client, websocket.Result{Result: err.Error()})

	case err != nil:
		metrics.ReportPatch("error", time.Since(start))
		return fmt.Errorf("failed to patch: %w", err)
	}
	metrics.ReportPatch("applied", time.Since(start))

	h.manager.Subscribe(patch.DocumentID, patch.ClientID, client)

	ack, err := h.engine.DiffClient(ctx, patch.DocumentID, patch.ClientID)
	if err != nil {
		return fmt.Errorf("failed to acknowledge: %w", err)
	}
	if err := h.sendPatch(client, ack); err != nil {
		return err
	}

	if err := h.fanOut(ctx, patch.DocumentID, patch.ClientID); err != nil {
		return err
	}

	if h.publisher != nil {
		if err := h.publisher.Publish(ctx, patch.DocumentID); err != nil {
			h.logger.Warn("failed to publish change",
				zap.String("document_id", patch.DocumentID),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (h *SyncMessageHandler[T, D]) resync(ctx context.Context, client *websocket.Client, patch domain.PatchMessage[D], cause error) error {
	reason := "conflict"
	if errors.Is(cause, engine.ErrChecksumMismatch) {
		reason = "checksum"
	}
	metrics.Resyncs.WithLabelValues(reason).Inc()

	h.logger.Info("resyncing client",
		zap.String("document_id", patch.DocumentID),
		zap.String("client_id", patch.ClientID),
		zap.Error(cause),
	)

	seed, err := h.engine.Resync(ctx, patch.DocumentID, patch.ClientID)
	if err != nil {
		return fmt.Errorf("failed to resync: %w", err)
	}
	return h.sendPatch(client, seed)
}

func (h *SyncMessageHandler[T, D]) handleDetach(ctx context.Context, client *websocket.Client, msg *websocket.Message) error {
	if !h.validSession(client, msg) {
		return nil
	}

	h.manager.Unsubscribe(msg.ID, msg.ClientID)

	if err := h.engine.RemoveClient(ctx, msg.ID, msg.ClientID); err != nil && !errors.Is(err, engine.ErrDocumentNotFound) {
		return fmt.Errorf("failed to remove client: %w", err)
	}
	return nil
}

// FanOut sends the current changes of documentID to every session connected
// to this node.
func (h *SyncMessageHandler[T, D]) FanOut(ctx context.Context, documentID string) error {
	return h.fanOut(ctx, documentID, "")
}

func (h *SyncMessageHandler[T, D]) fanOut(ctx context.Context, documentID, exclude string) error {
	var clientIDs []string
	for _, clientID := range h.manager.Subscribers(documentID) {
		if clientID != exclude {
			clientIDs = append(clientIDs, clientID)
		}
	}
	if len(clientIDs) == 0 {
		return nil
	}

	patches, err := h.engine.Diff(ctx, documentID, clientIDs...)
	if err != nil {
		return fmt.Errorf("failed to diff subscribers: %w", err)
	}

	for _, patch := range patches {
		msg, err := websocket.NewPatchMessage(patch)
		if err != nil {
			return err
		}
		if _, err := h.manager.SendTo(patch.DocumentID, patch.ClientID, msg); err != nil {
			return err
		}
	}
	return nil
}

func (h *SyncMessageHandler[T, D]) sendPatch(client *websocket.Client, patch domain.PatchMessage[D]) error {
	msg, err := websocket.NewPatchMessage(patch)
	if err != nil {
		return err
	}
	return h.manager.Send(client, msg)
}
