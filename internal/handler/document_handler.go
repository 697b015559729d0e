package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"diffsync-server/internal/domain"
	"diffsync-server/internal/engine"
	"diffsync-server/pkg/response"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type CreateDocumentRequest[T any] struct {
	ID      string `json:"id" validate:"required"`
	Content T      `json:"content"`
}

// DocumentHandler exposes canonical documents over HTTP.
type DocumentHandler[T, D any] struct {
	engine   *engine.ServerEngine[T, D]
	validate *validator.Validate
	logger   *zap.Logger
}

func NewDocumentHandler[T, D any](eng *engine.ServerEngine[T, D], logger *zap.Logger) *DocumentHandler[T, D] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DocumentHandler[T, D]{
		engine:   eng,
		validate: validator.New(),
		logger:   logger,
	}
}

func (h *DocumentHandler[T, D]) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateDocumentRequest[T]
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request payload")
		return
	}

	if err := h.validate.Struct(req); err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	doc := domain.NewDocument(req.ID, req.Content)
	if err := h.engine.AddDocument(r.Context(), doc); err != nil {
		if errors.Is(err, engine.ErrDocumentAlreadyManaged) {
			response.Conflict(w, err.Error())
			return
		}
		h.logger.Error("failed to create document", zap.String("document_id", req.ID), zap.Error(err))
		response.InternalError(w, "Failed to create document")
		return
	}

	response.Created(w, doc)
}

func (h *DocumentHandler[T, D]) Get(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["id"]
	if documentID == "" {
		response.BadRequest(w, "Document ID is required")
		return
	}

	doc, err := h.engine.Document(r.Context(), documentID)
	if err != nil {
		if errors.Is(err, engine.ErrDocumentNotFound) {
			response.NotFound(w, "Document not found")
			return
		}
		h.logger.Error("failed to get document", zap.String("document_id", documentID), zap.Error(err))
		response.InternalError(w, "Failed to get document")
		return
	}

	response.Success(w, doc)
}

// Clients lists the sessions the server tracks for a document.
func (h *DocumentHandler[T, D]) Clients(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["id"]

	ids, err := h.engine.ClientIDs(r.Context(), documentID)
	if err != nil {
		if errors.Is(err, engine.ErrDocumentNotFound) {
			response.NotFound(w, "Document not found")
			return
		}
		response.InternalError(w, "Failed to list clients")
		return
	}
	if ids == nil {
		ids = []string{}
	}

	response.Success(w, map[string][]string{"clients": ids})
}
