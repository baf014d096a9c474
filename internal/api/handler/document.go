package handler

import (
	"bytes"
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/Rickard-E-Strawbay/invoice-scanner/internal/dispatch"
	"github.com/Rickard-E-Strawbay/invoice-scanner/internal/domain"
	"github.com/Rickard-E-Strawbay/invoice-scanner/internal/pipeline"
	"github.com/Rickard-E-Strawbay/invoice-scanner/internal/repository"
	"github.com/Rickard-E-Strawbay/invoice-scanner/internal/storage"
	"gorm.io/gorm"
)

// DocumentHandler handles document pipeline endpoints.
type DocumentHandler struct {
	docs         *repository.DocumentRepository
	orchestrator *pipeline.Orchestrator
	dispatcher   dispatch.Backend
	blobs        storage.ObjectStorage
}

// NewDocumentHandler creates a new document handler.
// Parameters:
//   - docs: document repository for status reads.
//   - orchestrator: pipeline control surface.
//   - dispatcher: dispatch backend for handle lookups.
//   - blobs: object storage for raw uploads.
// Returns:
//   - *DocumentHandler: initialized handler.
func NewDocumentHandler(docs *repository.DocumentRepository, orchestrator *pipeline.Orchestrator, dispatcher dispatch.Backend, blobs storage.ObjectStorage) *DocumentHandler {
	return &DocumentHandler{
		docs:         docs,
		orchestrator: orchestrator,
		dispatcher:   dispatcher,
		blobs:        blobs,
	}
}

type registerDocumentRequest struct {
	DocumentID string `json:"document_id"`
	CompanyID  string `json:"company_id" binding:"required"`
	// Content optionally carries the raw scan, base64 encoded. Without it
	// the upload is expected to already sit at the document's raw key.
	Content     string `json:"content,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// Register handles POST /api/v1/documents.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *DocumentHandler) Register(c *gin.Context) {
	var req registerDocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request: " + err.Error(),
		})
		return
	}

	if req.DocumentID == "" {
		req.DocumentID = uuid.New().String()
	}

	if req.Content != "" {
		data, err := base64.StdEncoding.DecodeString(req.Content)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid content encoding: " + err.Error(),
			})
			return
		}
		contentType := req.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		key := storage.RawKey(req.DocumentID)
		if err := h.blobs.Upload(c.Request.Context(), key, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to store upload: " + err.Error(),
			})
			return
		}
	}

	doc := &domain.Document{
		ID:        req.DocumentID,
		CompanyID: req.CompanyID,
	}
	if err := h.docs.Create(c.Request.Context(), doc); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to register document: " + err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, doc)
}

// Process handles POST /api/v1/documents/:id/process.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *DocumentHandler) Process(c *gin.Context) {
	id := c.Param("id")

	handle, err := h.orchestrator.Start(c.Request.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Document not found"})
		case errors.Is(err, pipeline.ErrNotQueued):
			c.JSON(http.StatusConflict, gin.H{"error": "Document already entered the pipeline"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to start processing: " + err.Error(),
			})
		}
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"document_id": id,
		"dispatch_id": string(handle),
	})
}

// Restart handles POST /api/v1/documents/:id/restart.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *DocumentHandler) Restart(c *gin.Context) {
	id := c.Param("id")

	handle, err := h.orchestrator.Restart(c.Request.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Document not found"})
		case errors.Is(err, pipeline.ErrNotRestartable):
			c.JSON(http.StatusConflict, gin.H{"error": "Document is still in flight"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to restart document: " + err.Error(),
			})
		}
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"document_id": id,
		"dispatch_id": string(handle),
	})
}

// Status handles GET /api/v1/documents/:id/status.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *DocumentHandler) Status(c *gin.Context) {
	doc, err := h.docs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Document not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to load document: " + err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, doc)
}

// List handles GET /api/v1/documents.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *DocumentHandler) List(c *gin.Context) {
	limit := 20
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}
	offset := 0
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	docs, err := h.docs.ListByStatus(c.Request.Context(), domain.Status(c.Query("status")), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list documents: " + err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"documents": docs,
		"count":     len(docs),
		"limit":     limit,
		"offset":    offset,
	})
}

// DispatchStatus handles GET /api/v1/dispatches/:id.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *DocumentHandler) DispatchStatus(c *gin.Context) {
	id := c.Param("id")

	status, err := h.dispatcher.Status(c.Request.Context(), dispatch.Handle(id))
	if err != nil {
		if errors.Is(err, dispatch.ErrUnknownHandle) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Unknown dispatch handle"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to look up dispatch: " + err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"dispatch_id": id,
		"status":      status,
	})
}
