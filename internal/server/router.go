package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/leadforms/internal/etag"
	"github.com/MarcoPoloResearchLab/leadforms/internal/forms"
	"github.com/MarcoPoloResearchLab/leadforms/internal/idempotency"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	errMissingFormsService = errors.New("forms service dependency required")
	errMissingLedger       = errors.New("idempotency ledger dependency required")
)

// FormsService is the storage collaborator behind the HTTP surface.
type FormsService interface {
	Create(ctx context.Context, request forms.CreateRequest) (forms.LeadForm, error)
	Get(ctx context.Context, formID forms.FormID) (forms.LeadForm, error)
	Update(ctx context.Context, formID forms.FormID, request forms.UpdateRequest) (forms.LeadForm, error)
	ListByPage(ctx context.Context, pageKey forms.PageKey) ([]forms.LeadForm, error)
}

// Dependencies wires the collaborators of the HTTP handler.
type Dependencies struct {
	FormsService FormsService
	Ledger       *idempotency.Ledger
	Logger       *zap.Logger
}

// NewHTTPHandler validates dependencies and builds the gin router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.FormsService == nil {
		return nil, errMissingFormsService
	}
	if deps.Ledger == nil {
		return nil, errMissingLedger
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		formsService: deps.FormsService,
		ledger:       deps.Ledger,
		logger:       logger,
	}

	router.POST("/pages/:pageKey/forms", handler.handleCreateForm)
	router.GET("/pages/:pageKey/forms", handler.handleListForms)
	router.GET("/forms/:formID", handler.handleGetForm)
	router.PUT("/forms/:formID", handler.handleUpdateForm)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders:  []string{"Content-Type", "Idempotency-Key", "If-Match", "If-None-Match"},
		ExposeHeaders: []string{"ETag"},
		MaxAge:        12 * time.Hour,
	})
}

type httpHandler struct {
	formsService FormsService
	ledger       *idempotency.Ledger
	logger       *zap.Logger
}

type formDocumentsPayload struct {
	FormSlug string          `json:"form_slug"`
	Form     json.RawMessage `json:"form"`
	Brief    json.RawMessage `json:"brief"`
}

type duplicateSubmissionPayload struct {
	Error          string          `json:"error"`
	OriginalResult json.RawMessage `json:"original_result"`
}

// beginIdempotent claims the request's idempotency key, if one was
// sent. It writes the response itself for replays, in-progress
// duplicates and malformed keys, reporting proceed=false.
func (h *httpHandler) beginIdempotent(c *gin.Context) (key string, proceed bool) {
	key = c.GetHeader("Idempotency-Key")
	if key == "" {
		return "", true
	}

	replay, err := h.ledger.Begin(key)
	if errors.Is(err, idempotency.ErrInvalidKey) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_idempotency_key"})
		return "", false
	}
	if errors.Is(err, idempotency.ErrInProgress) {
		c.JSON(http.StatusConflict, gin.H{"error": "request_in_progress"})
		return "", false
	}
	if replay != nil {
		c.JSON(http.StatusUnprocessableEntity, duplicateSubmissionPayload{
			Error:          "idempotency key already used",
			OriginalResult: replay.Result,
		})
		return "", false
	}
	return key, true
}

// writeFormResponse emits the representation with its ETag and records
// the body under the idempotency key when one was claimed.
func (h *httpHandler) writeFormResponse(c *gin.Context, status int, view forms.Representation, idempotencyKey string) {
	body, err := json.Marshal(view)
	if err != nil {
		h.releaseClaim(idempotencyKey)
		h.logger.Error("form representation serialization failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "serialization_failed"})
		return
	}

	tag, err := etag.Compute(view)
	if err != nil {
		h.releaseClaim(idempotencyKey)
		h.logger.Error("etag computation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "etag_failed"})
		return
	}

	if idempotencyKey != "" {
		h.ledger.Complete(idempotencyKey, body)
	}
	c.Header("ETag", etag.Quote(tag))
	c.Data(status, "application/json", body)
}

func (h *httpHandler) releaseClaim(idempotencyKey string) {
	if idempotencyKey != "" {
		h.ledger.Forget(idempotencyKey)
	}
}

func (h *httpHandler) handleCreateForm(c *gin.Context) {
	pageKey, err := forms.NewPageKey(c.Param("pageKey"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_page_key"})
		return
	}

	var request formDocumentsPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Form) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	formSlug, err := forms.NewFormSlug(request.FormSlug)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_form_slug"})
		return
	}

	idempotencyKey, proceed := h.beginIdempotent(c)
	if !proceed {
		return
	}

	created, err := h.formsService.Create(c.Request.Context(), forms.CreateRequest{
		PageKey:   pageKey,
		FormSlug:  formSlug,
		FormJSON:  string(request.Form),
		BriefJSON: string(request.Brief),
	})
	if err != nil {
		h.releaseClaim(idempotencyKey)
		h.writeServiceError(c, "create form failed", err)
		return
	}

	h.writeFormResponse(c, http.StatusCreated, created.Representation(), idempotencyKey)
}

func (h *httpHandler) handleGetForm(c *gin.Context) {
	formID, err := forms.NewFormID(c.Param("formID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_form_id"})
		return
	}

	row, err := h.formsService.Get(c.Request.Context(), formID)
	if err != nil {
		h.writeServiceError(c, "get form failed", err)
		return
	}

	view := row.Representation()
	tag, err := etag.Compute(view)
	if err != nil {
		h.logger.Error("etag computation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "etag_failed"})
		return
	}

	if condition := c.GetHeader("If-None-Match"); condition != "" && etag.Match(condition, tag) {
		c.Header("ETag", etag.Quote(tag))
		c.Status(http.StatusNotModified)
		return
	}

	c.Header("ETag", etag.Quote(tag))
	c.JSON(http.StatusOK, view)
}

func (h *httpHandler) handleUpdateForm(c *gin.Context) {
	formID, err := forms.NewFormID(c.Param("formID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_form_id"})
		return
	}

	var request formDocumentsPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Form) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	// The ledger is consulted before the precondition: a retry of an
	// update whose response was lost must replay the recorded result,
	// even though the first execution made the retried If-Match stale.
	idempotencyKey, proceed := h.beginIdempotent(c)
	if !proceed {
		return
	}

	existing, err := h.formsService.Get(c.Request.Context(), formID)
	if err != nil {
		h.releaseClaim(idempotencyKey)
		h.writeServiceError(c, "update form failed", err)
		return
	}

	var expectedRevision int64
	if condition := c.GetHeader("If-Match"); condition != "" {
		currentTag, err := etag.Compute(existing.Representation())
		if err != nil {
			h.releaseClaim(idempotencyKey)
			h.logger.Error("etag computation failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "etag_failed"})
			return
		}
		if !etag.Match(condition, currentTag) {
			h.releaseClaim(idempotencyKey)
			c.JSON(http.StatusConflict, gin.H{"error": "precondition_failed"})
			return
		}
		expectedRevision = existing.Revision
	}

	updated, err := h.formsService.Update(c.Request.Context(), formID, forms.UpdateRequest{
		FormJSON:         string(request.Form),
		BriefJSON:        string(request.Brief),
		ExpectedRevision: expectedRevision,
	})
	if err != nil {
		h.releaseClaim(idempotencyKey)
		h.writeServiceError(c, "update form failed", err)
		return
	}

	h.writeFormResponse(c, http.StatusOK, updated.Representation(), idempotencyKey)
}

type listFormsPayload struct {
	Forms []forms.Representation `json:"forms"`
}

func (h *httpHandler) handleListForms(c *gin.Context) {
	pageKey, err := forms.NewPageKey(c.Param("pageKey"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_page_key"})
		return
	}

	rows, err := h.formsService.ListByPage(c.Request.Context(), pageKey)
	if err != nil {
		h.writeServiceError(c, "list forms failed", err)
		return
	}

	response := listFormsPayload{Forms: make([]forms.Representation, 0, len(rows))}
	for _, row := range rows {
		response.Forms = append(response.Forms, row.Representation())
	}

	tag, err := etag.Compute(response)
	if err != nil {
		h.logger.Error("etag computation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "etag_failed"})
		return
	}

	if condition := c.GetHeader("If-None-Match"); condition != "" && etag.Match(condition, tag) {
		c.Header("ETag", etag.Quote(tag))
		c.Status(http.StatusNotModified)
		return
	}

	c.Header("ETag", etag.Quote(tag))
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) writeServiceError(c *gin.Context, message string, err error) {
	switch {
	case errors.Is(err, forms.ErrFormNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "form_not_found"})
	case errors.Is(err, forms.ErrRevisionMismatch):
		c.JSON(http.StatusConflict, gin.H{"error": "precondition_failed"})
	case errors.Is(err, forms.ErrInvalidPayload):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
	default:
		h.logger.Error(message, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
