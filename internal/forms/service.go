package forms

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	// ErrFormNotFound indicates that no form exists for the identifier.
	ErrFormNotFound = errors.New("forms: form not found")
	// ErrRevisionMismatch indicates that the row's revision moved past
	// the caller's expected revision before the update transaction ran.
	ErrRevisionMismatch = errors.New("forms: revision mismatch")
	noOpLogger      = zap.NewNop()
)

// ServiceError wraps a failure with a dotted operation code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code exposes the dotted operation code for logging and response bodies.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "forms.service.new"
	opCreate     = "forms.create"
	opGet        = "forms.get"
	opUpdate     = "forms.update"
	opList       = "forms.list"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig wires the dependencies of a forms Service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// IDProvider issues identifiers for newly created forms.
type IDProvider interface {
	NewID() (string, error)
}

// Service persists and retrieves lead forms.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Create persists a new form row and returns it.
func (s *Service) Create(ctx context.Context, request CreateRequest) (LeadForm, error) {
	if s.db == nil {
		s.logError(opCreate, "missing_database", errMissingDatabase)
		return LeadForm{}, newServiceError(opCreate, "missing_database", errMissingDatabase)
	}
	if s.idProvider == nil {
		s.logError(opCreate, "missing_id_provider", errMissingIDProvider)
		return LeadForm{}, newServiceError(opCreate, "missing_id_provider", errMissingIDProvider)
	}
	if err := validateDocumentJSON(request.FormJSON); err != nil {
		return LeadForm{}, newServiceError(opCreate, "invalid_form_payload", err)
	}
	if err := validateOptionalDocumentJSON(request.BriefJSON); err != nil {
		return LeadForm{}, newServiceError(opCreate, "invalid_brief_payload", err)
	}

	formID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreate, "id_generation_failed", err)
		return LeadForm{}, newServiceError(opCreate, "id_generation_failed", err)
	}

	now := s.clock().UTC().Unix()
	row := LeadForm{
		FormID:           formID,
		PageKey:          request.PageKey.String(),
		FormSlug:         request.FormSlug.String(),
		FormJSON:         request.FormJSON,
		BriefJSON:        request.BriefJSON,
		Revision:         1,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}

	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		s.logError(opCreate, "insert_failed", err,
			zap.String("page_key", request.PageKey.String()),
			zap.String("form_slug", request.FormSlug.String()))
		return LeadForm{}, newServiceError(opCreate, "insert_failed", err)
	}

	return row, nil
}

// Get returns the persisted form for the identifier.
func (s *Service) Get(ctx context.Context, formID FormID) (LeadForm, error) {
	if s.db == nil {
		s.logError(opGet, "missing_database", errMissingDatabase)
		return LeadForm{}, newServiceError(opGet, "missing_database", errMissingDatabase)
	}
	var row LeadForm
	err := s.db.WithContext(ctx).
		Where("form_id = ?", formID.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return LeadForm{}, newServiceError(opGet, "not_found", ErrFormNotFound)
	}
	if err != nil {
		s.logError(opGet, "query_failed", err, zap.String("form_id", formID.String()))
		return LeadForm{}, newServiceError(opGet, "query_failed", err)
	}
	return row, nil
}

// Update replaces the form's documents, bumps the revision and stamps
// the update time. Concurrent updates serialize inside the transaction,
// where a conditional request's expected revision is re-verified
// against the row as it stands.
func (s *Service) Update(ctx context.Context, formID FormID, request UpdateRequest) (LeadForm, error) {
	if s.db == nil {
		s.logError(opUpdate, "missing_database", errMissingDatabase)
		return LeadForm{}, newServiceError(opUpdate, "missing_database", errMissingDatabase)
	}
	if err := validateDocumentJSON(request.FormJSON); err != nil {
		return LeadForm{}, newServiceError(opUpdate, "invalid_form_payload", err)
	}
	if err := validateOptionalDocumentJSON(request.BriefJSON); err != nil {
		return LeadForm{}, newServiceError(opUpdate, "invalid_brief_payload", err)
	}

	var updated LeadForm
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing LeadForm
		err := tx.Where("form_id = ?", formID.String()).Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opUpdate, "not_found", ErrFormNotFound)
		}
		if err != nil {
			s.logError(opUpdate, "select_failed", err, zap.String("form_id", formID.String()))
			return newServiceError(opUpdate, "select_failed", err)
		}

		if request.ExpectedRevision > 0 && existing.Revision != request.ExpectedRevision {
			return newServiceError(opUpdate, "revision_mismatch", ErrRevisionMismatch)
		}

		existing.FormJSON = request.FormJSON
		existing.BriefJSON = request.BriefJSON
		existing.Revision = existing.Revision + 1
		existing.UpdatedAtSeconds = s.clock().UTC().Unix()

		if err := tx.Save(&existing).Error; err != nil {
			s.logError(opUpdate, "save_failed", err, zap.String("form_id", formID.String()))
			return newServiceError(opUpdate, "save_failed", err)
		}

		updated = existing
		return nil
	})
	if txErr != nil {
		return LeadForm{}, txErr
	}

	return updated, nil
}

// ListByPage returns all forms for a page, most recently updated first.
func (s *Service) ListByPage(ctx context.Context, pageKey PageKey) ([]LeadForm, error) {
	if s.db == nil {
		s.logError(opList, "missing_database", errMissingDatabase)
		return nil, newServiceError(opList, "missing_database", errMissingDatabase)
	}
	var rows []LeadForm
	if err := s.db.WithContext(ctx).
		Where("page_key = ?", pageKey.String()).
		Order("updated_at_s DESC").
		Find(&rows).Error; err != nil {
		s.logError(opList, "query_failed", err, zap.String("page_key", pageKey.String()))
		return nil, newServiceError(opList, "query_failed", err)
	}
	return rows, nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("forms service error", attrs...)
}
