package forms

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidFormID indicates that a form identifier is empty or exceeds storage bounds.
	ErrInvalidFormID = errors.New("forms: invalid form id")
	// ErrInvalidPageKey indicates that a page key is empty or exceeds storage bounds.
	ErrInvalidPageKey = errors.New("forms: invalid page key")
	// ErrInvalidFormSlug indicates that a form slug is empty or exceeds storage bounds.
	ErrInvalidFormSlug = errors.New("forms: invalid form slug")
	// ErrInvalidPayload indicates that a document payload is not valid JSON.
	ErrInvalidPayload = errors.New("forms: invalid document payload")
)

// FormID represents a validated form identifier.
type FormID string

// NewFormID validates raw input and returns a FormID.
func NewFormID(rawInput string) (FormID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidFormID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidFormID, maxIdentifierLength)
	}
	return FormID(trimmed), nil
}

// String returns the underlying string identifier.
func (id FormID) String() string {
	return string(id)
}

// PageKey represents a validated page identifier.
type PageKey string

// NewPageKey validates raw input and returns a PageKey.
func NewPageKey(rawInput string) (PageKey, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPageKey)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidPageKey, maxIdentifierLength)
	}
	return PageKey(trimmed), nil
}

// String returns the underlying string identifier.
func (k PageKey) String() string {
	return string(k)
}

// FormSlug represents a validated form variant slug within a page.
type FormSlug string

// NewFormSlug validates raw input and returns a FormSlug.
func NewFormSlug(rawInput string) (FormSlug, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidFormSlug)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidFormSlug, maxIdentifierLength)
	}
	return FormSlug(trimmed), nil
}

// String returns the underlying string identifier.
func (s FormSlug) String() string {
	return string(s)
}

// LeadForm models a persisted lead-ad form with its brief document.
type LeadForm struct {
	FormID           string `gorm:"column:form_id;primaryKey;size:190;not null"`
	PageKey          string `gorm:"column:page_key;size:190;not null;index:idx_forms_page_updated,priority:1"`
	FormSlug         string `gorm:"column:form_slug;size:190;not null"`
	FormJSON         string `gorm:"column:form_json;type:text;not null"`
	BriefJSON        string `gorm:"column:brief_json;type:text;not null;default:''"`
	Revision         int64  `gorm:"column:revision;not null;default:1"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null;index:idx_forms_page_updated,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (LeadForm) TableName() string {
	return "lead_forms"
}

// Representation is the externally visible view of a form. ETags are
// computed over this view only, never over internal bookkeeping, so
// they stay stable for clients.
type Representation struct {
	FormID           string          `json:"form_id"`
	PageKey          string          `json:"page_key"`
	FormSlug         string          `json:"form_slug"`
	Form             json.RawMessage `json:"form"`
	Brief            json.RawMessage `json:"brief,omitempty"`
	Revision         int64           `json:"revision"`
	CreatedAtSeconds int64           `json:"created_at_s"`
	UpdatedAtSeconds int64           `json:"updated_at_s"`
}

// Representation projects the persisted row into its external view.
func (f LeadForm) Representation() Representation {
	view := Representation{
		FormID:           f.FormID,
		PageKey:          f.PageKey,
		FormSlug:         f.FormSlug,
		Form:             json.RawMessage(f.FormJSON),
		Revision:         f.Revision,
		CreatedAtSeconds: f.CreatedAtSeconds,
		UpdatedAtSeconds: f.UpdatedAtSeconds,
	}
	if f.BriefJSON != "" {
		view.Brief = json.RawMessage(f.BriefJSON)
	}
	return view
}

// CreateRequest describes the input for persisting a new form.
type CreateRequest struct {
	PageKey   PageKey
	FormSlug  FormSlug
	FormJSON  string
	BriefJSON string
}

// UpdateRequest describes the input for replacing a form's documents.
// A non-zero ExpectedRevision makes the update conditional: it is
// re-checked against the row inside the update transaction, so a
// concurrent writer that raced past an out-of-band precondition check
// cannot silently overwrite.
type UpdateRequest struct {
	FormJSON         string
	BriefJSON        string
	ExpectedRevision int64
}

func validateDocumentJSON(payload string) error {
	if payload == "" {
		return fmt.Errorf("%w: empty", ErrInvalidPayload)
	}
	return validateOptionalDocumentJSON(payload)
}

func validateOptionalDocumentJSON(payload string) error {
	if payload == "" {
		return nil
	}
	trimmed := strings.TrimSpace(payload)
	if !strings.HasPrefix(trimmed, "{") || !json.Valid([]byte(trimmed)) {
		return fmt.Errorf("%w: document must be a JSON object", ErrInvalidPayload)
	}
	return nil
}
