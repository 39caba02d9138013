package draft

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// SchemaVersion is the current snapshot format version. Older versions
// are still loadable; newer ones are refused.
const SchemaVersion = 2

// storageNamespace prefixes every blob key so draft entries are
// distinguishable from any other data sharing the storage origin.
const storageNamespace = "leadforms"

const maxIdentifierLength = 190

var (
	// ErrInvalidDocumentKey indicates an empty or oversized page key or form slug.
	ErrInvalidDocumentKey = errors.New("draft: invalid document key")
	// ErrUnsupportedSchema indicates a snapshot written by a newer format version.
	ErrUnsupportedSchema = errors.New("draft: unsupported snapshot schema version")
)

// DocumentKey identifies one logical document: a page plus a form variant.
type DocumentKey struct {
	pageKey  string
	formSlug string
}

// NewDocumentKey validates raw input and returns a DocumentKey.
func NewDocumentKey(rawPageKey, rawFormSlug string) (DocumentKey, error) {
	pageKey := strings.TrimSpace(rawPageKey)
	formSlug := strings.TrimSpace(rawFormSlug)
	if pageKey == "" || formSlug == "" {
		return DocumentKey{}, fmt.Errorf("%w: empty component", ErrInvalidDocumentKey)
	}
	if len(pageKey) > maxIdentifierLength || len(formSlug) > maxIdentifierLength {
		return DocumentKey{}, fmt.Errorf("%w: exceeds %d characters", ErrInvalidDocumentKey, maxIdentifierLength)
	}
	return DocumentKey{pageKey: pageKey, formSlug: formSlug}, nil
}

// PageKey returns the page component of the key.
func (k DocumentKey) PageKey() string {
	return k.pageKey
}

// FormSlug returns the form variant component of the key.
func (k DocumentKey) FormSlug() string {
	return k.formSlug
}

// String renders the composite identity.
func (k DocumentKey) String() string {
	return k.pageKey + ":" + k.formSlug
}

// StorageKey renders the blob store key for this document's draft.
func (k DocumentKey) StorageKey() string {
	return fmt.Sprintf("%s:%s:%s:draft", storageNamespace, k.pageKey, k.formSlug)
}

// Payload carries the editable content of a draft. Either half may be
// absent; both are opaque JSON documents owned by the editor.
type Payload struct {
	Form  json.RawMessage `json:"form,omitempty"`
	Brief json.RawMessage `json:"brief,omitempty"`
}

// IsEmpty reports whether neither document half is present.
func (p Payload) IsEmpty() bool {
	return len(p.Form) == 0 && len(p.Brief) == 0
}

// Metadata carries auxiliary context alongside a snapshot, such as
// page lookup results, as opaque JSON values.
type Metadata map[string]json.RawMessage

// Snapshot is the unit of local draft persistence.
type Snapshot struct {
	SchemaVersion    int      `json:"schema_version"`
	DocumentKey      string   `json:"document_key"`
	ServerFormID     string   `json:"server_form_id,omitempty"`
	UpdatedAtSeconds int64    `json:"updated_at_s"`
	Payload          Payload  `json:"payload"`
	Metadata         Metadata `json:"metadata,omitempty"`
}

// Checksum computes a deterministic digest of the payload. Both halves
// are compacted before hashing so formatting differences in the raw
// JSON never register as content changes.
func Checksum(payload Payload) (string, error) {
	hasher := sha256.New()
	for _, half := range [][]byte{payload.Form, payload.Brief} {
		compacted, err := compactJSON(half)
		if err != nil {
			return "", err
		}
		hasher.Write([]byte{0})
		hasher.Write(compacted)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

func compactJSON(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var compacted bytes.Buffer
	if err := json.Compact(&compacted, raw); err != nil {
		return nil, fmt.Errorf("draft: payload is not valid JSON: %w", err)
	}
	return compacted.Bytes(), nil
}

// sanitizePayload validates each payload half independently. A half
// that is not a JSON object is nulled out so the rest of the snapshot
// stays recoverable. It reports whether anything was dropped.
func sanitizePayload(payload *Payload) bool {
	dropped := false
	if len(payload.Form) > 0 && !isJSONObject(payload.Form) {
		payload.Form = nil
		dropped = true
	}
	if len(payload.Brief) > 0 && !isJSONObject(payload.Brief) {
		payload.Brief = nil
		dropped = true
	}
	return dropped
}

func isJSONObject(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return false
	}
	return json.Valid(trimmed)
}
