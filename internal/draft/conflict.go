package draft

import (
	"errors"
	"fmt"
	"time"

	"github.com/wI2L/jsondiff"
)

// QuietThreshold separates same-session autosave echoes from snapshots
// that plausibly originate from another session or tab. A candidate
// must be more than this much newer than the session's last write to
// count as a conflict.
const QuietThreshold = 30 * time.Second

// Resolution is the user's choice for settling a ConflictCase.
type Resolution string

const (
	// ResolutionKeepLocal keeps the current in-memory session state and
	// discards the candidate snapshot.
	ResolutionKeepLocal Resolution = "local"
	// ResolutionTakeAutosaved replaces the session state with the
	// candidate snapshot's payload.
	ResolutionTakeAutosaved Resolution = "autosaved"
	// ResolutionManual adopts a caller-supplied pre-merged payload.
	ResolutionManual Resolution = "manual"
)

var (
	// ErrInvalidResolution indicates an unknown resolution choice.
	ErrInvalidResolution = errors.New("draft: invalid resolution")
	// ErrMissingMergedPayload indicates a manual resolution without a merged payload.
	ErrMissingMergedPayload = errors.New("draft: manual resolution requires a merged payload")
)

// ConflictCase captures a detected divergence between the session's
// state and a stored candidate snapshot. It is transient: it exists
// only between detection and resolution and is never persisted.
type ConflictCase struct {
	Key        DocumentKey
	Session    Payload
	Candidate  Snapshot
	DetectedAt time.Time
}

// Diff renders a JSON patch from the session's form document to the
// candidate's, for the manual-merge surface.
func (c *ConflictCase) Diff() (jsondiff.Patch, error) {
	sessionForm := c.Session.Form
	if len(sessionForm) == 0 {
		sessionForm = []byte(`{}`)
	}
	candidateForm := c.Candidate.Payload.Form
	if len(candidateForm) == 0 {
		candidateForm = []byte(`{}`)
	}
	return jsondiff.CompareJSON(sessionForm, candidateForm)
}

// detectConflict decides whether a candidate snapshot conflicts with
// the session. Content-identical snapshots never conflict; snapshots
// within the quiet threshold of the session's last write are treated
// as echoes of this session's own autosaves and ignored. An unknown
// session write time (zero) means the candidate came from elsewhere.
func detectConflict(key DocumentKey, session Payload, sessionChecksum string, sessionLastWriteAtSeconds int64, candidate Snapshot, now time.Time) (*ConflictCase, error) {
	candidateChecksum, err := Checksum(candidate.Payload)
	if err != nil {
		return nil, fmt.Errorf("draft: candidate checksum failed: %w", err)
	}
	if candidateChecksum == sessionChecksum {
		return nil, nil
	}

	if sessionLastWriteAtSeconds > 0 {
		delta := candidate.UpdatedAtSeconds - sessionLastWriteAtSeconds
		if delta <= int64(QuietThreshold/time.Second) {
			return nil, nil
		}
	}

	return &ConflictCase{
		Key:        key,
		Session:    session,
		Candidate:  candidate,
		DetectedAt: now,
	}, nil
}

// DetectConflict compares a freshly loaded snapshot against this
// session's last known write and raises a ConflictCase when the
// snapshot plausibly came from another session or tab.
func (m *Manager) DetectConflict(candidate *Snapshot) (*ConflictCase, error) {
	if candidate == nil {
		return nil, nil
	}

	m.mu.Lock()
	session := m.lastPayload
	sessionChecksum := m.lastChecksum
	sessionLastWriteAt := m.lastWriteAtSeconds
	m.mu.Unlock()

	return detectConflict(m.key, session, sessionChecksum, sessionLastWriteAt, *candidate, m.clock().UTC())
}

// Resolve settles a conflict and returns the payload the editor should
// adopt. Resolution is idempotent: applying the same choice twice
// yields the same end state.
//
// Keeping local state re-persists the session payload, superseding the
// candidate. Taking the autosaved candidate clears the stored draft so
// the same conflict is not re-detected on the next load. A manual
// resolution persists the supplied merged payload.
func (m *Manager) Resolve(conflict *ConflictCase, choice Resolution, merged *Payload) (Payload, error) {
	if conflict == nil {
		return Payload{}, fmt.Errorf("%w: no conflict to resolve", ErrInvalidResolution)
	}

	switch choice {
	case ResolutionKeepLocal:
		if err := m.adopt(conflict.Session); err != nil {
			return Payload{}, err
		}
		return conflict.Session, nil

	case ResolutionTakeAutosaved:
		if err := m.ClearDraft(); err != nil {
			return Payload{}, err
		}
		m.mu.Lock()
		m.lastPayload = conflict.Candidate.Payload
		m.mu.Unlock()
		return conflict.Candidate.Payload, nil

	case ResolutionManual:
		if merged == nil {
			return Payload{}, ErrMissingMergedPayload
		}
		if err := m.adopt(*merged); err != nil {
			return Payload{}, err
		}
		return *merged, nil

	default:
		return Payload{}, fmt.Errorf("%w: %q", ErrInvalidResolution, choice)
	}
}

// adopt persists a payload immediately, bypassing the debounce window
// and the checksum skip so the stored snapshot is always overwritten.
func (m *Manager) adopt(payload Payload) error {
	m.mu.Lock()
	m.lastChecksum = ""
	m.state = StatePersisting
	m.mu.Unlock()
	return m.persist(payload)
}
