package draft

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/leadforms/internal/blobstore"
	"go.uber.org/zap"
)

// DefaultDebounce is the settle window for bursts of edits. Only the
// last edit inside the window is persisted.
const DefaultDebounce = 750 * time.Millisecond

// State tracks where a manager is in its persistence cycle.
type State string

const (
	// StateIdle means no write is pending or running.
	StateIdle State = "idle"
	// StatePending means the debounce timer is running.
	StatePending State = "pending"
	// StatePersisting means a snapshot write is in progress.
	StatePersisting State = "persisting"
)

var (
	errMissingStore = errors.New("blob store is required")
	errMissingKey   = errors.New("document key is required")

	noOpLogger = zap.NewNop()
)

// Notifier receives the draft-saved and draft-save-error events a
// manager emits. Implementations must not call back into the manager.
type Notifier interface {
	DraftSaved(key DocumentKey, updatedAt time.Time)
	DraftSaveError(key DocumentKey, err error)
}

// DraftStatus is the outcome of CheckForNewerDraft.
type DraftStatus struct {
	HasDraft bool
	IsNewer  bool
}

// ManagerConfig wires the dependencies of a Manager.
type ManagerConfig struct {
	Store        *blobstore.Store
	Key          DocumentKey
	Debounce     time.Duration
	HistoryLimit int
	Clock        func() time.Time
	Logger       *zap.Logger
	Notifier     Notifier
}

// Manager owns draft persistence for one logical document. Edits are
// debounced, deduplicated by payload checksum, and written to the blob
// store as snapshots. Persistence failures are recoverable: they are
// logged and surfaced through the Notifier, never returned to the
// editing flow as fatal.
type Manager struct {
	store    *blobstore.Store
	key      DocumentKey
	debounce time.Duration
	clock    func() time.Time
	logger   *zap.Logger
	notifier Notifier
	history  *History

	mu                 sync.Mutex
	state              State
	timer              *time.Timer
	pending            *Payload
	serverFormID       string
	metadata           Metadata
	lastPayload        Payload
	lastChecksum       string
	lastWriteAtSeconds int64
	closed             bool
}

// NewManager validates the configuration and constructs a Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Key == (DocumentKey{}) {
		return nil, errMissingKey
	}

	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	var history *History
	if cfg.HistoryLimit > 0 {
		history = NewHistory(cfg.HistoryLimit)
	}

	return &Manager{
		store:    cfg.Store,
		key:      cfg.Key,
		debounce: debounce,
		clock:    clock,
		logger:   logger,
		notifier: cfg.Notifier,
		history:  history,
		state:    StateIdle,
	}, nil
}

// Key returns the document identity this manager owns.
func (m *Manager) Key() DocumentKey {
	return m.key
}

// State reports the current persistence state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// History exposes the bounded undo history, or nil when disabled.
func (m *Manager) History() *History {
	return m.history
}

// SetServerFormID records the server-side row identity once known. It
// is stamped into every subsequent snapshot.
func (m *Manager) SetServerFormID(formID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.serverFormID = formID
}

// SetMetadata replaces the auxiliary context stamped into snapshots.
func (m *Manager) SetMetadata(metadata Metadata) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metadata = metadata
}

// SaveDraft queues the payload for persistence and restarts the
// debounce timer. Within one settle window only the last payload wins.
func (m *Manager) SaveDraft(payload Payload) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}

	queued := payload
	m.pending = &queued
	m.state = StatePending
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.debounce, m.fireDebounce)
}

func (m *Manager) fireDebounce() {
	if err := m.Flush(); err != nil {
		m.logger.Warn("debounced draft persist failed",
			zap.String("document_key", m.key.String()),
			zap.Error(err))
	}
}

// Flush cancels the debounce timer and persists any pending payload
// immediately. A payload whose checksum matches the previous write is
// skipped without touching storage.
func (m *Manager) Flush() error {
	m.mu.Lock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	pending := m.pending
	m.pending = nil
	if pending == nil || m.closed {
		m.state = StateIdle
		m.mu.Unlock()
		return nil
	}
	m.state = StatePersisting
	m.mu.Unlock()

	return m.persist(*pending)
}

func (m *Manager) persist(payload Payload) error {
	checksum, err := Checksum(payload)
	if err != nil {
		m.finishPersist()
		m.notifySaveError(err)
		return err
	}

	m.mu.Lock()
	if checksum == m.lastChecksum {
		m.state = StateIdle
		m.mu.Unlock()
		return nil
	}
	serverFormID := m.serverFormID
	metadata := m.metadata
	m.mu.Unlock()

	now := m.clock().UTC()
	snapshot := Snapshot{
		SchemaVersion:    SchemaVersion,
		DocumentKey:      m.key.String(),
		ServerFormID:     serverFormID,
		UpdatedAtSeconds: now.Unix(),
		Payload:          payload,
		Metadata:         metadata,
	}

	if err := m.store.Save(m.key.StorageKey(), snapshot); err != nil {
		m.finishPersist()
		m.logger.Warn("draft snapshot write failed",
			zap.String("document_key", m.key.String()),
			zap.Error(err))
		m.notifySaveError(err)
		return err
	}

	m.mu.Lock()
	m.state = StateIdle
	m.lastPayload = payload
	m.lastChecksum = checksum
	m.lastWriteAtSeconds = now.Unix()
	m.mu.Unlock()

	if m.history != nil {
		m.history.Push(payload, checksum, now)
	}
	if m.notifier != nil {
		m.notifier.DraftSaved(m.key, now)
	}
	return nil
}

func (m *Manager) finishPersist() {
	m.mu.Lock()
	m.state = StateIdle
	m.mu.Unlock()
}

func (m *Manager) notifySaveError(err error) {
	if m.notifier != nil {
		m.notifier.DraftSaveError(m.key, err)
	}
}

// LoadDraft returns the stored snapshot for this document, or nil when
// none exists. A payload half that fails validation is nulled out
// individually; a snapshot left with no usable payload is discarded.
func (m *Manager) LoadDraft() (*Snapshot, error) {
	var snapshot Snapshot
	found, err := m.store.Load(m.key.StorageKey(), &snapshot)
	if err != nil {
		return nil, fmt.Errorf("draft: load failed: %w", err)
	}
	if !found {
		return nil, nil
	}

	if snapshot.SchemaVersion > SchemaVersion {
		m.logger.Warn("draft snapshot written by newer schema, ignoring",
			zap.String("document_key", m.key.String()),
			zap.Int("schema_version", snapshot.SchemaVersion))
		return nil, nil
	}

	if sanitizePayload(&snapshot.Payload) {
		m.logger.Warn("draft snapshot partially recovered",
			zap.String("document_key", m.key.String()))
	}
	if snapshot.Payload.IsEmpty() {
		if removeErr := m.store.Remove(m.key.StorageKey()); removeErr != nil {
			m.logger.Warn("unusable draft snapshot removal failed",
				zap.String("document_key", m.key.String()),
				zap.Error(removeErr))
		}
		return nil, nil
	}
	return &snapshot, nil
}

// CheckForNewerDraft reports whether a stored draft exists and whether
// it is newer than the server's last known update time. An unknown
// server time (zero) counts as newer.
func (m *Manager) CheckForNewerDraft(serverUpdatedAtSeconds int64) (DraftStatus, error) {
	snapshot, err := m.LoadDraft()
	if err != nil {
		return DraftStatus{}, err
	}
	if snapshot == nil {
		return DraftStatus{}, nil
	}

	isNewer := serverUpdatedAtSeconds <= 0 || snapshot.UpdatedAtSeconds > serverUpdatedAtSeconds
	return DraftStatus{HasDraft: true, IsNewer: isNewer}, nil
}

// ClearDraft removes the stored snapshot and resets the checksum so the
// next edit always persists.
func (m *Manager) ClearDraft() error {
	if err := m.store.Remove(m.key.StorageKey()); err != nil {
		return fmt.Errorf("draft: clear failed: %w", err)
	}

	m.mu.Lock()
	m.lastPayload = Payload{}
	m.lastChecksum = ""
	m.mu.Unlock()
	return nil
}

// Close stops the debounce timer and drops any pending payload. The
// manager accepts no further saves.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.pending = nil
	m.state = StateIdle
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}
