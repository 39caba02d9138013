package draft

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/leadforms/internal/blobstore"
	"github.com/spf13/afero"
)

type recordingNotifier struct {
	mu         sync.Mutex
	savedAt    []time.Time
	saveErrors []error
}

func (n *recordingNotifier) DraftSaved(_ DocumentKey, updatedAt time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.savedAt = append(n.savedAt, updatedAt)
}

func (n *recordingNotifier) DraftSaveError(_ DocumentKey, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.saveErrors = append(n.saveErrors, err)
}

func (n *recordingNotifier) savedCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.savedAt)
}

func (n *recordingNotifier) errorCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.saveErrors)
}

func mustDocumentKey(t *testing.T, pageKey, formSlug string) DocumentKey {
	t.Helper()
	key, err := NewDocumentKey(pageKey, formSlug)
	if err != nil {
		t.Fatalf("unexpected document key error: %v", err)
	}
	return key
}

func newTestStore(t *testing.T) *blobstore.Store {
	t.Helper()
	store, err := blobstore.NewStore(blobstore.StoreConfig{
		Fs:      afero.NewMemMapFs(),
		RootDir: "drafts",
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store
}

type managerOptions struct {
	clockSeconds *int64
	notifier     *recordingNotifier
	store        *blobstore.Store
	debounce     time.Duration
	historyLimit int
}

func newTestManager(t *testing.T, opts managerOptions) *Manager {
	t.Helper()

	store := opts.store
	if store == nil {
		store = newTestStore(t)
	}
	cfg := ManagerConfig{
		Store:        store,
		Key:          mustDocumentKey(t, "page-1", "spring"),
		Debounce:     opts.debounce,
		HistoryLimit: opts.historyLimit,
	}
	if opts.clockSeconds != nil {
		seconds := opts.clockSeconds
		cfg.Clock = func() time.Time { return time.Unix(*seconds, 0).UTC() }
	}
	if opts.notifier != nil {
		cfg.Notifier = opts.notifier
	}

	manager, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("failed to construct manager: %v", err)
	}
	t.Cleanup(manager.Close)
	return manager
}

func formPayload(content string) Payload {
	return Payload{Form: json.RawMessage(`{"fields":[{"name":"` + content + `"}]}`)}
}

func waitFor(t *testing.T, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within deadline")
}

func TestSaveDraftCoalescesBurstIntoOneWrite(t *testing.T) {
	notifier := &recordingNotifier{}
	manager := newTestManager(t, managerOptions{notifier: notifier, debounce: 20 * time.Millisecond})

	for _, content := range []string{"one", "two", "three", "four"} {
		manager.SaveDraft(formPayload(content))
	}
	if manager.State() != StatePending {
		t.Fatalf("expected pending state during debounce, got %s", manager.State())
	}

	waitFor(t, func() bool { return notifier.savedCount() == 1 })

	snapshot, err := manager.LoadDraft()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snapshot == nil {
		t.Fatalf("expected persisted snapshot")
	}
	if string(snapshot.Payload.Form) != `{"fields":[{"name":"four"}]}` {
		t.Fatalf("expected last edit to win, got %s", snapshot.Payload.Form)
	}
	if manager.State() != StateIdle {
		t.Fatalf("expected idle state after persist, got %s", manager.State())
	}
}

func TestFlushSkipsContentIdenticalPayload(t *testing.T) {
	notifier := &recordingNotifier{}
	manager := newTestManager(t, managerOptions{notifier: notifier})

	manager.SaveDraft(formPayload("same"))
	if err := manager.Flush(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	manager.SaveDraft(formPayload("same"))
	if err := manager.Flush(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if notifier.savedCount() != 1 {
		t.Fatalf("identical payload must not produce a second write, got %d", notifier.savedCount())
	}
}

func TestFlushSkipsReformattedButIdenticalPayload(t *testing.T) {
	notifier := &recordingNotifier{}
	manager := newTestManager(t, managerOptions{notifier: notifier})

	manager.SaveDraft(Payload{Form: json.RawMessage(`{"fields":[{"name":"email"}]}`)})
	if err := manager.Flush(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	manager.SaveDraft(Payload{Form: json.RawMessage("{\n  \"fields\": [ {\"name\": \"email\"} ]\n}")})
	if err := manager.Flush(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if notifier.savedCount() != 1 {
		t.Fatalf("formatting-only change must not produce a write, got %d", notifier.savedCount())
	}
}

func TestPersistFailureIsRecoverable(t *testing.T) {
	notifier := &recordingNotifier{}
	manager := newTestManager(t, managerOptions{notifier: notifier})

	manager.SaveDraft(Payload{Form: json.RawMessage(`{"fields": broken`)})
	if err := manager.Flush(); err == nil {
		t.Fatalf("expected checksum failure for malformed payload")
	}
	if notifier.errorCount() != 1 {
		t.Fatalf("expected one draft-save-error event, got %d", notifier.errorCount())
	}
	if manager.State() != StateIdle {
		t.Fatalf("manager must return to idle after a failed persist, got %s", manager.State())
	}

	manager.SaveDraft(formPayload("recovered"))
	if err := manager.Flush(); err != nil {
		t.Fatalf("manager must keep accepting saves after a failure: %v", err)
	}
	if notifier.savedCount() != 1 {
		t.Fatalf("expected recovery write, got %d saves", notifier.savedCount())
	}
}

func TestLoadDraftRecoversValidHalfOfPayload(t *testing.T) {
	store := newTestStore(t)
	manager := newTestManager(t, managerOptions{store: store})

	snapshot := Snapshot{
		SchemaVersion:    SchemaVersion,
		DocumentKey:      manager.Key().String(),
		UpdatedAtSeconds: 1700000000,
		Payload: Payload{
			Form:  json.RawMessage(`{"fields":[]}`),
			Brief: json.RawMessage(`"not an object"`),
		},
	}
	if err := store.Save(manager.Key().StorageKey(), snapshot); err != nil {
		t.Fatalf("failed to plant snapshot: %v", err)
	}

	loaded, err := manager.LoadDraft()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loaded == nil {
		t.Fatalf("expected snapshot to survive partial validation")
	}
	if loaded.Payload.Brief != nil {
		t.Fatalf("invalid brief half must be nulled out")
	}
	if string(loaded.Payload.Form) != `{"fields":[]}` {
		t.Fatalf("valid form half must survive, got %s", loaded.Payload.Form)
	}
}

func TestLoadDraftDiscardsSnapshotWithNoUsablePayload(t *testing.T) {
	store := newTestStore(t)
	manager := newTestManager(t, managerOptions{store: store})

	snapshot := Snapshot{
		SchemaVersion:    SchemaVersion,
		DocumentKey:      manager.Key().String(),
		UpdatedAtSeconds: 1700000000,
		Payload: Payload{
			Form:  json.RawMessage(`[1,2,3]`),
			Brief: json.RawMessage(`42`),
		},
	}
	if err := store.Save(manager.Key().StorageKey(), snapshot); err != nil {
		t.Fatalf("failed to plant snapshot: %v", err)
	}

	loaded, err := manager.LoadDraft()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loaded != nil {
		t.Fatalf("snapshot with no usable payload must be discarded")
	}

	var raw Snapshot
	found, err := store.Load(manager.Key().StorageKey(), &raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found {
		t.Fatalf("unusable snapshot must be removed from storage")
	}
}

func TestLoadDraftIgnoresFutureSchemaVersions(t *testing.T) {
	store := newTestStore(t)
	manager := newTestManager(t, managerOptions{store: store})

	snapshot := Snapshot{
		SchemaVersion:    SchemaVersion + 1,
		DocumentKey:      manager.Key().String(),
		UpdatedAtSeconds: 1700000000,
		Payload:          Payload{Form: json.RawMessage(`{"fields":[]}`)},
	}
	if err := store.Save(manager.Key().StorageKey(), snapshot); err != nil {
		t.Fatalf("failed to plant snapshot: %v", err)
	}

	loaded, err := manager.LoadDraft()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loaded != nil {
		t.Fatalf("future-schema snapshot must be ignored")
	}

	var raw Snapshot
	found, err := store.Load(manager.Key().StorageKey(), &raw)
	if err != nil || !found {
		t.Fatalf("future-schema snapshot must not be deleted, got %v / %v", found, err)
	}
}

func TestCheckForNewerDraft(t *testing.T) {
	clockSeconds := int64(1700000000)
	manager := newTestManager(t, managerOptions{clockSeconds: &clockSeconds})

	status, err := manager.CheckForNewerDraft(1700000100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status.HasDraft || status.IsNewer {
		t.Fatalf("expected no draft, got %+v", status)
	}

	manager.SaveDraft(formPayload("draft"))
	if err := manager.Flush(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		name            string
		serverUpdatedAt int64
		expectedNewer   bool
	}{
		{name: "unknown server time", serverUpdatedAt: 0, expectedNewer: true},
		{name: "server older", serverUpdatedAt: 1699999000, expectedNewer: true},
		{name: "server equal", serverUpdatedAt: 1700000000, expectedNewer: false},
		{name: "server newer", serverUpdatedAt: 1700000100, expectedNewer: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			status, err := manager.CheckForNewerDraft(tc.serverUpdatedAt)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !status.HasDraft {
				t.Fatalf("expected draft to exist")
			}
			if status.IsNewer != tc.expectedNewer {
				t.Fatalf("expected IsNewer=%v, got %+v", tc.expectedNewer, status)
			}
		})
	}
}

func TestClearDraftAllowsIdenticalRewrite(t *testing.T) {
	notifier := &recordingNotifier{}
	manager := newTestManager(t, managerOptions{notifier: notifier})

	manager.SaveDraft(formPayload("content"))
	if err := manager.Flush(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := manager.ClearDraft(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	status, err := manager.CheckForNewerDraft(0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status.HasDraft {
		t.Fatalf("expected draft to be cleared")
	}

	manager.SaveDraft(formPayload("content"))
	if err := manager.Flush(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if notifier.savedCount() != 2 {
		t.Fatalf("identical payload must persist again after a clear, got %d saves", notifier.savedCount())
	}
}

func TestSnapshotCarriesStructuredMetadata(t *testing.T) {
	manager := newTestManager(t, managerOptions{})

	manager.SetServerFormID("form-42")
	manager.SetMetadata(Metadata{
		"page_lookup": json.RawMessage(`{"page_id":"page-1","matched":true}`),
		"retry_count": json.RawMessage(`3`),
	})

	manager.SaveDraft(formPayload("content"))
	if err := manager.Flush(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	snapshot, err := manager.LoadDraft()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snapshot == nil {
		t.Fatalf("expected persisted snapshot")
	}
	if snapshot.ServerFormID != "form-42" {
		t.Fatalf("unexpected server form id: %s", snapshot.ServerFormID)
	}

	var lookup struct {
		PageID  string `json:"page_id"`
		Matched bool   `json:"matched"`
	}
	if err := json.Unmarshal(snapshot.Metadata["page_lookup"], &lookup); err != nil {
		t.Fatalf("failed to decode page lookup metadata: %v", err)
	}
	if lookup.PageID != "page-1" || !lookup.Matched {
		t.Fatalf("unexpected page lookup metadata: %+v", lookup)
	}
	if string(snapshot.Metadata["retry_count"]) != `3` {
		t.Fatalf("unexpected retry count metadata: %s", snapshot.Metadata["retry_count"])
	}
}

func TestSaveDraftAfterCloseIsIgnored(t *testing.T) {
	notifier := &recordingNotifier{}
	manager := newTestManager(t, managerOptions{notifier: notifier})

	manager.Close()
	manager.SaveDraft(formPayload("late"))
	if err := manager.Flush(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if notifier.savedCount() != 0 {
		t.Fatalf("closed manager must not persist, got %d saves", notifier.savedCount())
	}
}

func TestHistoryRecordsDistinctPersists(t *testing.T) {
	manager := newTestManager(t, managerOptions{historyLimit: 2})

	for _, content := range []string{"one", "two", "three"} {
		manager.SaveDraft(formPayload(content))
		if err := manager.Flush(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	history := manager.History()
	if history == nil {
		t.Fatalf("expected history to be enabled")
	}
	if history.Len() != 2 {
		t.Fatalf("expected history bounded at 2, got %d", history.Len())
	}
	latest, found := history.Latest()
	if !found {
		t.Fatalf("expected latest entry")
	}
	if string(latest.Payload.Form) != `{"fields":[{"name":"three"}]}` {
		t.Fatalf("unexpected latest history payload: %s", latest.Payload.Form)
	}

	popped, found := history.Pop()
	if !found || string(popped.Payload.Form) != `{"fields":[{"name":"three"}]}` {
		t.Fatalf("unexpected popped entry: %+v", popped)
	}
	if history.Len() != 1 {
		t.Fatalf("expected one entry after pop, got %d", history.Len())
	}
}
