package blobstore

import (
	"errors"
	"testing"

	"github.com/spf13/afero"
)

type testBlob struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func newTestStore(t *testing.T) (*Store, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	store, err := NewStore(StoreConfig{Fs: fs, RootDir: "drafts"})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store, fs
}

func TestStoreRoundTripsValue(t *testing.T) {
	store, _ := newTestStore(t)

	saved := testBlob{Name: "spring-campaign", Count: 3}
	if err := store.Save("leadforms:page-1:spring:draft", saved); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}

	var loaded testBlob
	found, err := store.Load("leadforms:page-1:spring:draft", &loaded)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if !found {
		t.Fatalf("expected blob to exist")
	}
	if loaded != saved {
		t.Fatalf("round trip mismatch: %+v", loaded)
	}
}

func TestStoreReportsMissingBlobAsAbsent(t *testing.T) {
	store, _ := newTestStore(t)

	var out testBlob
	found, err := store.Load("leadforms:page-1:spring:draft", &out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found {
		t.Fatalf("expected absent blob")
	}
}

func TestStoreDropsCorruptedBlob(t *testing.T) {
	store, fs := newTestStore(t)

	path, err := store.Path("leadforms:page-1:spring:draft")
	if err != nil {
		t.Fatalf("unexpected path error: %v", err)
	}
	if err := afero.WriteFile(fs, path, []byte(`{"name": truncated`), 0o644); err != nil {
		t.Fatalf("failed to plant corrupted blob: %v", err)
	}

	var out testBlob
	found, err := store.Load("leadforms:page-1:spring:draft", &out)
	if err != nil {
		t.Fatalf("corruption must not surface as an error, got %v", err)
	}
	if found {
		t.Fatalf("corrupted blob must be reported as absent")
	}

	exists, err := afero.Exists(fs, path)
	if err != nil {
		t.Fatalf("unexpected fs error: %v", err)
	}
	if exists {
		t.Fatalf("corrupted blob must be deleted")
	}
}

func TestStoreRemoveToleratesMissingBlob(t *testing.T) {
	store, _ := newTestStore(t)

	if err := store.Remove("leadforms:page-1:spring:draft"); err != nil {
		t.Fatalf("unexpected error removing missing blob: %v", err)
	}
}

func TestStoreRejectsEmptyKey(t *testing.T) {
	store, _ := newTestStore(t)

	if err := store.Save("  ", testBlob{}); !errors.Is(err, ErrInvalidStoreKey) {
		t.Fatalf("expected ErrInvalidStoreKey, got %v", err)
	}
}

func TestStoreSurfacesUnavailableStorage(t *testing.T) {
	fs := afero.NewMemMapFs()
	store, err := NewStore(StoreConfig{Fs: fs, RootDir: "drafts"})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}

	readOnly := &Store{fs: afero.NewReadOnlyFs(fs), rootDir: "drafts", logger: noOpLogger}

	if err := readOnly.Save("leadforms:page-1:spring:draft", testBlob{}); !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}

	if err := store.Save("leadforms:page-1:spring:draft", testBlob{Name: "kept"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var out testBlob
	found, err := readOnly.Load("leadforms:page-1:spring:draft", &out)
	if err != nil || !found {
		t.Fatalf("read-only store should still read existing blobs, got %v / %v", found, err)
	}
}

func TestFileNameSanitizesKeySeparators(t *testing.T) {
	name, err := fileName("leadforms:page/1:spring campaign:draft")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if name != "leadforms_page_1_spring_campaign_draft.json" {
		t.Fatalf("unexpected file name: %s", name)
	}
}
