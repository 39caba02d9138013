package forms

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type staticIDGenerator struct {
	ids   []string
	index int
}

func (g *staticIDGenerator) NewID() (string, error) {
	if g.index >= len(g.ids) {
		return "", errors.New("exhausted ids")
	}
	id := g.ids[g.index]
	g.index++
	return id, nil
}

func mustPageKey(t *testing.T, value string) PageKey {
	t.Helper()
	key, err := NewPageKey(value)
	if err != nil {
		t.Fatalf("unexpected page key error: %v", err)
	}
	return key
}

func mustFormSlug(t *testing.T, value string) FormSlug {
	t.Helper()
	slug, err := NewFormSlug(value)
	if err != nil {
		t.Fatalf("unexpected form slug error: %v", err)
	}
	return slug
}

func mustFormID(t *testing.T, value string) FormID {
	t.Helper()
	id, err := NewFormID(value)
	if err != nil {
		t.Fatalf("unexpected form id error: %v", err)
	}
	return id
}

func newTestService(t *testing.T, ids []string) (*Service, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:leadforms_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&LeadForm{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	generator := &staticIDGenerator{ids: ids}
	clock := func() time.Time { return time.Unix(1700000600, 0).UTC() }

	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: generator,
	})
	if err != nil {
		t.Fatalf("failed to construct forms service: %v", err)
	}

	return service, db
}

func TestServiceCreatesForm(t *testing.T) {
	service, db := newTestService(t, []string{"form-1"})

	created, err := service.Create(context.Background(), CreateRequest{
		PageKey:   mustPageKey(t, "page-1"),
		FormSlug:  mustFormSlug(t, "spring-campaign"),
		FormJSON:  `{"fields":[{"name":"email"}]}`,
		BriefJSON: `{"audience":"homeowners"}`,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created.FormID != "form-1" {
		t.Fatalf("unexpected form id: %s", created.FormID)
	}
	if created.Revision != 1 {
		t.Fatalf("expected revision 1, got %d", created.Revision)
	}
	if created.UpdatedAtSeconds != 1700000600 {
		t.Fatalf("expected clock-stamped update time, got %d", created.UpdatedAtSeconds)
	}

	var stored LeadForm
	if err := db.First(&stored).Error; err != nil {
		t.Fatalf("failed to load stored form: %v", err)
	}
	if stored.FormJSON != `{"fields":[{"name":"email"}]}` {
		t.Fatalf("unexpected stored payload: %s", stored.FormJSON)
	}
}

func TestServiceRejectsMalformedPayload(t *testing.T) {
	service, _ := newTestService(t, []string{"form-1"})

	_, err := service.Create(context.Background(), CreateRequest{
		PageKey:  mustPageKey(t, "page-1"),
		FormSlug: mustFormSlug(t, "spring-campaign"),
		FormJSON: `{"fields":`,
	})
	if !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
}

func TestServiceUpdateBumpsRevisionAndTimestamp(t *testing.T) {
	service, _ := newTestService(t, []string{"form-1"})

	created, err := service.Create(context.Background(), CreateRequest{
		PageKey:  mustPageKey(t, "page-1"),
		FormSlug: mustFormSlug(t, "spring-campaign"),
		FormJSON: `{"fields":[]}`,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	updated, err := service.Update(context.Background(), mustFormID(t, created.FormID), UpdateRequest{
		FormJSON:  `{"fields":[{"name":"phone"}]}`,
		BriefJSON: `{"audience":"renters"}`,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.Revision != 2 {
		t.Fatalf("expected revision 2, got %d", updated.Revision)
	}
	if updated.FormJSON != `{"fields":[{"name":"phone"}]}` {
		t.Fatalf("unexpected payload after update: %s", updated.FormJSON)
	}
	if updated.BriefJSON != `{"audience":"renters"}` {
		t.Fatalf("unexpected brief after update: %s", updated.BriefJSON)
	}
}

// Two writers can both read revision 1 and pass an out-of-band ETag
// check; the expected revision is re-verified inside the transaction,
// so only the first write lands and the second is rejected.
func TestServiceUpdateRejectsStaleExpectedRevision(t *testing.T) {
	service, _ := newTestService(t, []string{"form-1"})

	created, err := service.Create(context.Background(), CreateRequest{
		PageKey:  mustPageKey(t, "page-1"),
		FormSlug: mustFormSlug(t, "spring-campaign"),
		FormJSON: `{"fields":[]}`,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	formID := mustFormID(t, created.FormID)

	first, err := service.Update(context.Background(), formID, UpdateRequest{
		FormJSON:         `{"fields":[{"name":"email"}]}`,
		ExpectedRevision: 1,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Revision != 2 {
		t.Fatalf("expected revision 2, got %d", first.Revision)
	}

	_, err = service.Update(context.Background(), formID, UpdateRequest{
		FormJSON:         `{"fields":[{"name":"phone"}]}`,
		ExpectedRevision: 1,
	})
	if !errors.Is(err, ErrRevisionMismatch) {
		t.Fatalf("expected ErrRevisionMismatch, got %v", err)
	}

	current, err := service.Get(context.Background(), formID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if current.FormJSON != `{"fields":[{"name":"email"}]}` {
		t.Fatalf("stale update must not overwrite, stored payload: %s", current.FormJSON)
	}
}

func TestServiceUpdateReportsMissingForm(t *testing.T) {
	service, _ := newTestService(t, nil)

	_, err := service.Update(context.Background(), mustFormID(t, "missing"), UpdateRequest{
		FormJSON: `{"fields":[]}`,
	})
	if !errors.Is(err, ErrFormNotFound) {
		t.Fatalf("expected ErrFormNotFound, got %v", err)
	}
}

func TestServiceGetReportsMissingForm(t *testing.T) {
	service, _ := newTestService(t, nil)

	_, err := service.Get(context.Background(), mustFormID(t, "missing"))
	if !errors.Is(err, ErrFormNotFound) {
		t.Fatalf("expected ErrFormNotFound, got %v", err)
	}
}

func TestServiceListsFormsByPageMostRecentFirst(t *testing.T) {
	service, db := newTestService(t, []string{"form-1", "form-2"})

	for _, slug := range []string{"first", "second"} {
		if _, err := service.Create(context.Background(), CreateRequest{
			PageKey:  mustPageKey(t, "page-1"),
			FormSlug: mustFormSlug(t, slug),
			FormJSON: `{"fields":[]}`,
		}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if err := db.Model(&LeadForm{}).
		Where("form_id = ?", "form-2").
		Update("updated_at_s", 1700009999).Error; err != nil {
		t.Fatalf("failed to age row: %v", err)
	}

	rows, err := service.ListByPage(context.Background(), mustPageKey(t, "page-1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].FormID != "form-2" {
		t.Fatalf("expected most recently updated form first, got %s", rows[0].FormID)
	}
}

func TestRepresentationOmitsEmptyBrief(t *testing.T) {
	row := LeadForm{
		FormID:           "form-1",
		PageKey:          "page-1",
		FormSlug:         "spring-campaign",
		FormJSON:         `{"fields":[]}`,
		Revision:         1,
		CreatedAtSeconds: 1700000000,
		UpdatedAtSeconds: 1700000000,
	}

	view := row.Representation()
	if view.Brief != nil {
		t.Fatalf("expected nil brief for empty stored brief")
	}
	if string(view.Form) != `{"fields":[]}` {
		t.Fatalf("unexpected form payload: %s", view.Form)
	}
}
