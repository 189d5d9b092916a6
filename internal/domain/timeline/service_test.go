package timeline

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type fakeRepo struct {
	entries []*Entry
}

func (f *fakeRepo) Upsert(_ context.Context, entry *Entry) error {
	for i, e := range f.entries {
		if e.ProviderID == entry.ProviderID && e.SourceID == entry.SourceID {
			f.entries[i] = entry
			return nil
		}
	}
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeRepo) Query(_ context.Context, q Query) ([]*Entry, int, error) {
	var matched []*Entry
	for _, e := range f.entries {
		if e.UserID != q.UserID {
			continue
		}
		if q.Category != "" && e.Category != q.Category {
			continue
		}
		if q.ProviderID != uuid.Nil && e.ProviderID != q.ProviderID {
			continue
		}
		if !q.Since.IsZero() && e.EffectiveAt.Before(q.Since) {
			continue
		}
		matched = append(matched, e)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].EffectiveAt.After(matched[j].EffectiveAt)
	})

	total := len(matched)
	if q.Offset >= total {
		return nil, total, nil
	}
	matched = matched[q.Offset:]
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	return matched, total, nil
}

func (f *fakeRepo) DeleteByProvider(_ context.Context, providerID uuid.UUID) (int64, error) {
	var kept []*Entry
	var removed int64
	for _, e := range f.entries {
		if e.ProviderID == providerID {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	f.entries = kept
	return removed, nil
}

func (f *fakeRepo) CountByCategory(_ context.Context, userID uuid.UUID) (map[Category]int, error) {
	counts := make(map[Category]int)
	for _, e := range f.entries {
		if e.UserID == userID {
			counts[e.Category]++
		}
	}
	return counts, nil
}

type fakeLister struct {
	providers []ProviderSummary
	err       error
}

func (f *fakeLister) ActiveProviders(_ context.Context, _ uuid.UUID) ([]ProviderSummary, error) {
	return f.providers, f.err
}

func seedEntries(t *testing.T, repo *fakeRepo, userID, providerID uuid.UUID, n int) {
	t.Helper()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		entry := &Entry{
			ID:          uuid.New(),
			UserID:      userID,
			ProviderID:  providerID,
			Category:    CategoryLab,
			EffectiveAt: base.Add(time.Duration(i) * time.Hour),
			Title:       "CBC panel",
			SourceID:    uuid.NewString(),
		}
		if err := repo.Upsert(context.Background(), entry); err != nil {
			t.Fatalf("seed entry: %v", err)
		}
	}
}

func TestTimelinePagesDoNotOverlap(t *testing.T) {
	repo := &fakeRepo{}
	userID := uuid.New()
	providerID := uuid.New()
	seedEntries(t, repo, userID, providerID, 25)

	svc := NewService(repo, &fakeLister{}, zerolog.Nop())

	seen := make(map[uuid.UUID]bool)
	var fetched int
	for offset := 0; offset < 25; offset += 10 {
		view, err := svc.Timeline(context.Background(), Query{UserID: userID, Limit: 10, Offset: offset})
		if err != nil {
			t.Fatalf("timeline: %v", err)
		}
		if view.Total != 25 {
			t.Fatalf("total = %d, want 25", view.Total)
		}
		for _, group := range view.Groups {
			for _, e := range group.Entries {
				if seen[e.ID] {
					t.Fatalf("entry %s appeared on two pages", e.ID)
				}
				seen[e.ID] = true
				fetched++
			}
		}
	}
	if fetched != 25 {
		t.Fatalf("fetched %d entries across pages, want 25", fetched)
	}
}

func TestTimelineGroupsByCalendarDay(t *testing.T) {
	repo := &fakeRepo{}
	userID := uuid.New()
	providerID := uuid.New()

	times := []time.Time{
		time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 2, 17, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
	}
	for i, at := range times {
		err := repo.Upsert(context.Background(), &Entry{
			ID:          uuid.New(),
			UserID:      userID,
			ProviderID:  providerID,
			Category:    CategoryVital,
			EffectiveAt: at,
			Title:       "Blood pressure",
			SourceID:    uuid.NewString(),
		})
		if err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
	}

	svc := NewService(repo, &fakeLister{}, zerolog.Nop())
	view, err := svc.Timeline(context.Background(), Query{UserID: userID, Limit: 50})
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}

	if len(view.Groups) != 2 {
		t.Fatalf("groups = %d, want 2", len(view.Groups))
	}
	if view.Groups[0].Date != "2026-03-02" || view.Groups[1].Date != "2026-03-01" {
		t.Fatalf("group order = %s, %s", view.Groups[0].Date, view.Groups[1].Date)
	}
	if len(view.Groups[0].Entries) != 2 {
		t.Fatalf("entries on 2026-03-02 = %d, want 2", len(view.Groups[0].Entries))
	}
}

func TestTimelineUpsertIsIdempotent(t *testing.T) {
	repo := &fakeRepo{}
	userID := uuid.New()
	providerID := uuid.New()

	entry := &Entry{
		ID:          uuid.New(),
		UserID:      userID,
		ProviderID:  providerID,
		Category:    CategoryLab,
		EffectiveAt: time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC),
		Title:       "Hemoglobin A1c",
		SourceID:    "Observation/abc",
	}
	for i := 0; i < 3; i++ {
		if err := repo.Upsert(context.Background(), entry); err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
	}

	svc := NewService(repo, &fakeLister{}, zerolog.Nop())
	view, err := svc.Timeline(context.Background(), Query{UserID: userID, Limit: 10})
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if view.Total != 1 {
		t.Fatalf("total after repeated upsert = %d, want 1", view.Total)
	}
}

func TestTimelineRejectsUnknownCategory(t *testing.T) {
	svc := NewService(&fakeRepo{}, &fakeLister{}, zerolog.Nop())
	_, err := svc.Timeline(context.Background(), Query{UserID: uuid.New(), Category: "spellcheck", Limit: 10})
	if err == nil {
		t.Fatal("expected error for unknown category")
	}
}

func TestTimelineSurvivesProviderListerFailure(t *testing.T) {
	repo := &fakeRepo{}
	userID := uuid.New()
	seedEntries(t, repo, userID, uuid.New(), 3)

	svc := NewService(repo, &fakeLister{err: context.DeadlineExceeded}, zerolog.Nop())
	view, err := svc.Timeline(context.Background(), Query{UserID: userID, Limit: 10})
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if view.Total != 3 {
		t.Fatalf("total = %d, want 3", view.Total)
	}
	if view.Providers != nil {
		t.Fatalf("providers = %v, want nil on lister failure", view.Providers)
	}
}
