package timeline

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// View is the grouped timeline response: entries bucketed by calendar day,
// newest first, alongside category counts and the providers contributing.
type View struct {
	Groups    []DayGroup        `json:"groups"`
	Counts    map[Category]int  `json:"counts"`
	Providers []ProviderSummary `json:"providers"`
	Total     int               `json:"total"`
	Limit     int               `json:"limit"`
	Offset    int               `json:"offset"`
	HasMore   bool              `json:"has_more"`
}

// Service reads the unified timeline.
type Service struct {
	repo      Repository
	providers ProviderLister
	logger    zerolog.Logger
}

func NewService(repo Repository, providers ProviderLister, logger zerolog.Logger) *Service {
	return &Service{repo: repo, providers: providers, logger: logger}
}

// Timeline queries entries and assembles the grouped view.
func (s *Service) Timeline(ctx context.Context, q Query) (*View, error) {
	if q.Category != "" && !q.Category.Valid() {
		return nil, fmt.Errorf("unknown category %q", q.Category)
	}

	entries, total, err := s.repo.Query(ctx, q)
	if err != nil {
		return nil, err
	}

	counts, err := s.repo.CountByCategory(ctx, q.UserID)
	if err != nil {
		return nil, err
	}

	providers, err := s.providers.ActiveProviders(ctx, q.UserID)
	if err != nil {
		// Attribution is decoration; a failed provider lookup should not
		// blank the whole timeline.
		s.logger.Warn().Err(err).Str("user_id", q.UserID.String()).Msg("listing providers for timeline failed")
		providers = nil
	}

	view := &View{
		Groups:    GroupByDay(entries),
		Counts:    counts,
		Providers: providers,
		Total:     total,
		Limit:     q.Limit,
		Offset:    q.Offset,
		HasMore:   q.Offset+len(entries) < total,
	}
	return view, nil
}

// GroupByDay buckets entries by the calendar date of their effective time.
// Input order (effective time descending) is preserved within and across
// groups.
func GroupByDay(entries []*Entry) []DayGroup {
	var groups []DayGroup
	index := make(map[string]int)

	for _, e := range entries {
		date := e.EffectiveAt.UTC().Format("2006-01-02")
		i, ok := index[date]
		if !ok {
			i = len(groups)
			index[date] = i
			groups = append(groups, DayGroup{Date: date})
		}
		groups[i].Entries = append(groups[i].Entries, e)
	}
	return groups
}
