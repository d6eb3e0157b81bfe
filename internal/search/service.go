package search

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"salescoach/api/internal/content"
)

// Service is the facade that tries Meilisearch first and falls back to the
// content store.
type Service struct {
	meili    *Meili
	fallback Fallback
	log      zerolog.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, fallback Fallback, log zerolog.Logger) *Service {
	return &Service{meili: meili, fallback: fallback, log: log}
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	q.Text = strings.TrimSpace(q.Text)
	if q.Text == "" {
		return Response{Results: []Result{}, Query: q.Text}
	}

	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Source: "index"}
		}
		s.log.Warn().Err(err).Msg("meilisearch error, falling back to store")
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	records, err := s.fallback.Search(ctx, q.TeamID, q.Text, q.Limit)
	if err != nil {
		s.log.Error().Err(err).Msg("store search failed")
		return Response{Results: []Result{}, Query: q.Text, Source: "store"}
	}
	results := make([]Result, 0, len(records))
	for _, record := range records {
		if q.Kind != "" && record.Kind != q.Kind {
			continue
		}
		results = append(results, recordToResult(record))
	}
	return Response{Results: results, Total: len(results), Query: q.Text, Source: "store"}
}

// Index reflects a mutation in the search index (fire-and-forget).
// Tombstones are removed from the index.
func (s *Service) Index(record content.Record) {
	if s == nil || s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		var err error
		if record.Active {
			err = s.meili.IndexRecord(record)
		} else {
			err = s.meili.DeleteRecord(record.TeamID, record.ID)
		}
		if err != nil {
			s.log.Warn().Err(err).Str("team", record.TeamID).Str("id", record.ID).Msg("index record")
		}
	}()
}

// Reindex pushes a team's active records into the index.
func (s *Service) Reindex(records []content.Record) {
	if s == nil || s.meili == nil || !s.meili.Healthy() {
		return
	}
	if err := s.meili.IndexRecords(records); err != nil {
		s.log.Warn().Err(err).Int("records", len(records)).Msg("reindex records")
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
