package search

import (
	"context"

	"salescoach/api/internal/content"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Kind    content.Kind `json:"kind"`
	ID      string       `json:"id"`
	Title   string       `json:"title"`
	Snippet string       `json:"snippet"`
}

// Query describes a team-scoped search request.
type Query struct {
	TeamID string
	Text   string
	Kind   content.Kind // empty = all kinds
	Limit  int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Source  string   `json:"source"`
}

// Fallback searches the content store directly when the index is unavailable.
type Fallback interface {
	Search(ctx context.Context, teamID, query string, limit int) ([]content.Record, error)
}

// indexedRecord is the document stored in the search index.
type indexedRecord struct {
	UID    string `json:"uid"`
	ID     string `json:"id"`
	TeamID string `json:"teamId"`
	Kind   string `json:"kind"`
	Title  string `json:"title"`
	Body   string `json:"body"`
}

func documentUID(teamID, id string) string {
	// Meilisearch ids allow only alphanumerics, '-' and '_'.
	out := make([]byte, 0, len(teamID)+len(id)+2)
	for _, part := range []string{teamID, id} {
		if len(out) > 0 {
			out = append(out, '_', '_')
		}
		for i := 0; i < len(part); i++ {
			c := part[i]
			switch {
			case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
				out = append(out, c)
			default:
				out = append(out, '-')
			}
		}
	}
	return string(out)
}

func toIndexed(record content.Record) indexedRecord {
	title, body := record.SearchText()
	return indexedRecord{
		UID:    documentUID(record.TeamID, record.ID),
		ID:     record.ID,
		TeamID: record.TeamID,
		Kind:   string(record.Kind),
		Title:  title,
		Body:   body,
	}
}

func recordToResult(record content.Record) Result {
	title, body := record.SearchText()
	return Result{Kind: record.Kind, ID: record.ID, Title: title, Snippet: truncate(body, 160)}
}

func truncate(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit]) + "…"
}
