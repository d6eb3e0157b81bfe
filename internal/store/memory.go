package store

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"salescoach/api/internal/content"
)

type teamRecords struct {
	byID      map[string]content.Record
	highWater time.Time
}

// MemoryStore is an in-process content store used for development and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	teams map[string]*teamRecords
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{teams: make(map[string]*teamRecords), now: time.Now}
}

// WithClock overrides the wall clock.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func (s *MemoryStore) team(teamID string) *teamRecords {
	team, ok := s.teams[teamID]
	if !ok {
		team = &teamRecords{byID: make(map[string]content.Record)}
		s.teams[teamID] = team
	}
	return team
}

func (s *MemoryStore) ListActive(_ context.Context, teamID string) ([]content.Record, time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	team, ok := s.teams[teamID]
	if !ok {
		return nil, time.Time{}, nil
	}
	out := make([]content.Record, 0, len(team.byID))
	for _, record := range team.byID {
		if record.Active {
			out = append(out, cloneRecord(record))
		}
	}
	sortByUpdated(out)
	return out, team.highWater, nil
}

func (s *MemoryStore) ListSince(_ context.Context, teamID string, since time.Time, limit int) ([]content.Record, bool, time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	team, ok := s.teams[teamID]
	if !ok {
		return nil, false, time.Time{}, nil
	}
	out := make([]content.Record, 0)
	for _, record := range team.byID {
		if record.UpdatedAt.After(since) {
			out = append(out, cloneRecord(record))
		}
	}
	sortByUpdated(out)
	hasMore := false
	if limit > 0 && len(out) > limit {
		out = out[:limit]
		hasMore = true
	}
	return out, hasMore, team.highWater, nil
}

func (s *MemoryStore) Get(_ context.Context, teamID, id string) (content.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if team, ok := s.teams[teamID]; ok {
		if record, ok := team.byID[id]; ok {
			return cloneRecord(record), nil
		}
	}
	return content.Record{}, ErrNotFound
}

func (s *MemoryStore) Put(_ context.Context, teamID string, kind content.Kind, id string, payload json.RawMessage) (content.Record, content.Action, error) {
	if !validPayload(payload) {
		return content.Record{}, "", ErrBadPayload
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	team := s.team(teamID)
	action := content.ActionCreated
	if existing, ok := team.byID[id]; ok {
		if existing.Kind != kind {
			return content.Record{}, "", ErrKindConflict
		}
		if existing.Active {
			action = content.ActionUpdated
		}
	}

	record := content.Record{
		ID:        id,
		TeamID:    teamID,
		Kind:      kind,
		Payload:   append(json.RawMessage(nil), payload...),
		UpdatedAt: nextTimestamp(s.now(), team.highWater),
		Active:    true,
	}
	team.byID[id] = record
	team.highWater = record.UpdatedAt
	return cloneRecord(record), action, nil
}

func (s *MemoryStore) SoftDelete(_ context.Context, teamID string, kind content.Kind, id string) (content.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	team := s.team(teamID)
	existing, ok := team.byID[id]
	if !ok || existing.Kind != kind {
		return content.Record{}, false, ErrNotFound
	}
	if !existing.Active {
		return cloneRecord(existing), false, nil
	}
	existing.Active = false
	existing.UpdatedAt = nextTimestamp(s.now(), team.highWater)
	team.byID[id] = existing
	team.highWater = existing.UpdatedAt
	return cloneRecord(existing), true, nil
}

func (s *MemoryStore) Search(_ context.Context, teamID, query string, limit int) ([]content.Record, error) {
	needle := strings.ToLower(strings.TrimSpace(query))
	if needle == "" {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	team, ok := s.teams[teamID]
	if !ok {
		return nil, nil
	}
	out := make([]content.Record, 0)
	for _, record := range team.byID {
		if !record.Active {
			continue
		}
		title, body := record.SearchText()
		if strings.Contains(strings.ToLower(title+"\n"+body), needle) {
			out = append(out, cloneRecord(record))
		}
	}
	sortByUpdated(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func cloneRecord(record content.Record) content.Record {
	record.Payload = append(json.RawMessage(nil), record.Payload...)
	return record
}

func sortByUpdated(records []content.Record) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].UpdatedAt.Equal(records[j].UpdatedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].UpdatedAt.Before(records[j].UpdatedAt)
	})
}
