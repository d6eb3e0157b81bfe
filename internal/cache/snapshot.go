// Package cache keeps an installation's local mirror of its team's content
// and publishes the matcher corpus derived from it.
package cache

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"salescoach/api/internal/content"
	"salescoach/api/internal/corpus"
	"salescoach/api/internal/metrics"
)

// Snapshot is the per-team mirror. Tombstones are kept so a late, older
// event can never bring a deleted record back.
type Snapshot struct {
	mu        sync.RWMutex
	teamID    string
	records   map[string]content.Record
	watermark time.Time

	threshold float64
	// version is guarded by mu; the published corpus always matches records
	// at that version.
	version uint64
	corpus  atomic.Pointer[corpus.Corpus]
	metrics   *metrics.Metrics
}

func NewSnapshot(teamID string, threshold float64, m *metrics.Metrics) *Snapshot {
	s := &Snapshot{
		teamID:    teamID,
		records:   make(map[string]content.Record),
		threshold: threshold,
		metrics:   m,
	}
	s.corpus.Store(corpus.Build(nil, 0, threshold))
	return s
}

func (s *Snapshot) TeamID() string {
	return s.teamID
}

// Watermark is the highest UpdatedAt observed. Zero means never synced.
func (s *Snapshot) Watermark() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.watermark
}

// Corpus returns the most recently published matcher corpus.
func (s *Snapshot) Corpus() *corpus.Corpus {
	return s.corpus.Load()
}

// ApplyEvent merges one broadcast event under last-write-wins. It reports
// whether the snapshot changed; stale and duplicate events are no-ops.
func (s *Snapshot) ApplyEvent(event content.Event) bool {
	record := event.Record
	if record.ID == "" {
		return false
	}
	if record.Kind == "" {
		record.Kind = event.EntityKind
	}
	if event.Action == content.ActionDeleted {
		record.Active = false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	changed := s.mergeLocked(record)
	if changed {
		s.rebuildLocked()
	}
	return changed
}

// ApplySync merges a sync response. A full response replaces the snapshot
// wholesale, except for records newer than the response that arrived as
// events while the request was in flight.
func (s *Snapshot) ApplySync(resp content.SyncResponse, full bool) bool {
	records := resp.Records()

	s.mu.Lock()
	changed := false
	if full {
		next := make(map[string]content.Record, len(records))
		for _, record := range records {
			next[record.ID] = record
		}
		for id, existing := range s.records {
			if existing.UpdatedAt.After(resp.SyncedAt) {
				if current, ok := next[id]; !ok || existing.Newer(current) {
					next[id] = existing
				}
			}
		}
		changed = !sameRecords(s.records, next)
		s.records = next
		for _, record := range records {
			s.advanceLocked(record.UpdatedAt)
		}
	} else {
		for _, record := range records {
			if s.mergeLocked(record) {
				changed = true
			}
		}
	}
	if resp.SyncedAt.After(s.watermark) {
		s.watermark = resp.SyncedAt
	}
	if changed {
		s.rebuildLocked()
	}
	s.mu.Unlock()
	return changed
}

func (s *Snapshot) mergeLocked(record content.Record) bool {
	existing, ok := s.records[record.ID]
	if ok && !record.Newer(existing) {
		return false
	}
	s.records[record.ID] = record
	s.advanceLocked(record.UpdatedAt)
	return true
}

func (s *Snapshot) advanceLocked(t time.Time) {
	if t.After(s.watermark) {
		s.watermark = t
	}
}

// rebuildLocked publishes a corpus of the records as they are under the
// held lock, so versions and contents advance together.
func (s *Snapshot) rebuildLocked() {
	s.version++
	s.corpus.Store(corpus.Build(s.activeLocked(""), s.version, s.threshold))
	if s.metrics != nil {
		s.metrics.CorpusRebuilds.Inc()
	}
}

// Get returns an active record.
func (s *Snapshot) Get(id string) (content.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[id]
	if !ok || !record.Active {
		return content.Record{}, false
	}
	return record, true
}

// Active lists active records of kind, or of every kind when kind is empty,
// ordered by id.
func (s *Snapshot) Active(kind content.Kind) []content.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeLocked(kind)
}

func (s *Snapshot) activeLocked(kind content.Kind) []content.Record {
	out := make([]content.Record, 0, len(s.records))
	for _, record := range s.records {
		if record.Active && (kind == "" || record.Kind == kind) {
			out = append(out, record)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Counts returns the number of active records per kind.
func (s *Snapshot) Counts() map[content.Kind]int {
	counts := make(map[content.Kind]int, len(content.Kinds))
	for _, kind := range content.Kinds {
		counts[kind] = 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, record := range s.records {
		if record.Active {
			counts[record.Kind]++
		}
	}
	return counts
}

func sameRecords(a, b map[string]content.Record) bool {
	if len(a) != len(b) {
		return false
	}
	for id, left := range a {
		right, ok := b[id]
		if !ok || !left.UpdatedAt.Equal(right.UpdatedAt) || left.Active != right.Active {
			return false
		}
	}
	return true
}
