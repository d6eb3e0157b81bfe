// Package corpus builds the in-memory matcher index that the detection engine
// reads. A Corpus is immutable once built and is always derived from the
// active objection and pattern records of one team.
package corpus

import (
	"sort"
	"strings"

	"salescoach/api/internal/content"
)

// DefaultThreshold is the score a fragment must exceed to match an objection.
const DefaultThreshold = 0.3

// Entry is one indexed objection.
type Entry struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Category string  `json:"category"`
	Rank     int     `json:"rank"`
	Script   string  `json:"script,omitempty"`
	WinRate  float64 `json:"winRate,omitempty"`

	variations []tokenSet
}

type Corpus struct {
	version   uint64
	threshold float64
	entries   []Entry
	byID      map[string]int
	rules     []Rule
}

// Empty returns a corpus with no objections and the default rules.
func Empty() *Corpus {
	return Build(nil, 0, DefaultThreshold)
}

// Build indexes records. Inactive records and kinds other than objection and
// pattern are ignored; undecodable payloads are skipped.
func Build(records []content.Record, version uint64, threshold float64) *Corpus {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	type ranked struct {
		entry    Entry
		explicit bool
		rank     int
	}
	var objections []ranked
	var patterns []content.Record

	for _, record := range records {
		if !record.Active {
			continue
		}
		switch record.Kind {
		case content.KindObjection:
			var payload content.ObjectionPayload
			if err := record.Decode(&payload); err != nil {
				continue
			}
			entry := Entry{
				ID:       record.ID,
				Name:     payload.Name,
				Category: payload.Category,
				Script:   payload.Script,
				WinRate:  payload.WinRate,
			}
			for _, variation := range append([]string{payload.Name}, payload.Variations...) {
				if set := newTokenSet(Tokenize(variation)); len(set) > 0 {
					entry.variations = append(entry.variations, set)
				}
			}
			if len(entry.variations) == 0 {
				continue
			}
			item := ranked{entry: entry}
			if payload.Rank != nil {
				item.explicit = true
				item.rank = *payload.Rank
			}
			objections = append(objections, item)
		case content.KindPattern:
			patterns = append(patterns, record)
		}
	}

	// Explicit ranks first, then everything else in id order.
	sort.SliceStable(objections, func(i, j int) bool {
		a, b := objections[i], objections[j]
		if a.explicit != b.explicit {
			return a.explicit
		}
		if a.explicit && a.rank != b.rank {
			return a.rank < b.rank
		}
		return a.entry.ID < b.entry.ID
	})

	c := &Corpus{
		version:   version,
		threshold: threshold,
		entries:   make([]Entry, 0, len(objections)),
		byID:      make(map[string]int, len(objections)),
		rules:     buildRules(patterns),
	}
	for i, item := range objections {
		item.entry.Rank = i + 1
		c.byID[item.entry.ID] = i
		c.entries = append(c.entries, item.entry)
	}
	return c
}

func (c *Corpus) Version() uint64 {
	return c.version
}

func (c *Corpus) Threshold() float64 {
	return c.threshold
}

func (c *Corpus) Len() int {
	return len(c.entries)
}

func (c *Corpus) Entry(id string) (Entry, bool) {
	i, ok := c.byID[id]
	if !ok {
		return Entry{}, false
	}
	return c.entries[i], true
}

// Entries returns the indexed objections in rank order.
func (c *Corpus) Entries() []Entry {
	return append([]Entry(nil), c.entries...)
}

// Rules returns the matcher rules in evaluation order.
func (c *Corpus) Rules() []Rule {
	return append([]Rule(nil), c.rules...)
}

// Match is the best objection for a fragment.
type Match struct {
	Entry Entry
	Score float64
}

// Match scores tokens against every objection and returns the single best
// match above the threshold. Ties go to the lower rank, then the lower id.
func (c *Corpus) Match(tokens []string) (Match, bool) {
	if len(tokens) == 0 {
		return Match{}, false
	}
	fragment := distinct(tokens)

	var best Match
	found := false
	for _, entry := range c.entries {
		score := 0.0
		for _, variation := range entry.variations {
			if s := Score(fragment, variation); s > score {
				score = s
			}
		}
		if score <= c.threshold {
			continue
		}
		if !found || better(score, entry, best) {
			best = Match{Entry: entry, Score: score}
			found = true
		}
	}
	return best, found
}

func better(score float64, entry Entry, current Match) bool {
	if score != current.Score {
		return score > current.Score
	}
	if entry.Rank != current.Entry.Rank {
		return entry.Rank < current.Entry.Rank
	}
	return entry.ID < current.Entry.ID
}

// CategoryMatches reports whether an objection category satisfies a rule
// category: case-insensitive substring containment.
func CategoryMatches(objectionCategory, ruleCategory string) bool {
	rule := strings.ToLower(strings.TrimSpace(ruleCategory))
	if rule == "" {
		return false
	}
	return strings.Contains(strings.ToLower(objectionCategory), rule)
}
