// Package store adapts the external content store. Every write assigns an
// updated_at strictly greater than any earlier write for the same team, so
// readers can page changes by timestamp without ties.
package store

import (
	"errors"
	"time"

	"salescoach/api/internal/content"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrKindConflict = errors.New("record id already used by another kind")
	ErrBadPayload   = errors.New("payload must be a JSON object")
)

// nextTimestamp returns the clock reading, bumped past last when the clock
// has not moved forward.
func nextTimestamp(now, last time.Time) time.Time {
	next := content.Timestamp(now)
	if !next.After(last) {
		next = last.Add(time.Microsecond)
	}
	return next
}

func validPayload(payload []byte) bool {
	for _, b := range payload {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		case '{':
			return true
		default:
			return false
		}
	}
	return false
}
