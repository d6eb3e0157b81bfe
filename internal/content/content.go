// Package content defines the team-scoped coaching records shared by the sync
// server, the client cache and the detection engine.
package content

import (
	"encoding/json"
	"fmt"
	"time"
)

type Kind string

const (
	KindObjection   Kind = "objection"
	KindPlaybook    Kind = "playbook"
	KindTestimonial Kind = "testimonial"
	KindPattern     Kind = "pattern"
)

// Kinds lists every record kind in response order.
var Kinds = []Kind{KindObjection, KindPlaybook, KindTestimonial, KindPattern}

func ParseKind(value string) (Kind, error) {
	switch Kind(value) {
	case KindObjection, KindPlaybook, KindTestimonial, KindPattern:
		return Kind(value), nil
	case "objections", "playbooks", "testimonials", "patterns":
		return Kind(value[:len(value)-1]), nil
	default:
		return "", fmt.Errorf("unknown content kind %q", value)
	}
}

type Action string

const (
	ActionCreated Action = "created"
	ActionUpdated Action = "updated"
	ActionDeleted Action = "deleted"
)

// Record is one piece of coaching content. UpdatedAt strictly increases on
// every mutation; Active=false marks a tombstone.
type Record struct {
	ID        string          `json:"id"`
	TeamID    string          `json:"teamId"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	UpdatedAt time.Time       `json:"updatedAt"`
	Active    bool            `json:"active"`
}

// Decode unmarshals the payload into target. An empty payload leaves target untouched.
func (r Record) Decode(target any) error {
	if len(r.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Payload, target); err != nil {
		return fmt.Errorf("decode %s %s payload: %w", r.Kind, r.ID, err)
	}
	return nil
}

// Newer reports whether r supersedes other under last-write-wins.
func (r Record) Newer(other Record) bool {
	return r.UpdatedAt.After(other.UpdatedAt)
}

type Event struct {
	EntityKind Kind   `json:"entityKind"`
	Action     Action `json:"action"`
	Record     Record `json:"record"`
}

// EventFor builds the broadcast event for a stored record.
func EventFor(record Record, action Action) Event {
	if !record.Active {
		action = ActionDeleted
	}
	return Event{EntityKind: record.Kind, Action: action, Record: record}
}

type SyncResponse struct {
	Objections   []Record  `json:"objections"`
	Playbooks    []Record  `json:"playbooks"`
	Testimonials []Record  `json:"testimonials"`
	Patterns     []Record  `json:"patterns"`
	SyncedAt     time.Time `json:"syncedAt"`
	HasMore      bool      `json:"hasMore"`
}

// NewSyncResponse groups records by kind. Every slice is non-nil so the JSON
// contract always carries the four arrays.
func NewSyncResponse(records []Record, syncedAt time.Time) SyncResponse {
	resp := SyncResponse{
		Objections:   []Record{},
		Playbooks:    []Record{},
		Testimonials: []Record{},
		Patterns:     []Record{},
		SyncedAt:     syncedAt,
	}
	for _, record := range records {
		switch record.Kind {
		case KindObjection:
			resp.Objections = append(resp.Objections, record)
		case KindPlaybook:
			resp.Playbooks = append(resp.Playbooks, record)
		case KindTestimonial:
			resp.Testimonials = append(resp.Testimonials, record)
		case KindPattern:
			resp.Patterns = append(resp.Patterns, record)
		}
	}
	return resp
}

// Records flattens the response back into one slice.
func (r SyncResponse) Records() []Record {
	out := make([]Record, 0, len(r.Objections)+len(r.Playbooks)+len(r.Testimonials)+len(r.Patterns))
	out = append(out, r.Objections...)
	out = append(out, r.Playbooks...)
	out = append(out, r.Testimonials...)
	out = append(out, r.Patterns...)
	return out
}

// Timestamp normalizes a clock reading to the precision the stores keep.
func Timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
