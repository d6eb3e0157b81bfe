// Package detect turns a live transcript into session-scoped objection
// detections and rule candidates.
package detect

import (
	"errors"
	"strings"
	"time"

	"salescoach/api/internal/corpus"
)

var (
	ErrSessionClosed  = errors.New("call session closed")
	ErrEmptyFragment  = errors.New("fragment has no usable words")
	ErrSessionExists  = errors.New("call session already started")
	ErrUnknownSession = errors.New("unknown call session")
)

type State int

const (
	StateIdle State = iota
	StateListening
	StateMatching
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateMatching:
		return "matching"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Fragment is one piece of transcript in arrival order.
type Fragment struct {
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Lifecycle marks a Candidate that reports a session boundary instead of a
// satisfied rule.
type Lifecycle int

const (
	LifecycleNone Lifecycle = iota
	LifecycleStarted
	LifecycleEnded
)

// Candidate is a satisfied rule, before cooldown is applied. Manager also
// sends one Started and one Ended marker per session on the same channel, so
// consumers see a session's boundaries in order with its rules.
type Candidate struct {
	Lifecycle  Lifecycle       `json:"-"`
	SessionID  string          `json:"sessionId"`
	Kind       corpus.RuleKind `json:"kind"`
	RuleID     string          `json:"ruleId"`
	Message    string          `json:"message"`
	Script     string          `json:"recommendedScript"`
	Objections []string        `json:"objections"`
	At         time.Time       `json:"at"`
}

// Detection describes the outcome of one accepted fragment.
type Detection struct {
	Matched    bool
	Match      corpus.Match
	New        bool
	Candidates []Candidate
}

// CorpusSource hands out the current corpus. Implementations publish a new
// corpus atomically; a session reads it once per fragment.
type CorpusSource interface {
	Corpus() *corpus.Corpus
}

// StaticCorpus serves a fixed corpus.
type StaticCorpus struct {
	C *corpus.Corpus
}

func (s StaticCorpus) Corpus() *corpus.Corpus {
	if s.C == nil {
		return corpus.Empty()
	}
	return s.C
}

// Session is the detection state of one call. It is not safe for concurrent
// use; Manager gives each session its own goroutine.
type Session struct {
	id       string
	state    State
	source   CorpusSource
	detected map[string]corpus.Entry
	order    []string
}

func NewSession(id string, source CorpusSource) *Session {
	return &Session{
		id:       id,
		state:    StateIdle,
		source:   source,
		detected: make(map[string]corpus.Entry),
	}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) State() State {
	return s.state
}

// Detected returns the distinct objection ids seen so far.
func (s *Session) Detected() []string {
	return append([]string(nil), s.order...)
}

// OnFragment matches one fragment and evaluates every rule. Empty or
// word-less fragments are rejected without touching session state.
func (s *Session) OnFragment(fragment Fragment) (Detection, error) {
	if s.state == StateClosed {
		return Detection{}, ErrSessionClosed
	}
	tokens := corpus.Tokenize(strings.TrimSpace(fragment.Text))
	if len(tokens) == 0 {
		return Detection{}, ErrEmptyFragment
	}

	s.state = StateMatching
	defer func() { s.state = StateListening }()

	at := fragment.Timestamp
	if at.IsZero() {
		at = time.Now()
	}

	c := s.source.Corpus()
	var detection Detection
	if match, ok := c.Match(tokens); ok {
		detection.Matched = true
		detection.Match = match
		if _, seen := s.detected[match.Entry.ID]; !seen {
			s.detected[match.Entry.ID] = match.Entry
			s.order = append(s.order, match.Entry.ID)
			detection.New = true
		}
	}

	entries := make([]corpus.Entry, 0, len(s.order))
	for _, id := range s.order {
		entries = append(entries, s.detected[id])
	}
	for _, rule := range c.Rules() {
		if !rule.Satisfied(entries) {
			continue
		}
		detection.Candidates = append(detection.Candidates, Candidate{
			SessionID:  s.id,
			Kind:       rule.Kind,
			RuleID:     rule.ID,
			Message:    rule.Message,
			Script:     rule.Script,
			Objections: s.Detected(),
			At:         at,
		})
	}
	return detection, nil
}

// Close makes the session terminal and drops its state.
func (s *Session) Close() {
	s.state = StateClosed
	s.detected = nil
	s.order = nil
}
