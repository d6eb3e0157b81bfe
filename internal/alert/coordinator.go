// Package alert rate-limits rule candidates into outward coaching alerts.
package alert

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"salescoach/api/internal/detect"
	"salescoach/api/internal/metrics"
)

// DefaultCooldown is the minimum gap between two alerts of one kind in one
// session.
const DefaultCooldown = 30 * time.Second

// Alert is the payload handed to the presentation layer.
type Alert struct {
	Kind              string    `json:"kind"`
	Message           string    `json:"message"`
	RecommendedScript string    `json:"recommendedScript"`
	SessionID         string    `json:"sessionId"`
	RuleID            string    `json:"ruleId,omitempty"`
	Objections        []string  `json:"objections,omitempty"`
	FiredAt           time.Time `json:"firedAt"`
}

type Payload struct {
	Message           string
	RecommendedScript string
	RuleID            string
	Objections        []string
}

// endedRetention is how long an ended session keeps refusing candidates
// unless it is started again.
const endedRetention = 5 * time.Minute

// Coordinator tracks the last firing per (session, kind).
type Coordinator struct {
	mu        sync.Mutex
	cooldown  time.Duration
	now       func() time.Time
	lastFired map[string]map[string]time.Time
	ended     map[string]time.Time
	out       chan Alert
	log       zerolog.Logger
	metrics   *metrics.Metrics
}

func NewCoordinator(cooldown time.Duration, log zerolog.Logger, m *metrics.Metrics) *Coordinator {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Coordinator{
		cooldown:  cooldown,
		now:       time.Now,
		lastFired: make(map[string]map[string]time.Time),
		ended:     make(map[string]time.Time),
		out:       make(chan Alert, 16),
		log:       log,
		metrics:   m,
	}
}

// WithClock overrides the wall clock.
func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

// Alerts is the outward stream fed by Run.
func (c *Coordinator) Alerts() <-chan Alert {
	return c.out
}

// Consider emits an alert unless one of the same kind fired for the session
// within the cooldown window. Suppressed candidates do not extend the window.
func (c *Coordinator) Consider(sessionID, kind string, payload Payload) (Alert, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, gone := c.ended[sessionID]; gone {
		c.count(kind, "dropped")
		return Alert{}, false
	}
	kinds, ok := c.lastFired[sessionID]
	if !ok {
		kinds = make(map[string]time.Time)
		c.lastFired[sessionID] = kinds
	}
	if last, fired := kinds[kind]; fired && now.Sub(last) < c.cooldown {
		c.count(kind, "suppressed")
		return Alert{}, false
	}
	kinds[kind] = now
	c.count(kind, "emitted")

	return Alert{
		Kind:              kind,
		Message:           payload.Message,
		RecommendedScript: payload.RecommendedScript,
		SessionID:         sessionID,
		RuleID:            payload.RuleID,
		Objections:        append([]string(nil), payload.Objections...),
		FiredAt:           now,
	}, true
}

// Begin clears any ended mark left by an earlier session with the same id.
func (c *Coordinator) Begin(sessionID string) {
	c.mu.Lock()
	delete(c.ended, sessionID)
	c.mu.Unlock()
}

// Forget drops all cooldown state of a destroyed session. Candidates that
// still arrive for it are dropped without recreating state.
func (c *Coordinator) Forget(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.lastFired, sessionID)
	now := c.now()
	for id, at := range c.ended {
		if now.Sub(at) > c.retention() {
			delete(c.ended, id)
		}
	}
	c.ended[sessionID] = now
}

func (c *Coordinator) retention() time.Duration {
	return max(endedRetention, c.cooldown)
}

// Sessions reports how many sessions currently hold cooldown state.
func (c *Coordinator) Sessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.lastFired)
}

// Run drains engine candidates until in is closed or ctx is done, then
// closes the alert stream. Session markers from the engine map to Begin and
// Forget.
func (c *Coordinator) Run(ctx context.Context, in <-chan detect.Candidate) {
	defer close(c.out)
	for {
		select {
		case <-ctx.Done():
			return
		case candidate, ok := <-in:
			if !ok {
				return
			}
			switch candidate.Lifecycle {
			case detect.LifecycleStarted:
				c.Begin(candidate.SessionID)
				continue
			case detect.LifecycleEnded:
				c.Forget(candidate.SessionID)
				continue
			}
			alert, emit := c.Consider(candidate.SessionID, string(candidate.Kind), payloadOf(candidate))
			if !emit {
				continue
			}
			c.log.Info().
				Str("session", alert.SessionID).
				Str("kind", alert.Kind).
				Strs("objections", alert.Objections).
				Msg("alert fired")
			select {
			case c.out <- alert:
			case <-ctx.Done():
				return
			}
		}
	}
}

func payloadOf(candidate detect.Candidate) Payload {
	return Payload{
		Message:           candidate.Message,
		RecommendedScript: candidate.Script,
		RuleID:            candidate.RuleID,
		Objections:        candidate.Objections,
	}
}

func (c *Coordinator) count(kind, outcome string) {
	if c.metrics != nil {
		c.metrics.AlertsTotal.WithLabelValues(kind, outcome).Inc()
	}
}
