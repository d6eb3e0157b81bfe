package detect

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"salescoach/api/internal/content"
	"salescoach/api/internal/corpus"
	"salescoach/api/internal/logger"
	"salescoach/api/internal/metrics"
)

var scenario = []string{
	"I don't have the capital right now",
	"I need to ask my spouse",
	"let me think about it",
}

func scenarioCorpus(t *testing.T) *corpus.Corpus {
	t.Helper()
	objections := []struct {
		id, category, variation string
	}{
		{"capital", "price", "I don't have the capital"},
		{"spouse", "authority", "I need to ask my spouse"},
		{"think-it-over", "timing", "let me think about it"},
	}
	records := make([]content.Record, 0, len(objections))
	for _, o := range objections {
		raw, err := json.Marshal(content.ObjectionPayload{Name: o.id, Category: o.category, Variations: []string{o.variation}})
		require.NoError(t, err)
		records = append(records, content.Record{ID: o.id, TeamID: "team-a", Kind: content.KindObjection, Payload: raw, Active: true})
	}
	return corpus.Build(records, 1, corpus.DefaultThreshold)
}

func kinds(candidates []Candidate) []corpus.RuleKind {
	out := []corpus.RuleKind{}
	for _, c := range candidates {
		out = append(out, c.Kind)
	}
	return out
}

func TestSessionScenario(t *testing.T) {
	session := NewSession("call-1", StaticCorpus{C: scenarioCorpus(t)})
	assert.Equal(t, StateIdle, session.State())

	first, err := session.OnFragment(Fragment{Text: scenario[0]})
	require.NoError(t, err)
	assert.Equal(t, StateListening, session.State())
	assert.True(t, first.New)
	assert.Equal(t, "capital", first.Match.Entry.ID)
	assert.Empty(t, first.Candidates)

	second, err := session.OnFragment(Fragment{Text: scenario[1]})
	require.NoError(t, err)
	assert.Equal(t, "spouse", second.Match.Entry.ID)
	assert.Equal(t, []corpus.RuleKind{corpus.RuleCombo}, kinds(second.Candidates))

	third, err := session.OnFragment(Fragment{Text: scenario[2]})
	require.NoError(t, err)
	assert.Equal(t, "think-it-over", third.Match.Entry.ID)
	assert.ElementsMatch(t, []corpus.RuleKind{corpus.RuleThreshold, corpus.RuleCombo}, kinds(third.Candidates))
	assert.ElementsMatch(t, []string{"capital", "spouse", "think-it-over"}, session.Detected())
}

func TestSessionRedetectionIsIdempotent(t *testing.T) {
	session := NewSession("call-1", StaticCorpus{C: scenarioCorpus(t)})

	_, err := session.OnFragment(Fragment{Text: scenario[0]})
	require.NoError(t, err)
	again, err := session.OnFragment(Fragment{Text: "I really don't have the capital"})
	require.NoError(t, err)

	assert.True(t, again.Matched)
	assert.False(t, again.New)
	assert.Equal(t, []string{"capital"}, session.Detected())
}

func TestSessionDiscardsMalformedFragments(t *testing.T) {
	session := NewSession("call-1", StaticCorpus{C: scenarioCorpus(t)})

	for _, text := range []string{"", "   ", "uh, ok", "?!"} {
		_, err := session.OnFragment(Fragment{Text: text})
		assert.ErrorIs(t, err, ErrEmptyFragment, "text %q", text)
	}
	assert.Equal(t, StateIdle, session.State())
	assert.Empty(t, session.Detected())
}

func TestSessionUnmatchedFragmentStillEvaluatesRules(t *testing.T) {
	session := NewSession("call-1", StaticCorpus{C: scenarioCorpus(t)})
	_, err := session.OnFragment(Fragment{Text: scenario[0]})
	require.NoError(t, err)
	_, err = session.OnFragment(Fragment{Text: scenario[1]})
	require.NoError(t, err)

	detection, err := session.OnFragment(Fragment{Text: "what's the weather like there"})
	require.NoError(t, err)
	assert.False(t, detection.Matched)
	assert.Equal(t, []corpus.RuleKind{corpus.RuleCombo}, kinds(detection.Candidates))
}

func TestSessionClosedRejectsFragments(t *testing.T) {
	session := NewSession("call-1", StaticCorpus{C: scenarioCorpus(t)})
	_, err := session.OnFragment(Fragment{Text: scenario[0]})
	require.NoError(t, err)

	session.Close()
	assert.Equal(t, StateClosed, session.State())
	assert.Empty(t, session.Detected())
	_, err = session.OnFragment(Fragment{Text: scenario[1]})
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestSessionWithoutCorpusContent(t *testing.T) {
	session := NewSession("call-1", StaticCorpus{})
	detection, err := session.OnFragment(Fragment{Text: scenario[0]})
	require.NoError(t, err)
	assert.False(t, detection.Matched)
	assert.Empty(t, detection.Candidates)
}

// collect reads n rule candidates, skipping session markers.
func collect(t *testing.T, out <-chan Candidate, n int) []Candidate {
	t.Helper()
	got := make([]Candidate, 0, n)
	timeout := time.After(2 * time.Second)
	for len(got) < n {
		select {
		case c := <-out:
			if c.Lifecycle == LifecycleNone {
				got = append(got, c)
			}
		case <-timeout:
			t.Fatalf("timed out after %d of %d candidates", len(got), n)
		}
	}
	return got
}

// drain empties a buffered channel without blocking.
func drain(out <-chan Candidate) []Candidate {
	var got []Candidate
	for {
		select {
		case c := <-out:
			got = append(got, c)
		default:
			return got
		}
	}
}

func rules(candidates []Candidate) []Candidate {
	var out []Candidate
	for _, c := range candidates {
		if c.Lifecycle == LifecycleNone {
			out = append(out, c)
		}
	}
	return out
}

func lifecycles(candidates []Candidate) []Lifecycle {
	var out []Lifecycle
	for _, c := range candidates {
		if c.Lifecycle != LifecycleNone {
			out = append(out, c.Lifecycle)
		}
	}
	return out
}

func TestManagerSessionsAreIsolated(t *testing.T) {
	out := make(chan Candidate, 64)
	manager := NewManager(StaticCorpus{C: scenarioCorpus(t)}, out, logger.Nop(), metrics.New())
	defer manager.Close()
	ctx := context.Background()

	require.NoError(t, manager.Start(ctx, "call-a"))
	require.NoError(t, manager.Start(ctx, "call-b"))
	assert.ErrorIs(t, manager.Start(ctx, "call-a"), ErrSessionExists)

	for _, text := range scenario {
		require.NoError(t, manager.Feed("call-a", Fragment{Text: text}))
		require.NoError(t, manager.Feed("call-b", Fragment{Text: text}))
	}

	// Per session: combo after fragment 2, combo and threshold after fragment 3.
	got := collect(t, out, 6)
	perSession := map[string][]corpus.RuleKind{}
	for _, c := range got {
		perSession[c.SessionID] = append(perSession[c.SessionID], c.Kind)
	}
	require.Len(t, perSession, 2)
	assert.Equal(t, perSession["call-a"], perSession["call-b"])
	assert.Equal(t, corpus.RuleCombo, perSession["call-a"][0])
	assert.ElementsMatch(t, []corpus.RuleKind{corpus.RuleCombo, corpus.RuleCombo, corpus.RuleThreshold}, perSession["call-a"])
}

func TestManagerEndDiscardsSession(t *testing.T) {
	out := make(chan Candidate, 8)
	manager := NewManager(StaticCorpus{C: scenarioCorpus(t)}, out, logger.Nop(), nil)
	ctx := context.Background()

	require.NoError(t, manager.Start(ctx, "call-a"))
	state, ok := manager.State("call-a")
	require.True(t, ok)
	assert.Equal(t, StateIdle, state)

	require.NoError(t, manager.End("call-a"))
	_, ok = manager.State("call-a")
	assert.False(t, ok)
	assert.ErrorIs(t, manager.Feed("call-a", Fragment{Text: scenario[0]}), ErrUnknownSession)
	assert.ErrorIs(t, manager.End("call-a"), ErrUnknownSession)

	// A restarted session starts from an empty detected set.
	require.NoError(t, manager.Start(ctx, "call-a"))
	require.NoError(t, manager.Feed("call-a", Fragment{Text: scenario[1]}))
	require.NoError(t, manager.Feed("call-a", Fragment{Text: scenario[2]}))
	require.NoError(t, manager.End("call-a"))
	assert.Empty(t, rules(drain(out)))
}

func TestManagerWaitDrainsQueuedFragments(t *testing.T) {
	out := make(chan Candidate, 8)
	manager := NewManager(StaticCorpus{C: scenarioCorpus(t)}, out, logger.Nop(), nil)
	ctx := context.Background()

	require.NoError(t, manager.Start(ctx, "call-a"))
	for _, text := range scenario {
		require.NoError(t, manager.Feed("call-a", Fragment{Text: text}))
	}
	require.NoError(t, manager.Wait(ctx, "call-a"))
	// Everything was processed before End, so nothing is discarded.
	require.NoError(t, manager.End("call-a"))
	got := drain(out)
	assert.Len(t, rules(got), 3)
	assert.Equal(t, []Lifecycle{LifecycleStarted, LifecycleEnded}, lifecycles(got))
	assert.Equal(t, LifecycleEnded, got[len(got)-1].Lifecycle)

	assert.ErrorIs(t, manager.Wait(ctx, "call-a"), ErrUnknownSession)
}

func TestManagerFeedAfterContextCancelDoesNotBlock(t *testing.T) {
	out := make(chan Candidate, 8)
	manager := NewManager(StaticCorpus{C: scenarioCorpus(t)}, out, logger.Nop(), nil)
	defer manager.Close()
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, manager.Start(ctx, "call-a"))
	cancel()
	require.Eventually(t, func() bool {
		state, ok := manager.State("call-a")
		return ok && state == StateClosed
	}, 2*time.Second, 5*time.Millisecond)

	// More fragments than the queue holds must all be refused promptly.
	fed := make(chan error, 1)
	go func() {
		for i := 0; i < fragmentQueueSize*2; i++ {
			if err := manager.Feed("call-a", Fragment{Text: scenario[i%len(scenario)]}); !errors.Is(err, ErrSessionClosed) {
				fed <- err
				return
			}
		}
		fed <- nil
	}()
	select {
	case err := <-fed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Feed blocked on a session whose context was cancelled")
	}
	assert.Empty(t, rules(drain(out)))
}

func TestManagerEndedMarkerFollowsLastCandidate(t *testing.T) {
	out := make(chan Candidate, 16)
	manager := NewManager(StaticCorpus{C: scenarioCorpus(t)}, out, logger.Nop(), nil)
	ctx := context.Background()

	require.NoError(t, manager.Start(ctx, "call-a"))
	for _, text := range scenario {
		require.NoError(t, manager.Feed("call-a", Fragment{Text: text}))
	}
	require.NoError(t, manager.End("call-a"))

	got := drain(out)
	require.NotEmpty(t, got)
	assert.Equal(t, LifecycleEnded, got[len(got)-1].Lifecycle)
	for _, c := range got {
		assert.Equal(t, "call-a", c.SessionID)
	}
	assert.Equal(t, 1, countLifecycle(got, LifecycleEnded))
	assert.LessOrEqual(t, countLifecycle(got, LifecycleStarted), 1)
}

func countLifecycle(candidates []Candidate, want Lifecycle) int {
	n := 0
	for _, c := range candidates {
		if c.Lifecycle == want {
			n++
		}
	}
	return n
}
