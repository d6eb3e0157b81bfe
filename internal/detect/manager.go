package detect

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"salescoach/api/internal/metrics"
)

const fragmentQueueSize = 32

// endMarkerWait bounds how long a closing session waits for the consumer to
// take its Ended marker.
const endMarkerWait = 2 * time.Second

type worker struct {
	ctx     context.Context
	session *Session
	in      chan Fragment
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	state   State
	// pending counts fragments accepted by Feed and not yet processed.
	pending sync.WaitGroup
}

func (w *worker) discardQueued() {
	for {
		select {
		case <-w.in:
			w.pending.Done()
		default:
			return
		}
	}
}

func (w *worker) setState(state State) {
	w.mu.Lock()
	w.state = state
	w.mu.Unlock()
}

// Manager runs call sessions concurrently. Each session consumes its
// fragments on its own goroutine, strictly in arrival order, and sends rule
// candidates to one shared outgoing channel.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*worker
	source   CorpusSource
	out      chan<- Candidate
	log      zerolog.Logger
	metrics  *metrics.Metrics
}

func NewManager(source CorpusSource, out chan<- Candidate, log zerolog.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		sessions: make(map[string]*worker),
		source:   source,
		out:      out,
		log:      log,
		metrics:  m,
	}
}

// Start opens a session in the Idle state.
func (m *Manager) Start(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; ok {
		return ErrSessionExists
	}
	w := &worker{
		ctx:     ctx,
		session: NewSession(sessionID, m.source),
		in:      make(chan Fragment, fragmentQueueSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	m.sessions[sessionID] = w
	if m.metrics != nil {
		m.metrics.SessionsActive.Inc()
	}
	go m.run(ctx, w)
	m.log.Debug().Str("session", sessionID).Msg("call session started")
	return nil
}

// Feed queues a fragment for the session.
func (m *Manager) Feed(sessionID string, fragment Fragment) error {
	m.mu.Lock()
	w, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return ErrUnknownSession
	}
	// A session whose goroutine exited, by End or by its context, is Closed.
	select {
	case <-w.stop:
		return ErrSessionClosed
	case <-w.done:
		return ErrSessionClosed
	case <-w.ctx.Done():
		return ErrSessionClosed
	default:
	}
	w.pending.Add(1)
	select {
	case w.in <- fragment:
		return nil
	case <-w.stop:
		w.pending.Done()
		return ErrSessionClosed
	case <-w.done:
		w.pending.Done()
		return ErrSessionClosed
	case <-w.ctx.Done():
		w.pending.Done()
		return ErrSessionClosed
	}
}

// Wait blocks until every fragment fed so far has been processed and its
// candidates handed to the outgoing channel.
func (m *Manager) Wait(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	w, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return ErrUnknownSession
	}
	drained := make(chan struct{})
	go func() {
		w.pending.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-w.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// End closes the session immediately; queued fragments are discarded. It
// returns once the session goroutine has exited.
func (m *Manager) End(sessionID string) error {
	m.mu.Lock()
	w, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if !ok {
		return ErrUnknownSession
	}
	w.once.Do(func() { close(w.stop) })
	<-w.done
	if m.metrics != nil {
		m.metrics.SessionsActive.Dec()
	}
	m.log.Debug().Str("session", sessionID).Msg("call session ended")
	return nil
}

// State reports a running session's state.
func (m *Manager) State(sessionID string) (State, bool) {
	m.mu.Lock()
	w, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return StateClosed, false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state, true
}

// Close ends every session.
func (m *Manager) Close() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		_ = m.End(id)
	}
}

func (m *Manager) run(ctx context.Context, w *worker) {
	defer close(w.done)
	defer func() {
		w.session.Close()
		w.setState(StateClosed)
		w.discardQueued()
		m.sendEnded(w.session.ID())
	}()

	started := Candidate{Lifecycle: LifecycleStarted, SessionID: w.session.ID(), At: time.Now()}
	select {
	case m.out <- started:
	case <-w.stop:
		return
	case <-ctx.Done():
		return
	}

	for {
		// A pending stop wins over queued fragments.
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case fragment := <-w.in:
			ok := m.process(ctx, w, fragment)
			w.pending.Done()
			if !ok {
				return
			}
		}
	}
}

func (m *Manager) process(ctx context.Context, w *worker, fragment Fragment) bool {
	w.setState(StateMatching)
	detection, err := w.session.OnFragment(fragment)
	w.setState(w.session.State())
	switch {
	case errors.Is(err, ErrEmptyFragment):
		m.countFragment("discarded")
		return true
	case err != nil:
		m.countFragment("rejected")
		return true
	case detection.Matched:
		m.countFragment("matched")
		if detection.New {
			m.log.Debug().
				Str("session", w.session.ID()).
				Str("objection", detection.Match.Entry.ID).
				Float64("score", detection.Match.Score).
				Msg("objection detected")
		}
	default:
		m.countFragment("unmatched")
	}

	for _, candidate := range detection.Candidates {
		select {
		case m.out <- candidate:
		case <-w.stop:
			return false
		case <-ctx.Done():
			return false
		}
	}
	return true
}

// sendEnded tells the consumer the session is gone. It runs after the
// session's last rule candidate, so nothing for the session follows it.
func (m *Manager) sendEnded(sessionID string) {
	timer := time.NewTimer(endMarkerWait)
	defer timer.Stop()
	select {
	case m.out <- Candidate{Lifecycle: LifecycleEnded, SessionID: sessionID, At: time.Now()}:
	case <-timer.C:
		m.log.Warn().Str("session", sessionID).Msg("end marker not consumed")
	}
}

func (m *Manager) countFragment(result string) {
	if m.metrics != nil {
		m.metrics.FragmentsTotal.WithLabelValues(result).Inc()
	}
}
