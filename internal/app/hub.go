package app

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"salescoach/api/internal/content"
	"salescoach/api/internal/metrics"
	"salescoach/api/internal/util"
)

// Conn is one admitted connection in a team room. Events are queued on send;
// done is closed when the connection leaves the room.
type Conn struct {
	ID     string
	TeamID string
	JTI    string

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// Send returns the queue of encoded events for this connection.
func (c *Conn) Send() <-chan []byte {
	return c.send
}

// Done is closed once the connection has been removed from its room.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Hub is the registry of team rooms owned by one server instance.
type Hub struct {
	mu        sync.RWMutex
	rooms     map[string]map[*Conn]struct{}
	queueSize int
	log       zerolog.Logger
	metrics   *metrics.Metrics
}

func NewHub(queueSize int, log zerolog.Logger, m *metrics.Metrics) *Hub {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Hub{
		rooms:     make(map[string]map[*Conn]struct{}),
		queueSize: queueSize,
		log:       log,
		metrics:   m,
	}
}

// Join admits a connection to its team room.
func (h *Hub) Join(teamID, jti string) *Conn {
	conn := &Conn{
		ID:     util.NewConnectionID(),
		TeamID: teamID,
		JTI:    jti,
		send:   make(chan []byte, h.queueSize),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	room, ok := h.rooms[teamID]
	if !ok {
		room = make(map[*Conn]struct{})
		h.rooms[teamID] = room
	}
	room[conn] = struct{}{}
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.ConnectionsActive.Inc()
	}
	h.log.Debug().Str("team", teamID).Str("conn", conn.ID).Msg("connection joined")
	return conn
}

// Leave removes a connection from its room. Safe to call more than once.
func (h *Hub) Leave(conn *Conn) {
	h.mu.Lock()
	room := h.rooms[conn.TeamID]
	_, present := room[conn]
	if present {
		delete(room, conn)
		if len(room) == 0 {
			delete(h.rooms, conn.TeamID)
		}
	}
	h.mu.Unlock()

	conn.close()
	if present {
		if h.metrics != nil {
			h.metrics.ConnectionsActive.Dec()
		}
		h.log.Debug().Str("team", conn.TeamID).Str("conn", conn.ID).Msg("connection left")
	}
}

// Broadcast queues event for every connection in the team room and returns
// how many accepted it. A connection with a full queue misses the event and
// recovers through incremental sync on reconnect.
func (h *Hub) Broadcast(teamID string, event content.Event) int {
	data, err := json.Marshal(event)
	if err != nil {
		h.log.Error().Err(err).Str("team", teamID).Msg("marshal broadcast event")
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for conn := range h.rooms[teamID] {
		select {
		case conn.send <- data:
			delivered++
		default:
			if h.metrics != nil {
				h.metrics.BroadcastDropped.Inc()
			}
			h.log.Warn().Str("team", teamID).Str("conn", conn.ID).Msg("send queue full, event dropped")
		}
	}
	if h.metrics != nil {
		h.metrics.BroadcastsTotal.WithLabelValues(string(event.EntityKind), string(event.Action)).Inc()
	}
	return delivered
}

// DisconnectCredential removes every connection admitted with jti.
func (h *Hub) DisconnectCredential(jti string) int {
	h.mu.RLock()
	var matched []*Conn
	for _, room := range h.rooms {
		for conn := range room {
			if conn.JTI == jti {
				matched = append(matched, conn)
			}
		}
	}
	h.mu.RUnlock()

	for _, conn := range matched {
		h.Leave(conn)
	}
	return len(matched)
}

// Count returns the number of connections in a team room.
func (h *Hub) Count(teamID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[teamID])
}
