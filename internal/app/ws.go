package app

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"salescoach/api/internal/auth"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxInboundSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleWebSocket admits a connection to its team room. The credential is
// verified before the upgrade so a refused dial gets a plain 401 and never
// joins a room.
func (s *HTTPServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("access_token"))
	}
	if token == "" {
		s.refuse(w, "missing credential")
		return
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			s.refuse(w, err.Error())
			return
		}
		s.log.Error().Err(err).Msg("websocket session lookup failed")
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("team", session.TeamID).Msg("websocket upgrade failed")
		return
	}

	conn := s.service.Hub().Join(session.TeamID, session.JTI)
	go s.writePump(ws, conn, session)
	s.readPump(ws, conn)
}

func (s *HTTPServer) refuse(w http.ResponseWriter, reason string) {
	s.service.Metrics().ConnectionsRefused.Inc()
	s.log.Debug().Str("reason", reason).Msg("websocket admission refused")
	writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
}

// readPump only services control frames; clients never send content.
func (s *HTTPServer) readPump(ws *websocket.Conn, conn *Conn) {
	defer func() {
		s.service.Hub().Leave(conn)
		_ = ws.Close()
	}()

	ws.SetReadLimit(maxInboundSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug().Err(err).Str("conn", conn.ID).Msg("websocket read closed")
			}
			return
		}
	}
}

func (s *HTTPServer) writePump(ws *websocket.Conn, conn *Conn, session Session) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = ws.Close()
	}()

	var expiry <-chan time.Time
	if !session.ExpiresAt.IsZero() {
		timer := time.NewTimer(time.Until(session.ExpiresAt))
		defer timer.Stop()
		expiry = timer.C
	}

	for {
		select {
		case message := <-conn.Send():
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
				s.log.Debug().Err(err).Str("conn", conn.ID).Msg("websocket write failed")
				s.service.Hub().Leave(conn)
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.service.Hub().Leave(conn)
				return
			}
		case <-expiry:
			s.service.Hub().Leave(conn)
			s.closeWith(ws, websocket.ClosePolicyViolation, "credential expired")
			return
		case <-conn.Done():
			s.closeWith(ws, websocket.ClosePolicyViolation, "disconnected")
			return
		}
	}
}

func (s *HTTPServer) closeWith(ws *websocket.Conn, code int, reason string) {
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
}
