package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleResumeWS serves the same resume as handleResume over a WebSocket.
// Each event is one text frame holding its JSON envelope with seq. Browsers
// cannot set headers on the handshake, so the session token may also come
// from the token query parameter.
func (s *Server) handleResumeWS(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Coordinator.Configured() {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if tok := r.URL.Query().Get("token"); tok != "" && r.Header.Get("Authorization") == "" {
		r.Header.Set("Authorization", "Bearer "+tok)
	}
	req, err := s.resumeRequest(r)
	if err != nil {
		s.writeError(w, r, err, "stream")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	res, err := s.cfg.Coordinator.Resume(ctx, req)
	if err != nil {
		s.writeError(w, r, err, "stream")
		return
	}

	h := http.Header{}
	h.Set("X-Stream-Id", res.StreamID)
	h.Set("X-Start-From-Id", strconv.FormatInt(res.From, 10))
	h.Set("X-Resume-Mode", res.Mode.String())
	conn, err := upgrader.Upgrade(w, r, h)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	s.cfg.Metrics.StreamConnections.Inc()
	defer s.cfg.Metrics.StreamConnections.Dec()

	// The read loop only watches for the peer going away.
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Debug("websocket read error", "err", err)
				}
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	items := pump(ctx, res.Events)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case it, ok := <-items:
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream finished")
				conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
				return
			}
			if it.err != nil {
				s.logger.Warn("websocket stream interrupted", "chat", req.ChatID, "err", it.err)
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(it.ev); err != nil {
				s.logger.Debug("websocket write failed", "err", err)
				return
			}
		}
	}
}
