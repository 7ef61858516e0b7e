package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"procodus.dev/eems/internal/hub"
)

// handleWebSocket upgrades the request and runs a session until the peer
// goes away.
func (a *API) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		w.Header().Set("Upgrade", "websocket")
		a.writeError(w, http.StatusUpgradeRequired, "WebSocket upgrade required")
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied to the client.
		a.logger.Warn("websocket upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
		return
	}

	s := &session{api: a, conn: conn}
	s.run(r.Context(), r.RemoteAddr)
}

// session pairs one WebSocket connection with a hub subscription. The
// reader feeds the ingest handler, the writer drains the subscription.
type session struct {
	api    *API
	conn   *websocket.Conn
	sub    *hub.Subscription
	logger *slog.Logger
}

func (s *session) run(ctx context.Context, remoteAddr string) {
	s.sub = s.api.hub.Subscribe(hub.KindWebSocket)
	s.logger = s.api.logger.With("session_id", s.sub.ID, "remote_addr", remoteAddr)

	if m := s.api.metrics; m != nil {
		m.ActiveSessions.Inc()
		defer m.ActiveSessions.Dec()
	}
	s.logger.Info("session opened")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop()
	}()

	s.readLoop(ctx)

	s.api.hub.Unsubscribe(s.sub)
	<-writerDone
	_ = s.conn.Close()
	s.logger.Info("session closed")
}

func (s *session) readLoop(ctx context.Context) {
	s.conn.SetReadLimit(s.api.readLimit)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.pongWait()))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.pongWait()))
	})

	for {
		kind, frame, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				s.logger.Warn("session read failed", "error", err)
			}
			return
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.pongWait()))

		// Errors are logged by the handler; the session stays open.
		_, _ = s.api.ingest.HandleFrame(ctx, frame)
	}
}

func (s *session) writeLoop() {
	ticker := time.NewTicker(s.api.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-s.sub.C:
			if !ok {
				_ = s.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(s.api.writeTimeout))
				// Bound the wait for the peer's close reply.
				_ = s.conn.SetReadDeadline(time.Now().Add(s.api.writeTimeout))
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.api.writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.fail(err)
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.api.writeTimeout)); err != nil {
				s.fail(err)
				return
			}
		}
	}
}

// fail closes the connection so the reader returns and the session ends.
func (s *session) fail(err error) {
	if !errors.Is(err, websocket.ErrCloseSent) {
		s.logger.Warn("session write failed", "error", err)
	}
	_ = s.conn.Close()
}

func (s *session) pongWait() time.Duration {
	return 2 * s.api.pingInterval
}
