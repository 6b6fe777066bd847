package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vlaube/sessiond/internal/session"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// The socket is a local unix domain socket, so cross-origin checks do not
// apply.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// eventsHandler streams the session's ordered events over a websocket.
// The subscription ends when the client disconnects or the session is
// destroyed; session destruction closes the event channel and with it the
// connection.
func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		s.log.Warn("websocket upgrade failed", "session", sess.ID(), "err", err)
		return
	}
	defer conn.Close() //nolint:errcheck

	events, unsubscribe := sess.Subscribe()
	defer unsubscribe()

	// Reads are discarded; the loop exists to notice the peer going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				deadline := time.Now().Add(wsWriteWait)
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session destroyed"), deadline)
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			deadline := time.Now().Add(wsWriteWait)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}
