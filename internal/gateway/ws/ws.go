// Package ws authenticates WebSocket handshakes at the gateway. The
// credential rides in the Authorization header or, for browser clients that
// cannot set one, in a "bearer.<token>" subprotocol. Query strings are never
// consulted: URLs end up in access logs.
package ws

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/copperline/gatehouse/internal/gateway/gate"
	"github.com/copperline/gatehouse/pkg/httpx"
	"github.com/copperline/gatehouse/pkg/jwtx"
	"github.com/copperline/gatehouse/pkg/slogx"
)

const (
	bearerSubprotocol = "bearer."

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 32 * 1024
)

// Handler upgrades authenticated requests into echo sessions.
type Handler struct {
	gate     *gate.Gate
	upgrader websocket.Upgrader
}

func New(g *gate.Gate) *Handler {
	return &Handler{
		gate: g,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// ServeHTTP authenticates and upgrades. Rejections happen before the
// upgrade so an unauthenticated client never holds a socket.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, viaSubprotocol := credential(r)
	if raw == "" {
		httpx.WriteBearerError(w, "missing bearer token")
		return
	}

	id, err := h.gate.Authenticate(r.Context(), raw, jwtx.ClassAccess)
	if err != nil {
		if reason, ok := gate.RejectionReason(err); ok && reason == gate.ReasonUnavailable {
			httpx.WriteError(w, http.StatusServiceUnavailable, "temporarily_unavailable", "try again later")
			return
		}
		httpx.WriteBearerError(w, "invalid or revoked token")
		return
	}

	var header http.Header
	if viaSubprotocol {
		// Echo the credential subprotocol back so strict clients accept the
		// negotiation.
		header = http.Header{"Sec-WebSocket-Protocol": {bearerSubprotocol + raw}}
	}

	conn, err := h.upgrader.Upgrade(w, r, header)
	if err != nil {
		// Upgrade already wrote the error response.
		slogx.FromContext(r.Context()).Warn("websocket upgrade failed",
			slogx.Err(err),
		)
		return
	}

	s := &session{
		conn:    conn,
		subject: id.Subject,
		log: slogx.FromContext(r.Context()).With(
			slog.String("subject", id.Subject),
		),
	}
	s.log.Info("websocket session opened")
	s.run()
}

// credential extracts the raw token from the handshake. The second return
// reports whether it arrived via the subprotocol list.
func credential(r *http.Request) (string, bool) {
	if raw, ok := httpx.BearerToken(r); ok {
		return raw, false
	}
	for _, proto := range websocket.Subprotocols(r) {
		if strings.HasPrefix(proto, bearerSubprotocol) {
			return strings.TrimPrefix(proto, bearerSubprotocol), true
		}
	}
	return "", false
}

// session is a single authenticated echo connection. Gorilla permits one
// concurrent writer, so every write goes through writeMu.
type session struct {
	conn    *websocket.Conn
	subject string
	log     *slog.Logger

	writeMu sync.Mutex
}

func (s *session) run() {
	defer func() {
		s.conn.Close()
		s.log.Info("websocket session closed")
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	stop := make(chan struct{})
	defer close(stop)
	go s.pingLoop(stop)

	for {
		msgType, payload, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn("websocket read failed", slogx.Err(err))
			}
			return
		}
		if err := s.write(msgType, payload); err != nil {
			s.log.Warn("websocket write failed", slogx.Err(err))
			return
		}
	}
}

func (s *session) pingLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.writeControl(websocket.PingMessage); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

func (s *session) write(msgType int, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(msgType, payload)
}

func (s *session) writeControl(msgType int) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(msgType, nil)
}
