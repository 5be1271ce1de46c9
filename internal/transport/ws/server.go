// Package ws is the websocket transport: it upgrades connections,
// enforces the join handshake, and pumps frames between the socket and
// the sync server. One JSON message per text frame, both directions.
package ws

import (
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"overland.gg/internal/protocol"
	"overland.gg/internal/server"
)

type Server struct {
	srv *server.Server
	log *log.Logger

	handshakeTimeout time.Duration
	upgrader         websocket.Upgrader
}

func NewServer(srv *server.Server, logger *log.Logger, handshakeTimeout time.Duration) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if handshakeTimeout <= 0 {
		handshakeTimeout = 5 * time.Second
	}
	return &Server{
		srv:              srv,
		log:              logger,
		handshakeTimeout: handshakeTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		wsconn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer wsconn.Close()

		cc := newClientConn(wsconn)
		writerDone := make(chan struct{})
		go cc.writePump(writerDone)

		playerID, ok := s.handshake(cc)
		if !ok {
			cc.Close("handshake failed")
			<-writerDone
			return
		}

		wsconn.SetPongHandler(func(string) error {
			return wsconn.SetReadDeadline(time.Now().Add(readTimeout))
		})
		for {
			_ = wsconn.SetReadDeadline(time.Now().Add(readTimeout))
			_, msg, err := wsconn.ReadMessage()
			if err != nil {
				break
			}
			s.srv.HandleMessage(playerID, msg)
		}

		s.srv.Leave(playerID, "connection closed")
		cc.Close("connection closed")
		<-writerDone
	}
}

// handshake reads the first frame, which must be a join, and admits the
// connection. Admission replies (welcome and spawnpoints, or the error
// frame) are queued on cc by the server and flow out via the pump.
func (s *Server) handshake(cc *clientConn) (string, bool) {
	_ = cc.ws.SetReadDeadline(time.Now().Add(s.handshakeTimeout))
	_, msg, err := cc.ws.ReadMessage()
	if err != nil {
		return "", false
	}

	env, err := protocol.DecodeEnvelope(msg)
	if err != nil {
		_ = cc.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected join"),
			time.Now().Add(time.Second))
		return "", false
	}

	playerID, err := s.srv.Join(cc, env)
	if err != nil {
		s.log.Printf("reject %s: %v", cc.RemoteAddr(), err)
		return "", false
	}
	return playerID, true
}
