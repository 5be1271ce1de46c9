package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	readTimeout  = 60 * time.Second
	writeTimeout = 5 * time.Second
	pingInterval = 30 * time.Second

	// Outbound frame buffer. At the 20 Hz broadcast rate this is about
	// three seconds of backlog before a slow client is cut loose.
	outBufFrames = 64
)

var (
	errConnClosing    = errors.New("connection closing")
	errSendBufferFull = errors.New("send buffer full")
)

// clientConn adapts one websocket to the server's ClientConn seam. All
// writes funnel through writePump; Send only enqueues and never blocks,
// so a stalled peer cannot stall a broadcast.
type clientConn struct {
	session string
	ws      *websocket.Conn

	out     chan []byte
	closing chan struct{}
	once    sync.Once

	mu     sync.Mutex
	reason string
}

func newClientConn(ws *websocket.Conn) *clientConn {
	return &clientConn{
		session: uuid.NewString(),
		ws:      ws,
		out:     make(chan []byte, outBufFrames),
		closing: make(chan struct{}),
	}
}

func (c *clientConn) SessionID() string  { return c.session }
func (c *clientConn) RemoteAddr() string { return c.ws.RemoteAddr().String() }

func (c *clientConn) Send(frame []byte) error {
	select {
	case c.out <- frame:
		return nil
	case <-c.closing:
		return errConnClosing
	default:
		return errSendBufferFull
	}
}

// Close tells the pump to drain buffered frames, send a close frame
// carrying reason, and stop. Safe to call from any goroutine, any
// number of times.
func (c *clientConn) Close(reason string) {
	c.once.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		close(c.closing)
	})
}

func (c *clientConn) closeReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// writePump is the only goroutine that writes data frames. It pings on
// an interval so idle but healthy clients survive the read deadline,
// and it force-closes the socket on write failure so the reader
// unblocks immediately.
func (c *clientConn) writePump(done chan<- struct{}) {
	defer close(done)
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case frame := <-c.out:
			if !c.write(frame) {
				return
			}
		case <-ping.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				_ = c.ws.Close()
				return
			}
		case <-c.closing:
			c.drainAndClose()
			return
		}
	}
}

func (c *clientConn) write(frame []byte) bool {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		_ = c.ws.Close()
		return false
	}
	return true
}

func (c *clientConn) drainAndClose() {
	for {
		select {
		case frame := <-c.out:
			if !c.write(frame) {
				return
			}
		default:
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, c.closeReason())
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
			return
		}
	}
}
