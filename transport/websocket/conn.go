package websocket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	apperrors "match-lab/errors"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4096
)

// Conn adapts a gorilla connection to the send-capable handle the runtime
// expects. Gorilla allows a single concurrent writer, so Send enqueues into
// a buffered channel drained by one write pump goroutine.
type Conn struct {
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func NewConn(ws *websocket.Conn, bufferSize int) *Conn {
	c := &Conn{
		ws:   ws,
		send: make(chan []byte, bufferSize),
		done: make(chan struct{}),
	}
	go c.writePump()
	return c
}

// Send enqueues a payload without blocking. A full buffer means the peer has
// stopped draining; the payload is refused and the pump's ping/pong deadline
// will close the connection shortly after.
func (c *Conn) Send(payload []byte) error {
	select {
	case <-c.done:
		return apperrors.ErrNotConnected
	case c.send <- payload:
		return nil
	default:
		return apperrors.ErrSendBufferFull
	}
}

func (c *Conn) Close() error {
	c.once.Do(func() { close(c.done) })
	return c.ws.Close()
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
