package relay

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/astromechza/wikisync/pkg/identity"
	"github.com/astromechza/wikisync/pkg/protocol"
)

// conn is one client socket in a room. readPump is the only reader and writePump the only writer.
type conn struct {
	id     string
	who    identity.Identity
	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger

	pingInterval time.Duration
	writeTimeout time.Duration

	// clientIDs are the awareness client ids published over this connection, guarded by the room lock.
	clientIDs map[string]struct{}
}

func (c *conn) enqueue(msg protocol.Message) {
	select {
	case <-c.done:
	case c.send <- msg.Marshal():
	default:
		c.logger.Warn("closing slow connection")
		c.close()
	}
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *conn) readPump(handle func(protocol.Message)) {
	defer c.close()
	c.ws.SetReadLimit(64 << 20)
	_ = c.ws.SetReadDeadline(time.Now().Add(2 * c.pingInterval))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(2 * c.pingInterval))
	})
	for {
		mt, p, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("connection dropped", "err", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(2 * c.pingInterval))
		if mt != websocket.BinaryMessage {
			continue
		}
		msg, err := protocol.Unmarshal(p)
		if err != nil {
			c.logger.Error("ignoring malformed message", "err", err)
			continue
		}
		handle(msg)
	}
}

func (c *conn) writePump() {
	ping := time.NewTicker(c.pingInterval)
	defer func() {
		ping.Stop()
		c.close()
	}()
	for {
		select {
		case b := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
				c.logger.Error("failed to write message", "err", err)
				return
			}
		case <-ping.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
