// Package transport keeps one replica connected to its room on the relay: it dials, runs the state vector
// handshake, streams local deltas out and remote deltas in, and reconnects with backoff when the link drops.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"github.com/astromechza/wikisync/pkg/document"
	"github.com/astromechza/wikisync/pkg/protocol"
)

// Document is the replica the client keeps in sync.
type Document interface {
	StateVector() (document.StateVector, error)
	Missing(remote document.StateVector) ([]byte, error)
	ApplyRemote(delta []byte, origin document.Origin) error
	OnUpdate(fn func(document.Update)) (cancel func())
}

type statusListener struct {
	id uint64
	fn func(StatusEvent)
}

type awarenessListener struct {
	id uint64
	fn func([]byte)
}

type Client struct {
	doc    Document
	cfg    Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	start  sync.Once

	mu            sync.Mutex
	status        Status
	everSynced    bool
	active        *connection
	statusSubs    []statusListener
	awarenessSubs []awarenessListener
	nextSub       uint64
}

func New(doc Document, cfg Config) *Client {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		doc:    doc,
		cfg:    cfg,
		logger: cfg.Logger.With("url", cfg.URL),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		status: StatusConnecting,
	}
}

func (c *Client) OnStatus(fn func(StatusEvent)) (cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSub++
	id := c.nextSub
	c.statusSubs = append(c.statusSubs, statusListener{id: id, fn: fn})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.statusSubs = slices.DeleteFunc(c.statusSubs, func(l statusListener) bool { return l.id == id })
	}
}

// OnAwareness registers fn for inbound awareness payloads.
func (c *Client) OnAwareness(fn func([]byte)) (cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSub++
	id := c.nextSub
	c.awarenessSubs = append(c.awarenessSubs, awarenessListener{id: id, fn: fn})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.awarenessSubs = slices.DeleteFunc(c.awarenessSubs, func(l awarenessListener) bool { return l.id == id })
	}
}

func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Client) setStatus(ev StatusEvent) {
	c.mu.Lock()
	if c.status.Terminal() {
		c.mu.Unlock()
		return
	}
	c.status = ev.Status
	subs := slices.Clone(c.statusSubs)
	c.mu.Unlock()
	c.logger.Info("transport status", "status", ev.Status, "attempt", ev.Attempt, "delay", ev.Delay, "err", ev.Err)
	for _, l := range subs {
		l.fn(ev)
	}
}

// SendAwareness publishes an awareness payload if a connection is open, otherwise it is dropped. Presence is
// re-sent after every reconnect so nothing is lost that matters.
func (c *Client) SendAwareness(payload []byte) {
	c.mu.Lock()
	conn := c.active
	c.mu.Unlock()
	if conn != nil {
		conn.enqueue(protocol.Awareness(payload))
	}
}

// Start begins connecting in the background. It is safe to call more than once.
func (c *Client) Start() {
	c.start.Do(func() {
		go func() {
			defer close(c.done)
			c.run()
		}()
	})
}

// Close stops the client, closes any open connection and waits for the background loop to exit.
func (c *Client) Close() error {
	c.cancel()
	c.start.Do(func() { close(c.done) })
	wait := c.cfg.WriteTimeout + time.Second
	select {
	case <-c.done:
	case <-time.After(wait):
		return fmt.Errorf("failed to stop transport within %s", wait)
	}
	c.setStatus(StatusEvent{Status: StatusClosed})
	return nil
}

func (c *Client) run() {
	policy := c.cfg.newBackOff()
	attempt := 0
	for {
		c.setStatus(StatusEvent{Status: StatusConnecting, Attempt: attempt + 1})
		synced, err := c.connectOnce()
		if c.ctx.Err() != nil {
			return
		}
		if errors.Is(err, ErrPermissionDenied) {
			c.setStatus(StatusEvent{Status: StatusFailed, Err: err})
			return
		}
		if synced {
			policy.Reset()
			attempt = 0
		}
		attempt++
		delay := policy.NextBackOff()
		if delay == backoff.Stop {
			c.setStatus(StatusEvent{Status: StatusFailed, Attempt: attempt, Err: fmt.Errorf("%w: %v", ErrRetriesExhausted, err)})
			return
		}
		c.setStatus(StatusEvent{Status: StatusDisconnected, Attempt: attempt, Delay: delay, Err: err})
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-c.ctx.Done():
			t.Stop()
			return
		}
	}
}

func (c *Client) dialURL() (string, http.Header, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", nil, fmt.Errorf("failed to parse url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	} else {
		q := u.Query()
		if c.cfg.UserID != "" {
			q.Set("userId", c.cfg.UserID)
		}
		if c.cfg.UserName != "" {
			q.Set("userName", c.cfg.UserName)
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), header, nil
}

// connectOnce runs a single connection until it ends. It reports whether the handshake completed.
func (c *Client) connectOnce() (bool, error) {
	target, header, err := c.dialURL()
	if err != nil {
		return false, err
	}
	ws, resp, err := c.cfg.Dialer.DialContext(c.ctx, target, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return false, fmt.Errorf("%w: status %d", ErrPermissionDenied, resp.StatusCode)
		}
		return false, fmt.Errorf("failed to dial: %w", err)
	}
	c.setStatus(StatusEvent{Status: StatusHandshaking})

	conn := newConnection(c.ctx, ws, c.cfg, c.logger)
	cancelUpdates := c.doc.OnUpdate(func(u document.Update) {
		if u.Origin.Kind != document.OriginRemote {
			conn.enqueue(protocol.Update(u.Delta))
		}
	})
	defer cancelUpdates()

	c.mu.Lock()
	c.active = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.active == conn {
			c.active = nil
		}
		c.mu.Unlock()
	}()

	go conn.writeLoop()
	// a read error is the usual way out, close makes sure the writer goes too
	defer conn.close()

	if err := c.sendStep1(conn); err != nil {
		return false, err
	}
	conn.enqueue(protocol.QueryAwareness())

	handshake := time.AfterFunc(c.cfg.HandshakeTimeout, func() {
		conn.fail(ErrHandshakeTimeout)
	})
	defer handshake.Stop()

	synced := false
	for {
		msg, err := conn.read()
		if err != nil {
			if cause := conn.cause(); cause != nil {
				err = cause
			}
			return synced, err
		}
		switch msg.Kind {
		case protocol.KindSync:
			switch msg.Step {
			case protocol.StepSyncStep1:
				sv, err := protocol.DecodeStateVector(msg.Payload)
				if err != nil {
					c.logger.Error("ignoring bad state vector", "err", err)
					continue
				}
				missing, err := c.doc.Missing(sv)
				if err != nil {
					return synced, fmt.Errorf("failed to compute missing changes: %w", err)
				}
				conn.enqueue(protocol.SyncStep2(missing))
			case protocol.StepSyncStep2, protocol.StepUpdate:
				c.applyRemote(msg)
				if msg.Step == protocol.StepSyncStep2 && !synced {
					synced = true
					handshake.Stop()
					if c.cfg.ResyncInterval > 0 {
						t := time.NewTicker(c.cfg.ResyncInterval)
						defer t.Stop()
						go c.resyncLoop(conn, t.C)
					}
					c.mu.Lock()
					initial := !c.everSynced
					c.everSynced = true
					c.mu.Unlock()
					c.setStatus(StatusEvent{Status: StatusSynced, Initial: initial})
				}
			}
		case protocol.KindAwareness:
			c.mu.Lock()
			subs := slices.Clone(c.awarenessSubs)
			c.mu.Unlock()
			for _, l := range subs {
				l.fn(msg.Payload)
			}
		case protocol.KindAuth:
			return synced, fmt.Errorf("%w: %s", ErrPermissionDenied, string(msg.Payload))
		}
	}
}

func (c *Client) applyRemote(msg protocol.Message) {
	origin := msg.Origin
	if origin == "" {
		origin = "relay"
	}
	if err := c.doc.ApplyRemote(msg.Payload, document.Remote(origin)); err != nil {
		c.logger.Error("dropping remote delta", "step", msg.Step, "err", err)
	}
}

func (c *Client) sendStep1(conn *connection) error {
	sv, err := c.doc.StateVector()
	if err != nil {
		return fmt.Errorf("failed to compute state vector: %w", err)
	}
	conn.enqueue(protocol.SyncStep1(sv))
	return nil
}

func (c *Client) resyncLoop(conn *connection, tick <-chan time.Time) {
	for {
		select {
		case <-tick:
			if err := c.sendStep1(conn); err != nil {
				c.logger.Error("failed to resync", "err", err)
			}
		case <-conn.done:
			return
		}
	}
}

// connection owns one websocket. Only writeLoop writes to the socket and only read reads from it.
type connection struct {
	ws     *websocket.Conn
	cfg    Config
	logger *slog.Logger
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	ctx    context.Context

	mu  sync.Mutex
	err error
}

func newConnection(ctx context.Context, ws *websocket.Conn, cfg Config, logger *slog.Logger) *connection {
	conn := &connection{
		ws:     ws,
		cfg:    cfg,
		logger: logger,
		send:   make(chan []byte, cfg.SendBuffer),
		done:   make(chan struct{}),
		ctx:    ctx,
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(2 * cfg.PingInterval))
	})
	return conn
}

func (c *connection) enqueue(msg protocol.Message) {
	select {
	case <-c.done:
	case c.send <- msg.Marshal():
	default:
		// the handshake on reconnect recovers anything dropped here
		c.fail(ErrSlowConsumer)
	}
}

func (c *connection) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	c.close()
}

func (c *connection) cause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *connection) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *connection) read() (protocol.Message, error) {
	for {
		if err := c.ws.SetReadDeadline(time.Now().Add(2 * c.cfg.PingInterval)); err != nil {
			return protocol.Message{}, err
		}
		mt, p, err := c.ws.ReadMessage()
		if err != nil {
			return protocol.Message{}, fmt.Errorf("failed to read message: %w", err)
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		msg, err := protocol.Unmarshal(p)
		if err != nil {
			c.logger.Error("ignoring malformed message", "err", err)
			continue
		}
		return msg, nil
	}
}

func (c *connection) writeLoop() {
	defer c.close()
	ping := time.NewTicker(c.cfg.PingInterval)
	defer ping.Stop()
	for {
		select {
		case b := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
				c.logger.Error("failed to write message", "err", err)
				return
			}
		case <-ping.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				c.logger.Error("failed to write ping", "err", err)
				return
			}
		case <-c.done:
			return
		case <-c.ctx.Done():
			_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		}
	}
}
