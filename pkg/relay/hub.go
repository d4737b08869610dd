package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/astromechza/wikisync/pkg/document"
	"github.com/astromechza/wikisync/pkg/identity"
	"github.com/astromechza/wikisync/pkg/protocol"
)

var ErrHubClosed = errors.New("hub closed")

// Authenticator resolves the identity behind an upgrade request.
type Authenticator interface {
	Authenticate(r *http.Request) (identity.Identity, error)
}

type Options struct {
	// Store keeps rooms between restarts. Rooms are memory only when nil.
	Store RoomStore
	// Broker shares rooms with other relay instances when set.
	Broker        Broker
	Authenticator Authenticator
	Logger        *slog.Logger
	SendBuffer    int
	PingInterval  time.Duration
	WriteTimeout  time.Duration
}

// Hub owns the active rooms of one relay instance. A room is loaded when its first client joins and is saved and
// evicted when its last client leaves.
type Hub struct {
	opts     Options
	logger   *slog.Logger
	upgrader websocket.Upgrader

	// mu serialises joining and evicting so a room is never loaded twice.
	mu     sync.Mutex
	rooms  *sync.Map
	closed bool
}

func NewHub(opts Options) *Hub {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Authenticator == nil {
		opts.Authenticator = identity.Authenticator{}
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 15 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	return &Hub{
		opts:   opts,
		logger: opts.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		rooms: new(sync.Map),
	}
}

// ServeRoom upgrades the request and relays the socket into room until it closes.
func (h *Hub) ServeRoom(w http.ResponseWriter, r *http.Request, name string) {
	who, authErr := h.opts.Authenticator.Authenticate(r)
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("failed to upgrade", "room", name, "err", err)
		return
	}
	if authErr != nil {
		h.logger.Warn("rejected connection", "room", name, "err", authErr)
		_ = ws.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
		_ = ws.WriteMessage(websocket.BinaryMessage, protocol.Auth("permission-denied").Marshal())
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "permission denied"), time.Now().Add(h.opts.WriteTimeout))
		// wait for the close reply so the denial is not lost to a reset
		_ = ws.SetReadDeadline(time.Now().Add(h.opts.WriteTimeout))
		for {
			if _, _, err := ws.NextReader(); err != nil {
				break
			}
		}
		_ = ws.Close()
		return
	}

	c := &conn{
		id:           uuid.NewString(),
		who:          who,
		ws:           ws,
		send:         make(chan []byte, h.opts.SendBuffer),
		done:         make(chan struct{}),
		pingInterval: h.opts.PingInterval,
		writeTimeout: h.opts.WriteTimeout,
		clientIDs:    make(map[string]struct{}),
	}
	c.logger = h.logger.With("room", name, "conn", c.id, "user", who.UserID)

	rm, err := h.join(r.Context(), name, c)
	if err != nil {
		c.logger.Error("failed to join room", "err", err)
		_ = ws.Close()
		return
	}
	c.logger.Info("joined")
	go c.writePump()
	c.readPump(func(msg protocol.Message) {
		rm.handle(c, msg)
	})
	h.leave(rm, c)
	c.logger.Info("left")
}

func (h *Hub) join(ctx context.Context, name string, c *conn) (*room, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	if raw, ok := h.rooms.Load(name); ok {
		rm := raw.(*room)
		rm.add(c)
		return rm, nil
	}
	store, err := h.loadStore(ctx, name)
	if err != nil {
		return nil, err
	}
	rm := newRoom(context.WithoutCancel(ctx), name, store, h.opts.Broker, h.logger)
	rm.add(c)
	h.rooms.Store(name, rm)
	h.logger.Info("opened room", "room", name, "heads", store.Heads())
	return rm, nil
}

func (h *Hub) loadStore(ctx context.Context, name string) (*document.Store, error) {
	logger := h.logger.With("room", name)
	if h.opts.Store != nil {
		raw, found, err := h.opts.Store.LoadRoom(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("failed to load room: %w", err)
		}
		if found {
			return document.Load(raw, "", logger)
		}
	}
	return document.New("", logger)
}

func (h *Hub) leave(rm *room, c *conn) {
	rm.remove(c)
	h.mu.Lock()
	defer h.mu.Unlock()
	if !rm.empty() {
		return
	}
	h.rooms.Delete(rm.name)
	rm.close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.save(ctx, rm); err != nil {
		h.logger.Error("failed to save evicted room", "room", rm.name, "err", err)
	}
	h.logger.Info("evicted room", "room", rm.name)
}

func (h *Hub) save(ctx context.Context, rm *room) error {
	if h.opts.Store == nil || !rm.dirty.Swap(false) {
		return nil
	}
	changed, err := h.opts.Store.SaveRoom(ctx, rm.name, rm.store.Save())
	if err != nil {
		rm.dirty.Store(true)
		return err
	}
	if changed {
		h.logger.Info("backed up", "room", rm.name, "heads", rm.store.Heads())
	}
	return nil
}

// Backup saves every active room that changed since its last save.
func (h *Hub) Backup(ctx context.Context) error {
	var errs []error
	h.rooms.Range(func(_, raw any) bool {
		if err := h.save(ctx, raw.(*room)); err != nil {
			errs = append(errs, err)
		}
		return true
	})
	return errors.Join(errs...)
}

// RunBackups calls Backup every interval until ctx is done.
func (h *Hub) RunBackups(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := h.Backup(ctx); err != nil {
				h.logger.Error("failed to backup rooms", "err", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Room returns the live document of an active room.
func (h *Hub) Room(name string) (*document.Store, bool) {
	raw, ok := h.rooms.Load(name)
	if !ok {
		return nil, false
	}
	return raw.(*room).store, true
}

// Document returns the live document of room, falling back to its saved copy when nobody is connected.
func (h *Hub) Document(ctx context.Context, name string) (*document.Store, bool, error) {
	if s, ok := h.Room(name); ok {
		return s, true, nil
	}
	if h.opts.Store == nil {
		return nil, false, nil
	}
	raw, found, err := h.opts.Store.LoadRoom(ctx, name)
	if err != nil || !found {
		return nil, false, err
	}
	s, err := document.Load(raw, "", h.logger.With("room", name))
	if err != nil {
		return nil, false, err
	}
	return s, true, nil
}

// Rooms lists the active room names in order.
func (h *Hub) Rooms() []string {
	var out []string
	h.rooms.Range(func(k, _ any) bool {
		out = append(out, k.(string))
		return true
	})
	sort.Strings(out)
	return out
}

// Close disconnects every client, waits for their rooms to be evicted and saves what remains.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.rooms.Range(func(_, raw any) bool {
		rm := raw.(*room)
		rm.mu.Lock()
		for c := range rm.conns {
			c.close()
		}
		rm.mu.Unlock()
		return true
	})
	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()
	for len(h.Rooms()) > 0 {
		select {
		case <-ctx.Done():
			return errors.Join(ctx.Err(), h.Backup(context.Background()))
		case <-t.C:
		}
	}
	return nil
}
