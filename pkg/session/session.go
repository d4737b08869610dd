// Package session binds one page to one local user: it owns the replica, its connection to the relay, the
// undo stacks, presence and the persistence bridge, and drives them from a single phase machine.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/astromechza/wikisync/pkg/awareness"
	"github.com/astromechza/wikisync/pkg/document"
	"github.com/astromechza/wikisync/pkg/identity"
	"github.com/astromechza/wikisync/pkg/persist"
	"github.com/astromechza/wikisync/pkg/transport"
	"github.com/astromechza/wikisync/pkg/undo"
)

var ErrClosed = errors.New("session closed")

const (
	DefaultSettleWindow = 500 * time.Millisecond
	DefaultLinger       = time.Second
)

// Storage provides the seed content of a page and receives its persisted content.
type Storage interface {
	PageContent(ctx context.Context, pageID string) (string, error)
	SavePageContent(ctx context.Context, pageID, content string) error
}

type Config struct {
	PageID string
	// ServerURL is the base url of the relay, the room url is derived from it.
	ServerURL string
	Identity  identity.Identity
	Token     string
	// Replica is the actor id of the local replica, random when empty.
	Replica string

	// Transport tunes the connection. URL and identity fields are filled in by the session.
	Transport transport.Config

	Quiescence       time.Duration
	CaptureTimeout   time.Duration
	SettleWindow     time.Duration
	AwarenessTimeout time.Duration
	// Linger is how long a released session waits for a new Acquire before it unloads.
	Linger time.Duration

	Logger *slog.Logger
}

type listener struct {
	id uint64
	fn func(Event)
}

type Session struct {
	cfg     Config
	logger  *slog.Logger
	storage Storage

	store    *document.Store
	client   *transport.Client
	tracker  *undo.Tracker
	bridge   *persist.Bridge
	presence *awareness.Channel
	cancels  []func()

	// stored is what storage held when the session opened.
	stored string

	mu            sync.Mutex
	phase         Phase
	initialSynced bool
	composing     bool
	// deferred is set when a local change was held back from persistence.
	deferred bool
	settle   *time.Timer
	linger   *time.Timer
	refs     int

	subsMu  sync.Mutex
	subs    []listener
	nextSub uint64
}

// RoomURL returns the websocket endpoint of a page on a relay.
func RoomURL(serverURL, pageID string) string {
	return strings.TrimSuffix(serverURL, "/") + "/rooms/" + url.PathEscape(pageID) + "/sync"
}

// Open fetches the stored page, builds every component and starts connecting. The caller holds one
// reference, see Acquire and Release.
func Open(ctx context.Context, cfg Config, storage Storage) (*Session, error) {
	if cfg.PageID == "" {
		return nil, fmt.Errorf("page id is required")
	}
	if cfg.SettleWindow <= 0 {
		cfg.SettleWindow = DefaultSettleWindow
	}
	if cfg.Linger <= 0 {
		cfg.Linger = DefaultLinger
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("page", cfg.PageID)

	stored, err := storage.PageContent(ctx, cfg.PageID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch page content: %w", err)
	}

	store, err := document.New(cfg.Replica, logger)
	if err != nil {
		return nil, err
	}

	tcfg := cfg.Transport
	tcfg.URL = RoomURL(cfg.ServerURL, cfg.PageID)
	tcfg.Token = cfg.Token
	tcfg.UserID = cfg.Identity.UserID
	tcfg.UserName = cfg.Identity.DisplayName
	tcfg.Logger = logger

	s := &Session{
		cfg:      cfg,
		logger:   logger,
		storage:  storage,
		store:    store,
		client:   transport.New(store, tcfg),
		tracker:  undo.New(store, undo.Options{CaptureTimeout: cfg.CaptureTimeout, Logger: logger}),
		bridge:   persist.New(cfg.PageID, storage, persist.Options{Quiescence: cfg.Quiescence, Logger: logger}),
		presence: awareness.New(store.Replica(), awareness.Options{Timeout: cfg.AwarenessTimeout, Logger: logger}),
		stored:   stored,
		refs:     1,
	}
	s.bridge.MarkPersisted(stored)

	s.presence.Attach(s.client.SendAwareness)
	s.cancels = append(s.cancels,
		store.OnUpdate(s.onUpdate),
		s.client.OnStatus(s.onStatus),
		s.client.OnAwareness(func(payload []byte) {
			if err := s.presence.Apply(payload); err != nil {
				s.logger.Error("dropping awareness payload", "err", err)
			}
		}),
		s.presence.OnChange(func(states []awareness.Presence) {
			s.emit(Event{Kind: EventPresence, Presence: states})
		}),
	)
	s.presence.SetLocal(awareness.Presence{DisplayName: cfg.Identity.DisplayName})
	s.presence.Start()
	s.client.Start()
	return s, nil
}

// OnEvent registers fn for every future event. Callbacks run on engine goroutines and must not block.
func (s *Session) OnEvent(fn func(Event)) (cancel func()) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	s.nextSub++
	id := s.nextSub
	s.subs = append(s.subs, listener{id: id, fn: fn})
	return func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		s.subs = slices.DeleteFunc(s.subs, func(l listener) bool { return l.id == id })
	}
}

func (s *Session) emit(ev Event) {
	s.subsMu.Lock()
	subs := slices.Clone(s.subs)
	s.subsMu.Unlock()
	for _, l := range subs {
		l.fn(ev)
	}
}

func (s *Session) PageID() string {
	return s.cfg.PageID
}

func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// setPhase moves to p unless the session is closed.
func (s *Session) setPhase(p Phase, err error) {
	s.mu.Lock()
	if s.phase == PhaseClosed || s.phase == p {
		s.mu.Unlock()
		return
	}
	s.phase = p
	s.mu.Unlock()
	s.emit(Event{Kind: EventPhase, Phase: p, Err: err})
}

func (s *Session) onStatus(ev transport.StatusEvent) {
	switch ev.Status {
	case transport.StatusConnecting:
		s.setPhase(PhaseConnecting, nil)
	case transport.StatusHandshaking:
		s.setPhase(PhaseHandshaking, nil)
	case transport.StatusSynced:
		s.synced(ev.Initial)
	case transport.StatusDisconnected:
		s.stopSettle()
		s.presence.ClearRemote()
		s.setPhase(PhaseDisconnected, ev.Err)
	case transport.StatusFailed:
		s.stopSettle()
		s.presence.ClearRemote()
		s.setPhase(PhaseFailed, ev.Err)
		s.emit(Event{Kind: EventError, Err: ev.Err})
	}
}

// needsSeed decides whether the handshake left the document empty enough to be filled from storage.
func needsSeed(store *document.Store) bool {
	if store.IsEmpty() {
		return true
	}
	snap := store.Snapshot()
	return snap == "" || snap == "<p></p>" || len(snap) < 10
}

func (s *Session) synced(initial bool) {
	if initial && s.stored != "" && needsSeed(s.store) {
		if err := s.store.Seed(s.stored); err != nil {
			s.logger.Error("failed to seed from storage", "err", err)
			s.emit(Event{Kind: EventError, Err: fmt.Errorf("failed to seed: %w", err)})
		} else {
			s.logger.Info("seeded from storage", "bytes", len(s.stored))
			s.emit(Event{Kind: EventSeeded})
		}
	}

	s.mu.Lock()
	if s.phase == PhaseClosed {
		s.mu.Unlock()
		return
	}
	s.initialSynced = true
	s.phase = PhaseSettling
	if s.settle != nil {
		s.settle.Stop()
	}
	s.settle = time.AfterFunc(s.cfg.SettleWindow, s.settled)
	s.mu.Unlock()

	s.emit(Event{Kind: EventPhase, Phase: PhaseSettling})
	s.presence.Resend()
}

func (s *Session) settled() {
	s.setPhaseFrom(PhaseSettling, PhaseSynced)
	s.flushDeferred()
}

// setPhaseFrom moves from one phase to another only if the session is still in the first.
func (s *Session) setPhaseFrom(from, to Phase) {
	s.mu.Lock()
	if s.phase != from {
		s.mu.Unlock()
		return
	}
	s.phase = to
	s.mu.Unlock()
	s.emit(Event{Kind: EventPhase, Phase: to})
}

func (s *Session) stopSettle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settle != nil {
		s.settle.Stop()
		s.settle = nil
	}
}

// persistReadyLocked reports whether a local change may go to the bridge right now.
func (s *Session) persistReadyLocked() bool {
	return s.initialSynced && !s.composing && s.phase != PhaseSettling && s.phase != PhaseClosed
}

func (s *Session) onUpdate(u document.Update) {
	s.emit(Event{Kind: EventChange, Origin: u.Origin})
	if !u.Origin.Persistable() {
		return
	}
	s.mu.Lock()
	ready := s.persistReadyLocked()
	if !ready {
		s.deferred = true
	}
	s.mu.Unlock()
	if ready {
		s.bridge.NotifyLocalChange(s.store.Snapshot())
	}
}

func (s *Session) flushDeferred() {
	s.mu.Lock()
	ready := s.deferred && s.persistReadyLocked()
	if ready {
		s.deferred = false
	}
	s.mu.Unlock()
	if ready {
		s.bridge.NotifyLocalChange(s.store.Snapshot())
	}
}

// Apply applies local edits. They take effect immediately and are sent once connected.
func (s *Session) Apply(ops ...document.EditOp) ([]document.EditOp, error) {
	if s.Phase() == PhaseClosed {
		return nil, ErrClosed
	}
	return s.store.ApplyLocal(ops...)
}

func (s *Session) Snapshot() string {
	return s.store.Snapshot()
}

func (s *Session) Blocks() []document.Block {
	return s.store.Blocks()
}

// Document exposes the replica for reading. Mutations must go through the session.
func (s *Session) Document() *document.Store {
	return s.store
}

func (s *Session) Undo() (bool, error) {
	return s.tracker.Undo()
}

func (s *Session) Redo() (bool, error) {
	return s.tracker.Redo()
}

func (s *Session) UndoAll() (int, error) {
	return s.tracker.UndoAll()
}

func (s *Session) CanUndo() bool {
	return s.tracker.CanUndo()
}

func (s *Session) CanRedo() bool {
	return s.tracker.CanRedo()
}

// StopCapturing closes the current undo frame, e.g. after a toolbar action.
func (s *Session) StopCapturing() {
	s.tracker.StopCapturing()
}

func (s *Session) SetCursor(cursor *awareness.Cursor) {
	s.presence.SetCursor(cursor)
}

// Presence lists everyone in the page including the local user.
func (s *Session) Presence() []awareness.Presence {
	return s.presence.States()
}

// BeginComposition holds local changes back from persistence until EndComposition.
func (s *Session) BeginComposition() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.composing = true
}

func (s *Session) EndComposition() {
	s.mu.Lock()
	s.composing = false
	s.mu.Unlock()
	s.flushDeferred()
}

// Acquire takes another reference, cancelling a pending linger.
func (s *Session) Acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseClosed {
		return ErrClosed
	}
	s.refs++
	if s.linger != nil {
		s.linger.Stop()
		s.linger = nil
	}
	return nil
}

// Release drops a reference. When none are left the session unloads after the linger period unless it is
// acquired again first.
func (s *Session) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs > 0 {
		s.refs--
	}
	if s.refs > 0 || s.phase == PhaseClosed || s.linger != nil {
		return
	}
	s.linger = time.AfterFunc(s.cfg.Linger, s.lingerExpired)
}

func (s *Session) lingerExpired() {
	s.mu.Lock()
	if s.refs > 0 || s.linger == nil {
		s.mu.Unlock()
		return
	}
	s.linger = nil
	s.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), persist.DefaultTimeout)
	defer cancel()
	if err := s.Unload(ctx); err != nil {
		s.logger.Error("failed to unload released session", "err", err)
	}
}

// Unload writes any held back or pending content to storage and closes the session, whatever the number of
// references.
func (s *Session) Unload(ctx context.Context) error {
	s.mu.Lock()
	if s.phase == PhaseClosed {
		s.mu.Unlock()
		return nil
	}
	pending := s.deferred && s.initialSynced
	s.deferred = false
	s.composing = false
	s.mu.Unlock()
	if pending {
		s.bridge.NotifyLocalChange(s.store.Snapshot())
	}
	flushErr := s.bridge.Flush(ctx)
	return errors.Join(flushErr, s.Close())
}

// Close tears the session down: timers are cancelled, pending persistence is dropped, the local presence is
// withdrawn and the connection closed.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.phase == PhaseClosed {
		s.mu.Unlock()
		return nil
	}
	s.phase = PhaseClosed
	for _, t := range []*time.Timer{s.settle, s.linger} {
		if t != nil {
			t.Stop()
		}
	}
	s.settle, s.linger = nil, nil
	s.mu.Unlock()

	s.bridge.Stop()
	s.presence.ClearLocal()
	s.presence.Stop()
	err := s.client.Close()
	s.tracker.Close()
	for _, cancel := range s.cancels {
		cancel()
	}
	s.emit(Event{Kind: EventPhase, Phase: PhaseClosed})
	s.logger.Info("session closed")
	return err
}
