package transport

import (
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/wikisync/pkg/document"
	"github.com/astromechza/wikisync/pkg/identity"
	"github.com/astromechza/wikisync/pkg/relay"
)

// trackingListener remembers accepted connections so a test can cut them like a network drop would.
type trackingListener struct {
	net.Listener
	mu    sync.Mutex
	conns []net.Conn
}

func (l *trackingListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err == nil {
		l.mu.Lock()
		l.conns = append(l.conns, c)
		l.mu.Unlock()
	}
	return c, err
}

func (l *trackingListener) drop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range l.conns {
		_ = c.Close()
	}
	l.conns = nil
}

func startRelay(t *testing.T, opts relay.Options) (string, *trackingListener) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	tl := &trackingListener{Listener: ln}
	hub := relay.NewHub(opts)
	srv := &httptest.Server{
		Listener: tl,
		Config: &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hub.ServeRoom(w, r, "page")
		})},
	}
	srv.Start()
	t.Cleanup(srv.Close)
	return "ws://" + ln.Addr().String() + "/rooms/page/sync", tl
}

type recorder struct {
	mu     sync.Mutex
	events []StatusEvent
}

func (r *recorder) record(ev StatusEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) count(s Status) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Status == s {
			n++
		}
	}
	return n
}

func (r *recorder) last() StatusEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return StatusEvent{}
	}
	return r.events[len(r.events)-1]
}

func testConfig(url string) Config {
	cfg := DefaultConfig()
	cfg.URL = url
	cfg.InitialInterval = 20 * time.Millisecond
	cfg.MaxInterval = 100 * time.Millisecond
	cfg.RandomizationFactor = 0
	cfg.ResyncInterval = 0
	return cfg
}

func startClient(t *testing.T, store *document.Store, cfg Config) (*Client, *recorder) {
	t.Helper()
	rec := &recorder{}
	c := New(store, cfg)
	c.OnStatus(rec.record)
	c.Start()
	t.Cleanup(func() { _ = c.Close() })
	return c, rec
}

func newStore(t *testing.T) *document.Store {
	t.Helper()
	s, err := document.New("", nil)
	require.NoError(t, err)
	return s
}

func TestClient_syncsTwoReplicas(t *testing.T) {
	url, _ := startRelay(t, relay.Options{})
	alice, bob := newStore(t), newStore(t)
	ca, _ := startClient(t, alice, testConfig(url))
	cb, _ := startClient(t, bob, testConfig(url))
	require.Eventually(t, func() bool {
		return ca.Status() == StatusSynced && cb.Status() == StatusSynced
	}, 5*time.Second, 10*time.Millisecond)

	_, err := alice.ApplyLocal(document.InsertBlock(0, document.Paragraph("hi bob")))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return bob.Snapshot() == "<p>hi bob</p>" }, 5*time.Second, 10*time.Millisecond)

	_, err = bob.ApplyLocal(document.InsertText(0, 2, ","))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return alice.Snapshot() == "<p>hi, bob</p>" }, 5*time.Second, 10*time.Millisecond)
}

func TestClient_initialSyncFlag(t *testing.T) {
	url, tl := startRelay(t, relay.Options{})
	_, rec := startClient(t, newStore(t), testConfig(url))
	require.Eventually(t, func() bool { return rec.count(StatusSynced) == 1 }, 5*time.Second, 10*time.Millisecond)
	require.True(t, rec.last().Initial)

	tl.drop()
	require.Eventually(t, func() bool { return rec.count(StatusSynced) == 2 }, 5*time.Second, 10*time.Millisecond)
	require.False(t, rec.last().Initial)
	require.GreaterOrEqual(t, rec.count(StatusDisconnected), 1)
}

func TestClient_offlineEditsArriveAfterReconnect(t *testing.T) {
	url, tl := startRelay(t, relay.Options{})
	alice, bob := newStore(t), newStore(t)
	ca, arec := startClient(t, alice, testConfig(url))
	_, _ = startClient(t, bob, testConfig(url))
	require.Eventually(t, func() bool { return ca.Status() == StatusSynced }, 5*time.Second, 10*time.Millisecond)

	tl.drop()
	// edits made while the link is down are not queued, the next handshake carries them
	_, err := alice.ApplyLocal(document.InsertBlock(0, document.Paragraph("written offline")))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return arec.count(StatusSynced) >= 2 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return bob.Snapshot() == "<p>written offline</p>" }, 5*time.Second, 10*time.Millisecond)
}

func TestClient_failsAfterRetries(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	cfg := testConfig("ws://" + addr + "/rooms/page/sync")
	cfg.MaxAttempts = 2
	c, rec := startClient(t, newStore(t), cfg)
	require.Eventually(t, func() bool { return c.Status() == StatusFailed }, 5*time.Second, 10*time.Millisecond)
	require.ErrorIs(t, rec.last().Err, ErrRetriesExhausted)
	require.Equal(t, 2, rec.count(StatusConnecting))
	require.Equal(t, 1, rec.count(StatusDisconnected))

	require.NoError(t, c.Close())
	require.Equal(t, StatusFailed, c.Status())
}

func TestClient_permissionDenied(t *testing.T) {
	url, _ := startRelay(t, relay.Options{Authenticator: identity.Authenticator{Issuer: identity.NewIssuer("s3cret", time.Hour)}})
	c, rec := startClient(t, newStore(t), testConfig(url))
	require.Eventually(t, func() bool { return c.Status() == StatusFailed }, 5*time.Second, 10*time.Millisecond)
	require.ErrorIs(t, rec.last().Err, ErrPermissionDenied)
	require.Zero(t, rec.count(StatusDisconnected))
}

func TestClient_tokenAccepted(t *testing.T) {
	issuer := identity.NewIssuer("s3cret", time.Hour)
	url, _ := startRelay(t, relay.Options{Authenticator: identity.Authenticator{Issuer: issuer}})
	token, err := issuer.Issue(identity.Identity{UserID: "u-1", DisplayName: "Ada"})
	require.NoError(t, err)
	cfg := testConfig(url)
	cfg.Token = token
	c, _ := startClient(t, newStore(t), cfg)
	require.Eventually(t, func() bool { return c.Status() == StatusSynced }, 5*time.Second, 10*time.Millisecond)
}

func TestClient_close(t *testing.T) {
	url, _ := startRelay(t, relay.Options{})
	c, _ := startClient(t, newStore(t), testConfig(url))
	require.Eventually(t, func() bool { return c.Status() == StatusSynced }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, c.Close())
	require.Equal(t, StatusClosed, c.Status())

	unstarted := New(newStore(t), testConfig(url))
	require.NoError(t, unstarted.Close())
	require.Equal(t, StatusClosed, unstarted.Status())
}

func TestConfig_backoffIsCappedAndBounded(t *testing.T) {
	cfg := Config{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     400 * time.Millisecond,
		Multiplier:      2,
		MaxAttempts:     5,
	}.withDefaults()
	b := cfg.newBackOff()
	var delays []time.Duration
	for {
		d := b.NextBackOff()
		if d == backoff.Stop {
			break
		}
		delays = append(delays, d)
	}
	require.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		400 * time.Millisecond,
	}, delays)

	b.Reset()
	require.Equal(t, 100*time.Millisecond, b.NextBackOff())
}

func TestConfig_dialURL(t *testing.T) {
	c := New(newStore(t), Config{URL: "http://localhost:8080/rooms/p/sync", UserID: "u", UserName: "Ada L"})
	target, header, err := c.dialURL()
	require.NoError(t, err)
	require.Equal(t, "ws://localhost:8080/rooms/p/sync?userId=u&userName=Ada+L", target)
	require.Empty(t, header.Get("Authorization"))

	c = New(newStore(t), Config{URL: "https://wiki.example/rooms/p/sync", Token: "t0k"})
	target, header, err = c.dialURL()
	require.NoError(t, err)
	require.Equal(t, "wss://wiki.example/rooms/p/sync", target)
	require.Equal(t, "Bearer t0k", header.Get("Authorization"))
}
