package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/astromechza/wikisync/pkg/document"
	"github.com/astromechza/wikisync/pkg/identity"
	"github.com/astromechza/wikisync/pkg/relay"
	"github.com/astromechza/wikisync/pkg/storage"
	"github.com/astromechza/wikisync/pkg/transport"
)

func newServer(t *testing.T, auth relay.Authenticator) (*httptest.Server, *relay.Hub) {
	t.Helper()
	pages, err := storage.OpenSQLiteStore(filepath.Join(t.TempDir(), "pages.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pages.Close() })
	rooms, err := relay.OpenBoltRoomStore(filepath.Join(t.TempDir(), "rooms.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = rooms.Close() })

	hub := relay.NewHub(relay.Options{Store: rooms})
	srv := httptest.NewServer(New(Options{Hub: hub, Pages: pages, Authenticator: auth}))
	t.Cleanup(srv.Close)
	return srv, hub
}

func TestPages_roundtripThroughClient(t *testing.T) {
	srv, _ := newServer(t, nil)
	c := storage.NewClient(srv.URL, "")
	ctx := context.Background()

	content, err := c.PageContent(ctx, "page-1")
	require.NoError(t, err)
	require.Empty(t, content)

	require.NoError(t, c.SavePageContent(ctx, "page-1", "<p>one</p>"))
	require.NoError(t, c.SavePageContent(ctx, "page-1", "<p>one</p>"))
	require.NoError(t, c.SavePageContent(ctx, "page-1", "<p>two</p>"))

	content, err = c.PageContent(ctx, "page-1")
	require.NoError(t, err)
	require.Equal(t, "<p>two</p>", content)

	resp, err := http.Get(srv.URL + "/pages/page-1/revisions")
	require.NoError(t, err)
	defer resp.Body.Close()
	var revs []storage.Revision
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&revs))
	require.Len(t, revs, 2)
}

func TestPages_postAndBadBody(t *testing.T) {
	srv, _ := newServer(t, nil)
	resp, err := http.Post(srv.URL+"/pages/p/content", "application/json", strings.NewReader(`{"content":"<p>x</p>"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/pages/p/content", "application/json", strings.NewReader(`{`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPages_requireToken(t *testing.T) {
	issuer := identity.NewIssuer("s3cret", time.Hour)
	srv, _ := newServer(t, identity.Authenticator{Issuer: issuer})

	_, err := storage.NewClient(srv.URL, "").PageContent(context.Background(), "p")
	require.ErrorContains(t, err, "status 401")

	token, err := issuer.Issue(identity.Identity{UserID: "u"})
	require.NoError(t, err)
	require.NoError(t, storage.NewClient(srv.URL, token).SavePageContent(context.Background(), "p", "<p>ok</p>"))
}

func TestRooms_debugEndpoints(t *testing.T) {
	srv, hub := newServer(t, nil)

	resp, err := http.Get(srv.URL + "/rooms/page-1/snapshot")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	store, err := document.New("", nil)
	require.NoError(t, err)
	cfg := transport.DefaultConfig()
	cfg.URL = srv.URL + "/rooms/page-1/sync"
	client := transport.New(store, cfg)
	client.Start()
	defer client.Close()
	require.Eventually(t, func() bool { return client.Status() == transport.StatusSynced }, 5*time.Second, 10*time.Millisecond)

	_, err = store.ApplyLocal(document.InsertBlock(0, document.Heading(2, "Hello")))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		room, ok := hub.Room("page-1")
		return ok && room.Snapshot() == "<h2>Hello</h2>"
	}, 5*time.Second, 10*time.Millisecond)

	resp, err = http.Get(srv.URL + "/rooms/page-1/snapshot")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, "<h2>Hello</h2>", string(body))

	resp, err = http.Get(srv.URL + "/rooms/page-1/latest")
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	loaded, err := document.Load(raw, "", nil)
	require.NoError(t, err)
	require.Equal(t, "<h2>Hello</h2>", loaded.Snapshot())

	resp, err = http.Get(srv.URL + "/rooms/page-1/history")
	require.NoError(t, err)
	body, err = io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Contains(t, string(body), "digraph")

	resp, err = http.Get(srv.URL + "/rooms")
	require.NoError(t, err)
	var rooms []string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rooms))
	resp.Body.Close()
	require.Equal(t, []string{"page-1"}, rooms)
}
