package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/wikisync/pkg/awareness"
	"github.com/astromechza/wikisync/pkg/document"
	"github.com/astromechza/wikisync/pkg/identity"
	"github.com/astromechza/wikisync/pkg/protocol"
)

func serve(t *testing.T, hub *Hub) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeRoom(w, r, "page")
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, msg protocol.Message) {
	t.Helper()
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, msg.Marshal()))
}

// next reads messages until one matches.
func next(t *testing.T, ws *websocket.Conn, match func(protocol.Message) bool) protocol.Message {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, p, err := ws.ReadMessage()
		require.NoError(t, err)
		msg, err := protocol.Unmarshal(p)
		require.NoError(t, err)
		if match(msg) {
			return msg
		}
	}
}

func isKind(k protocol.Kind) func(protocol.Message) bool {
	return func(m protocol.Message) bool { return m.Kind == k }
}

func isUpdate(m protocol.Message) bool {
	return m.Kind == protocol.KindSync && m.Step == protocol.StepUpdate
}

// joined waits until the relay has registered ws in its room.
func joined(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	send(t, ws, protocol.QueryAwareness())
	next(t, ws, isKind(protocol.KindAwareness))
}

func localEdit(t *testing.T, store *document.Store, ops ...document.EditOp) []byte {
	t.Helper()
	var delta []byte
	cancel := store.OnUpdate(func(u document.Update) { delta = u.Delta })
	defer cancel()
	_, err := store.ApplyLocal(ops...)
	require.NoError(t, err)
	require.NotEmpty(t, delta)
	return delta
}

func TestHub_relaysUpdates(t *testing.T) {
	hub := NewHub(Options{})
	url := serve(t, hub)
	a, b := dial(t, url), dial(t, url)
	joined(t, a)
	joined(t, b)

	alice, err := document.New("", nil)
	require.NoError(t, err)
	send(t, a, protocol.Update(localEdit(t, alice, document.InsertBlock(0, document.Paragraph("hello")))))

	msg := next(t, b, isUpdate)
	require.NotEmpty(t, msg.Origin)

	bob, err := document.New("", nil)
	require.NoError(t, err)
	require.NoError(t, bob.ApplyRemote(msg.Payload, document.Remote(msg.Origin)))
	require.Equal(t, "<p>hello</p>", bob.Snapshot())

	live, ok := hub.Room("page")
	require.True(t, ok)
	require.Equal(t, "<p>hello</p>", live.Snapshot())
}

func TestHub_handshakeSendsMissing(t *testing.T) {
	hub := NewHub(Options{})
	url := serve(t, hub)
	a := dial(t, url)
	joined(t, a)

	alice, err := document.New("", nil)
	require.NoError(t, err)
	send(t, a, protocol.Update(localEdit(t, alice, document.InsertBlock(0, document.Heading(1, "Title")))))
	require.Eventually(t, func() bool {
		s, ok := hub.Room("page")
		return ok && !s.IsEmpty()
	}, 5*time.Second, 10*time.Millisecond)

	late, err := document.New("", nil)
	require.NoError(t, err)
	sv, err := late.StateVector()
	require.NoError(t, err)

	b := dial(t, url)
	send(t, b, protocol.SyncStep1(sv))
	step2 := next(t, b, func(m protocol.Message) bool { return m.Kind == protocol.KindSync && m.Step == protocol.StepSyncStep2 })
	require.NoError(t, late.ApplyRemote(step2.Payload, document.Remote("relay")))
	require.Equal(t, "<h1>Title</h1>", late.Snapshot())

	step1 := next(t, b, func(m protocol.Message) bool { return m.Kind == protocol.KindSync && m.Step == protocol.StepSyncStep1 })
	relaySV, err := protocol.DecodeStateVector(step1.Payload)
	require.NoError(t, err)
	mine, err := late.StateVector()
	require.NoError(t, err)
	require.True(t, mine.Covers(relaySV))
}

func TestHub_presenceRemovedOnDisconnect(t *testing.T) {
	hub := NewHub(Options{})
	url := serve(t, hub)
	a, b := dial(t, url), dial(t, url)
	joined(t, a)
	joined(t, b)

	payload, err := awareness.EncodeRecords([]awareness.Record{{
		ClientID: "alice-1",
		Clock:    1,
		State:    &awareness.Presence{ClientID: "alice-1", DisplayName: "Alice", Color: awareness.ColorFor("Alice")},
	}})
	require.NoError(t, err)
	send(t, a, protocol.Awareness(payload))

	msg := next(t, b, isKind(protocol.KindAwareness))
	records, err := awareness.DecodeRecords(msg.Payload)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "Alice", records[0].State.DisplayName)

	require.NoError(t, a.Close())
	msg = next(t, b, isKind(protocol.KindAwareness))
	records, err = awareness.DecodeRecords(msg.Payload)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "alice-1", records[0].ClientID)
	require.Nil(t, records[0].State)
}

func TestHub_rejectsUnauthenticated(t *testing.T) {
	hub := NewHub(Options{Authenticator: identity.Authenticator{Issuer: identity.NewIssuer("s3cret", time.Hour)}})
	url := serve(t, hub)
	ws := dial(t, url)
	msg := next(t, ws, func(protocol.Message) bool { return true })
	require.Equal(t, protocol.KindAuth, msg.Kind)
	require.Empty(t, hub.Rooms())
}

func TestHub_savesWhenLastClientLeaves(t *testing.T) {
	store, err := OpenSQLiteRoomStore(filepath.Join(t.TempDir(), "rooms.sqlite3"))
	require.NoError(t, err)
	defer store.Close()

	hub := NewHub(Options{Store: store})
	url := serve(t, hub)
	a := dial(t, url)
	joined(t, a)

	alice, err := document.New("", nil)
	require.NoError(t, err)
	send(t, a, protocol.Update(localEdit(t, alice, document.InsertBlock(0, document.Paragraph("kept")))))
	require.Eventually(t, func() bool {
		s, ok := hub.Room("page")
		return ok && !s.IsEmpty()
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Close())
	require.Eventually(t, func() bool { return len(hub.Rooms()) == 0 }, 5*time.Second, 10*time.Millisecond)

	raw, found, err := store.LoadRoom(context.Background(), "page")
	require.NoError(t, err)
	require.True(t, found)
	restored, err := document.Load(raw, "", nil)
	require.NoError(t, err)
	require.Equal(t, "<p>kept</p>", restored.Snapshot())

	s, found, err := hub.Document(context.Background(), "page")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "<p>kept</p>", s.Snapshot())
}

func TestHub_sharesRoomsThroughBroker(t *testing.T) {
	broker := NewLocalBroker()
	hub1 := NewHub(Options{Broker: broker.Instance("one")})
	hub2 := NewHub(Options{Broker: broker.Instance("two")})
	a := dial(t, serve(t, hub1))
	b := dial(t, serve(t, hub2))
	joined(t, a)
	joined(t, b)

	alice, err := document.New("", nil)
	require.NoError(t, err)
	send(t, a, protocol.Update(localEdit(t, alice, document.InsertBlock(0, document.Paragraph("across")))))

	msg := next(t, b, isUpdate)
	bob, err := document.New("", nil)
	require.NoError(t, err)
	require.NoError(t, bob.ApplyRemote(msg.Payload, document.Remote(msg.Origin)))
	require.Equal(t, "<p>across</p>", bob.Snapshot())

	s, ok := hub2.Room("page")
	require.True(t, ok)
	require.Equal(t, "<p>across</p>", s.Snapshot())
}

func TestHub_close(t *testing.T) {
	hub := NewHub(Options{})
	url := serve(t, hub)
	a := dial(t, url)
	joined(t, a)
	require.NoError(t, hub.Close(context.Background()))
	require.Empty(t, hub.Rooms())

	ws := dial(t, url)
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := ws.ReadMessage()
	require.Error(t, err)
}
