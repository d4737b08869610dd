package relay

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/astromechza/wikisync/pkg/protocol"
)

func testRoomStore(t *testing.T, store RoomStore) {
	ctx := context.Background()
	_, found, err := store.LoadRoom(ctx, "missing")
	require.NoError(t, err)
	require.False(t, found)

	changed, err := store.SaveRoom(ctx, "page", []byte{1, 2, 3})
	require.NoError(t, err)
	require.True(t, changed)

	changed, err = store.SaveRoom(ctx, "page", []byte{1, 2, 3})
	require.NoError(t, err)
	require.False(t, changed)

	changed, err = store.SaveRoom(ctx, "page", []byte{4})
	require.NoError(t, err)
	require.True(t, changed)

	raw, found, err := store.LoadRoom(ctx, "page")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte{4}, raw)
}

func TestSQLiteRoomStore(t *testing.T) {
	store, err := OpenSQLiteRoomStore(filepath.Join(t.TempDir(), "rooms.sqlite3"))
	require.NoError(t, err)
	defer store.Close()
	testRoomStore(t, store)
}

func TestBoltRoomStore(t *testing.T) {
	store, err := OpenBoltRoomStore(filepath.Join(t.TempDir(), "rooms.bolt"))
	require.NoError(t, err)
	defer store.Close()
	testRoomStore(t, store)
}

func TestEnvelope(t *testing.T) {
	msg := protocol.Update([]byte{9})
	msg.Origin = "conn-1"
	raw := envelope("one", msg)

	_, ok, err := openEnvelope("one", raw)
	require.NoError(t, err)
	require.False(t, ok)

	got, ok, err := openEnvelope("two", raw)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "one/conn-1", got.Origin)
	require.Equal(t, []byte{9}, got.Payload)

	_, _, err = openEnvelope("two", []byte{0xff})
	require.Error(t, err)
}

func TestLocalBroker(t *testing.T) {
	broker := NewLocalBroker()
	one, two := broker.Instance("one"), broker.Instance("two")

	var got []protocol.Message
	cancel, err := two.Subscribe(context.Background(), "page", func(m protocol.Message) { got = append(got, m) })
	require.NoError(t, err)
	_, err = one.Subscribe(context.Background(), "page", func(protocol.Message) { t.Fatal("own echo delivered") })
	require.NoError(t, err)

	require.NoError(t, one.Publish(context.Background(), "page", protocol.QueryAwareness()))
	require.NoError(t, one.Publish(context.Background(), "other", protocol.QueryAwareness()))
	require.Len(t, got, 1)

	cancel()
	require.NoError(t, one.Publish(context.Background(), "page", protocol.QueryAwareness()))
	require.Len(t, got, 1)
}
