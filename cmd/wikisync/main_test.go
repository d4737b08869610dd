package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/astromechza/wikisync/pkg/identity"
	"github.com/astromechza/wikisync/pkg/relay"
	"github.com/astromechza/wikisync/pkg/server"
	"github.com/astromechza/wikisync/pkg/session"
	"github.com/astromechza/wikisync/pkg/storage"
	"github.com/astromechza/wikisync/pkg/transport"
)

func TestRunEditor(t *testing.T) {
	pages, err := storage.OpenSQLiteStore(t.TempDir() + "/pages.sqlite3")
	require.NoError(t, err)
	defer pages.Close()
	srv := httptest.NewServer(server.New(server.Options{Hub: relay.NewHub(relay.Options{}), Pages: pages}))
	defer srv.Close()

	tcfg := transport.DefaultConfig()
	tcfg.ResyncInterval = 0
	sess, err := session.Open(context.Background(), session.Config{
		PageID:       "page-1",
		ServerURL:    srv.URL,
		Identity:     identity.Identity{UserID: "u1", DisplayName: "Ada"},
		Transport:    tcfg,
		Quiescence:   20 * time.Millisecond,
		SettleWindow: 10 * time.Millisecond,
	}, storage.NewClient(srv.URL, ""))
	require.NoError(t, err)
	defer sess.Close()
	require.Eventually(t, func() bool { return sess.Phase() == session.PhaseSynced }, 5*time.Second, 10*time.Millisecond)

	in := strings.NewReader("p hello\na 0  world\nh2 Title\nshow\nbogus\nundo\nd 9\nquit\np never\n")
	var out bytes.Buffer
	require.NoError(t, runEditor(sess, in, &out))

	require.Equal(t, "<p>hello world</p>", sess.Snapshot())
	require.Contains(t, out.String(), "  0 paragraph  hello world")
	require.Contains(t, out.String(), "  1 heading    Title")
	require.Contains(t, out.String(), `error: unknown command "bogus"`)
	require.Contains(t, out.String(), "error: block 9 out of range")
}
