package identity

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIssuer_roundtrip(t *testing.T) {
	issuer := NewIssuer("s3cret", time.Hour)
	token, err := issuer.Issue(Identity{UserID: "u-1", DisplayName: "Ada"})
	require.NoError(t, err)

	id, err := issuer.Parse(token)
	require.NoError(t, err)
	require.Equal(t, Identity{UserID: "u-1", DisplayName: "Ada"}, id)

	_, err = NewIssuer("other", time.Hour).Parse(token)
	require.ErrorIs(t, err, ErrUnauthenticated)
}

func TestIssuer_expired(t *testing.T) {
	issuer := NewIssuer("s3cret", time.Minute)
	issuer.now = func() time.Time { return time.Now().Add(-time.Hour) }
	token, err := issuer.Issue(Identity{UserID: "u-1"})
	require.NoError(t, err)

	_, err = NewIssuer("s3cret", time.Minute).Parse(token)
	require.ErrorIs(t, err, ErrUnauthenticated)
}

func TestAuthenticator(t *testing.T) {
	issuer := NewIssuer("s3cret", 0)
	token, err := issuer.Issue(Identity{UserID: "u-2", DisplayName: "Grace"})
	require.NoError(t, err)

	withToken := Authenticator{Issuer: issuer}
	r := httptest.NewRequest("GET", "/rooms/p/sync", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	id, err := withToken.Authenticate(r)
	require.NoError(t, err)
	require.Equal(t, "u-2", id.UserID)

	r = httptest.NewRequest("GET", "/rooms/p/sync?token="+token, nil)
	_, err = withToken.Authenticate(r)
	require.NoError(t, err)

	r = httptest.NewRequest("GET", "/rooms/p/sync?userId=x", nil)
	_, err = withToken.Authenticate(r)
	require.ErrorIs(t, err, ErrUnauthenticated)

	open := Authenticator{}
	r = httptest.NewRequest("GET", "/rooms/p/sync?userId=x&userName=Xena", nil)
	id, err = open.Authenticate(r)
	require.NoError(t, err)
	require.Equal(t, Identity{UserID: "x", DisplayName: "Xena"}, id)

	id, err = open.Authenticate(httptest.NewRequest("GET", "/rooms/p/sync", nil))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(id.UserID, "anonymous-"))
}
