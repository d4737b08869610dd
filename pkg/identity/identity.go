// Package identity resolves who is on the other end of a sync connection. Authentication itself belongs to
// the surrounding application: tokens are minted elsewhere with a shared secret and only verified here.
package identity

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrUnauthenticated = errors.New("unauthenticated")

type Identity struct {
	UserID      string
	DisplayName string
}

func (i Identity) String() string {
	if i.DisplayName == "" {
		return i.UserID
	}
	return fmt.Sprintf("%s (%s)", i.DisplayName, i.UserID)
}

type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer returns an HS256 issuer/verifier. A zero ttl issues tokens without expiry.
func NewIssuer(secret string, ttl time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (i *Issuer) Issue(id Identity) (string, error) {
	claims := gojwt.MapClaims{
		"user_id":      id.UserID,
		"display_name": id.DisplayName,
		"iat":          i.now().Unix(),
	}
	if i.ttl > 0 {
		claims["exp"] = i.now().Add(i.ttl).Unix()
	}
	signed, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func (i *Issuer) Parse(token string) (Identity, error) {
	parser := gojwt.NewParser(
		gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}),
		gojwt.WithTimeFunc(i.now),
	)
	parsed, err := parser.Parse(token, func(*gojwt.Token) (interface{}, error) {
		return i.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	claims, ok := parsed.Claims.(gojwt.MapClaims)
	if !ok {
		return Identity{}, fmt.Errorf("%w: unexpected claims", ErrUnauthenticated)
	}
	var id Identity
	if v, ok := claims["user_id"].(string); ok {
		id.UserID = v
	}
	if v, ok := claims["display_name"].(string); ok {
		id.DisplayName = v
	}
	if id.UserID == "" {
		return Identity{}, fmt.Errorf("%w: token has no user_id", ErrUnauthenticated)
	}
	return id, nil
}

// Authenticator resolves the identity of an incoming request. With an issuer a valid bearer token (header or
// "token" query parameter) is required. Without one the userId and userName query parameters are trusted.
type Authenticator struct {
	Issuer *Issuer
}

func (a Authenticator) Authenticate(r *http.Request) (Identity, error) {
	if a.Issuer != nil {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			return Identity{}, fmt.Errorf("%w: no token", ErrUnauthenticated)
		}
		return a.Issuer.Parse(token)
	}
	q := r.URL.Query()
	id := Identity{UserID: q.Get("userId"), DisplayName: q.Get("userName")}
	if id.UserID == "" {
		id.UserID = "anonymous-" + uuid.NewString()[:8]
	}
	if id.DisplayName == "" {
		id.DisplayName = "Anonymous"
	}
	return id, nil
}
