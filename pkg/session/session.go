// Package session implements the signed session cookie codec. Cookies
// are HS256 JWTs signed with the primary key; verification also accepts
// the secondary key so a key rotation never invalidates live sessions.
package session

import (
	"errors"
	"net/http"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// CookieName is the client-held session cookie.
const CookieName = "session"

// MaxAge is the fixed session lifetime measured from issuance.
const MaxAge = 7 * 24 * time.Hour

// ErrNoSession indicates the request carries no session cookie.
var ErrNoSession = errors.New("session: no cookie present")

// Claims defines the pipeline-level session payload. Identity fields are
// opaque to the gateway; collaborator routes populate and read them.
type Claims struct {
	Subject string         `json:"sub,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	jwtlib.RegisteredClaims
}

// Codec signs and verifies session cookies.
type Codec struct {
	primary   []byte
	secondary []byte
	secure    bool
}

// NewCodec builds a codec from the two rotating signing keys. secure
// controls the cookie Secure flag and is disabled only for local
// development environments.
func NewCodec(primaryKey, secondaryKey string, secure bool) *Codec {
	return &Codec{
		primary:   []byte(primaryKey),
		secondary: []byte(secondaryKey),
		secure:    secure,
	}
}

// Issue signs claims with the primary key and sets the session cookie.
func (c *Codec) Issue(w http.ResponseWriter, claims *Claims) error {
	now := time.Now()
	claims.RegisteredClaims = jwtlib.RegisteredClaims{
		Issuer:    "chatgate",
		IssuedAt:  jwtlib.NewNumericDate(now),
		ExpiresAt: jwtlib.NewNumericDate(now.Add(MaxAge)),
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.primary)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    signed,
		Path:     "/",
		MaxAge:   int(MaxAge / time.Second),
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// Decode verifies the session cookie on the request. Tokens signed with
// the rotated-out secondary key remain valid until the key is retired.
func (c *Codec) Decode(r *http.Request) (*Claims, error) {
	cookie, err := r.Cookie(CookieName)
	if err != nil {
		return nil, ErrNoSession
	}
	claims, err := c.parse(cookie.Value, c.primary)
	if err == nil {
		return claims, nil
	}
	return c.parse(cookie.Value, c.secondary)
}

// Clear expires the session cookie on the client.
func (c *Codec) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (c *Codec) parse(token string, key []byte) (*Claims, error) {
	parsed, err := jwtlib.ParseWithClaims(token, &Claims{}, func(t *jwtlib.Token) (interface{}, error) {
		return key, nil
	}, jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Name}))
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, jwtlib.ErrTokenInvalidClaims
	}
	return claims, nil
}
