package dashboard

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	sessionCookie = "pool_session"
	tokenTTL      = time.Hour
)

// Claims is the payload of a dashboard login token
type Claims struct {
	User string `json:"user"`
	jwt.RegisteredClaims
}

// Tokens issues and verifies HS256 login tokens
type Tokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokens creates a token issuer for secret
func NewTokens(secret string) *Tokens {
	return &Tokens{secret: []byte(secret), ttl: tokenTTL, now: time.Now}
}

// Issue signs a token for user
func (t *Tokens) Issue(user string) (string, error) {
	now := t.now()
	claims := Claims{
		User: user,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// Verify parses token and checks its signature and expiry
func (t *Tokens) Verify(token string) (*Claims, error) {
	if token == "" {
		return nil, fmt.Errorf("missing token")
	}
	claims := new(Claims)
	keyFunc := func(*jwt.Token) (any, error) { return t.secret, nil }
	tok, err := jwt.ParseWithClaims(token, claims, keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now))
	if err != nil {
		return nil, err
	}
	if !tok.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// BearerAuth checks an "Authorization: Bearer <token>" header. It gates the
// miner WebSocket upgrade.
func (t *Tokens) BearerAuth(r *http.Request) error {
	token, ok := bearerToken(r)
	if !ok {
		return fmt.Errorf("missing bearer token")
	}
	_, err := t.Verify(token)
	return err
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// requestToken finds a login token in the session cookie or a bearer header
func requestToken(r *http.Request) string {
	if c, err := r.Cookie(sessionCookie); err == nil && c.Value != "" {
		return c.Value
	}
	token, _ := bearerToken(r)
	return token
}
