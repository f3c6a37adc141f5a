// Package auth verifies the bearer tokens students and teachers present.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/michaelbrown/gradebox/internal/errs"
	"github.com/michaelbrown/gradebox/internal/storage"
)

// Subject is the subject every user token carries.
const Subject = "user"

// MsgInvalidToken is returned for missing, malformed or expired tokens.
const MsgInvalidToken = "Invalid token"

// Claims is the payload of a user token.
type Claims struct {
	Username string       `json:"username"`
	Type     storage.Role `json:"type"`
	jwt.RegisteredClaims
}

// Authenticator signs and verifies HS256 user tokens.
type Authenticator struct {
	key    []byte
	issuer string
	now    func() time.Time
}

// New creates an Authenticator. An empty key is rejected so that a
// misconfigured server cannot accept unsigned tokens.
func New(key, issuer string) (*Authenticator, error) {
	if key == "" {
		return nil, errors.New("auth: jwt key is empty")
	}
	return &Authenticator{key: []byte(key), issuer: issuer, now: time.Now}, nil
}

// Sign issues a token for the user valid for ttl.
func (a *Authenticator) Sign(username string, role storage.Role, ttl time.Duration) (string, error) {
	now := a.now()
	claims := Claims{
		Username: username,
		Type:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			Subject:   Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.key)
}

// Verify parses a token and checks its signature, issuer, subject and
// expiry. Any failure is a KindTransport error.
func (a *Authenticator) Verify(token string) (*Claims, error) {
	if token == "" {
		return nil, errs.Transport(MsgInvalidToken)
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.issuer),
		jwt.WithSubject(Subject),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return nil, &errs.Error{Kind: errs.KindTransport, Msg: MsgInvalidToken, Err: err}
	}
	if claims.Username == "" || !claims.Type.Valid() {
		return nil, errs.Transport(MsgInvalidToken)
	}
	return &claims, nil
}

// TokenFromRequest returns the bearer token from the Authorization header,
// falling back to the token query parameter used by websocket clients.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, token, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

type ctxKey struct{}

// WithClaims stores claims in ctx.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// FromContext returns the claims stored by Middleware.
func FromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(ctxKey{}).(*Claims)
	return c, ok
}

// Rejector writes the response for a request that failed authentication
// or authorization.
type Rejector func(w http.ResponseWriter, status int, msg string)

// Middleware verifies the request token and, when roles is not empty,
// requires the token's type to be one of them.
func (a *Authenticator) Middleware(reject Rejector, roles ...storage.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := a.Verify(TokenFromRequest(r))
			if err != nil {
				reject(w, http.StatusUnauthorized, errs.Message(err, MsgInvalidToken))
				return
			}
			if len(roles) > 0 && !hasRole(claims.Type, roles) {
				reject(w, http.StatusForbidden, "Forbidden")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

func hasRole(role storage.Role, allowed []storage.Role) bool {
	for _, r := range allowed {
		if r == role {
			return true
		}
	}
	return false
}

// String describes the claims for logs.
func (c *Claims) String() string {
	return fmt.Sprintf("%s (%s)", c.Username, c.Type)
}
