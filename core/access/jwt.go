package access

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/campdir/campdir/core/logger"
)

// CookieName is the cookie carrying the bearer token for browser clients,
// as an alternative to the Authorization header.
const CookieName = "token"

// PrincipalResolver resolves a verified identity to a principal record.
// A nil principal without error means the identity is unknown.
type PrincipalResolver interface {
	ResolvePrincipal(ctx context.Context, userID uuid.UUID) (*Principal, error)
}

// Tokens issues and verifies bearer tokens with a shared secret (HS256).
type Tokens struct {
	secret   []byte
	lifetime time.Duration
}

// NewTokens creates a token signer/verifier. The lifetime applies to newly
// issued tokens.
func NewTokens(secret string, lifetime time.Duration) *Tokens {
	return &Tokens{secret: []byte(secret), lifetime: lifetime}
}

// Lifetime returns the configured token lifetime.
func (t *Tokens) Lifetime() time.Duration {
	return t.lifetime
}

// Sign issues a signed bearer token for the given user identity.
func (t *Tokens) Sign(userID uuid.UUID) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(t.lifetime)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// Verify checks signature and expiry of a bearer token and returns the
// embedded user identity.
func (t *Tokens) Verify(tokenString string) (uuid.UUID, error) {
	claims := jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(tokenString, &claims,
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return t.secret, nil
		})
	if err != nil {
		return uuid.Nil, err
	}
	return uuid.Parse(claims.Subject)
}

// Middleware returns a mux middleware that attaches a principal to the
// request context when the request carries a valid bearer token, either in
// the Authorization header or in the token cookie.
//
// Requests without a token and requests with an invalid or expired token
// both continue anonymously; the per-route policy then rejects them
// uniformly. The verification failure reason is only logged, it is never
// distinguished in a response.
//
// Resolved principals are kept in the cache; invalidate it when identity
// data changes.
func (t *Tokens) Middleware(resolver PrincipalResolver, cache *PrincipalCache) mux.MiddlewareFunc {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if PrincipalFromContext(r.Context()) != nil { // we are already authenticated
				h.ServeHTTP(w, r)
				return
			}

			tokenString := bearerToken(r)
			if tokenString == "" {
				h.ServeHTTP(w, r)
				return
			}

			userID, err := t.Verify(tokenString)
			if err != nil {
				logger.FromContext(r.Context()).WithError(err).Debugln("bearer token rejected")
				h.ServeHTTP(w, r)
				return
			}

			principal := cache.Read(tokenString)
			if principal == nil {
				principal, err = resolver.ResolvePrincipal(r.Context(), userID)
				if err != nil {
					logger.FromContext(r.Context()).WithError(err).Errorln("cannot resolve principal")
					http.Error(w, "cannot resolve principal", http.StatusInternalServerError)
					return
				}
				if principal == nil {
					logger.FromContext(r.Context()).Debugln("token for unknown identity", userID)
					h.ServeHTTP(w, r)
					return
				}
				cache.Write(tokenString, principal)
			}

			ctx := principal.ContextWithPrincipal(r.Context())
			ctx, _ = logger.ContextWithLoggerIdentity(ctx, principal.UserID.String())
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	bearer := r.Header.Get("Authorization")
	if len(bearer) > 7 && strings.EqualFold(bearer[:7], "bearer ") {
		return bearer[7:]
	}
	if cookie, err := r.Cookie(CookieName); err == nil {
		return cookie.Value
	}
	return ""
}
