package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/consulere/booking/libs/auth"
)

// Roles carried in bearer tokens.
const (
	RoleExpert = "expert"
	RoleClient = "client"
	RoleAdmin  = "admin"
)

type ctxKey int

const claimsKey ctxKey = iota

// Authenticator verifies bearer tokens. When a JWKS client is configured,
// RS256 tokens are checked against the published key set; everything else
// falls back to the shared HS256 secret.
type Authenticator struct {
	secret string
	jwks   *auth.JWKSClient
}

func NewAuthenticator(secret string, jwks *auth.JWKSClient) *Authenticator {
	return &Authenticator{secret: secret, jwks: jwks}
}

// Require rejects requests without a valid bearer token and stores the
// verified claims on the request context.
func (a *Authenticator) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := a.verify(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r.WithContext(withClaims(r.Context(), claims)))
	})
}

// Optional attaches claims when a valid token is present and lets anonymous
// requests through untouched. A present but invalid token is still rejected
// rather than silently downgraded to anonymous.
func (a *Authenticator) Optional(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimSpace(r.Header.Get("Authorization")) == "" {
			next.ServeHTTP(w, r)
			return
		}
		claims, ok := a.verify(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}
		next.ServeHTTP(w, r.WithContext(withClaims(r.Context(), claims)))
	})
}

func (a *Authenticator) verify(r *http.Request) (*auth.Claims, bool) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return nil, false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return nil, false
	}

	if a.jwks != nil {
		th, err := auth.ParseHeader(token)
		if err != nil {
			return nil, false
		}
		if th.Alg == "RS256" && th.Kid != "" {
			pub, err := a.jwks.Get(th.Kid)
			if err != nil {
				return nil, false
			}
			claims, err := auth.VerifyRS256(token, pub)
			if err != nil {
				return nil, false
			}
			return claims, true
		}
	}

	claims, err := auth.ParseAndVerifyHS256(token, a.secret)
	if err != nil {
		return nil, false
	}
	return claims, true
}

func withClaims(ctx context.Context, claims *auth.Claims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

func claimsFrom(r *http.Request) (*auth.Claims, bool) {
	claims, ok := r.Context().Value(claimsKey).(*auth.Claims)
	return claims, ok && claims != nil
}

// canManageExpert reports whether the request may mutate the expert's data:
// the expert themselves or an admin.
func canManageExpert(r *http.Request, expertID string) bool {
	claims, ok := claimsFrom(r)
	if !ok {
		return false
	}
	if claims.Role == RoleAdmin {
		return true
	}
	return claims.Role == RoleExpert && claims.Sub == expertID
}
