// Package auth verifies HS256 bearer tokens and puts the caller's identity
// on the request context. The token subject is the actor recorded in the
// audit log for every approval, assignment and void.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type Role string

const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
)

// Claims is the token payload.
type Claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// ParseJWT validates tokenString and returns its claims.
func ParseJWT(tokenString string, secret []byte) (*Claims, error) {
	if tokenString == "" {
		return nil, errors.New("auth: empty token")
	}
	if len(secret) == 0 {
		return nil, errors.New("auth: empty secret")
	}

	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	claims := &Claims{}
	token, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("auth: invalid token")
	}
	if claims.Subject == "" {
		return nil, errors.New("auth: missing subject")
	}
	switch claims.Role {
	case RoleViewer, RoleOperator:
	default:
		return nil, errors.New("auth: invalid role")
	}
	return claims, nil
}

// Sign issues a token for subject. Used by tests and the CLI.
func Sign(secret []byte, claims Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// =============================================================================
// CONTEXT
// =============================================================================

type contextKey string

const (
	contextKeySubject contextKey = "auth.subject"
	contextKeyRole    contextKey = "auth.role"
)

func WithIdentity(ctx context.Context, subject string, role Role) context.Context {
	ctx = context.WithValue(ctx, contextKeySubject, subject)
	return context.WithValue(ctx, contextKeyRole, role)
}

// SubjectFromContext returns the authenticated subject, or "".
func SubjectFromContext(ctx context.Context) string {
	subject, _ := ctx.Value(contextKeySubject).(string)
	return subject
}

func RoleFromContext(ctx context.Context) Role {
	role, _ := ctx.Value(contextKeyRole).(Role)
	return role
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

// Middleware rejects requests without a valid bearer token. Viewers may
// only read; writes need the operator role.
type Middleware struct {
	secret []byte
	exempt map[string]struct{}
}

func NewMiddleware(secret []byte, exemptPaths ...string) *Middleware {
	set := make(map[string]struct{}, len(exemptPaths))
	for _, p := range exemptPaths {
		set[p] = struct{}{}
	}
	return &Middleware{secret: secret, exempt: set}
}

func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := m.exempt[r.URL.Path]; ok || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		token, found := strings.CutPrefix(header, "Bearer ")
		if !found {
			http.Error(w, `{"error":"missing bearer token"}`, http.StatusUnauthorized)
			return
		}
		claims, err := ParseJWT(strings.TrimSpace(token), m.secret)
		if err != nil {
			http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
			return
		}
		if !isRead(r.Method) && claims.Role != RoleOperator {
			http.Error(w, `{"error":"operator role required"}`, http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), claims.Subject, claims.Role)))
	})
}

func isRead(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}
