package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("s3cret")

func claimsFor(subject string, role Role, ttl time.Duration) Claims {
	return Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
}

func sign(t *testing.T, c Claims) string {
	t.Helper()
	tok, err := Sign(secret, c)
	require.NoError(t, err)
	return tok
}

// =============================================================================
// TOKENS
// =============================================================================

func TestParseJWT_Valid(t *testing.T) {
	got, err := ParseJWT(sign(t, claimsFor("alice", RoleOperator, time.Hour)), secret)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Subject)
	assert.Equal(t, RoleOperator, got.Role)
}

func TestParseJWT_Rejects(t *testing.T) {
	noExpiry := claimsFor("alice", RoleViewer, time.Hour)
	noExpiry.ExpiresAt = nil

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, claimsFor("alice", RoleOperator, time.Hour)).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claimsFor("alice", RoleOperator, time.Hour)).SignedString(secret)
	require.NoError(t, err)

	tests := []struct {
		name   string
		token  string
		secret []byte
	}{
		{"empty token", "", secret},
		{"empty secret", sign(t, claimsFor("alice", RoleViewer, time.Hour)), nil},
		{"garbage", "not.a.token", secret},
		{"wrong secret", sign(t, claimsFor("alice", RoleViewer, time.Hour)), []byte("other")},
		{"expired", sign(t, claimsFor("alice", RoleViewer, -time.Minute)), secret},
		{"no expiry", sign(t, noExpiry), secret},
		{"no subject", sign(t, claimsFor("", RoleViewer, time.Hour)), secret},
		{"unknown role", sign(t, claimsFor("alice", "admin", time.Hour)), secret},
		{"alg none", none, secret},
		{"alg HS512", hs512, secret},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseJWT(tt.token, tt.secret)
			assert.Error(t, err)
		})
	}
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

func TestMiddleware(t *testing.T) {
	var seenSubject string
	var seenRole Role
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenSubject = SubjectFromContext(r.Context())
		seenRole = RoleFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	h := NewMiddleware(secret, "/public").Wrap(next)

	operator := sign(t, claimsFor("op", RoleOperator, time.Hour))
	viewer := sign(t, claimsFor("vi", RoleViewer, time.Hour))

	tests := []struct {
		name    string
		method  string
		path    string
		header  string
		status  int
		subject string
	}{
		{"exempt path", http.MethodPost, "/public", "", http.StatusNoContent, ""},
		{"preflight", http.MethodOptions, "/api/x", "", http.StatusNoContent, ""},
		{"missing token", http.MethodGet, "/api/x", "", http.StatusUnauthorized, ""},
		{"not bearer", http.MethodGet, "/api/x", "Basic abc", http.StatusUnauthorized, ""},
		{"bad token", http.MethodGet, "/api/x", "Bearer nope", http.StatusUnauthorized, ""},
		{"viewer reads", http.MethodGet, "/api/x", "Bearer " + viewer, http.StatusNoContent, "vi"},
		{"viewer writes", http.MethodPost, "/api/x", "Bearer " + viewer, http.StatusForbidden, ""},
		{"operator writes", http.MethodPost, "/api/x", "Bearer " + operator, http.StatusNoContent, "op"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seenSubject, seenRole = "", ""
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.subject, seenSubject)
			if tt.subject == "op" {
				assert.Equal(t, RoleOperator, seenRole)
			}
		})
	}
}
