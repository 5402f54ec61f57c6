package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubValidator struct {
	claims *JWTClaims
	err    error
	got    string
}

func (v *stubValidator) Validate(_ context.Context, token string) (*JWTClaims, error) {
	v.got = token
	return v.claims, v.err
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func serveAuth(v JWTValidator, claim, authHeader string) (*httptest.ResponseRecorder, string) {
	var owner string
	h := Authenticate(v, claim, discard())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner, _ = OwnerFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))
	req := httptest.NewRequest(http.MethodGet, "/v1/exports", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec, owner
}

func TestAuthenticate_ValidToken(t *testing.T) {
	t.Parallel()
	v := &stubValidator{claims: &JWTClaims{Subject: "alice"}}

	rec, owner := serveAuth(v, "sub", "Bearer tok-123")

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "alice", owner)
	assert.Equal(t, "tok-123", v.got)
}

func TestAuthenticate_CustomOwnerClaim(t *testing.T) {
	t.Parallel()
	v := &stubValidator{claims: &JWTClaims{Subject: "u-1", Raw: map[string]interface{}{"email": "alice@example.com"}}}

	rec, owner := serveAuth(v, "email", "Bearer tok")

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "alice@example.com", owner)
}

func TestAuthenticate_Rejections(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		v      *stubValidator
		header string
		want   string
	}{
		{"no header", &stubValidator{}, "", "missing bearer token"},
		{"basic auth", &stubValidator{}, "Basic dXNlcjpwYXNz", "missing bearer token"},
		{"empty bearer", &stubValidator{}, "Bearer   ", "missing bearer token"},
		{"invalid token", &stubValidator{err: errors.New("bad signature")}, "Bearer tok", "invalid bearer token"},
		{"no owner claim", &stubValidator{claims: &JWTClaims{}}, "Bearer tok", "token has no sub claim"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec, owner := serveAuth(tt.v, "sub", tt.header)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Empty(t, owner)
			assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))

			var body map[string]string
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, "unauthorized: "+tt.want, body["error"])
		})
	}
}

func TestAuthenticate_WithHS256Validator(t *testing.T) {
	t.Parallel()
	v, err := NewHS256Validator("secret")
	require.NoError(t, err)

	rec, owner := serveAuth(v, "sub", "Bearer "+makeToken("secret", map[string]interface{}{"sub": "bob"}))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "bob", owner)
}

func TestOwnerFromContext_Empty(t *testing.T) {
	t.Parallel()
	_, ok := OwnerFromContext(context.Background())
	assert.False(t, ok)
	_, ok = OwnerFromContext(WithOwner(context.Background(), ""))
	assert.False(t, ok)
}

func TestAccessLog_RecordsStatus(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	h := RequestID(AccessLog(logger)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-1")
	h.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "http request", entry["msg"])
	assert.InDelta(t, 418, entry["status"], 0.001)
	assert.Equal(t, "/healthz", entry["path"])
	assert.Equal(t, "req-1", entry["request_id"])
}
