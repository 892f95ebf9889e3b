package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/grantline/pkg/contextkeys"
)

const testSecret = "test-secret-with-enough-length"

func TestJWTResolver_RoundTrip(t *testing.T) {
	resolver := NewJWTResolver(testSecret, "grantline", time.Hour)

	token, err := resolver.SignToken(42)
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	identity, err := resolver.Resolve(req)
	require.NoError(t, err)
	assert.Equal(t, int64(42), identity.UserID)
	require.NotNil(t, identity.Claims)
	assert.Equal(t, "grantline", identity.Claims.Issuer)
}

func TestJWTResolver_Rejects(t *testing.T) {
	resolver := NewJWTResolver(testSecret, "grantline", time.Hour)

	sign := func(method jwt.SigningMethod, key interface{}, claims jwt.RegisteredClaims) string {
		s, err := jwt.NewWithClaims(method, claims).SignedString(key)
		require.NoError(t, err)
		return s
	}
	valid := jwt.RegisteredClaims{
		Subject:   "42",
		Issuer:    "grantline",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}

	expired := valid
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))

	noExpiry := valid
	noExpiry.ExpiresAt = nil

	wrongIssuer := valid
	wrongIssuer.Issuer = "someone-else"

	badSubject := valid
	badSubject.Subject = "alice"

	tests := []struct {
		name   string
		header string
	}{
		{"not bearer", "Basic abc"},
		{"garbage token", "Bearer not-a-token"},
		{"wrong secret", "Bearer " + sign(jwt.SigningMethodHS256, []byte("other"), valid)},
		{"wrong algorithm", "Bearer " + sign(jwt.SigningMethodHS512, []byte(testSecret), valid)},
		{"expired", "Bearer " + sign(jwt.SigningMethodHS256, []byte(testSecret), expired)},
		{"no expiry", "Bearer " + sign(jwt.SigningMethodHS256, []byte(testSecret), noExpiry)},
		{"wrong issuer", "Bearer " + sign(jwt.SigningMethodHS256, []byte(testSecret), wrongIssuer)},
		{"non numeric subject", "Bearer " + sign(jwt.SigningMethodHS256, []byte(testSecret), badSubject)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.Header.Set("Authorization", tt.header)
			_, err := resolver.Resolve(req)
			assert.ErrorIs(t, err, ErrInvalidCredentials)
		})
	}

	t.Run("missing header", func(t *testing.T) {
		_, err := resolver.Resolve(httptest.NewRequest("GET", "/", nil))
		assert.ErrorIs(t, err, ErrNoCredentials)
	})
}

func TestHeaderResolver(t *testing.T) {
	resolver := NewHeaderResolver("")

	req := httptest.NewRequest("GET", "/", nil)
	_, err := resolver.Resolve(req)
	assert.ErrorIs(t, err, ErrNoCredentials)

	req.Header.Set(UserIDHeader, "7")
	identity, err := resolver.Resolve(req)
	require.NoError(t, err)
	assert.Equal(t, int64(7), identity.UserID)
	assert.Nil(t, identity.Claims)

	req.Header.Set(UserIDHeader, "-3")
	_, err = resolver.Resolve(req)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestIdentityMiddleware(t *testing.T) {
	resolver := NewJWTResolver(testSecret, "", time.Hour)
	token, err := resolver.SignToken(9)
	require.NoError(t, err)

	echoUser := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := contextkeys.GetUserID(r.Context())
		if !ok {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		_, hasClaims := r.Context().Value(contextkeys.ClaimsKey).(*Claims)
		w.Header().Set("X-Claims", strconv.FormatBool(hasClaims))
		w.Write([]byte(strconv.FormatInt(id, 10)))
	})

	tests := []struct {
		name     string
		optional bool
		header   string
		status   int
		body     string
	}{
		{name: "valid token", header: "Bearer " + token, status: http.StatusOK, body: "9"},
		{name: "missing credentials required", status: http.StatusUnauthorized},
		{name: "missing credentials optional", optional: true, status: http.StatusNoContent},
		{name: "invalid token optional", optional: true, header: "Bearer nope", status: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewIdentityMiddleware(resolver, tt.optional).Handler(echoUser)
			req := httptest.NewRequest("GET", "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, rec.Body.String())
				assert.Equal(t, "true", rec.Header().Get("X-Claims"))
			}
		})
	}
}

func TestParseUserID(t *testing.T) {
	id, err := parseUserID(" 12 ")
	require.NoError(t, err)
	assert.Equal(t, int64(12), id)

	_, err = parseUserID("0")
	assert.True(t, errors.Is(err, ErrInvalidCredentials))
}
