package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestJWTAuth_GenerateAndValidate(t *testing.T) {
	a := NewJWTAuth("test-secret")
	token, err := a.GenerateToken("merchant-1", "till-3", time.Hour)
	require.NoError(t, err)

	claims, err := a.ValidateToken(token)
	require.NoError(t, err)
	require.Equal(t, "till-3", claims.TerminalID)
	require.Equal(t, "merchant-1", claims.Subject)
	require.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt.Time, time.Second)
}

func TestJWTAuth_ValidateToken_Rejects(t *testing.T) {
	a := NewJWTAuth("test-secret")

	other, err := NewJWTAuth("other-secret").GenerateToken("m", "t", time.Hour)
	require.NoError(t, err)
	_, err = a.ValidateToken(other)
	require.Error(t, err)

	expired, err := a.GenerateToken("m", "t", -time.Minute)
	require.NoError(t, err)
	_, err = a.ValidateToken(expired)
	require.Error(t, err)

	noTerminal, err := a.GenerateToken("m", "", time.Hour)
	require.NoError(t, err)
	_, err = a.ValidateToken(noTerminal)
	require.ErrorContains(t, err, "did")

	none := jwt.NewWithClaims(jwt.SigningMethodNone, &JWTClaims{TerminalID: "t"})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = a.ValidateToken(unsigned)
	require.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	a := NewJWTAuth("test-secret")
	var gotTerminal, gotMerchant string
	h := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTerminal, _ = GetTerminalID(r.Context())
		gotMerchant, _ = GetMerchantID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sales", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/sales", nil)
	req.Header.Set("Authorization", "Token abc")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	tok, err := a.TokenSource("merchant-1", "till-1", time.Hour)(context.Background())
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodPost, "/sales", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "till-1", gotTerminal)
	require.Equal(t, "merchant-1", gotMerchant)
}

func TestTokenSourceReusesToken(t *testing.T) {
	src := NewJWTAuth("s").TokenSource("m", "t", time.Hour)
	a, err := src(context.Background())
	require.NoError(t, err)
	b, err := src(context.Background())
	require.NoError(t, err)
	require.Equal(t, a, b)

	tok, err := StaticToken("abc")(context.Background())
	require.NoError(t, err)
	require.Equal(t, "abc", tok)
}
