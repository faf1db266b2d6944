package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/apikey"
)

func newAdminRouter(t *testing.T, hash string) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	verifier, err := apikey.NewVerifier(hash)
	require.NoError(t, err)
	admin := &Admin{Verifier: verifier, Logger: zap.NewNop()}

	r := gin.New()
	r.Use(RequestLogger(zap.NewNop()))
	r.GET("/admin", admin.RequireKey, func(c *gin.Context) {
		c.String(http.StatusOK, RequestID(c)+"|"+CallerID(c))
	})
	return r
}

func TestAdminRequireKey(t *testing.T) {
	hash, err := apikey.Hash("operator-key")
	require.NoError(t, err)
	r := newAdminRouter(t, hash)

	cases := []struct {
		header string
		status int
	}{
		{"", http.StatusUnauthorized},
		{"Basic b3BlcmF0b3I=", http.StatusUnauthorized},
		{"Bearer wrong", http.StatusUnauthorized},
		{"Bearer operator-key", http.StatusOK},
		{"bearer operator-key", http.StatusOK},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/admin", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		require.Equal(t, tc.status, w.Code, tc.header)
	}
}

func TestAdminDisabledWithoutHash(t *testing.T) {
	r := newAdminRouter(t, "")
	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("Authorization", "Bearer anything")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestRequestLoggerPropagatesRequestAndCallerID(t *testing.T) {
	hash, err := apikey.Hash("k")
	require.NoError(t, err)
	r := newAdminRouter(t, hash)

	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("Authorization", "Bearer k")
	req.Header.Set("X-Request-ID", "req-42")
	req.Header.Set("X-Caller-ID", "whatsapp-bot")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "req-42", w.Header().Get("X-Request-ID"))
	require.Equal(t, "req-42|whatsapp-bot", w.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("Authorization", "Bearer k")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Len(t, w.Header().Get("X-Request-ID"), 36)
	require.Contains(t, w.Body.String(), "|192.0.2.1")
}
