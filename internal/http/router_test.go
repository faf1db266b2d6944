package http_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	oauthadapter "github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/adapter/oauth"
	"github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/apikey"
	"github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/cache"
	"github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/config"
	domainoauth "github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/domain/oauth"
	"github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/encryption"
	httptransport "github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/http"
	"github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/http/handler"
	httpmiddleware "github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/http/middleware"
	"github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/metrics"
	"github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/middleware"
	"github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/proxy"
	"github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/repository/memory"
	"github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/scheduler"
	authsvc "github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/service/auth"
)

type gatewayEnv struct {
	router *gin.Engine
	key    string

	mu         sync.Mutex
	bearers    []string
	grantCodes []string
}

func (e *gatewayEnv) codes() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.grantCodes...)
}

func (e *gatewayEnv) lastBearer() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.bearers) == 0 {
		return ""
	}
	return e.bearers[len(e.bearers)-1]
}

func newGatewayEnv(t *testing.T) *gatewayEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	env := &gatewayEnv{}

	authServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		env.mu.Lock()
		env.grantCodes = append(env.grantCodes, r.PostForm.Get("code"))
		env.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "access-1",
			"refresh_token": "refresh-1",
			"token_type":    "bearer",
			"expires_in":    14400,
		})
	}))
	t.Cleanup(authServer.Close)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env.mu.Lock()
		env.bearers = append(env.bearers, r.Header.Get("Authorization"))
		env.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"path":"` + r.URL.Path + `"}`))
	}))
	t.Cleanup(upstream.Close)

	key, err := encryption.GenerateKey()
	require.NoError(t, err)
	crypto, err := encryption.NewFromBase64(key)
	require.NoError(t, err)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := config.Config{
		ServiceName:          "erp-gateway-test",
		OAuthProvider:        "tiny",
		OAuthAuthURL:         authServer.URL + "/auth/authorize",
		OAuthTokenURL:        authServer.URL + "/auth/token",
		OAuthClientID:        "client",
		OAuthClientSecret:    "secret",
		OAuthRedirectURI:     "https://gateway.example.com/oauth/tiny/callback",
		OAuthScopes:          []string{"openid"},
		OAuthStateTTL:        10 * time.Minute,
		StateRetention:       time.Hour,
		RefreshFraction:      0.10,
		RefreshMinThreshold:  time.Minute,
		RefreshMaxThreshold:  30 * time.Minute,
		LockTimeout:          time.Second,
		LockPollInterval:     50 * time.Millisecond,
		LockPollAttempts:     10,
		TokenEndpointTimeout: 5 * time.Second,
		UpstreamBaseURL:      upstream.URL,
		ProxyAllowedPaths:    config.DefaultAllowedPaths,
		ProxyRateLimit:       100,
		ProxyRateWindow:      time.Minute,
		ProxyMaxRetries:      1,
		ProxyRetryInitial:    10 * time.Millisecond,
		ProxyCacheTTLs:       config.DefaultCacheTTLs,
		ProxyDefaultCacheTTL: time.Minute,
	}

	m := metrics.New()
	logger := zap.NewNop()
	store := authsvc.NewTokenStore(memory.NewTokenRepo(), memory.NewLocker(), crypto, node, 3, logger)
	states := authsvc.NewStateManager(memory.NewStateStore(), cfg, logger)
	manager := authsvc.NewTokenManager(
		[]domainoauth.ProviderConfig{cfg.ProviderConfig()},
		store,
		states,
		oauthadapter.NewHTTPProviderClient(authServer.Client()),
		authsvc.PolicyFromConfig(cfg),
		logger,
		authsvc.WithMetrics(m),
	)
	_, err = manager.ImportToken(t.Context(), "tiny", &domainoauth.TokenResponse{
		AccessToken:  "access-0",
		RefreshToken: "refresh-0",
		TokenType:    "Bearer",
		ExpiresIn:    14400,
	})
	require.NoError(t, err)

	gateway := proxy.New(manager, cache.New(), upstream.Client(), proxy.OptionsFromConfig(cfg), m, logger)
	cleanup := scheduler.NewCleanup(states, store, time.Hour, 30*24*time.Hour, m, logger)

	env.key, err = apikey.Generate()
	require.NoError(t, err)
	hash, err := apikey.Hash(env.key)
	require.NoError(t, err)
	verifier, err := apikey.NewVerifier(hash)
	require.NoError(t, err)

	env.router = httptransport.NewRouter(
		cfg,
		handler.NewGatewayHandler(manager, gateway, cleanup, logger),
		&httpmiddleware.Admin{Verifier: verifier, Logger: logger},
		middleware.NewRateLimiter(0),
		m,
	)
	return env
}

func (e *gatewayEnv) call(method, target string, authorized bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	if authorized {
		req.Header.Set("Authorization", "Bearer "+e.key)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func TestRouterProxyFlow(t *testing.T) {
	env := newGatewayEnv(t)

	w := env.call(http.MethodGet, "/healthz", false)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.call(http.MethodGet, "/api/produtos", false)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.call(http.MethodGet, "/api/produtos?limit=5", true)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "MISS", w.Header().Get("X-Cache"))
	require.Equal(t, "Bearer access-0", env.lastBearer())
	require.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = env.call(http.MethodGet, "/api/produtos?limit=5", true)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "HIT", w.Header().Get("X-Cache"))

	w = env.call(http.MethodGet, "/api/usuarios", true)
	require.Equal(t, http.StatusForbidden, w.Code)

	w = env.call(http.MethodGet, "/api/produtos/../usuarios", true)
	require.Equal(t, http.StatusForbidden, w.Code)

	w = env.call(http.MethodDelete, "/admin/cache?prefix=produtos", true)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"removed":1}`, w.Body.String())

	w = env.call(http.MethodGet, "/metrics", false)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "erp_gateway_proxy_requests_total")
}

func TestRouterAuthorizationFlow(t *testing.T) {
	env := newGatewayEnv(t)

	w := env.call(http.MethodGet, "/oauth/tiny/authorize", false)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.call(http.MethodGet, "/oauth/tiny/authorize", true)
	require.Equal(t, http.StatusOK, w.Code)
	var start struct {
		AuthorizationURL string `json:"authorization_url"`
		State            string `json:"state"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &start))
	require.NotEmpty(t, start.State)
	require.True(t, strings.Contains(start.AuthorizationURL, "state="+start.State))

	callback := "/oauth/tiny/callback?code=ABC123&state=" + start.State
	exchangedAt := time.Now()
	w = env.call(http.MethodGet, callback, false)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, []string{"ABC123"}, env.codes())

	w = env.call(http.MethodGet, "/oauth/tiny/status", true)
	require.Equal(t, http.StatusOK, w.Code)
	var status struct {
		Token authsvc.TokenStatus `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	require.True(t, status.Token.Connected)
	require.NotNil(t, status.Token.ExpiresAt)
	require.WithinDuration(t, exchangedAt.Add(14400*time.Second), *status.Token.ExpiresAt, 5*time.Second)

	w = env.call(http.MethodGet, callback, false)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "invalid_state")
	require.Len(t, env.codes(), 1)

	w = env.call(http.MethodGet, "/api/estoque/1", true)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "Bearer access-1", env.lastBearer())

	w = env.call(http.MethodPost, "/oauth/tiny/reauth", true)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.call(http.MethodGet, "/api/contatos", true)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = env.call(http.MethodGet, "/oauth/tiny/status", true)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"needs_reauth":true`)
}
