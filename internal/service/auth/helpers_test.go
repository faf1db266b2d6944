package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	oauthadapter "github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/adapter/oauth"
	"github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/config"
	domainoauth "github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/domain/oauth"
	"github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/encryption"
	"github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/repository/memory"
)

const testProvider = "tiny"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeAuthServer is a token endpoint that counts every grant it receives.
type fakeAuthServer struct {
	*httptest.Server
	calls    atomic.Int32
	mu       sync.Mutex
	handler  http.HandlerFunc
	lastForm url.Values
}

func newFakeAuthServer(t *testing.T) *fakeAuthServer {
	t.Helper()
	f := &fakeAuthServer{}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.calls.Add(1)
		_ = r.ParseForm()
		f.mu.Lock()
		h := f.handler
		f.lastForm = r.PostForm
		f.mu.Unlock()
		h(w, r)
	}))
	t.Cleanup(f.Close)
	f.respond(tokenHandler("access-1", "refresh-1", 14400, 0))
	return f
}

func (f *fakeAuthServer) respond(h http.HandlerFunc) {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
}

func (f *fakeAuthServer) form() url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastForm
}

func tokenHandler(access, refresh string, expiresIn int, delay time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if delay > 0 {
			time.Sleep(delay)
		}
		body := map[string]any{
			"access_token": access,
			"token_type":   "bearer",
			"expires_in":   expiresIn,
		}
		if refresh != "" {
			body["refresh_token"] = refresh
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	}
}

func errorHandler(status int, code string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
	}
}

type harness struct {
	clock    *testClock
	server   *fakeAuthServer
	repo     *memory.TokenRepo
	states   *memory.StateStore
	locker   *memory.Locker
	crypto   *encryption.Service
	store    *TokenStore
	stateMgr *StateManager
	manager  TokenManager
	policy   RefreshPolicy
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	key, err := encryption.GenerateKey()
	require.NoError(t, err)
	crypto, err := encryption.NewFromBase64(key)
	require.NoError(t, err)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	h := &harness{
		clock:  newTestClock(),
		server: newFakeAuthServer(t),
		repo:   memory.NewTokenRepo(),
		states: memory.NewStateStore(),
		locker: memory.NewLocker(),
		crypto: crypto,
		policy: RefreshPolicy{
			Fraction:        0.10,
			MinThreshold:    time.Minute,
			MaxThreshold:    30 * time.Minute,
			LockTimeout:     200 * time.Millisecond,
			PollInterval:    50 * time.Millisecond,
			PollAttempts:    20,
			EndpointTimeout: 5 * time.Second,
		},
	}
	cfg := config.Config{
		OAuthRedirectURI: "https://gateway.example.com/oauth/tiny/callback",
		OAuthStateTTL:    10 * time.Minute,
		StateRetention:   time.Hour,
	}
	h.store = NewTokenStore(h.repo, h.locker, crypto, node, 3, zap.NewNop(), WithClock(h.clock.Now))
	h.stateMgr = NewStateManager(h.states, cfg, zap.NewNop(), WithClock(h.clock.Now))
	h.manager = h.newManager()
	return h
}

// newManager builds another manager over the same store, as a second
// gateway instance would.
func (h *harness) newManager() TokenManager {
	return NewTokenManager(
		[]domainoauth.ProviderConfig{h.providerConfig()},
		h.store,
		h.stateMgr,
		oauthadapter.NewHTTPProviderClient(h.server.Client()),
		h.policy,
		zap.NewNop(),
		WithClock(h.clock.Now),
	)
}

func (h *harness) providerConfig() domainoauth.ProviderConfig {
	return domainoauth.ProviderConfig{
		Name:         testProvider,
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		AuthURL:      h.server.URL + "/auth/authorize",
		TokenURL:     h.server.URL + "/auth/token",
		RedirectURI:  "https://gateway.example.com/oauth/tiny/callback",
		Scopes:       []string{"openid"},
	}
}

// seed stores a four hour credential at the current clock time.
func (h *harness) seed(t *testing.T) {
	t.Helper()
	_, err := h.store.Store(t.Context(), testProvider, &domainoauth.TokenResponse{
		AccessToken:  "access-0",
		RefreshToken: "refresh-0",
		TokenType:    "Bearer",
		ExpiresIn:    4 * 3600,
	})
	require.NoError(t, err)
}
