package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/cache"
	domainoauth "github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/domain/oauth"
	"github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/http/middleware"
	"github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/proxy"
	"github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/scheduler"
	authsvc "github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/service/auth"
)

const maxProxyBody = 1 << 20

// Proxy is the upstream gateway as seen by the HTTP layer.
type Proxy interface {
	Do(ctx context.Context, req proxy.Request) (*proxy.Response, error)
	Probe(ctx context.Context) error
	Stats() proxy.Stats
	CacheStats() cache.Stats
	InvalidateCache(prefix string) int
}

// CleanupTrigger runs the cleanup job on demand.
type CleanupTrigger interface {
	Trigger(ctx context.Context) (scheduler.Result, error)
}

// GatewayHandler serves the OAuth lifecycle, admin and proxy routes.
type GatewayHandler struct {
	Tokens  authsvc.TokenManager
	Proxy   Proxy
	Cleanup CleanupTrigger
	Logger  *zap.Logger
}

// NewGatewayHandler creates the handler set.
func NewGatewayHandler(tokens authsvc.TokenManager, p Proxy, cleanup CleanupTrigger, logger *zap.Logger) *GatewayHandler {
	return &GatewayHandler{Tokens: tokens, Proxy: p, Cleanup: cleanup, Logger: logger}
}

func (h *GatewayHandler) log() *zap.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return zap.L()
}

// Healthz reports liveness.
func (h *GatewayHandler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Authorize starts the authorization-code flow for a provider.
func (h *GatewayHandler) Authorize(c *gin.Context) {
	start, err := h.Tokens.StartAuthorization(c.Request.Context(), c.Param("provider"), strings.TrimSpace(c.Query("user_id")))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if c.Query("redirect") == "1" {
		c.Redirect(http.StatusFound, start.AuthorizationURL)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"authorization_url": start.AuthorizationURL,
		"state":             start.State,
		"expires_at":        start.ExpiresAt,
	})
}

// Callback completes the flow. Failures get a generic message so the
// response does not reveal why a state was rejected.
func (h *GatewayHandler) Callback(c *gin.Context) {
	provider := c.Param("provider")
	if denied := strings.TrimSpace(c.Query("error")); denied != "" {
		h.log().Warn("authorization denied by provider",
			zap.String("provider", provider),
			zap.String("error", denied),
		)
		c.JSON(http.StatusBadRequest, gin.H{"error": "access_denied", "error_description": "Authorization was not granted."})
		return
	}

	status, err := h.Tokens.ExchangeCode(c.Request.Context(), provider, c.Query("code"), c.Query("state"))
	if err != nil {
		if errors.Is(err, domainoauth.ErrInvalidRequest) {
			err = domainoauth.ErrInvalidState
		}
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "connected", "token": status})
}

type exchangeRequest struct {
	Code string `json:"code" binding:"required"`
}

// Exchange trades a code obtained out of band.
func (h *GatewayHandler) Exchange(c *gin.Context) {
	var req exchangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "code is required."})
		return
	}
	status, err := h.Tokens.ExchangeCodeDirect(c.Request.Context(), c.Param("provider"), req.Code)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "connected", "token": status})
}

// Status reports the credential and proxy counters. With probe=1 it also
// makes one upstream call.
func (h *GatewayHandler) Status(c *gin.Context) {
	ctx := c.Request.Context()
	status, err := h.Tokens.Status(ctx, c.Param("provider"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	body := gin.H{
		"token":       status,
		"cache_stats": h.Proxy.CacheStats(),
		"proxy_stats": h.Proxy.Stats(),
	}
	if c.Query("probe") == "1" {
		probeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		if err := h.Proxy.Probe(probeCtx); err != nil {
			body["upstream"] = gin.H{"ok": false, "error": errorCode(err)}
		} else {
			body["upstream"] = gin.H{"ok": true}
		}
	}
	c.JSON(http.StatusOK, body)
}

// Reauth marks the credential unusable until the flow is repeated.
func (h *GatewayHandler) Reauth(c *gin.Context) {
	provider := c.Param("provider")
	if err := h.Tokens.ForceReauth(c.Request.Context(), provider); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reauthorization_required", "provider": provider})
}

// InvalidateCache drops cached upstream responses by path prefix.
func (h *GatewayHandler) InvalidateCache(c *gin.Context) {
	removed := h.Proxy.InvalidateCache(c.Query("prefix"))
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

// TriggerCleanup runs the cleanup job now.
func (h *GatewayHandler) TriggerCleanup(c *gin.Context) {
	res, err := h.Cleanup.Trigger(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ProxyRequest forwards /api/<path> to the upstream API.
func (h *GatewayHandler) ProxyRequest(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxProxyBody+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Request body unreadable."})
		return
	}
	if len(body) > maxProxyBody {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "invalid_request", "error_description": "Request body too large."})
		return
	}

	resp, err := h.Proxy.Do(c.Request.Context(), proxy.Request{
		Method: c.Request.Method,
		Path:   strings.TrimPrefix(c.Request.URL.EscapedPath(), "/api"),
		Query:  c.Request.URL.Query(),
		Body:   body,
		Caller: middleware.CallerID(c),
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	if resp.Cached {
		c.Header("X-Cache", "HIT")
	} else {
		c.Header("X-Cache", "MISS")
	}
	contentType := resp.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	c.Data(resp.StatusCode, contentType, resp.Body)
}

func (h *GatewayHandler) respondError(c *gin.Context, err error) {
	logger := h.log().With(zap.String("request_id", middleware.RequestID(c)))
	var limited *domainoauth.RateLimitedError
	switch {
	case errors.As(err, &limited):
		c.Header("Retry-After", strconv.Itoa(retryAfterSeconds(limited.RetryAfter)))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited", "error_description": "Too many upstream calls. Retry later."})
	case errors.Is(err, domainoauth.ErrProviderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "provider_not_found", "error_description": "Provider not configured."})
	case errors.Is(err, domainoauth.ErrInvalidState):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_state", "error_description": "Authorization could not be completed."})
	case errors.Is(err, domainoauth.ErrInvalidRequest):
		logger.Warn("invalid request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "The request could not be processed."})
	case errors.Is(err, domainoauth.ErrForbiddenPath):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden_path", "error_description": "Path is not allowed."})
	case errors.Is(err, domainoauth.ErrUpstreamAuth):
		logger.Error("upstream authentication failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "upstream_auth_failed", "error_description": "Upstream rejected the credential."})
	case errors.Is(err, domainoauth.ErrReauthRequired), errors.Is(err, domainoauth.ErrTokenNotFound):
		logger.Warn("provider not authorized", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service_unavailable", "error_description": "Provider authorization required."})
	case errors.Is(err, domainoauth.ErrLockTimeout),
		errors.Is(err, domainoauth.ErrRefreshFailed),
		errors.Is(err, domainoauth.ErrUpstreamUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		logger.Warn("upstream unavailable", zap.Error(err))
		c.Header("Retry-After", "5")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service_unavailable", "error_description": "Upstream temporarily unavailable."})
	case errors.Is(err, context.Canceled):
		c.Status(499)
	default:
		logger.Error("gateway failure", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Internal server error."})
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, domainoauth.ErrReauthRequired), errors.Is(err, domainoauth.ErrTokenNotFound):
		return "reauth_required"
	case errors.Is(err, domainoauth.ErrUpstreamAuth):
		return "upstream_auth_failed"
	case errors.Is(err, domainoauth.ErrRateLimited):
		return "rate_limited"
	default:
		return "upstream_unavailable"
	}
}

func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
