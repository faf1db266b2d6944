package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/apikey"
)

// Admin guards operator routes with a bearer API key.
type Admin struct {
	Verifier *apikey.Verifier
	Logger   *zap.Logger
}

// RequireKey rejects requests without a valid admin key. When no key hash is
// configured every admin route answers 403.
func (m *Admin) RequireKey(c *gin.Context) {
	if !m.Verifier.Enabled() {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin_disabled", "error_description": "Admin API key not configured."})
		return
	}
	header := c.GetHeader("Authorization")
	if header == "" {
		c.Header("WWW-Authenticate", `Bearer realm="erp-gateway"`)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Authorization header required."})
		return
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Bearer token required."})
		return
	}
	if !m.Verifier.Check(strings.TrimSpace(parts[1])) {
		m.log().Warn("admin key rejected",
			zap.String("event", "security"),
			zap.String("client_ip", c.ClientIP()),
			zap.String("path", c.Request.URL.Path),
		)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Invalid API key."})
		return
	}
	c.Next()
}

func (m *Admin) log() *zap.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return zap.L()
}
