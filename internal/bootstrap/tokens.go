package bootstrap

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/config"
	domainoauth "github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/domain/oauth"
	"github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/encryption"
	"github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/service/auth"
)

// TokenBundle is a token endpoint response exported by an operator.
type TokenBundle struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
	ExpiresIn    int64  `json:"expires_in"`
}

// ImportTokens seeds the credential store from TINY_OAUTH_TOKENS on startup
// when the provider has no credential yet.
func ImportTokens(lc fx.Lifecycle, cfg config.Config, manager auth.TokenManager, logger *zap.Logger) {
	if cfg.BootstrapTokens == "" {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			imported, err := importTokens(ctx, cfg.OAuthProvider, cfg.BootstrapTokens, manager, logger)
			if err != nil {
				// startup continues; the authorization flow still works
				logger.Error("token bootstrap failed", zap.Error(err))
				return nil
			}
			if imported {
				logger.Info("provider credential imported from environment", zap.String("provider", cfg.OAuthProvider))
			}
			return nil
		},
	})
}

func importTokens(ctx context.Context, provider, encoded string, manager auth.TokenManager, logger *zap.Logger) (bool, error) {
	status, err := manager.Status(ctx, provider)
	if err != nil {
		return false, fmt.Errorf("bootstrap status: %w", err)
	}
	if status.ExpiresAt != nil && !status.NeedsReauth {
		logger.Debug("credential already present, skipping token bootstrap", zap.String("provider", provider))
		return false, nil
	}

	bundle, err := DecodeBundle(encoded)
	if err != nil {
		return false, err
	}
	tok := &domainoauth.TokenResponse{
		AccessToken:  bundle.AccessToken,
		RefreshToken: bundle.RefreshToken,
		TokenType:    bundle.TokenType,
		Scope:        bundle.Scope,
		ExpiresIn:    bundle.ExpiresIn,
	}
	if _, err := manager.ImportToken(ctx, provider, tok); err != nil {
		return false, fmt.Errorf("bootstrap import: %w", err)
	}
	logger.Info("bootstrap token accepted", zap.String("access_token", encryption.Mask(bundle.AccessToken)))
	return true, nil
}

// DecodeBundle accepts base64 (standard or URL alphabet) encoded JSON, or the
// JSON itself.
func DecodeBundle(encoded string) (TokenBundle, error) {
	encoded = strings.TrimSpace(encoded)
	raw := []byte(encoded)
	if !strings.HasPrefix(encoded, "{") {
		var err error
		raw, err = decodeBase64(encoded)
		if err != nil {
			return TokenBundle{}, err
		}
	}
	var bundle TokenBundle
	if err := json.Unmarshal(raw, &bundle); err != nil {
		return TokenBundle{}, fmt.Errorf("decode token bundle: %w", err)
	}
	if bundle.AccessToken == "" || bundle.RefreshToken == "" {
		return TokenBundle{}, errors.New("token bundle needs access_token and refresh_token")
	}
	return bundle, nil
}

func decodeBase64(s string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		if out, err := enc.DecodeString(s); err == nil {
			return out, nil
		}
	}
	return nil, errors.New("token bundle is not valid base64")
}
