package bootstrap

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	domainoauth "github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/domain/oauth"
	"github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/service/auth"
)

type fakeManager struct {
	auth.TokenManager
	status   auth.TokenStatus
	imported []*domainoauth.TokenResponse
}

func (f *fakeManager) Status(context.Context, string) (*auth.TokenStatus, error) {
	s := f.status
	return &s, nil
}

func (f *fakeManager) ImportToken(_ context.Context, _ string, tok *domainoauth.TokenResponse) (*auth.TokenStatus, error) {
	f.imported = append(f.imported, tok)
	return &auth.TokenStatus{Connected: true}, nil
}

const bundleJSON = `{"access_token":"tiny-access","refresh_token":"tiny-refresh","token_type":"bearer","expires_in":14400}`

func TestDecodeBundle(t *testing.T) {
	for _, encoded := range []string{
		base64.StdEncoding.EncodeToString([]byte(bundleJSON)),
		base64.RawURLEncoding.EncodeToString([]byte(bundleJSON)),
		bundleJSON,
	} {
		bundle, err := DecodeBundle(encoded)
		require.NoError(t, err)
		require.Equal(t, "tiny-access", bundle.AccessToken)
		require.Equal(t, "tiny-refresh", bundle.RefreshToken)
		require.EqualValues(t, 14400, bundle.ExpiresIn)
	}

	_, err := DecodeBundle("!!!")
	require.Error(t, err)
	_, err = DecodeBundle(base64.StdEncoding.EncodeToString([]byte(`{"access_token":"a"}`)))
	require.Error(t, err)
}

func TestImportTokensOnlyWhenMissing(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte(bundleJSON))

	empty := &fakeManager{}
	imported, err := importTokens(t.Context(), "tiny", encoded, empty, zap.NewNop())
	require.NoError(t, err)
	require.True(t, imported)
	require.Len(t, empty.imported, 1)
	require.Equal(t, "tiny-refresh", empty.imported[0].RefreshToken)

	expires := time.Now().Add(time.Hour)
	present := &fakeManager{status: auth.TokenStatus{Connected: true, ExpiresAt: &expires}}
	imported, err = importTokens(t.Context(), "tiny", encoded, present, zap.NewNop())
	require.NoError(t, err)
	require.False(t, imported)
	require.Empty(t, present.imported)

	reauth := &fakeManager{status: auth.TokenStatus{NeedsReauth: true, ExpiresAt: &expires}}
	imported, err = importTokens(t.Context(), "tiny", encoded, reauth, zap.NewNop())
	require.NoError(t, err)
	require.True(t, imported)
}
