package encryption_test

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/encryption"
)

func newService(t *testing.T) *encryption.Service {
	t.Helper()
	key, err := encryption.GenerateKey()
	require.NoError(t, err)
	svc, err := encryption.NewFromBase64(key)
	require.NoError(t, err)
	return svc
}

func TestRoundTripArbitraryPayloads(t *testing.T) {
	svc := newService(t)
	payloads := [][]byte{nil, {}, []byte("refresh-token"), {0x00, 0xff, 0x10}}
	for i := 0; i < 32; i++ {
		buf := make([]byte, i*37)
		_, _ = rand.Read(buf)
		payloads = append(payloads, buf)
	}

	for _, p := range payloads {
		sealed, err := svc.Encrypt(p)
		require.NoError(t, err)
		opened, err := svc.Decrypt(sealed)
		require.NoError(t, err)
		require.True(t, bytes.Equal(p, opened) || (len(p) == 0 && len(opened) == 0))
	}
}

func TestEncryptUsesFreshNonce(t *testing.T) {
	svc := newService(t)
	a, err := svc.EncryptString("same")
	require.NoError(t, err)
	b, err := svc.EncryptString("same")
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestDecryptRejectsTampering(t *testing.T) {
	svc := newService(t)
	sealed, err := svc.EncryptString("refresh-token-value")
	require.NoError(t, err)

	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(sealed, "v1."))
	require.NoError(t, err)
	for i := range raw {
		mutated := append([]byte(nil), raw...)
		mutated[i] ^= 0x01
		_, err := svc.Decrypt("v1." + base64.RawURLEncoding.EncodeToString(mutated))
		require.ErrorIs(t, err, encryption.ErrDecryption)
	}

	_, err = svc.Decrypt("v1.AAAA")
	require.ErrorIs(t, err, encryption.ErrDecryption)
	_, err = svc.Decrypt("garbage")
	require.ErrorIs(t, err, encryption.ErrDecryption)
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	sealed, err := newService(t).EncryptString("secret")
	require.NoError(t, err)
	_, err = newService(t).DecryptString(sealed)
	require.ErrorIs(t, err, encryption.ErrDecryption)
}

func TestKeyValidation(t *testing.T) {
	_, err := encryption.New(make([]byte, 16))
	require.ErrorIs(t, err, encryption.ErrInvalidKey)

	_, err = encryption.NewFromBase64("")
	require.ErrorIs(t, err, encryption.ErrInvalidKey)

	_, err = encryption.NewFromBase64("not base64 !!")
	require.ErrorIs(t, err, encryption.ErrInvalidKey)

	_, err = encryption.NewFromBase64(base64.StdEncoding.EncodeToString(make([]byte, 31)))
	require.ErrorIs(t, err, encryption.ErrInvalidKey)

	_, err = encryption.New(make([]byte, encryption.KeySize))
	require.NoError(t, err)
}

func TestMask(t *testing.T) {
	require.Equal(t, "****", encryption.Mask(""))
	require.Equal(t, "****", encryption.Mask("12345678"))
	masked := encryption.Mask("abcd-secret-middle-wxyz")
	require.Equal(t, "abcd...wxyz", masked)
	require.NotContains(t, masked, "secret")
}
