package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// KeySize is the required AES-256 key length in bytes.
const KeySize = 32

const versionPrefix = "v1."

var (
	// ErrInvalidKey is returned for a missing or wrong-length key.
	ErrInvalidKey = errors.New("encryption: key must be 32 bytes")
	// ErrEncryption wraps failures while sealing a payload.
	ErrEncryption = errors.New("encryption: encrypt failed")
	// ErrDecryption is returned when a ciphertext is malformed or fails authentication.
	ErrDecryption = errors.New("encryption: decrypt failed")
)

// Service seals secrets at rest with AES-256-GCM. It holds no mutable state
// and is safe for concurrent use.
type Service struct {
	aead cipher.AEAD
}

// New validates key and builds the AEAD.
func New(key []byte) (*Service, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidKey, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return &Service{aead: aead}, nil
}

// NewFromBase64 decodes a standard or URL-safe base64 key.
func NewFromBase64(encoded string) (*Service, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	key, err := decodeKey(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return New(key)
}

// GenerateKey returns a fresh base64-encoded key.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// Encrypt seals plaintext with a random nonce.
func (s *Service) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("%w: nonce: %v", ErrEncryption, err)
	}
	sealed := s.aead.Seal(nonce, nonce, plaintext, nil)
	return versionPrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a payload produced by Encrypt.
func (s *Service) Decrypt(ciphertext string) ([]byte, error) {
	if !strings.HasPrefix(ciphertext, versionPrefix) {
		return nil, fmt.Errorf("%w: unknown format", ErrDecryption)
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(ciphertext, versionPrefix))
	if err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrDecryption, err)
	}
	nonceSize := s.aead.NonceSize()
	if len(raw) < nonceSize+s.aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryption)
	}
	plaintext, err := s.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", ErrDecryption)
	}
	return plaintext, nil
}

// EncryptString is Encrypt for string secrets.
func (s *Service) EncryptString(plaintext string) (string, error) {
	return s.Encrypt([]byte(plaintext))
}

// DecryptString is Decrypt for string secrets.
func (s *Service) DecryptString(ciphertext string) (string, error) {
	plaintext, err := s.Decrypt(ciphertext)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// Mask returns a representation of token that is safe to log.
func Mask(token string) string {
	const visible = 4
	if len(token) <= 2*visible {
		return "****"
	}
	return token[:visible] + "..." + token[len(token)-visible:]
}

func decodeKey(encoded string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		if key, err := enc.DecodeString(encoded); err == nil {
			return key, nil
		}
	}
	return nil, errors.New("key is not valid base64")
}
