package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	keyHexLen = 64 // 32 bytes, AES-256
	nonceSize = 12
	tagSize   = 16
	separator = "."
)

var (
	// ErrConfig means the signing key is missing or is not 64 hex characters.
	ErrConfig = errors.New("secrets: signing key must be a 64-character hex string")
	// ErrFormat means a serialized secret is not nonce.ciphertext.tag hex.
	ErrFormat = errors.New("secrets: malformed encrypted secret")
	// ErrAuth means the authentication tag did not verify.
	ErrAuth = errors.New("secrets: authentication failed")
)

// Cipher encrypts subscription signing secrets at rest with AES-256-GCM.
// A Cipher is safe for concurrent use.
type Cipher struct {
	aead cipher.AEAD
}

// New builds a Cipher from a 64-character hex key.
func New(keyHex string) (*Cipher, error) {
	keyHex = strings.TrimSpace(keyHex)
	if len(keyHex) != keyHexLen {
		return nil, ErrConfig
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secrets: create cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("secrets: create gcm: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random nonce and returns
// hex(nonce) "." hex(ciphertext) "." hex(tag).
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if c == nil {
		return "", ErrConfig
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("secrets: nonce generation failed: %w", err)
	}
	sealed := c.aead.Seal(nil, nonce, []byte(plaintext), nil)
	body, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	return strings.Join([]string{
		hex.EncodeToString(nonce),
		hex.EncodeToString(body),
		hex.EncodeToString(tag),
	}, separator), nil
}

// Decrypt reverses Encrypt. Tampering with any segment yields ErrAuth or ErrFormat,
// never altered plaintext.
func (c *Cipher) Decrypt(serialized string) (string, error) {
	if c == nil {
		return "", ErrConfig
	}
	parts := strings.Split(serialized, separator)
	if len(parts) != 3 {
		return "", fmt.Errorf("%w: expected 3 segments, got %d", ErrFormat, len(parts))
	}
	nonce, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("%w: nonce: %v", ErrFormat, err)
	}
	body, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("%w: ciphertext: %v", ErrFormat, err)
	}
	tag, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("%w: tag: %v", ErrFormat, err)
	}
	if len(nonce) != nonceSize || len(tag) != tagSize {
		return "", fmt.Errorf("%w: nonce or tag has wrong length", ErrFormat)
	}

	sealed := make([]byte, 0, len(body)+len(tag))
	sealed = append(sealed, body...)
	sealed = append(sealed, tag...)
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrAuth
	}
	return string(plaintext), nil
}

// GenerateKey returns a new random key suitable for New.
func GenerateKey() (string, error) {
	return randomHex(32)
}

// NewSigningSecret returns a fresh subscription signing secret. Subscribers see it
// once, at creation or rotation.
func NewSigningSecret() (string, error) {
	h, err := randomHex(32)
	if err != nil {
		return "", err
	}
	return "whsec_" + h, nil
}

// HashSecret returns the lowercase hex sha256 of a plaintext secret.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", fmt.Errorf("secrets: random read: %w", err)
	}
	return hex.EncodeToString(b), nil
}
