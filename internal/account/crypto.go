package account

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
)

// ErrDecryptFailed is returned when a ciphertext fails AEAD verification.
var ErrDecryptFailed = errors.New("account: refresh token ciphertext failed authentication")

// Box is the authenticated-encryption boundary around refresh token storage.
// There is no AEAD implementation anywhere in this module's dependency
// graph, so the box is built directly on crypto/aes + crypto/cipher's GCM
// construction rather than pulled in as a third-party primitive.
type Box struct {
	gcm cipher.AEAD
}

// NewBox builds a Box from a 32-byte key.
func NewBox(key []byte) (*Box, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("account: encryption key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Box{gcm: gcm}, nil
}

// DeriveFallbackKey produces a deterministic 32-byte key from the given
// material when TOKEN_ENCRYPTION_KEY is unset or is not a valid 32-byte key
// (cmd/gateway then passes the malformed value as material). This exists
// only so the gateway can start in development without a generated secret;
// every call logs a warning because the resulting ciphertext is only as
// secret as the inputs.
func DeriveFallbackKey(material ...string) []byte {
	log.Printf("⚠️ account: TOKEN_ENCRYPTION_KEY not set or not a 32-byte key, deriving an insecure key from process material — do not use in production")
	h := sha256.New()
	for _, m := range material {
		h.Write([]byte(m))
		h.Write([]byte{0})
	}
	return h.Sum(nil)
}

// Encrypt seals plaintext into nonce||ciphertext||tag.
func (b *Box) Encrypt(plaintext string) ([]byte, error) {
	nonce := make([]byte, b.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	sealed := b.gcm.Seal(nil, nonce, []byte(plaintext), nil)
	return append(nonce, sealed...), nil
}

// Decrypt opens a nonce||ciphertext||tag blob produced by Encrypt.
func (b *Box) Decrypt(blob []byte) (string, error) {
	nonceSize := b.gcm.NonceSize()
	if len(blob) < nonceSize {
		return "", ErrDecryptFailed
	}
	nonce, ciphertext := blob[:nonceSize], blob[nonceSize:]
	plaintext, err := b.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrDecryptFailed
	}
	return string(plaintext), nil
}

// Fingerprint returns a one-way hex digest of a refresh token, used as the
// store's uniqueness key so two imports of the same credential dedupe
// without ever comparing plaintext tokens.
func Fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Preview renders a display-safe fragment of a token or its fingerprint:
// the first six and last four characters, or a short masked form for
// anything too short to preview safely.
func Preview(s string) string {
	if len(s) <= 10 {
		if len(s) <= 2 {
			return "***"
		}
		return s[:2] + "***"
	}
	return s[:6] + "..." + s[len(s)-4:]
}

// ConstantTimeEquals compares two secrets without leaking timing
// information, for use on the admin bearer token check.
func ConstantTimeEquals(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
