// Package keyvault encrypts private key material at rest.
//
// Each account gets its own encryption key, derived from the server master
// secret and the account id with HKDF-SHA256. Blobs are AES-256-GCM in the
// form "<nonce>:<ciphertext>:<tag>" (hex fields). Any bit flip fails
// authentication and surfaces ErrDecryption; garbage plaintext is never
// produced. Nothing in this package persists or logs plaintext.
package keyvault

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

	"golang.org/x/crypto/hkdf"
)

// ErrDecryption is returned for any tampered, truncated, or malformed blob.
var ErrDecryption = errors.New("keyvault: decryption failed")

const keySize = 32

// derivation context, fixed so derived keys are stable across restarts
var hkdfSalt = []byte("moorgate-keyvault-v1")

// DeriveKey derives the per-account encryption key from the master secret.
// The derivation is deterministic and one-way; the master secret is never
// used directly as a cipher key.
func DeriveKey(masterSecret, accountID string) ([]byte, error) {
	if masterSecret == "" {
		return nil, errors.New("keyvault: master secret is empty")
	}
	kdf := hkdf.New(sha256.New, []byte(masterSecret), hkdfSalt, []byte(accountID))
	key := make([]byte, keySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return key, nil
}

// Encrypt seals plaintext under the given account key and returns
// "<nonce>:<ciphertext>:<tag>" with hex-encoded fields.
func Encrypt(plaintext []byte, key []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	// gcm.Seal appends the tag to the ciphertext; split for the storage format
	ct := sealed[:len(sealed)-gcm.Overhead()]
	tag := sealed[len(sealed)-gcm.Overhead():]
	return strings.Join([]string{
		hex.EncodeToString(nonce),
		hex.EncodeToString(ct),
		hex.EncodeToString(tag),
	}, ":"), nil
}

// Decrypt opens a "<nonce>:<ciphertext>:<tag>" blob. Format errors and
// authentication failures are indistinguishable to the caller.
func Decrypt(blob string, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	parts := strings.Split(blob, ":")
	if len(parts) != 3 {
		return nil, ErrDecryption
	}
	nonce, err := hex.DecodeString(parts[0])
	if err != nil || len(nonce) != gcm.NonceSize() {
		return nil, ErrDecryption
	}
	ct, err := hex.DecodeString(parts[1])
	if err != nil {
		return nil, ErrDecryption
	}
	tag, err := hex.DecodeString(parts[2])
	if err != nil || len(tag) != gcm.Overhead() {
		return nil, ErrDecryption
	}

	plaintext, err := gcm.Open(nil, nonce, append(ct, tag...), nil)
	if err != nil {
		return nil, ErrDecryption
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("keyvault: key must be %d bytes, got %d", keySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes: %w", err)
	}
	return cipher.NewGCM(block)
}

// Mask renders a secret for display, keeping only the last 4 characters.
func Mask(value string) string {
	if value == "" {
		return ""
	}
	if len(value) > 4 {
		return "****" + value[len(value)-4:]
	}
	return "****"
}
