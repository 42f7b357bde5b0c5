// Package crypto derives the process-wide secret encryption key and seals or
// opens secret values with AES-256-GCM.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// keySalt is the fixed application salt for PBKDF2. Changing it invalidates
// every stored ciphertext.
var keySalt = []byte("eifl-secret-store-v1")

const (
	keyIterations = 100_000
	keyLen        = 32
	// MinKeyLength is the minimum length of the EIFL_ENCRYPTION_KEY input.
	MinKeyLength = 32
)

// ErrKeyTooShort indicates the environment-supplied key material is shorter
// than MinKeyLength characters.
var ErrKeyTooShort = errors.New("encryption key must be at least 32 characters")

// DeriveKey stretches the environment-supplied secret into a 32-byte AES key
// using PBKDF2-HMAC-SHA-256. The result is cached process-wide by the caller;
// derivation itself is deterministic.
func DeriveKey(secret string) ([]byte, error) {
	if len(secret) < MinKeyLength {
		return nil, ErrKeyTooShort
	}
	return pbkdf2.Key([]byte(secret), keySalt, keyIterations, keyLen, sha256.New), nil
}

// Encrypt seals plaintext under key with AES-256-GCM and a fresh 96-bit IV.
// The ciphertext (including the GCM tag) and the IV are returned base64
// encoded for storage in separate columns.
func Encrypt(key []byte, plaintext string) (ciphertext, iv string, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", "", fmt.Errorf("aes.NewCipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", "", fmt.Errorf("cipher.NewGCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", "", fmt.Errorf("rand nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), base64.StdEncoding.EncodeToString(nonce), nil
}

// DecryptError wraps the cause of a failed decryption. Dispatch treats it as
// non-fatal: the one secret is omitted from the job payload.
type DecryptError struct {
	Cause error
}

func (e *DecryptError) Error() string { return fmt.Sprintf("decrypt failed: %v", e.Cause) }

func (e *DecryptError) Unwrap() error { return e.Cause }

// Decrypt opens a base64 ciphertext/IV pair produced by Encrypt. Any failure
// (bad encoding, wrong key, truncated data) is reported as a *DecryptError.
func Decrypt(key []byte, ciphertext, iv string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", &DecryptError{Cause: fmt.Errorf("base64 ciphertext: %w", err)}
	}
	nonce, err := base64.StdEncoding.DecodeString(iv)
	if err != nil {
		return "", &DecryptError{Cause: fmt.Errorf("base64 iv: %w", err)}
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", &DecryptError{Cause: err}
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", &DecryptError{Cause: err}
	}
	if len(nonce) != gcm.NonceSize() {
		return "", &DecryptError{Cause: errors.New("iv has wrong length")}
	}

	plaintext, err := gcm.Open(nil, nonce, data, nil)
	if err != nil {
		return "", &DecryptError{Cause: err}
	}
	return string(plaintext), nil
}
