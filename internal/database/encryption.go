package database

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"os"

	"chatengine/internal/constants"
	"chatengine/internal/models"

	"golang.org/x/crypto/pbkdf2"
)

const (
	envEncryptionEnabled = "CHATENGINE_ENABLE_ENCRYPTION"
	envEncryptionSecret  = "CHATENGINE_ENCRYPTION_SECRET"
)

// encryptor protects credentials and message content at rest. A nil gcm
// means encryption is disabled and values pass through unchanged.
type encryptor struct {
	gcm cipher.AEAD
}

// NewEncryptor reads CHATENGINE_ENABLE_ENCRYPTION and CHATENGINE_ENCRYPTION_SECRET.
func NewEncryptor() (*encryptor, error) {
	if os.Getenv(envEncryptionEnabled) != "true" {
		return &encryptor{}, nil
	}
	return NewEncryptorWithSecret(os.Getenv(envEncryptionSecret))
}

// NewEncryptorWithSecret derives an AES-256-GCM key from secret.
func NewEncryptorWithSecret(secret string) (*encryptor, error) {
	key, err := deriveKey(secret)
	if err != nil {
		return nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &encryptor{gcm: gcm}, nil
}

func deriveKey(secret string) ([]byte, error) {
	if secret == "" {
		return nil, fmt.Errorf("%s is required when encryption is enabled", envEncryptionSecret)
	}
	if len(secret) < 32 {
		return nil, fmt.Errorf("encryption secret must be at least 32 characters long")
	}
	return pbkdf2.Key([]byte(secret), []byte(constants.EncryptionSalt), models.Iterations, models.KeySize, sha256.New), nil
}

// Enabled reports whether values are actually encrypted.
func (e *encryptor) Enabled() bool {
	return e != nil && e.gcm != nil
}

func (e *encryptor) Encrypt(plaintext string) (string, error) {
	if plaintext == "" || !e.Enabled() {
		return plaintext, nil
	}

	nonce := make([]byte, models.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return e.seal(nonce, plaintext), nil
}

// EncryptForLookup is deterministic so the ciphertext can be used in WHERE
// clauses and unique indexes.
func (e *encryptor) EncryptForLookup(plaintext string) (string, error) {
	if plaintext == "" || !e.Enabled() {
		return plaintext, nil
	}
	hash := sha256.Sum256([]byte(plaintext + constants.EncryptionLookupSalt))
	// #nosec G407 - deterministic nonce is required for searchable encryption
	return e.seal(hash[:models.NonceSize], plaintext), nil
}

func (e *encryptor) seal(nonce []byte, plaintext string) string {
	ciphertext := e.gcm.Seal(nil, nonce, []byte(plaintext), nil)
	out := make([]byte, 0, len(nonce)+len(ciphertext))
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	return base64.StdEncoding.EncodeToString(out)
}

func (e *encryptor) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" || !e.Enabled() {
		return ciphertext, nil
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}
	if len(data) < models.NonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, body := data[:models.NonceSize], data[models.NonceSize:]
	plaintext, err := e.gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}
