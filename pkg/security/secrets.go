// Package security provides at-rest encryption for IPMI credentials
// (spec §6/§7 "IPMI credentials MUST be encrypted at rest in the
// coordination store"), grounding on the teacher's own
// pkg/security/secrets.go AES-256-GCM core, unchanged, re-pointed from
// generic user secrets at the node.ipmi blob C4/C8 read and write.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
)

// SecretsManager encrypts and decrypts IPMI credential blobs with
// AES-256-GCM.
type SecretsManager struct {
	encryptionKey []byte // 32 bytes for AES-256
}

// NewSecretsManager creates a new secrets manager with the given
// encryption key. The key must be 32 bytes for AES-256-GCM.
func NewSecretsManager(key []byte) (*SecretsManager, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes for AES-256, got %d", len(key))
	}
	return &SecretsManager{encryptionKey: key}, nil
}

// NewSecretsManagerFromClusterID derives a 32-byte key from the
// cluster's identity (its list of coordinators, joined) so every node
// in the cluster can derive the same key independently without a
// separate key-distribution step.
func NewSecretsManagerFromClusterID(clusterID string) (*SecretsManager, error) {
	if clusterID == "" {
		return nil, fmt.Errorf("cluster id cannot be empty")
	}
	hash := sha256.Sum256([]byte(clusterID))
	return NewSecretsManager(hash[:])
}

// Encrypt encrypts plaintext with AES-256-GCM, prepending the nonce to
// the returned ciphertext.
func (sm *SecretsManager) Encrypt(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("cannot encrypt empty data")
	}

	block, err := aes.NewCipher(sm.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt reverses Encrypt.
func (sm *SecretsManager) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("cannot decrypt empty data")
	}

	block, err := aes.NewCipher(sm.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// EncryptIPMIBlob encrypts the newline-joined hostname/username/password
// blob that pkg/keepalive writes to node.ipmi, and base64-encodes the
// result so it remains safe to store as the coordination store's
// opaque-bytes value.
func (sm *SecretsManager) EncryptIPMIBlob(blob string) (string, error) {
	ciphertext, err := sm.Encrypt([]byte(blob))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// DecryptIPMIBlob reverses EncryptIPMIBlob.
func (sm *SecretsManager) DecryptIPMIBlob(encoded string) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode ipmi blob: %w", err)
	}
	plaintext, err := sm.Decrypt(ciphertext)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
