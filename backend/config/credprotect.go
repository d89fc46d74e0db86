// credprotect.go protects the opaque credential files spec.md leaves
// path-managed (credentials.json, token.pickle) at rest, adapted from
// backend/services/auth_service.go's Argon2id key derivation and
// AES-256-GCM file sealing — stripped of that file's session/lockout
// machinery, since this agent has no interactive unlock UI of its own;
// syncctl calls these directly around a password prompt.
package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"

	"golang.org/x/crypto/argon2"
)

const (
	credArgon2Memory      = 64 * 1024
	credArgon2Iterations  = 3
	credArgon2Parallelism = 4
	credArgon2KeyLen      = 32
	credArgon2SaltLen     = 32
)

// SecurityConfig persists the salt a credential-protection password was
// last derived with. The password itself is never stored.
type SecurityConfig struct {
	CredentialProtectionEnabled bool   `yaml:"credential_protection_enabled"`
	CredentialSaltB64           string `yaml:"credential_salt,omitempty"`
}

// NewCredentialSalt generates a fresh random salt for a new password.
func NewCredentialSalt() ([]byte, error) {
	salt := make([]byte, credArgon2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("config: generate salt: %w", err)
	}
	return salt, nil
}

// DeriveCredentialKey derives a 32-byte AES-256 key from password and salt.
func DeriveCredentialKey(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, credArgon2Iterations, credArgon2Memory, credArgon2Parallelism, credArgon2KeyLen)
}

func EncodeSalt(salt []byte) string { return base64.RawStdEncoding.EncodeToString(salt) }

func DecodeSalt(s string) ([]byte, error) { return base64.RawStdEncoding.DecodeString(s) }

// EncryptCredentialFile encrypts path under key, writing path+".enc" and
// removing the plaintext. Mirrors auth_service.go's encryptConfigFiles,
// generalized to any single opaque credential file instead of a fixed
// rclone.conf/ng-drive.db pair.
func EncryptCredentialFile(path string, key []byte) error {
	plaintext, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	ciphertext, err := sealCredentialBytes(plaintext, key)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path+".enc", ciphertext, 0600); err != nil {
		return fmt.Errorf("config: write %s.enc: %w", path, err)
	}
	return os.Remove(path)
}

// DecryptCredentialFile reverses EncryptCredentialFile.
func DecryptCredentialFile(path string, key []byte) error {
	encPath := path + ".enc"
	ciphertext, err := os.ReadFile(encPath)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", encPath, err)
	}
	plaintext, err := openCredentialBytes(ciphertext, key)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, plaintext, 0600); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return os.Remove(encPath)
}

// sealCredentialBytes/openCredentialBytes carry the teacher's
// [nonce][ciphertext+tag] AES-256-GCM framing exactly.
func sealCredentialBytes(plaintext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("config: cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("config: gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("config: nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func openCredentialBytes(ciphertext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("config: cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("config: gcm: %w", err)
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("config: ciphertext too short")
	}
	nonce, ct := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("config: decrypt: wrong password or corrupted data")
	}
	return plaintext, nil
}
