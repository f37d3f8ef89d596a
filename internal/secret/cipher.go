// Package secret implements the credential-at-rest codec used by the store.
//
// Each encrypted field is carried as "ivHex:authTagHex:cipherHex" where the
// payload is sealed with AES-256-GCM using a 16-byte IV and 16-byte auth tag.
// The 32-byte key is the SHA-256 of a process-wide secret.
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	ivSize  = 16
	tagSize = 16
)

// Sentinel errors for decryption failures.
var (
	ErrNotEncrypted     = fmt.Errorf("value is not in encrypted form")
	ErrDecryptionFailed = fmt.Errorf("decryption failed")
)

// Cipher seals and opens credential fields with a fixed process-wide key.
type Cipher struct {
	key [32]byte
}

// NewCipher derives the AES-256 key from the given process secret.
// An empty secret is a startup-fatal configuration error.
func NewCipher(processSecret string) (*Cipher, error) {
	if processSecret == "" {
		return nil, fmt.Errorf("encryption secret must not be empty")
	}
	return &Cipher{key: sha256.Sum256([]byte(processSecret))}, nil
}

// Encrypt seals plaintext into the ivHex:authTagHex:cipherHex wire shape.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return "", fmt.Errorf("failed to initialise cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return "", fmt.Errorf("failed to initialise GCM: %w", err)
	}

	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("failed to generate IV: %w", err)
	}

	// Seal appends the auth tag to the ciphertext; the wire shape carries
	// the tag as its own segment.
	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	body := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	return fmt.Sprintf("%s:%s:%s",
		hex.EncodeToString(iv),
		hex.EncodeToString(tag),
		hex.EncodeToString(body)), nil
}

// Decrypt opens a value in the ivHex:authTagHex:cipherHex shape.
func (c *Cipher) Decrypt(value string) (string, error) {
	iv, tag, body, err := splitParts(value)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return "", fmt.Errorf("failed to initialise cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return "", fmt.Errorf("failed to initialise GCM: %w", err)
	}

	sealed := append(body, tag...)
	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return string(plaintext), nil
}

// IsEncrypted reports whether value matches the three-part encrypted shape
// with hex components of the correct lengths.
func IsEncrypted(value string) bool {
	_, _, _, err := splitParts(value)
	return err == nil
}

func splitParts(value string) (iv, tag, body []byte, err error) {
	parts := strings.Split(value, ":")
	if len(parts) != 3 {
		return nil, nil, nil, ErrNotEncrypted
	}
	iv, err = hex.DecodeString(parts[0])
	if err != nil || len(iv) != ivSize {
		return nil, nil, nil, ErrNotEncrypted
	}
	tag, err = hex.DecodeString(parts[1])
	if err != nil || len(tag) != tagSize {
		return nil, nil, nil, ErrNotEncrypted
	}
	body, err = hex.DecodeString(parts[2])
	if err != nil {
		return nil, nil, nil, ErrNotEncrypted
	}
	return iv, tag, body, nil
}
