package database

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"strings"
)

// earPrefix marks message text encrypted at rest with AES-256-GCM. Ported
// from the original at-rest scheme: nonce || ciphertext, base64-encoded,
// prefixed so legacy plaintext rows remain readable without migration.
const earPrefix = "EAR1:"

// encryptAtRest encrypts plaintext for storage. If key is nil, or encryption
// fails for any reason, it returns plaintext unchanged rather than losing
// the message.
func encryptAtRest(key []byte, plaintext string) string {
	if key == nil {
		return plaintext
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return plaintext
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return plaintext
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return plaintext
	}
	ciphertext := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	combined := append(nonce, ciphertext...)
	return earPrefix + base64.StdEncoding.EncodeToString(combined)
}

// decryptAtRest reverses encryptAtRest. Rows without the EAR1: prefix are
// legacy plaintext and are returned as-is; rows that fail to decrypt are
// returned as their raw stored form rather than dropped.
func decryptAtRest(key []byte, stored string) string {
	if !strings.HasPrefix(stored, earPrefix) {
		return stored
	}
	if key == nil {
		return stored
	}
	combined, err := base64.StdEncoding.DecodeString(stored[len(earPrefix):])
	if err != nil {
		return stored
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return stored
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return stored
	}
	nonceSize := gcm.NonceSize()
	if len(combined) <= nonceSize {
		return stored
	}
	nonce, ciphertext := combined[:nonceSize], combined[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return stored
	}
	return string(plaintext)
}
