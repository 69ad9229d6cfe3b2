package credstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	kdfIterations = 100000
	keyLen        = 32
	saltLen       = 32
)

// ErrDecrypt signals that a stored blob could not be decrypted, usually a
// wrong or rotated master key. Fatal for that service only; callers surface
// it as auth_required.
var ErrDecrypt = errors.New("credstore: decryption failed")

// deriveKey stretches the master key with PBKDF2-SHA256.
func deriveKey(master string, salt []byte) []byte {
	return pbkdf2.Key([]byte(master), salt, kdfIterations, keyLen, sha256.New)
}

// newSalt generates a random KDF salt.
func newSalt() ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// encrypt seals plaintext with AES-256-GCM, returning base64(nonce||ciphertext).
func encrypt(key []byte, plaintext []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// decrypt reverses encrypt. Any tampering or key mismatch yields ErrDecrypt.
func decrypt(key []byte, encoded string) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrDecrypt
	}
	if len(data) < gcm.NonceSize() {
		return nil, ErrDecrypt
	}
	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plain, nil
}
