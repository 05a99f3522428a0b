package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"io"

	"CipherChat/server/pkg/errors"
)

// Cipher encrypts message content with AES-256-GCM under a single
// server-side key. Safe for concurrent use.
type Cipher struct {
	aead cipher.AEAD
}

func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != 32 {
		return nil, errors.Internal("AES-256 requires a 32 byte key")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Cipher{aead: aead}, nil
}

// NewCipherFromBase64 builds a Cipher from the base64 key carried in
// configuration.
func NewCipherFromBase64(encoded string) (*Cipher, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errors.Wrap(errors.CodeInternal, "message key is not valid base64", err)
	}
	return NewCipher(key)
}

// Encrypt seals plaintext with a fresh random nonce. Ciphertext and
// nonce are returned separately, both base64 encoded, and both are
// required to decrypt.
func (c *Cipher) Encrypt(plaintext string) (ciphertext, iv string, err error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", "", err
	}
	sealed := c.aead.Seal(nil, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), base64.StdEncoding.EncodeToString(nonce), nil
}

// Decrypt opens a (ciphertext, iv) pair. Any corruption (bad base64,
// wrong nonce size, failed authentication) comes back as a
// DECRYPTION_FAILED error; no partial plaintext is ever returned.
func (c *Cipher) Decrypt(ciphertext, iv string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", errors.Wrap(errors.CodeDecryptionFailed, "unable to decrypt message", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(iv)
	if err != nil {
		return "", errors.Wrap(errors.CodeDecryptionFailed, "unable to decrypt message", err)
	}
	if len(nonce) != c.aead.NonceSize() {
		return "", errors.ErrDecryptionFailed
	}
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", errors.Wrap(errors.CodeDecryptionFailed, "unable to decrypt message", err)
	}
	return string(plaintext), nil
}
