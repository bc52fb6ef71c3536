package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"io"
)

var (
	ErrInvalidKeySize = errors.New("invalid key size: must be 32 bytes for AES-256")
	ErrDecryption     = errors.New("decryption failed: invalid key, tag, or context")
)

// EncryptGCM encrypts plaintext with AES-256-GCM. The tag is returned
// separately from the ciphertext so the two can be stored in distinct
// columns.
func EncryptGCM(key, plaintext, aad []byte) (nonce, ciphertext, tag []byte, err error) {
	if len(key) != 32 {
		return nil, nil, nil, ErrInvalidKeySize
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, nil, err
	}

	nonce = make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, nil, err
	}

	full := gcm.Seal(nil, nonce, plaintext, aad)
	tagSize := gcm.Overhead()
	if len(full) < tagSize {
		return nil, nil, nil, errors.New("encryption error: output too short")
	}

	ciphertext = full[:len(full)-tagSize]
	tag = full[len(full)-tagSize:]
	return nonce, ciphertext, tag, nil
}

// DecryptGCM reverses EncryptGCM. Failures are collapsed into
// ErrDecryption so callers cannot distinguish wrong key from tamper.
func DecryptGCM(key, nonce, ciphertext, tag, aad []byte) ([]byte, error) {
	if len(key) != 32 {
		return nil, ErrInvalidKeySize
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, errors.New("invalid nonce size")
	}

	full := make([]byte, len(ciphertext)+len(tag))
	copy(full, ciphertext)
	copy(full[len(ciphertext):], tag)

	plaintext, err := gcm.Open(nil, nonce, full, aad)
	if err != nil {
		return nil, ErrDecryption
	}
	return plaintext, nil
}
