package seal

import (
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeySize is the symmetric key length in bytes.
	KeySize = chacha20poly1305.KeySize

	// NonceSize is the XChaCha20-Poly1305 nonce length. 192-bit random
	// nonces make a collision under one key negligible.
	NonceSize = chacha20poly1305.NonceSizeX
)

// Encryptor performs authenticated payload encryption. Rand is the nonce
// source; nil means crypto/rand.
type Encryptor struct {
	Rand io.Reader
}

var defaultEncryptor = &Encryptor{}

// Encrypt encrypts plaintext under key with a fresh random nonce.
func Encrypt(plaintext, key []byte) (nonce, ciphertext []byte, err error) {
	return defaultEncryptor.Encrypt(plaintext, key)
}

// Encrypt encrypts plaintext under key. A new nonce is read from the
// entropy source on every call.
func (e *Encryptor) Encrypt(plaintext, key []byte) (nonce, ciphertext []byte, err error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, nil, &CryptoError{Op: "encrypt", Err: err}
	}

	r := e.Rand
	if r == nil {
		r = rand.Reader
	}
	nonce = make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(r, nonce); err != nil {
		return nil, nil, &CryptoError{Op: "encrypt", Err: fmt.Errorf("generating nonce: %w", err)}
	}

	return nonce, aead.Seal(nil, nonce, plaintext, nil), nil
}

// Decrypt opens ciphertext sealed by Encrypt. Any modification of the
// nonce or ciphertext yields an error matching ErrDecrypt.
func Decrypt(nonce, ciphertext, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, &CryptoError{Op: "decrypt", Err: err}
	}
	if len(nonce) != aead.NonceSize() {
		return nil, &CryptoError{
			Op:  "decrypt",
			Err: fmt.Errorf("%w: nonce is %d bytes, want %d", ErrDecrypt, len(nonce), aead.NonceSize()),
		}
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, &CryptoError{Op: "decrypt", Err: ErrDecrypt}
	}
	return plaintext, nil
}
