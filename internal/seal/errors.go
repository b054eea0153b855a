package seal

import (
	"errors"
	"fmt"
)

var (
	// ErrCrypto matches every *CryptoError via errors.Is.
	ErrCrypto = errors.New("crypto operation failed")

	// ErrBadSignature means the signature does not verify against the
	// digest and public key it was presented with.
	ErrBadSignature = errors.New("signature does not match digest")

	// ErrDecrypt means authenticated decryption rejected the ciphertext.
	ErrDecrypt = errors.New("decryption failed")

	// ErrMalformedDigest means a digest string is not in the fixed format.
	ErrMalformedDigest = errors.New("malformed digest")
)

// CryptoError reports a failed cryptographic operation (bad key length,
// entropy failure, AEAD rejection). It is always fatal to the single call
// that produced it.
type CryptoError struct {
	Op  string // "sign", "verify", "encrypt", "decrypt"
	Err error
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *CryptoError) Unwrap() error { return e.Err }

// Is lets callers match any CryptoError with errors.Is(err, ErrCrypto).
func (e *CryptoError) Is(target error) bool { return target == ErrCrypto }
