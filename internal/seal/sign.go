package seal

import (
	"crypto/ed25519"
	"fmt"
)

// Sign signs digest with priv. Ed25519 signatures are deterministic, so the
// same digest and key always yield the same signature.
func Sign(digest string, priv ed25519.PrivateKey) ([]byte, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, &CryptoError{
			Op:  "sign",
			Err: fmt.Errorf("private key is %d bytes, want %d", len(priv), ed25519.PrivateKeySize),
		}
	}
	if !ValidDigest(digest) {
		return nil, &CryptoError{Op: "sign", Err: ErrMalformedDigest}
	}
	return ed25519.Sign(priv, []byte(digest)), nil
}

// VerifySignature checks sig over digest using pub. It never needs the
// plaintext the digest was computed from.
func VerifySignature(digest string, sig, pub []byte) error {
	if len(pub) != ed25519.PublicKeySize {
		return &CryptoError{
			Op:  "verify",
			Err: fmt.Errorf("public key is %d bytes, want %d", len(pub), ed25519.PublicKeySize),
		}
	}
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("%w: signature is %d bytes", ErrBadSignature, len(sig))
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), []byte(digest), sig) {
		return ErrBadSignature
	}
	return nil
}
