// Package keystore owns the audit log's key material: one symmetric
// encryption key and one Ed25519 signing keypair, published as an
// immutable snapshot and replaced wholesale on rotation.
//
// Readers call Store.Current once per operation and use that snapshot for
// every step, so an entry can never be signed with one key's private half
// and labelled with another's public half. Rotation generates new material
// without holding any lock, persists it sealed to the keyring file, and only
// then swaps the published pointer.
package keystore

import (
	"crypto/ed25519"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/ctrlai/sealog/internal/seal"
)

// KeyMaterial is one generation of keys. It is never mutated after
// construction; accessors hand out copies.
type KeyMaterial struct {
	id           string
	symmetricKey []byte
	privateKey   ed25519.PrivateKey
	publicKey    ed25519.PublicKey
	createdAt    time.Time
}

// Generate draws fresh key material from r. Any read failure is reported as
// a *KeyGenerationError.
func Generate(r io.Reader) (*KeyMaterial, error) {
	id, err := uuid.NewRandomFromReader(r)
	if err != nil {
		return nil, &KeyGenerationError{Stage: "key id", Err: err}
	}

	sym := make([]byte, seal.KeySize)
	if _, err := io.ReadFull(r, sym); err != nil {
		return nil, &KeyGenerationError{Stage: "symmetric key", Err: err}
	}

	pub, priv, err := ed25519.GenerateKey(r)
	if err != nil {
		return nil, &KeyGenerationError{Stage: "signing keypair", Err: err}
	}

	return &KeyMaterial{
		id:           id.String(),
		symmetricKey: sym,
		privateKey:   priv,
		publicKey:    pub,
		createdAt:    time.Now().UTC(),
	}, nil
}

// restoreMaterial rebuilds material loaded from the keyring. The public key
// is derived from the private key and compared with the stored one.
func restoreMaterial(id string, sym, priv, storedPub []byte, createdAt time.Time) (*KeyMaterial, error) {
	if len(sym) != seal.KeySize {
		return nil, fmt.Errorf("key %s: symmetric key is %d bytes, want %d", id, len(sym), seal.KeySize)
	}
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("key %s: private key is %d bytes, want %d", id, len(priv), ed25519.PrivateKeySize)
	}
	pk := ed25519.PrivateKey(priv)
	pub := pk.Public().(ed25519.PublicKey)
	if !pub.Equal(ed25519.PublicKey(storedPub)) {
		return nil, fmt.Errorf("key %s: stored public key does not match private key", id)
	}
	return &KeyMaterial{
		id:           id,
		symmetricKey: sym,
		privateKey:   pk,
		publicKey:    pub,
		createdAt:    createdAt,
	}, nil
}

// ID is the key identifier recorded on every entry written under this
// material.
func (k *KeyMaterial) ID() string { return k.id }

// CreatedAt is when the material was generated.
func (k *KeyMaterial) CreatedAt() time.Time { return k.createdAt }

// SymmetricKey returns a copy of the 32-byte encryption key.
func (k *KeyMaterial) SymmetricKey() []byte { return clone(k.symmetricKey) }

// PrivateKey returns a copy of the signing key.
func (k *KeyMaterial) PrivateKey() ed25519.PrivateKey { return clone(k.privateKey) }

// PublicKey returns a copy of the verification key.
func (k *KeyMaterial) PublicKey() ed25519.PublicKey { return clone(k.publicKey) }

// Age reports how long ago the material was generated.
func (k *KeyMaterial) Age(now time.Time) time.Duration { return now.Sub(k.createdAt) }

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
