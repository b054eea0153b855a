package keystore

import (
	"errors"
	"fmt"
)

var (
	// ErrKeyGeneration matches every *KeyGenerationError.
	ErrKeyGeneration = errors.New("key generation failed")

	// ErrKeyNotFound is returned by Lookup for an unknown key ID.
	ErrKeyNotFound = errors.New("key not found")
)

// KeyGenerationError reports that fresh key material could not be drawn,
// usually because the entropy source failed. Rotation retries it; the
// previous material stays in use meanwhile.
type KeyGenerationError struct {
	Stage string
	Err   error
}

func (e *KeyGenerationError) Error() string {
	return fmt.Sprintf("generating %s: %v", e.Stage, e.Err)
}

func (e *KeyGenerationError) Unwrap() error { return e.Err }

func (e *KeyGenerationError) Is(target error) bool { return target == ErrKeyGeneration }
