// Package seal implements the per-entry cryptography of the audit log:
// content digests, Ed25519 signatures over those digests, and
// XChaCha20-Poly1305 encryption of the raw payload.
//
// The digest is a dual hash of the canonical payload bytes:
//
//	b3:<hex BLAKE3-256>|s3:<hex SHA3-512>
//
// The algorithm is fixed. There is no per-call choice.
package seal

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
	"lukechampine.com/blake3"
)

const (
	blake3Prefix = "b3:"
	sha3Prefix   = "s3:"
	digestSep    = "|"
)

// Digest computes the content digest of payload.
func Digest(payload []byte) string {
	b3 := blake3.Sum256(payload)
	s3 := sha3.Sum512(payload)
	return blake3Prefix + hex.EncodeToString(b3[:]) + digestSep + sha3Prefix + hex.EncodeToString(s3[:])
}

// ValidDigest reports whether d has the shape produced by Digest.
func ValidDigest(d string) bool {
	b3, s3, ok := strings.Cut(d, digestSep)
	if !ok {
		return false
	}
	return validHexPart(b3, blake3Prefix, 2*32) &&
		validHexPart(s3, sha3Prefix, 2*64)
}

func validHexPart(part, prefix string, hexLen int) bool {
	h, ok := strings.CutPrefix(part, prefix)
	if !ok || len(h) != hexLen {
		return false
	}
	_, err := hex.DecodeString(h)
	return err == nil
}

// Canonical serialises v as compact JSON. Struct fields keep declaration
// order and map keys are sorted by encoding/json, so equal values always
// produce equal bytes. HTML escaping is disabled so the bytes match what
// other JSON encoders emit for the same document.
func Canonical(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("canonical encoding: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
