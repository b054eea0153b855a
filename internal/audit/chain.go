// Package audit implements the signed, encrypted, hash-chained audit log.
//
// Every recorded Event becomes an Entry (the envelope) appended as one JSON
// line to a daily JSONL file. The event itself is stored only as
// XChaCha20-Poly1305 ciphertext; the envelope carries the content digest of
// the plaintext, an Ed25519 signature over that digest and the public key
// that verifies it, so integrity can be audited without decrypting.
//
// Entries are also hash-chained. Each entry's hash is
//
//	SHA-256(prev_hash | seq | timestamp | id | kind | key_id | digest | signature | public_key)
//
// so removing, reordering or editing an entry breaks the chain from that
// point forward. The chain hash is unkeyed: it catches accidental damage and
// edits that leave the hashes alone, not a writer who recomputes every hash
// after the edit. Against that writer only the signed digest and the
// authenticated ciphertext hold, which is why Open also checks the
// clear-text kind against the decrypted event. Nonce and ciphertext are
// outside the chain hash: tampered ciphertext is caught by authenticated
// decryption.
package audit

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
)

// genesisPrevHash is the prev_hash of the genesis block.
const genesisPrevHash = "sha256:genesis"

// computeHash calculates the chain hash of an entry. Returns a prefixed
// hash string: "sha256:<hex>".
func computeHash(e *Entry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%s|%s|%s|%s|%s|%s|%s",
		e.PrevHash, e.Seq, formatTimestamp(e.Timestamp),
		e.ID, e.Kind, e.KeyID, e.Digest,
		base64.StdEncoding.EncodeToString(e.Signature),
		base64.StdEncoding.EncodeToString(e.PublicKey))
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

// verifyEntry reports whether the stored hash matches the entry contents.
func verifyEntry(e *Entry) bool {
	return e.Hash == computeHash(e)
}

func formatTimestamp(ts float64) string {
	return strconv.FormatFloat(ts, 'f', 6, 64)
}
