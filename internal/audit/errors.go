package audit

import (
	"errors"
	"fmt"
)

var (
	// ErrStorageWrite matches every *StorageError. The entry was not
	// written and the chain did not advance; the caller may retry.
	ErrStorageWrite = errors.New("audit storage write failed")

	// ErrVerification matches every *VerificationError.
	ErrVerification = errors.New("audit entry failed verification")

	// ErrNotFound is returned when no entry has the requested sequence number.
	ErrNotFound = errors.New("audit entry not found")

	// ErrInvalidEvent is returned by Record for events that cannot be logged.
	ErrInvalidEvent = errors.New("invalid audit event")

	// ErrReadOnly is returned by Record and Open on a log opened without keys.
	ErrReadOnly = errors.New("audit log opened without key material")

	// ErrInvalidQuery reports an unparseable Query filter.
	ErrInvalidQuery = errors.New("invalid query")

	// ErrLocked is returned by New when another AuditLog, in this or any
	// other process, already writes to the directory.
	ErrLocked = errors.New("audit log is owned by another writer")
)

// Verification failure reasons.
const (
	ReasonMalformedDigest = "malformed_digest"
	ReasonBadSignature    = "bad_signature"
	ReasonHashMismatch    = "hash_mismatch"
	ReasonChainBroken     = "chain_broken"
	ReasonSequenceGap     = "sequence_gap"
	ReasonDigestMismatch  = "digest_mismatch"
	ReasonDecryptFailed   = "decrypt_failed"
	ReasonUnknownKey      = "unknown_key"
	ReasonKeyMismatch     = "key_mismatch"
	ReasonMalformedLine   = "malformed_line"
	ReasonIncompleteLine  = "incomplete_line"
	ReasonKindMismatch    = "kind_mismatch"
)

// StorageError reports a failed append to the log files.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("audit %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorageWrite }

// VerificationError flags one entry. It is reported, never repaired.
type VerificationError struct {
	Seq    uint64
	Reason string
	Err    error
}

func (e *VerificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("entry %d: %s: %v", e.Seq, e.Reason, e.Err)
	}
	return fmt.Sprintf("entry %d: %s", e.Seq, e.Reason)
}

func (e *VerificationError) Unwrap() error { return e.Err }

func (e *VerificationError) Is(target error) bool { return target == ErrVerification }

// LineError reports a log line that could not be parsed as an entry.
type LineError struct {
	File string
	Line int
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("%s:%d: %v", e.File, e.Line, e.Err)
}

func (e *LineError) Unwrap() error { return e.Err }
