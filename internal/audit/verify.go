package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/ctrlai/sealog/internal/seal"
)

// VerifyOptions selects how deep VerifyLog checks.
type VerifyOptions struct {
	// Decrypt also opens every entry, checking the ciphertext and the
	// digest of the plaintext. Requires key material.
	Decrypt bool
}

// Finding is one flagged entry or line.
type Finding struct {
	Seq    uint64 `json:"seq"`
	File   string `json:"file,omitempty"`
	Line   int    `json:"line,omitempty"`
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

// Report is the outcome of a full-log verification.
type Report struct {
	Valid          bool      `json:"valid"`
	EntriesChecked int       `json:"entries_checked"`
	Decrypted      int       `json:"decrypted,omitempty"`
	LastSeq        uint64    `json:"last_seq"`
	LastHash       string    `json:"last_hash,omitempty"`
	Findings       []Finding `json:"findings,omitempty"`
}

// VerifyLog reads the whole log and flags every entry that fails Verify,
// breaks the chain linkage or skips a sequence number, and every file left
// with a torn last line. With Decrypt set it
// also flags entries that fail Open, keeping signature-integrity failures
// and encryption-integrity failures apart. Nothing is repaired.
//
// The returned error covers I/O and cancellation only; integrity problems
// are in the report.
func (a *AuditLog) VerifyLog(ctx context.Context, opts VerifyOptions) (Report, error) {
	if opts.Decrypt && a.keys == nil {
		return Report{}, ErrReadOnly
	}

	var r Report
	if !verifyEntry(&a.genesis) {
		r.Findings = append(r.Findings, Finding{Seq: 0, File: "genesis.json", Reason: ReasonHashMismatch})
	}

	prevHash := a.genesis.Hash
	expectedSeq := a.genesis.Seq + 1

	for e, err := range a.ReadAll() {
		if cerr := ctx.Err(); cerr != nil {
			return r, cerr
		}
		if err != nil {
			var le *LineError
			if !errors.As(err, &le) {
				return r, fmt.Errorf("reading entries for verification: %w", err)
			}
			r.Findings = append(r.Findings, Finding{
				File:   le.File,
				Line:   le.Line,
				Reason: ReasonMalformedLine,
				Detail: le.Err.Error(),
			})
			continue
		}

		r.EntriesChecked++

		if err := a.Verify(e); err != nil {
			r.Findings = append(r.Findings, findingFor(e.Seq, err))
		}
		if e.PrevHash != prevHash {
			r.Findings = append(r.Findings, Finding{
				Seq:    e.Seq,
				Reason: ReasonChainBroken,
				Detail: fmt.Sprintf("prev_hash %s, previous entry hash %s", e.PrevHash, prevHash),
			})
		}
		if e.Seq != expectedSeq {
			r.Findings = append(r.Findings, Finding{
				Seq:    e.Seq,
				Reason: ReasonSequenceGap,
				Detail: fmt.Sprintf("expected seq %d", expectedSeq),
			})
		}

		if opts.Decrypt {
			if _, err := a.Open(ctx, e); err != nil {
				f, ok := openFinding(e.Seq, err)
				if !ok {
					return r, err
				}
				r.Findings = append(r.Findings, f)
			} else {
				r.Decrypted++
			}
		}

		prevHash = e.Hash
		expectedSeq = e.Seq + 1
		r.LastSeq = e.Seq
		r.LastHash = e.Hash
	}

	tails, err := a.incompleteTails()
	if err != nil {
		return r, err
	}
	r.Findings = append(r.Findings, tails...)

	r.Valid = len(r.Findings) == 0
	return r, nil
}

// incompleteTails flags log files whose last line has no newline. ReadAll
// skips such a line as a write in flight, so it is only reported when no
// writer can be mid-append: this log holds the writer lock, or nobody does.
func (a *AuditLog) incompleteTails() ([]Finding, error) {
	if a.writer != nil {
		a.mu.Lock()
		defer a.mu.Unlock()
	} else {
		lock := flock.New(filepath.Join(a.dir, writerLockFile))
		free, err := lock.TryRLock()
		if err != nil {
			slog.Debug("checking audit writer lock failed", "error", err)
		} else {
			if !free {
				return nil, nil
			}
			defer lock.Unlock()
		}
	}

	files, err := a.logFiles()
	if err != nil {
		return nil, err
	}
	var findings []Finding
	for _, path := range files {
		clean, err := endsWithNewline(path)
		if err != nil {
			return nil, fmt.Errorf("checking %s: %w", filepath.Base(path), err)
		}
		if !clean {
			findings = append(findings, Finding{
				File:   filepath.Base(path),
				Reason: ReasonIncompleteLine,
				Detail: "last line has no newline; the write did not complete",
			})
		}
	}
	return findings, nil
}

func findingFor(seq uint64, err error) Finding {
	f := Finding{Seq: seq, Reason: "error", Detail: err.Error()}
	var ve *VerificationError
	if errors.As(err, &ve) {
		f.Reason = ve.Reason
		if ve.Err != nil {
			f.Detail = ve.Err.Error()
		} else {
			f.Detail = ""
		}
	}
	return f
}

// openFinding classifies an Open failure. Errors that say nothing about the
// entry itself (cancellation, keyring I/O) are not findings.
func openFinding(seq uint64, err error) (Finding, bool) {
	switch {
	case errors.Is(err, ErrVerification):
		return findingFor(seq, err), true
	case errors.Is(err, seal.ErrCrypto):
		return Finding{Seq: seq, Reason: ReasonDecryptFailed, Detail: err.Error()}, true
	default:
		return Finding{}, false
	}
}
