package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/ctrlai/sealog/internal/keystore"
	"github.com/ctrlai/sealog/internal/seal"
)

const writerLockFile = "writer.lock"

// KeySource provides the key material used to record and open entries.
// *keystore.Store implements it.
type KeySource interface {
	Current() *keystore.KeyMaterial
	Lookup(ctx context.Context, id string) (*keystore.KeyMaterial, error)
}

// Observer receives the outcome of every Record and Verify call.
type Observer interface {
	RecordDone(kind string, d time.Duration, err error)
	VerifyDone(err error)
}

// Options configures an AuditLog.
type Options struct {
	// Keys signs and encrypts new entries and opens old ones. Nil opens the
	// log read-only: Verify, ReadAll, Query and friends work, Record and
	// Open return ErrReadOnly.
	//
	// A log opened with Keys holds an exclusive lock on the directory until
	// Close; a second writer gets ErrLocked. Read-only opens take no lock.
	Keys KeySource

	// ReadOnly keeps Keys for Open and VerifyLog decryption only. Record
	// returns ErrReadOnly and no writer lock is taken.
	ReadOnly bool

	Observer Observer

	// Entropy is the nonce source (default crypto/rand).
	Entropy io.Reader

	// Now overrides the clock (tests).
	Now func() time.Time
}

// AuditLog manages the signed, encrypted, hash-chained audit log.
//
// Storage layout:
//
//	~/.sealog/audit/
//	├── genesis.json        # Chain anchor, seq 0
//	├── 2026-02-10.jsonl    # One envelope per line (append-only)
//	├── index.db            # SQLite index for fast queries
//	└── writer.lock         # Held by the single writer
//
// Thread-safe. Cryptography runs outside the lock; only sequence
// assignment, the file append and the index insert are serialised.
type AuditLog struct {
	mu       sync.Mutex
	dir      string       // Path to the audit directory.
	seq      uint64       // Last written sequence number.
	lastHash string       // Hash of the last entry (for chain continuity).
	genesis  Entry        // Chain anchor.
	index    *sqliteIndex // SQLite index for fast queries.
	file     *os.File     // Currently open daily JSONL file.
	fileDate string       // Date string of the currently open file (YYYY-MM-DD).
	writer   *flock.Flock // Directory lock; nil when read-only.

	keys      KeySource
	observer  Observer
	encryptor *seal.Encryptor
	now       func() time.Time

	hooksMu sync.RWMutex
	hooks   []func(Entry)
}

// New opens or creates an audit log in the given directory.
// If no genesis block exists, one is created to establish the hash chain.
func New(dir string, opts Options) (*AuditLog, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating audit directory %s: %w", dir, err)
	}

	a := &AuditLog{
		dir:       dir,
		lastHash:  genesisPrevHash,
		keys:      opts.Keys,
		observer:  opts.Observer,
		encryptor: &seal.Encryptor{Rand: opts.Entropy},
		now:       opts.Now,
	}
	if a.now == nil {
		a.now = time.Now
	}

	if a.keys != nil && !opts.ReadOnly {
		lock := flock.New(filepath.Join(dir, writerLockFile))
		locked, err := lock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("locking audit directory %s: %w", dir, err)
		}
		if !locked {
			return nil, fmt.Errorf("%w: %s", ErrLocked, dir)
		}
		a.writer = lock
	}

	idx, err := openIndex(filepath.Join(dir, "index.db"))
	if err != nil {
		a.releaseWriter()
		return nil, fmt.Errorf("opening audit index: %w", err)
	}
	a.index = idx

	if err := a.loadGenesis(); err != nil {
		idx.close()
		a.releaseWriter()
		return nil, err
	}

	// Scan existing JSONL files to find the last sequence number and hash,
	// and index anything the index is missing.
	if err := a.recoverState(); err != nil {
		idx.close()
		a.releaseWriter()
		return nil, err
	}

	slog.Info("audit log initialized", "dir", dir, "seq", a.seq, "read_only", a.writer == nil)
	return a, nil
}

// Close flushes and closes the audit log and SQLite index.
func (a *AuditLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var errs []error
	if a.file != nil {
		if err := a.file.Close(); err != nil {
			errs = append(errs, err)
		}
		a.file = nil
	}
	if a.index != nil {
		if err := a.index.close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.writer != nil {
		if err := a.writer.Unlock(); err != nil {
			errs = append(errs, err)
		}
		a.writer = nil
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("closing audit log: %w", err)
	}
	return nil
}

func (a *AuditLog) releaseWriter() {
	if a.writer != nil {
		a.writer.Unlock()
		a.writer = nil
	}
}

// Dir returns the audit directory.
func (a *AuditLog) Dir() string { return a.dir }

// LastSeq returns the sequence number of the last written entry.
func (a *AuditLog) LastSeq() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.seq
}

// OnRecord registers fn to be called with every successfully recorded
// entry. Callbacks may run concurrently and must not block.
func (a *AuditLog) OnRecord(fn func(Entry)) {
	a.hooksMu.Lock()
	a.hooks = append(a.hooks, fn)
	a.hooksMu.Unlock()
}

// Record digests, signs and encrypts ev under the current key snapshot and
// appends the envelope. On any error nothing is written.
func (a *AuditLog) Record(ctx context.Context, ev Event) (Entry, error) {
	start := time.Now()
	e, err := a.record(ctx, ev)
	if a.observer != nil {
		a.observer.RecordDone(ev.Kind, time.Since(start), err)
	}
	if err != nil {
		return Entry{}, err
	}

	a.hooksMu.RLock()
	for _, fn := range a.hooks {
		fn(e)
	}
	a.hooksMu.RUnlock()
	return e, nil
}

func (a *AuditLog) record(ctx context.Context, ev Event) (Entry, error) {
	if a.writer == nil {
		return Entry{}, ErrReadOnly
	}
	if err := ev.Validate(); err != nil {
		return Entry{}, err
	}
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}

	// One snapshot for every step: the signature, the public key and the
	// ciphertext always come from the same material.
	km := a.keys.Current()
	if km == nil {
		return Entry{}, fmt.Errorf("%w: no current key", ErrReadOnly)
	}

	payload, err := seal.Canonical(ev)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	digest := seal.Digest(payload)

	sig, err := seal.Sign(digest, km.PrivateKey())
	if err != nil {
		return Entry{}, fmt.Errorf("signing event: %w", err)
	}
	nonce, ciphertext, err := a.encryptor.Encrypt(payload, km.SymmetricKey())
	if err != nil {
		return Entry{}, fmt.Errorf("encrypting event: %w", err)
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return Entry{}, fmt.Errorf("generating entry id: %w", err)
	}

	e := Entry{
		ID:         id.String(),
		Kind:       ev.Kind,
		KeyID:      km.ID(),
		Digest:     digest,
		Signature:  sig,
		PublicKey:  km.PublicKey(),
		Nonce:      nonce,
		Ciphertext: ciphertext,
	}
	if err := a.append(&e); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// LogLifecycle records a daemon lifecycle event (start, stop, key
// rotation, config change). Failures are logged, not returned.
func (a *AuditLog) LogLifecycle(ctx context.Context, action string, metadata map[string]any) {
	_, err := a.Record(ctx, Event{
		Kind:     "sealog.lifecycle",
		Actor:    "sealog",
		Action:   action,
		Success:  true,
		Metadata: metadata,
	})
	if err != nil {
		slog.Error("audit lifecycle record failed", "action", action, "error", err)
	}
}

// Verify checks an envelope's integrity without decrypting it: the digest
// format, the Ed25519 signature over the digest with the embedded public
// key, and the entry's own chain hash. Failures are *VerificationError.
func (a *AuditLog) Verify(e Entry) error {
	err := verifyEnvelope(&e)
	if a.observer != nil {
		a.observer.VerifyDone(err)
	}
	return err
}

// Verified is Verify as a boolean.
func (a *AuditLog) Verified(e Entry) bool {
	return a.Verify(e) == nil
}

func verifyEnvelope(e *Entry) error {
	if !seal.ValidDigest(e.Digest) {
		return &VerificationError{Seq: e.Seq, Reason: ReasonMalformedDigest}
	}
	if err := seal.VerifySignature(e.Digest, e.Signature, e.PublicKey); err != nil {
		return &VerificationError{Seq: e.Seq, Reason: ReasonBadSignature, Err: err}
	}
	if !verifyEntry(e) {
		return &VerificationError{Seq: e.Seq, Reason: ReasonHashMismatch}
	}
	return nil
}

// Open decrypts an entry and checks the plaintext against its digest and
// the clear-text kind on the envelope. Decryption failures wrap
// seal.ErrDecrypt; a digest or kind that does not match the plaintext is a
// *VerificationError.
func (a *AuditLog) Open(ctx context.Context, e Entry) (Event, error) {
	if a.keys == nil {
		return Event{}, ErrReadOnly
	}

	km, err := a.keys.Lookup(ctx, e.KeyID)
	if err != nil {
		if errors.Is(err, keystore.ErrKeyNotFound) {
			return Event{}, &VerificationError{Seq: e.Seq, Reason: ReasonUnknownKey, Err: err}
		}
		return Event{}, fmt.Errorf("loading key %s: %w", e.KeyID, err)
	}
	if !bytes.Equal(km.PublicKey(), e.PublicKey) {
		return Event{}, &VerificationError{Seq: e.Seq, Reason: ReasonKeyMismatch}
	}

	plaintext, err := seal.Decrypt(e.Nonce, e.Ciphertext, km.SymmetricKey())
	if err != nil {
		return Event{}, fmt.Errorf("entry %d: %w", e.Seq, err)
	}
	if seal.Digest(plaintext) != e.Digest {
		return Event{}, &VerificationError{Seq: e.Seq, Reason: ReasonDigestMismatch}
	}

	var ev Event
	if err := json.Unmarshal(plaintext, &ev); err != nil {
		return Event{}, fmt.Errorf("entry %d: decoding event: %w", e.Seq, err)
	}
	if ev.Kind != e.Kind {
		return Event{}, &VerificationError{
			Seq:    e.Seq,
			Reason: ReasonKindMismatch,
			Err:    fmt.Errorf("envelope kind %q, event kind %q", e.Kind, ev.Kind),
		}
	}
	return ev, nil
}

// Get returns the entry with the given sequence number.
func (a *AuditLog) Get(seq uint64) (Entry, error) {
	e, err := a.index.get(seq)
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Entry{}, err
	}

	// The index may lag behind the files; fall back to a scan.
	for e, err := range a.ReadAll() {
		if err != nil {
			var le *LineError
			if errors.As(err, &le) {
				continue
			}
			return Entry{}, err
		}
		if e.Seq == seq {
			return e, nil
		}
	}
	return Entry{}, fmt.Errorf("%w: seq %d", ErrNotFound, seq)
}

// Export writes all audit entries to the given writer in the specified format.
// Supported formats: "jsonl" (default), "json", "csv".
func (a *AuditLog) Export(w io.Writer, format string) error {
	var entries []Entry
	for e, err := range a.ReadAll() {
		if err != nil {
			return fmt.Errorf("reading entries for export: %w", err)
		}
		entries = append(entries, e)
	}
	return writeEntries(w, format, entries)
}

// append assigns the chain fields, writes the entry to the daily JSONL
// file and indexes it. The chain advances only after a successful fsync.
func (a *AuditLog) append(e *Entry) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now().UTC()
	e.Seq = a.seq + 1
	e.Timestamp = unixTimestamp(now)
	e.PrevHash = a.lastHash
	e.Hash = computeHash(e)

	if err := a.writeToFile(e, now); err != nil {
		slog.Error("audit write failed", "seq", e.Seq, "error", err)
		return err
	}

	a.index.insert(e)

	a.seq = e.Seq
	a.lastHash = e.Hash
	return nil
}

// writeToFile appends the entry as a single JSON line to today's JSONL file.
// A failed write is truncated away and the file handle dropped so the next
// call reopens it.
func (a *AuditLog) writeToFile(e *Entry, now time.Time) error {
	date := now.Format("2006-01-02")
	if date < a.fileDate {
		// Clock went backwards; keep appending to the newest file so name
		// order stays append order.
		date = a.fileDate
	}

	if a.file == nil || a.fileDate != date {
		if a.file != nil {
			a.file.Close()
			a.file = nil
		}
		if err := a.openFile(date); err != nil {
			return err
		}
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling audit entry: %w", err)
	}

	path := a.file.Name()
	info, err := a.file.Stat()
	if err != nil {
		a.dropFile()
		return &StorageError{Op: "stat", Path: path, Err: err}
	}
	offset := info.Size()

	if _, err := a.file.Write(append(data, '\n')); err != nil {
		a.rollback(offset)
		return &StorageError{Op: "write", Path: path, Err: err}
	}

	// Flush immediately; audit entries must survive crashes.
	if err := a.file.Sync(); err != nil {
		a.rollback(offset)
		return &StorageError{Op: "sync", Path: path, Err: err}
	}
	return nil
}

// openFile opens the daily file for appending. A file whose last line was
// cut short by a crash gets a newline first, so the partial line is
// reported as malformed instead of corrupting the next entry.
func (a *AuditLog) openFile(date string) error {
	path := filepath.Join(a.dir, date+".jsonl")

	clean, err := endsWithNewline(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return &StorageError{Op: "open", Path: path, Err: err}
		}
		clean = true
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return &StorageError{Op: "open", Path: path, Err: err}
	}
	if !clean {
		slog.Warn("audit file has an incomplete last line, terminating it", "file", path)
		if _, err := f.Write([]byte{'\n'}); err != nil {
			f.Close()
			return &StorageError{Op: "repair", Path: path, Err: err}
		}
	}

	a.file = f
	a.fileDate = date
	return nil
}

func (a *AuditLog) rollback(offset int64) {
	if err := a.file.Truncate(offset); err != nil {
		slog.Error("audit rollback failed", "file", a.file.Name(), "offset", offset, "error", err)
	}
	a.dropFile()
}

func (a *AuditLog) dropFile() {
	a.file.Close()
	a.file = nil
}

// loadGenesis loads or creates the genesis block that anchors the chain.
func (a *AuditLog) loadGenesis() error {
	genesisPath := filepath.Join(a.dir, "genesis.json")

	data, err := os.ReadFile(genesisPath)
	if err != nil {
		if os.IsNotExist(err) {
			return a.createGenesis(genesisPath)
		}
		return fmt.Errorf("reading genesis: %w", err)
	}

	var genesis Entry
	if err := json.Unmarshal(data, &genesis); err != nil {
		return fmt.Errorf("parsing genesis: %w", err)
	}

	a.genesis = genesis
	a.lastHash = genesis.Hash
	a.seq = genesis.Seq
	return nil
}

// createGenesis writes the genesis block that starts the hash chain.
func (a *AuditLog) createGenesis(path string) error {
	id, err := uuid.NewRandom()
	if err != nil {
		return fmt.Errorf("generating genesis id: %w", err)
	}
	genesis := Entry{
		Seq:       0,
		ID:        id.String(),
		Kind:      "sealog.genesis",
		Timestamp: unixTimestamp(a.now()),
		PrevHash:  genesisPrevHash,
	}
	genesis.Hash = computeHash(&genesis)

	data, err := json.MarshalIndent(genesis, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling genesis: %w", err)
	}

	if err := os.WriteFile(path, data, 0o640); err != nil {
		return fmt.Errorf("writing genesis: %w", err)
	}

	a.genesis = genesis
	a.lastHash = genesis.Hash
	a.seq = 0

	slog.Info("audit genesis created", "hash", genesis.Hash)
	return nil
}

// recoverState scans the JSONL files for the last seq and hash so the
// chain continues after a restart, and re-indexes entries the SQLite index
// is missing (e.g. after a crash between the file write and the insert).
func (a *AuditLog) recoverState() error {
	indexLastSeq := a.index.lastSeq()

	var malformed, reindexed int
	for e, err := range a.ReadAll() {
		if err != nil {
			var le *LineError
			if errors.As(err, &le) {
				malformed++
				slog.Warn("malformed audit line", "file", le.File, "line", le.Line, "error", le.Err)
				continue
			}
			return fmt.Errorf("recovering audit state: %w", err)
		}
		if e.Seq > a.seq {
			a.seq = e.Seq
			a.lastHash = e.Hash
		}
		if e.Seq > indexLastSeq {
			a.index.insert(&e)
			reindexed++
		}
	}

	if files, err := a.logFiles(); err == nil && len(files) > 0 {
		a.fileDate = fileDate(files[len(files)-1])
	}

	if malformed > 0 {
		slog.Warn("audit log contains malformed lines, run verify", "count", malformed)
	}
	if reindexed > 0 {
		slog.Info("audit index caught up", "entries", reindexed)
	}
	return nil
}

func fileDate(path string) string {
	name := filepath.Base(path)
	return name[:len(name)-len(filepath.Ext(name))]
}
