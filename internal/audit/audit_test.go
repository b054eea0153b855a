package audit

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ctrlai/sealog/internal/keystore"
	"github.com/ctrlai/sealog/internal/seal"
)

// --- helpers ---

func newTestKeys(t *testing.T) *keystore.Store {
	t.Helper()
	master := make([]byte, 32)
	if _, err := rand.Read(master); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	sealer, err := keystore.NewSealer(ctx, keystore.SealConfig{Provider: keystore.ProviderAEAD, MasterKey: master})
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	keys, err := keystore.Open(ctx, t.TempDir(), sealer, keystore.Options{})
	if err != nil {
		t.Fatalf("keystore.Open: %v", err)
	}
	return keys
}

func newTestLog(t *testing.T, keys *keystore.Store) *AuditLog {
	t.Helper()
	return openTestLog(t, t.TempDir(), Options{Keys: keys})
}

func openTestLog(t *testing.T, dir string, opts Options) *AuditLog {
	t.Helper()
	a, err := New(dir, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func mustRecord(t *testing.T, a *AuditLog, ev Event) Entry {
	t.Helper()
	e, err := a.Record(context.Background(), ev)
	if err != nil {
		t.Fatalf("Record(%s): %v", ev.Kind, err)
	}
	return e
}

func readAll(t *testing.T, a *AuditLog) []Entry {
	t.Helper()
	var out []Entry
	for e, err := range a.ReadAll() {
		if err != nil {
			t.Fatalf("ReadAll: %v", err)
		}
		out = append(out, e)
	}
	return out
}

func logFile(t *testing.T, a *AuditLog) string {
	t.Helper()
	files, err := a.logFiles()
	if err != nil || len(files) != 1 {
		t.Fatalf("expected one log file, got %v (err %v)", files, err)
	}
	return files[0]
}

// rewriteLog applies fn to every entry of the single log file; entries for
// which fn returns false are dropped.
func rewriteLog(t *testing.T, a *AuditLog, fn func(e *Entry) bool) {
	t.Helper()
	path := logFile(t, a)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatal(err)
		}
		if !fn(&e) {
			continue
		}
		line, _ := json.Marshal(&e)
		out.Write(append(line, '\n'))
	}
	if err := os.WriteFile(path, out.Bytes(), 0o640); err != nil {
		t.Fatal(err)
	}
}

func reasons(r Report) []string {
	var out []string
	for _, f := range r.Findings {
		out = append(out, f.Reason)
	}
	return out
}

func hasReason(r Report, seq uint64, reason string) bool {
	for _, f := range r.Findings {
		if f.Seq == seq && f.Reason == reason {
			return true
		}
	}
	return false
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("entropy exhausted") }

// --- chain hash ---

func TestComputeHash_Deterministic(t *testing.T) {
	e := &Entry{
		Seq:       1,
		ID:        "0b6f7c1e-5a0e-4c5e-9f7a-1d2e3f4a5b6c",
		Kind:      "auth.login",
		Timestamp: 1767225600.123456,
		KeyID:     "k1",
		Digest:    "b3:00|s3:00",
		PrevHash:  "sha256:0000000000000000000000000000000000000000000000000000000000000000",
	}

	hash1 := computeHash(e)
	hash2 := computeHash(e)

	if hash1 != hash2 {
		t.Error("same input should produce the same hash")
	}
	if !strings.HasPrefix(hash1, "sha256:") {
		t.Errorf("hash should start with 'sha256:', got %q", hash1)
	}
}

func TestComputeHash_SensitiveToAllFields(t *testing.T) {
	base := Entry{
		Seq:        1,
		ID:         "id-1",
		Kind:       "auth.login",
		Timestamp:  1767225600.5,
		KeyID:      "k1",
		Digest:     "b3:aa|s3:bb",
		Signature:  []byte{1, 2, 3},
		PublicKey:  []byte{4, 5, 6},
		Nonce:      []byte{7},
		Ciphertext: []byte{8},
		PrevHash:   "sha256:abc",
	}

	baseHash := computeHash(&base)

	tests := []struct {
		name    string
		modify  func(e *Entry)
		changes bool
	}{
		{"seq", func(e *Entry) { e.Seq = 99 }, true},
		{"id", func(e *Entry) { e.ID = "id-2" }, true},
		{"kind", func(e *Entry) { e.Kind = "auth.logout" }, true},
		{"timestamp", func(e *Entry) { e.Timestamp = 1767225601.5 }, true},
		{"key_id", func(e *Entry) { e.KeyID = "k2" }, true},
		{"digest", func(e *Entry) { e.Digest = "b3:ab|s3:bb" }, true},
		{"signature", func(e *Entry) { e.Signature = []byte{1, 2, 4} }, true},
		{"public_key", func(e *Entry) { e.PublicKey = []byte{4, 5, 7} }, true},
		{"prev_hash", func(e *Entry) { e.PrevHash = "sha256:xyz" }, true},
		{"nonce", func(e *Entry) { e.Nonce = []byte{9} }, false},
		{"ciphertext", func(e *Entry) { e.Ciphertext = []byte{9} }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			modified := base // copy
			tt.modify(&modified)
			changed := computeHash(&modified) != baseHash
			if changed != tt.changes {
				t.Errorf("changing %s: hash changed = %v, want %v", tt.name, changed, tt.changes)
			}
		})
	}
}

// --- record / verify / open ---

func TestRecordVerify_RoundTrip(t *testing.T) {
	a := newTestLog(t, newTestKeys(t))
	ctx := context.Background()

	events := []Event{
		{Kind: "auth.login", Actor: "alice", Source: "10.0.0.1", Success: true},
		{Kind: "auth.login", Actor: "mallory", Source: "203.0.113.9", Error: "bad password"},
		{Kind: "model.invoke", Actor: "svc", Action: "generate", Resource: "gpt-x", Success: true,
			Metadata: map[string]any{"tokens": 512.0, "tags": []any{"a", "b"}, "html": "<b>&</b>"}},
		{Kind: "unicode", Actor: "żółw 🐢", Success: true},
	}

	for _, ev := range events {
		t.Run(ev.Kind+"/"+ev.Actor, func(t *testing.T) {
			e, err := a.Record(ctx, ev)
			if err != nil {
				t.Fatalf("Record: %v", err)
			}
			if err := a.Verify(e); err != nil {
				t.Fatalf("Verify after Record: %v", err)
			}
			if !a.Verified(e) {
				t.Fatal("Verified should be true")
			}
			if e.Kind != ev.Kind {
				t.Errorf("kind = %q, want %q", e.Kind, ev.Kind)
			}
			if len(e.Nonce) != seal.NonceSize {
				t.Errorf("nonce length = %d, want %d", len(e.Nonce), seal.NonceSize)
			}
			if bytes.Contains(e.Ciphertext, []byte(ev.Actor)) {
				t.Error("ciphertext contains plaintext actor")
			}

			got, err := a.Open(ctx, e)
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			want, _ := json.Marshal(ev)
			have, _ := json.Marshal(got)
			if !bytes.Equal(want, have) {
				t.Errorf("Open = %s, want %s", have, want)
			}
		})
	}
}

func TestRecord_EnvelopeUsesCurrentKey(t *testing.T) {
	keys := newTestKeys(t)
	a := newTestLog(t, keys)

	e := mustRecord(t, a, Event{Kind: "k"})
	km := keys.Current()
	if e.KeyID != km.ID() {
		t.Errorf("key_id = %s, want %s", e.KeyID, km.ID())
	}
	if !bytes.Equal(e.PublicKey, km.PublicKey()) {
		t.Error("public key does not match current material")
	}
}

func TestRecord_InvalidEvent(t *testing.T) {
	a := newTestLog(t, newTestKeys(t))

	tests := []Event{
		{},
		{Kind: "has space"},
		{Kind: "line\nbreak"},
		{Kind: strings.Repeat("k", maxKindLen+1)},
		{Kind: "bad.metadata", Metadata: map[string]any{"ch": make(chan int)}},
	}
	for _, ev := range tests {
		_, err := a.Record(context.Background(), ev)
		if !errors.Is(err, ErrInvalidEvent) {
			t.Errorf("Record(%q) error = %v, want ErrInvalidEvent", ev.Kind, err)
		}
	}
	if a.LastSeq() != 0 {
		t.Errorf("invalid events must not be written, seq = %d", a.LastSeq())
	}
}

func TestRecord_CryptoFailureWritesNothing(t *testing.T) {
	keys := newTestKeys(t)
	a := openTestLog(t, t.TempDir(), Options{Keys: keys, Entropy: failingReader{}})

	_, err := a.Record(context.Background(), Event{Kind: "auth.login"})
	if !errors.Is(err, seal.ErrCrypto) {
		t.Fatalf("error = %v, want ErrCrypto", err)
	}
	if a.LastSeq() != 0 {
		t.Errorf("seq = %d, want 0", a.LastSeq())
	}
	if n := len(readAll(t, a)); n != 0 {
		t.Errorf("ReadAll returned %d entries, want 0", n)
	}
}

func TestRecord_StorageFailureKeepsChain(t *testing.T) {
	a := newTestLog(t, newTestKeys(t))
	mustRecord(t, a, Event{Kind: "first"})

	// Break the open file handle underneath the log.
	a.file.Close()

	_, err := a.Record(context.Background(), Event{Kind: "lost"})
	if !errors.Is(err, ErrStorageWrite) {
		t.Fatalf("error = %v, want ErrStorageWrite", err)
	}
	var se *StorageError
	if !errors.As(err, &se) {
		t.Fatalf("error should be *StorageError, got %T", err)
	}
	if a.LastSeq() != 1 {
		t.Errorf("seq advanced to %d after failed write", a.LastSeq())
	}

	// The next write reopens the file and continues the chain.
	e := mustRecord(t, a, Event{Kind: "second"})
	if e.Seq != 2 {
		t.Errorf("seq = %d, want 2", e.Seq)
	}
	report, err := a.VerifyLog(context.Background(), VerifyOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !report.Valid {
		t.Errorf("chain should be intact, findings: %v", report.Findings)
	}
}

func TestRecord_CancelledContext(t *testing.T) {
	a := newTestLog(t, newTestKeys(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := a.Record(ctx, Event{Kind: "k"}); !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestVerify_DetectsTampering(t *testing.T) {
	a := newTestLog(t, newTestKeys(t))
	orig := mustRecord(t, a, Event{Kind: "auth.login", Actor: "alice"})
	other := newTestKeys(t).Current()

	tests := []struct {
		name   string
		modify func(e *Entry)
		reason string
	}{
		{"malformed digest", func(e *Entry) { e.Digest = "sha256:abc" }, ReasonMalformedDigest},
		{"digest swapped", func(e *Entry) { e.Digest = seal.Digest([]byte("other")) }, ReasonBadSignature},
		{"signature flipped", func(e *Entry) { e.Signature[0] ^= 0x01 }, ReasonBadSignature},
		{"signature truncated", func(e *Entry) { e.Signature = e.Signature[:10] }, ReasonBadSignature},
		{"foreign public key", func(e *Entry) { e.PublicKey = other.PublicKey() }, ReasonBadSignature},
		{"kind edited", func(e *Entry) { e.Kind = "auth.logout" }, ReasonHashMismatch},
		{"seq edited", func(e *Entry) { e.Seq = 7 }, ReasonHashMismatch},
		{"prev hash edited", func(e *Entry) { e.PrevHash = "sha256:00" }, ReasonHashMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := orig
			e.Signature = append([]byte(nil), orig.Signature...)
			tt.modify(&e)

			err := a.Verify(e)
			if !errors.Is(err, ErrVerification) {
				t.Fatalf("Verify error = %v, want ErrVerification", err)
			}
			var ve *VerificationError
			if !errors.As(err, &ve) || ve.Reason != tt.reason {
				t.Errorf("reason = %v, want %s", err, tt.reason)
			}
		})
	}
}

// Flipping one ciphertext byte leaves the signature and digest intact but
// breaks authenticated decryption. Both outcomes are asserted separately.
func TestTamperedCiphertext_VerifyPassesDecryptFails(t *testing.T) {
	a := newTestLog(t, newTestKeys(t))
	ctx := context.Background()

	mustRecord(t, a, Event{Kind: "auth.login", Actor: "alice"})
	target := mustRecord(t, a, Event{Kind: "auth.login", Actor: "bob"})
	mustRecord(t, a, Event{Kind: "auth.logout", Actor: "alice"})

	rewriteLog(t, a, func(e *Entry) bool {
		if e.Seq == target.Seq {
			e.Ciphertext[len(e.Ciphertext)/2] ^= 0x01
		}
		return true
	})

	// The index still holds the original; read the file.
	var tampered Entry
	for e, err := range a.ReadAll() {
		if err != nil {
			t.Fatal(err)
		}
		if e.Seq == target.Seq {
			tampered = e
		}
	}
	if bytes.Equal(tampered.Ciphertext, target.Ciphertext) {
		t.Fatal("test setup: ciphertext was not modified")
	}

	// Signature integrity holds.
	if err := a.Verify(tampered); err != nil {
		t.Errorf("Verify should pass on tampered ciphertext, got %v", err)
	}
	// Encryption integrity fails.
	_, err := a.Open(ctx, tampered)
	if !errors.Is(err, seal.ErrDecrypt) {
		t.Errorf("Open error = %v, want ErrDecrypt", err)
	}
	if errors.Is(err, ErrVerification) {
		t.Error("decryption failure must not be reported as a signature failure")
	}

	report, err := a.VerifyLog(ctx, VerifyOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !report.Valid {
		t.Errorf("signature-only verification should pass, findings: %v", report.Findings)
	}

	report, err = a.VerifyLog(ctx, VerifyOptions{Decrypt: true})
	if err != nil {
		t.Fatal(err)
	}
	if report.Valid {
		t.Fatal("decrypting verification should flag the entry")
	}
	if !hasReason(report, target.Seq, ReasonDecryptFailed) {
		t.Errorf("findings = %v, want decrypt_failed for seq %d", report.Findings, target.Seq)
	}
	if report.Decrypted != 2 {
		t.Errorf("decrypted = %d, want 2", report.Decrypted)
	}
}

func TestOpen_Errors(t *testing.T) {
	keys := newTestKeys(t)
	a := newTestLog(t, keys)
	ctx := context.Background()
	e := mustRecord(t, a, Event{Kind: "k", Actor: "a"})

	t.Run("unknown key", func(t *testing.T) {
		bad := e
		bad.KeyID = "no-such-key"
		_, err := a.Open(ctx, bad)
		if !errors.Is(err, ErrVerification) || !errors.Is(err, keystore.ErrKeyNotFound) {
			t.Errorf("error = %v, want unknown_key verification error", err)
		}
	})

	t.Run("public key mismatch", func(t *testing.T) {
		bad := e
		bad.PublicKey = newTestKeys(t).Current().PublicKey()
		_, err := a.Open(ctx, bad)
		var ve *VerificationError
		if !errors.As(err, &ve) || ve.Reason != ReasonKeyMismatch {
			t.Errorf("error = %v, want key_mismatch", err)
		}
	})

	t.Run("digest mismatch", func(t *testing.T) {
		bad := e
		bad.Digest = seal.Digest([]byte("something else"))
		_, err := a.Open(ctx, bad)
		var ve *VerificationError
		if !errors.As(err, &ve) || ve.Reason != ReasonDigestMismatch {
			t.Errorf("error = %v, want digest_mismatch", err)
		}
	})

	t.Run("read only", func(t *testing.T) {
		ro := openTestLog(t, a.Dir(), Options{})
		if _, err := ro.Open(ctx, e); !errors.Is(err, ErrReadOnly) {
			t.Errorf("error = %v, want ErrReadOnly", err)
		}
	})
}

// Relabelling an entry and recomputing its chain hash passes Verify, but the
// kind no longer matches the signed plaintext.
func TestRelabelledKind_DetectedOnOpen(t *testing.T) {
	a := newTestLog(t, newTestKeys(t))
	ctx := context.Background()

	target := mustRecord(t, a, Event{Kind: "auth.login_failed", Actor: "mallory"})
	rewriteLog(t, a, func(e *Entry) bool {
		if e.Seq == target.Seq {
			e.Kind = "health.ping"
			e.Hash = computeHash(e)
		}
		return true
	})
	relabelled := readAll(t, a)[0]

	if err := a.Verify(relabelled); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	_, err := a.Open(ctx, relabelled)
	var ve *VerificationError
	if !errors.As(err, &ve) || ve.Reason != ReasonKindMismatch {
		t.Fatalf("Open error = %v, want kind_mismatch", err)
	}

	report, err := a.VerifyLog(ctx, VerifyOptions{Decrypt: true})
	if err != nil {
		t.Fatal(err)
	}
	if report.Valid || !hasReason(report, target.Seq, ReasonKindMismatch) {
		t.Errorf("findings = %v, want kind_mismatch for seq %d", report.Findings, target.Seq)
	}
}

func TestOpen_RetiredKey(t *testing.T) {
	keys := newTestKeys(t)
	a := newTestLog(t, keys)
	ctx := context.Background()

	old := mustRecord(t, a, Event{Kind: "before.rotation", Actor: "a"})
	if _, err := keys.Rotate(ctx); err != nil {
		t.Fatal(err)
	}
	fresh := mustRecord(t, a, Event{Kind: "after.rotation", Actor: "b"})

	if old.KeyID == fresh.KeyID {
		t.Fatal("rotation should change the key id")
	}
	if bytes.Equal(old.PublicKey, fresh.PublicKey) {
		t.Fatal("rotation should change the public key")
	}

	ev, err := a.Open(ctx, old)
	if err != nil {
		t.Fatalf("Open of entry under retired key: %v", err)
	}
	if ev.Actor != "a" {
		t.Errorf("actor = %q, want a", ev.Actor)
	}
}

// --- read_all ---

func TestReadAll_CountAndOrder(t *testing.T) {
	a := newTestLog(t, newTestKeys(t))

	const n = 25
	var recorded []Entry
	for i := 0; i < n; i++ {
		recorded = append(recorded, mustRecord(t, a, Event{Kind: "seq.test", Metadata: map[string]any{"i": i}}))
	}

	// Restartable: two full passes see the same entries.
	for pass := 0; pass < 2; pass++ {
		got := readAll(t, a)
		if len(got) != n {
			t.Fatalf("pass %d: ReadAll returned %d entries, want %d", pass, len(got), n)
		}
		for i, e := range got {
			if e.ID != recorded[i].ID || e.Seq != uint64(i+1) {
				t.Fatalf("pass %d: entry %d = seq %d id %s, want seq %d id %s",
					pass, i, e.Seq, e.ID, i+1, recorded[i].ID)
			}
		}
	}
}

func TestReadAll_EarlyStop(t *testing.T) {
	a := newTestLog(t, newTestKeys(t))
	for i := 0; i < 5; i++ {
		mustRecord(t, a, Event{Kind: "k"})
	}

	count := 0
	for _, err := range a.ReadAll() {
		if err != nil {
			t.Fatal(err)
		}
		count++
		if count == 2 {
			break
		}
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
}

func TestReadAll_ReportsMalformedLines(t *testing.T) {
	a := newTestLog(t, newTestKeys(t))
	mustRecord(t, a, Event{Kind: "k"})

	f, err := os.OpenFile(logFile(t, a), os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("{not json}\n")
	f.Close()

	mustRecord(t, a, Event{Kind: "k"})

	var entries, lineErrs int
	for _, err := range a.ReadAll() {
		if err != nil {
			var le *LineError
			if !errors.As(err, &le) {
				t.Fatalf("unexpected error type %T: %v", err, err)
			}
			if le.Line != 2 {
				t.Errorf("line = %d, want 2", le.Line)
			}
			lineErrs++
			continue
		}
		entries++
	}
	if entries != 2 || lineErrs != 1 {
		t.Errorf("entries = %d, line errors = %d; want 2 and 1", entries, lineErrs)
	}

	report, err := a.VerifyLog(context.Background(), VerifyOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if report.Valid || !hasReason(report, 0, ReasonMalformedLine) {
		t.Errorf("findings = %v, want malformed_line", report.Findings)
	}
}

// --- verify_log ---

func TestVerifyLog_Valid(t *testing.T) {
	a := newTestLog(t, newTestKeys(t))
	for i := 0; i < 10; i++ {
		mustRecord(t, a, Event{Kind: "k", Actor: "a"})
	}

	report, err := a.VerifyLog(context.Background(), VerifyOptions{Decrypt: true})
	if err != nil {
		t.Fatal(err)
	}
	if !report.Valid {
		t.Fatalf("findings: %v", report.Findings)
	}
	if report.EntriesChecked != 10 || report.Decrypted != 10 || report.LastSeq != 10 {
		t.Errorf("report = %+v", report)
	}
}

func TestVerifyLog_DeletedEntry(t *testing.T) {
	a := newTestLog(t, newTestKeys(t))
	for i := 0; i < 5; i++ {
		mustRecord(t, a, Event{Kind: "k"})
	}

	rewriteLog(t, a, func(e *Entry) bool { return e.Seq != 3 })

	report, err := a.VerifyLog(context.Background(), VerifyOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if report.Valid {
		t.Fatal("deleting an entry should break the chain")
	}
	if !hasReason(report, 4, ReasonChainBroken) || !hasReason(report, 4, ReasonSequenceGap) {
		t.Errorf("findings = %v, want chain_broken and sequence_gap at seq 4", reasons(report))
	}
	if report.EntriesChecked != 4 {
		t.Errorf("entries checked = %d, want 4", report.EntriesChecked)
	}
}

func TestVerifyLog_ReadOnlyDecrypt(t *testing.T) {
	a := openTestLog(t, t.TempDir(), Options{})
	if _, err := a.VerifyLog(context.Background(), VerifyOptions{Decrypt: true}); !errors.Is(err, ErrReadOnly) {
		t.Errorf("error = %v, want ErrReadOnly", err)
	}
}

// --- concurrency ---

// Rotating keys while many goroutines record must never produce an entry
// signed with one material and labelled with another.
func TestRecord_ConcurrentRotation(t *testing.T) {
	keys := newTestKeys(t)
	a := newTestLog(t, keys)
	ctx := context.Background()

	const writers, perWriter = 8, 25

	stop := make(chan struct{})
	rotations := make(chan int, 1)
	go func() {
		n := 0
		defer func() { rotations <- n }()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if _, err := keys.Rotate(ctx); err != nil {
				t.Errorf("Rotate: %v", err)
				return
			}
			n++
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if _, err := a.Record(ctx, Event{Kind: "concurrent", Metadata: map[string]any{"w": w, "i": i}}); err != nil {
					t.Errorf("Record: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(stop)
	t.Logf("rotations during test: %d", <-rotations)

	entries := readAll(t, a)
	if len(entries) != writers*perWriter {
		t.Fatalf("entries = %d, want %d", len(entries), writers*perWriter)
	}

	for _, e := range entries {
		if err := a.Verify(e); err != nil {
			t.Errorf("seq %d: %v", e.Seq, err)
			continue
		}
		km, err := keys.Lookup(ctx, e.KeyID)
		if err != nil {
			t.Errorf("seq %d: lookup %s: %v", e.Seq, e.KeyID, err)
			continue
		}
		if !bytes.Equal(km.PublicKey(), e.PublicKey) {
			t.Errorf("seq %d: key_id %s does not own the embedded public key", e.Seq, e.KeyID)
		}
		if _, err := a.Open(ctx, e); err != nil {
			t.Errorf("seq %d: Open: %v", e.Seq, err)
		}
	}

	report, err := a.VerifyLog(ctx, VerifyOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !report.Valid {
		t.Errorf("findings: %v", report.Findings)
	}
}

// --- persistence ---

func TestRecovery_ContinuesChain(t *testing.T) {
	keys := newTestKeys(t)
	dir := t.TempDir()

	a, err := New(dir, Options{Keys: keys})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		mustRecord(t, a, Event{Kind: "k"})
	}
	a.Close()

	b := openTestLog(t, dir, Options{Keys: keys})
	if b.LastSeq() != 3 {
		t.Fatalf("recovered seq = %d, want 3", b.LastSeq())
	}
	e := mustRecord(t, b, Event{Kind: "k"})
	if e.Seq != 4 {
		t.Errorf("seq = %d, want 4", e.Seq)
	}

	report, err := b.VerifyLog(context.Background(), VerifyOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !report.Valid || report.EntriesChecked != 4 {
		t.Errorf("report = %+v", report)
	}
}

func TestRecovery_PartialTrailingLine(t *testing.T) {
	keys := newTestKeys(t)
	dir := t.TempDir()

	a, err := New(dir, Options{Keys: keys})
	if err != nil {
		t.Fatal(err)
	}
	mustRecord(t, a, Event{Kind: "k"})
	path := logFile(t, a)
	a.Close()

	// Simulate a crash mid-write.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString(`{"seq":2,"id":"trunc`)
	f.Close()

	// Readers treat the unterminated line as in flight.
	ro := openTestLog(t, dir, Options{})
	if n := len(readAll(t, ro)); n != 1 {
		t.Fatalf("ReadAll returned %d entries, want 1", n)
	}

	// With no writer alive it cannot be in flight, so verify flags it.
	report, err := ro.VerifyLog(context.Background(), VerifyOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if got := reasons(report); len(got) != 1 || got[0] != ReasonIncompleteLine {
		t.Errorf("findings = %v, want only incomplete_line", got)
	}
	if report.Findings[0].File != filepath.Base(path) {
		t.Errorf("finding file = %q, want %q", report.Findings[0].File, filepath.Base(path))
	}

	// A writer terminates it; it becomes a flagged malformed line.
	b := openTestLog(t, dir, Options{Keys: keys})
	e := mustRecord(t, b, Event{Kind: "k"})
	if e.Seq != 2 {
		t.Errorf("seq = %d, want 2", e.Seq)
	}

	report, err = b.VerifyLog(context.Background(), VerifyOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if got := reasons(report); len(got) != 1 || got[0] != ReasonMalformedLine {
		t.Errorf("findings = %v, want only malformed_line", got)
	}
	if report.EntriesChecked != 2 {
		t.Errorf("entries checked = %d, want 2", report.EntriesChecked)
	}
}

func TestSingleWriter(t *testing.T) {
	keys := newTestKeys(t)
	dir := t.TempDir()
	ctx := context.Background()

	w := openTestLog(t, dir, Options{Keys: keys})
	mustRecord(t, w, Event{Kind: "k"})

	if _, err := New(dir, Options{Keys: keys}); !errors.Is(err, ErrLocked) {
		t.Fatalf("second writer: err = %v, want ErrLocked", err)
	}

	// Readers and decrypt-only opens share the directory with the writer.
	ro := openTestLog(t, dir, Options{})
	dec := openTestLog(t, dir, Options{Keys: keys, ReadOnly: true})
	if _, err := dec.Record(ctx, Event{Kind: "k"}); !errors.Is(err, ErrReadOnly) {
		t.Errorf("decrypt-only Record: err = %v, want ErrReadOnly", err)
	}
	if _, err := dec.Open(ctx, readAll(t, ro)[0]); err != nil {
		t.Errorf("decrypt-only Open: %v", err)
	}

	mustRecord(t, w, Event{Kind: "k"})
	report, err := ro.VerifyLog(ctx, VerifyOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !report.Valid || report.EntriesChecked != 2 {
		t.Errorf("report = %+v", report)
	}

	// Closing releases the directory for the next writer, which continues
	// the chain.
	w.Close()
	next := openTestLog(t, dir, Options{Keys: keys})
	if e := mustRecord(t, next, Event{Kind: "k"}); e.Seq != 3 {
		t.Errorf("seq after handover = %d, want 3", e.Seq)
	}
}

func TestRecovery_Reindex(t *testing.T) {
	keys := newTestKeys(t)
	dir := t.TempDir()

	a, err := New(dir, Options{Keys: keys})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		mustRecord(t, a, Event{Kind: "k"})
	}
	a.Close()

	for _, name := range []string{"index.db", "index.db-wal", "index.db-shm"} {
		os.Remove(filepath.Join(dir, name))
	}

	b := openTestLog(t, dir, Options{})
	tail, err := b.Tail(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(tail) != 3 {
		t.Errorf("reindexed entries = %d, want 3", len(tail))
	}
}

func TestDailyFiles_ClockSkew(t *testing.T) {
	keys := newTestKeys(t)
	day1 := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	day2 := day1.Add(2 * time.Minute)

	clock := day1
	a := openTestLog(t, t.TempDir(), Options{Keys: keys, Now: func() time.Time { return clock }})

	mustRecord(t, a, Event{Kind: "k"})
	clock = day2
	mustRecord(t, a, Event{Kind: "k"})
	clock = day1 // clock steps back
	mustRecord(t, a, Event{Kind: "k"})

	files, err := a.logFiles()
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 {
		t.Fatalf("files = %v, want two daily files", files)
	}
	if filepath.Base(files[1]) != "2026-03-02.jsonl" {
		t.Errorf("second file = %s", files[1])
	}

	got := readAll(t, a)
	for i, e := range got {
		if e.Seq != uint64(i+1) {
			t.Errorf("entry %d has seq %d; append order lost", i, e.Seq)
		}
	}
}

func TestReadOnly(t *testing.T) {
	keys := newTestKeys(t)
	dir := t.TempDir()
	w := openTestLog(t, dir, Options{Keys: keys})
	mustRecord(t, w, Event{Kind: "k"})

	ro := openTestLog(t, dir, Options{})
	if _, err := ro.Record(context.Background(), Event{Kind: "k"}); !errors.Is(err, ErrReadOnly) {
		t.Errorf("Record error = %v, want ErrReadOnly", err)
	}
	entries := readAll(t, ro)
	if len(entries) != 1 || !ro.Verified(entries[0]) {
		t.Errorf("read-only log should read and verify entries")
	}
}

// --- query / tail / get / export ---

func TestQuery(t *testing.T) {
	a := newTestLog(t, newTestKeys(t))
	for _, kind := range []string{"auth.login", "auth.logout", "data.read", "auth.login", "auth.mfa.failed"} {
		mustRecord(t, a, Event{Kind: kind})
	}

	tests := []struct {
		name   string
		params QueryParams
		want   []uint64
	}{
		{"all", QueryParams{}, []uint64{1, 2, 3, 4, 5}},
		{"exact kind", QueryParams{Kind: "auth.login"}, []uint64{1, 4}},
		{"glob one segment", QueryParams{Kind: "auth.*"}, []uint64{1, 2, 4}},
		{"glob any depth", QueryParams{Kind: "auth.**"}, []uint64{1, 2, 4, 5}},
		{"glob with limit", QueryParams{Kind: "auth.*", Limit: 2}, []uint64{2, 4}},
		{"limit newest", QueryParams{Limit: 2}, []uint64{4, 5}},
		{"since duration", QueryParams{Since: "1h"}, []uint64{1, 2, 3, 4, 5}},
		{"since future", QueryParams{Since: time.Now().Add(time.Hour).UTC().Format(time.RFC3339)}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := a.Query(tt.params)
			if err != nil {
				t.Fatal(err)
			}
			var seqs []uint64
			for _, e := range got {
				seqs = append(seqs, e.Seq)
			}
			if len(seqs) != len(tt.want) {
				t.Fatalf("seqs = %v, want %v", seqs, tt.want)
			}
			for i := range seqs {
				if seqs[i] != tt.want[i] {
					t.Fatalf("seqs = %v, want %v", seqs, tt.want)
				}
			}
		})
	}

	if _, err := a.Query(QueryParams{Since: "yesterday"}); err == nil {
		t.Error("invalid since should fail")
	}
	if _, err := a.Query(QueryParams{Kind: "auth.[a"}); !errors.Is(err, ErrInvalidQuery) {
		t.Errorf("invalid glob: expected ErrInvalidQuery, got %v", err)
	}
	if _, err := a.Query(QueryParams{Since: "yesterday"}); !errors.Is(err, ErrInvalidQuery) {
		t.Errorf("invalid since: expected ErrInvalidQuery, got %v", err)
	}
}

func TestQuery_ByKeyID(t *testing.T) {
	keys := newTestKeys(t)
	a := newTestLog(t, keys)
	first := mustRecord(t, a, Event{Kind: "k"})
	if _, err := keys.Rotate(context.Background()); err != nil {
		t.Fatal(err)
	}
	mustRecord(t, a, Event{Kind: "k"})

	got, err := a.Query(QueryParams{KeyID: first.KeyID})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Seq != 1 {
		t.Errorf("got %d entries, want only seq 1", len(got))
	}
}

func TestTailAndGet(t *testing.T) {
	a := newTestLog(t, newTestKeys(t))
	for i := 0; i < 5; i++ {
		mustRecord(t, a, Event{Kind: "k"})
	}

	tail, err := a.Tail(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(tail) != 2 || tail[0].Seq != 4 || tail[1].Seq != 5 {
		t.Errorf("tail = %+v, want seq 4, 5", tail)
	}

	e, err := a.Get(3)
	if err != nil {
		t.Fatal(err)
	}
	if e.Seq != 3 || !a.Verified(e) {
		t.Errorf("Get(3) = seq %d", e.Seq)
	}

	if _, err := a.Get(99); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(99) error = %v, want ErrNotFound", err)
	}
}

func TestExport(t *testing.T) {
	a := newTestLog(t, newTestKeys(t))
	for i := 0; i < 3; i++ {
		mustRecord(t, a, Event{Kind: "export.test"})
	}

	var buf bytes.Buffer
	if err := a.Export(&buf, "jsonl"); err != nil {
		t.Fatal(err)
	}
	if lines := strings.Count(buf.String(), "\n"); lines != 3 {
		t.Errorf("jsonl lines = %d, want 3", lines)
	}

	buf.Reset()
	if err := a.Export(&buf, "json"); err != nil {
		t.Fatal(err)
	}
	var arr []Entry
	if err := json.Unmarshal(buf.Bytes(), &arr); err != nil || len(arr) != 3 {
		t.Errorf("json export: %d entries, err %v", len(arr), err)
	}

	buf.Reset()
	if err := a.Export(&buf, "csv"); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(buf.String(), "seq,id,kind,timestamp,key_id,digest,prev_hash,hash\n") {
		t.Errorf("csv header: %q", strings.SplitN(buf.String(), "\n", 2)[0])
	}

	if err := a.Export(&buf, "xml"); err == nil {
		t.Error("unknown format should fail")
	}
}

// --- hooks ---

func TestOnRecordAndFollow(t *testing.T) {
	a := newTestLog(t, newTestKeys(t))

	hooked := make(chan Entry, 1)
	a.OnRecord(func(e Entry) { hooked <- e })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	followed := make(chan Entry, 1)
	go a.Follow(ctx, func(e Entry) {
		select {
		case followed <- e:
		default:
		}
	})
	time.Sleep(50 * time.Millisecond)

	e := mustRecord(t, a, Event{Kind: "live"})

	select {
	case got := <-hooked:
		if got.ID != e.ID {
			t.Errorf("hook got %s, want %s", got.ID, e.ID)
		}
	default:
		t.Error("OnRecord hook not called synchronously")
	}

	select {
	case got := <-followed:
		if got.Seq != e.Seq {
			t.Errorf("follow got seq %d, want %d", got.Seq, e.Seq)
		}
	case <-time.After(5 * time.Second):
		t.Error("Follow did not deliver the new entry")
	}
}

func TestEntryTime(t *testing.T) {
	ts := time.Date(2026, 10, 19, 12, 30, 45, 123456000, time.UTC)
	e := Entry{Timestamp: unixTimestamp(ts)}
	if got := e.Time(); !got.Equal(ts) {
		t.Errorf("Time() = %v, want %v", got, ts)
	}
}
