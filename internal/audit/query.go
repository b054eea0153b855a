package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/gobwas/glob"
)

// QueryParams defines filters for querying the audit log.
// All fields are optional; empty/zero values mean "no filter".
type QueryParams struct {
	Kind  string // Exact kind or glob pattern ("auth.*", "**.failed").
	KeyID string // Entries written under this key.
	Since string // RFC 3339 timestamp or duration string (e.g. "1h", "24h").
	Limit int    // Maximum entries to return (the newest ones).
}

// Tail returns the N most recent entries, oldest first.
func (a *AuditLog) Tail(limit int) ([]Entry, error) {
	return a.index.query(indexQuery{limit: limit, newest: true})
}

// Query retrieves entries matching the given filter parameters, oldest
// first. Uses the SQLite index; glob kinds are matched after the SQL
// filters, with '.' as the segment separator.
func (a *AuditLog) Query(params QueryParams) ([]Entry, error) {
	since, err := parseSince(params.Since, a.now())
	if err != nil {
		return nil, err
	}

	q := indexQuery{keyID: params.KeyID, since: since, limit: params.Limit, newest: true}

	var matcher glob.Glob
	if isGlob(params.Kind) {
		matcher, err = glob.Compile(params.Kind, '.')
		if err != nil {
			return nil, fmt.Errorf("%w: kind pattern %q: %w", ErrInvalidQuery, params.Kind, err)
		}
		q.limit = 0
	} else {
		q.kind = params.Kind
	}

	entries, err := a.index.query(q)
	if err != nil {
		return nil, err
	}
	if matcher == nil {
		return entries, nil
	}

	filtered := entries[:0]
	for _, e := range entries {
		if matcher.Match(e.Kind) {
			filtered = append(filtered, e)
		}
	}
	if params.Limit > 0 && len(filtered) > params.Limit {
		filtered = filtered[len(filtered)-params.Limit:]
	}
	return filtered, nil
}

// Follow watches for new audit entries in real-time, calling the callback
// for each new entry. Blocks until the context is cancelled.
// Similar to `tail -f` for the audit log. Works across processes: it polls
// the shared SQLite index.
func (a *AuditLog) Follow(ctx context.Context, callback func(Entry)) error {
	lastSeq := max(a.LastSeq(), a.index.lastSeq())
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			entries, err := a.index.query(indexQuery{afterSeq: lastSeq})
			if err != nil {
				slog.Error("follow: error reading entries", "error", err)
				continue
			}
			for _, e := range entries {
				callback(e)
				if e.Seq > lastSeq {
					lastSeq = e.Seq
				}
			}
		}
	}
}

func isGlob(kind string) bool {
	return strings.ContainsAny(kind, `*?[]{}\`)
}

// parseSince converts an RFC 3339 timestamp or a duration before now into
// unix seconds. Empty means no lower bound.
func parseSince(since string, now time.Time) (float64, error) {
	if since == "" {
		return 0, nil
	}
	if strings.Contains(since, "T") {
		t, err := time.Parse(time.RFC3339Nano, since)
		if err != nil {
			return 0, fmt.Errorf("%w: since timestamp %q: %w", ErrInvalidQuery, since, err)
		}
		return unixTimestamp(t), nil
	}
	d, err := time.ParseDuration(since)
	if err != nil {
		return 0, fmt.Errorf("%w: since duration %q: %w", ErrInvalidQuery, since, err)
	}
	return unixTimestamp(now.Add(-d)), nil
}

// writeEntries encodes entries in one of the export formats.
func writeEntries(w io.Writer, format string, entries []Entry) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if entries == nil {
			entries = []Entry{}
		}
		return enc.Encode(entries)

	case "csv":
		cw := csv.NewWriter(w)
		if err := cw.Write([]string{"seq", "id", "kind", "timestamp", "key_id", "digest", "prev_hash", "hash"}); err != nil {
			return err
		}
		for _, e := range entries {
			if err := cw.Write([]string{
				strconv.FormatUint(e.Seq, 10),
				e.ID,
				e.Kind,
				e.Time().Format(time.RFC3339Nano),
				e.KeyID,
				e.Digest,
				e.PrevHash,
				e.Hash,
			}); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()

	case "jsonl", "":
		enc := json.NewEncoder(w)
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil

	default:
		return fmt.Errorf("unsupported export format: %s (use json, jsonl, or csv)", format)
	}
}
