package audit

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	_ "github.com/glebarez/go-sqlite"
)

// sqliteIndex provides fast queries over the audit log using SQLite.
// The JSONL files are the source of truth; the SQLite index is a
// queryable projection that can be rebuilt from the JSONL files.
//
// Each row keeps the full envelope so reads never touch the JSONL files.
type sqliteIndex struct {
	db *sql.DB
}

// indexQuery is a query already resolved to SQL-level filters.
type indexQuery struct {
	kind     string // exact match
	keyID    string
	since    float64
	afterSeq uint64
	limit    int
	newest   bool // take the newest rows when limited
}

// openIndex opens (or creates) the SQLite index database.
func openIndex(path string) (*sqliteIndex, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite index %s: %w", path, err)
	}

	// WAL mode lets the daemon write while CLI commands read.
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS entries (
			seq       INTEGER PRIMARY KEY,
			id        TEXT NOT NULL,
			kind      TEXT NOT NULL,
			ts        REAL NOT NULL,
			key_id    TEXT NOT NULL DEFAULT '',
			digest    TEXT NOT NULL DEFAULT '',
			hash      TEXT NOT NULL,
			envelope  TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_kind ON entries(kind);
		CREATE INDEX IF NOT EXISTS idx_ts ON entries(ts);
		CREATE INDEX IF NOT EXISTS idx_key_id ON entries(key_id);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating sqlite schema: %w", err)
	}

	return &sqliteIndex{db: db}, nil
}

// insert adds an entry to the SQLite index. Errors are logged but don't
// affect the primary JSONL audit log; the next startup reindexes.
func (idx *sqliteIndex) insert(e *Entry) {
	envelope, err := json.Marshal(e)
	if err != nil {
		slog.Error("sqlite index marshal failed", "seq", e.Seq, "error", err)
		return
	}

	_, err = idx.db.Exec(
		`INSERT OR REPLACE INTO entries (seq, id, kind, ts, key_id, digest, hash, envelope)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Seq, e.ID, e.Kind, e.Timestamp, e.KeyID, e.Digest, e.Hash, string(envelope),
	)
	if err != nil {
		slog.Error("sqlite index insert failed", "seq", e.Seq, "error", err)
	}
}

// query retrieves entries in ascending seq order.
func (idx *sqliteIndex) query(q indexQuery) ([]Entry, error) {
	query := "SELECT envelope FROM entries WHERE seq > ?"
	args := []any{q.afterSeq}

	if q.kind != "" {
		query += " AND kind = ?"
		args = append(args, q.kind)
	}
	if q.keyID != "" {
		query += " AND key_id = ?"
		args = append(args, q.keyID)
	}
	if q.since > 0 {
		query += " AND ts >= ?"
		args = append(args, q.since)
	}

	if q.newest {
		query += " ORDER BY seq DESC"
	} else {
		query += " ORDER BY seq ASC"
	}
	if q.limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.limit)
	}

	rows, err := idx.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sqlite index: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var envelope string
		if err := rows.Scan(&envelope); err != nil {
			return nil, fmt.Errorf("scanning sqlite row: %w", err)
		}
		var e Entry
		if err := json.Unmarshal([]byte(envelope), &e); err != nil {
			return nil, fmt.Errorf("decoding indexed envelope: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if q.newest {
		slices.Reverse(entries)
	}
	return entries, nil
}

// get returns the entry with the given seq, or ErrNotFound.
func (idx *sqliteIndex) get(seq uint64) (Entry, error) {
	var envelope string
	err := idx.db.QueryRow("SELECT envelope FROM entries WHERE seq = ?", seq).Scan(&envelope)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, fmt.Errorf("reading sqlite index: %w", err)
	}
	var e Entry
	if err := json.Unmarshal([]byte(envelope), &e); err != nil {
		return Entry{}, fmt.Errorf("decoding indexed envelope: %w", err)
	}
	return e, nil
}

// lastSeq returns the highest sequence number in the index.
// Returns 0 if the index is empty.
func (idx *sqliteIndex) lastSeq() uint64 {
	var seq sql.NullInt64
	err := idx.db.QueryRow("SELECT MAX(seq) FROM entries").Scan(&seq)
	if err != nil || !seq.Valid {
		return 0
	}
	return uint64(seq.Int64)
}

// close closes the SQLite database connection.
func (idx *sqliteIndex) close() error {
	return idx.db.Close()
}
