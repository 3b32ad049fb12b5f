package changelog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Entry is one accepted change.
type Entry struct {
	ID        int64
	Channel   string
	Seq       int64
	UserToken string
	UserName  string
	TypeName  string
	Change    json.RawMessage
	CreatedAt time.Time
}

// ImportRecord remembers a file the importer already turned into an assembly.
type ImportRecord struct {
	Path       string
	Checksum   string
	Assembly   string
	ImportedAt time.Time
}

// Append stores e under the next sequence number of its channel and returns
// that number. e.Seq and e.ID are ignored.
func (db *DB) Append(ctx context.Context, e Entry) (int64, error) {
	db.appendMu.Lock()
	defer db.appendMu.Unlock()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("changelog: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM changes WHERE channel = ?`, e.Channel,
	).Scan(&seq); err != nil {
		return 0, fmt.Errorf("changelog: next seq: %w", err)
	}
	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO changes (channel, seq, user_token, user_name, type_name, change, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.Channel, seq, e.UserToken, e.UserName, e.TypeName, string(e.Change), created)
	if err != nil {
		return 0, fmt.Errorf("changelog: insert change: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("changelog: commit: %w", err)
	}
	return seq, nil
}

// Since returns the entries of channel with a sequence number above since, in
// sequence order. A limit of zero or less means no limit.
func (db *DB) Since(ctx context.Context, channel string, since int64, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, channel, seq, user_token, user_name, type_name, change, created_at
		FROM changes WHERE channel = ? AND seq > ?
		ORDER BY seq LIMIT ?
	`, channel, since, limit)
	if err != nil {
		return nil, fmt.Errorf("changelog: since: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LastSeq returns the highest sequence number of channel, or zero.
func (db *DB) LastSeq(ctx context.Context, channel string) (int64, error) {
	var seq int64
	err := db.conn.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM changes WHERE channel = ?`, channel,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("changelog: last seq: %w", err)
	}
	return seq, nil
}

// Replay calls fn for every entry in the order the entries were appended.
func (db *DB) Replay(ctx context.Context, fn func(Entry) error) error {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, channel, seq, user_token, user_name, type_name, change, created_at
		FROM changes ORDER BY id
	`)
	if err != nil {
		return fmt.Errorf("changelog: replay: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (Entry, error) {
	var e Entry
	var raw string
	if err := s.Scan(&e.ID, &e.Channel, &e.Seq, &e.UserToken, &e.UserName, &e.TypeName, &raw, &e.CreatedAt); err != nil {
		return Entry{}, fmt.Errorf("changelog: scan: %w", err)
	}
	e.Change = json.RawMessage(raw)
	return e, nil
}

// ImportChecksum returns the checksum recorded for path, or "" when the file
// was never imported.
func (db *DB) ImportChecksum(ctx context.Context, path string) (string, error) {
	var cs string
	err := db.conn.QueryRowContext(ctx, `SELECT checksum FROM imports WHERE path = ?`, path).Scan(&cs)
	if err != nil {
		return "", nil // not found is fine
	}
	return cs, nil
}

// RecordImport inserts or replaces an import record.
func (db *DB) RecordImport(ctx context.Context, rec ImportRecord) error {
	at := rec.ImportedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO imports (path, checksum, assembly, imported_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			checksum    = excluded.checksum,
			assembly    = excluded.assembly,
			imported_at = excluded.imported_at
	`, rec.Path, rec.Checksum, rec.Assembly, at)
	if err != nil {
		return fmt.Errorf("changelog: record import: %w", err)
	}
	return nil
}

// Imports lists every import record ordered by path.
func (db *DB) Imports(ctx context.Context) ([]ImportRecord, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT path, checksum, assembly, imported_at FROM imports ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("changelog: imports: %w", err)
	}
	defer rows.Close()
	var out []ImportRecord
	for rows.Next() {
		var r ImportRecord
		if err := rows.Scan(&r.Path, &r.Checksum, &r.Assembly, &r.ImportedAt); err != nil {
			return nil, fmt.Errorf("changelog: scan import: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
