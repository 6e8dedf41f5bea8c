package docstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

type sqliteBackend struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) a SQLite database file and returns a Backend
// storing documents in it.
func OpenSQLite(path string) (Backend, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Local serializes access; a single connection avoids SQLITE_BUSY between
	// pooled connections.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS documents (
			path       TEXT PRIMARY KEY,
			parent     TEXT NOT NULL,
			id         TEXT NOT NULL,
			data       TEXT NOT NULL,
			seq        INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS documents_parent_seq ON documents(parent, seq);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create documents table: %w", err)
	}

	return &sqliteBackend{db: db}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (Document, error) {
	var (
		d                    Document
		data                 string
		seq                  int64
		createdAt, updatedAt string
	)
	if err := row.Scan(&d.Path, &d.ID, &data, &seq, &createdAt, &updatedAt); err != nil {
		return Document{}, err
	}
	if err := json.Unmarshal([]byte(data), &d.Data); err != nil {
		return Document{}, fmt.Errorf("decode %s: %w", d.Path, err)
	}
	if d.Data == nil {
		d.Data = Data{}
	}
	d.Seq = uint64(seq)
	var err error
	if d.CreateTime, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return Document{}, fmt.Errorf("decode %s created_at: %w", d.Path, err)
	}
	if d.UpdateTime, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return Document{}, fmt.Errorf("decode %s updated_at: %w", d.Path, err)
	}
	return d, nil
}

func (b *sqliteBackend) Get(path string) (Document, bool, error) {
	row := b.db.QueryRow(`SELECT path, id, data, seq, created_at, updated_at FROM documents WHERE path = ?`, path)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, false, nil
	}
	if err != nil {
		return Document{}, false, err
	}
	return d, true, nil
}

func (b *sqliteBackend) Put(doc Document) error {
	_, parent, _, err := DocPath(doc.Path)
	if err != nil {
		return err
	}
	data, err := json.Marshal(doc.Data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", doc.Path, err)
	}
	_, err = b.db.Exec(`
		INSERT INTO documents (path, parent, id, data, seq, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		doc.Path, parent, doc.ID, string(data), int64(doc.Seq),
		doc.CreateTime.UTC().Format(time.RFC3339Nano), doc.UpdateTime.UTC().Format(time.RFC3339Nano))
	return err
}

func (b *sqliteBackend) Delete(path string) error {
	_, err := b.db.Exec(`DELETE FROM documents WHERE path = ?`, path)
	return err
}

func (b *sqliteBackend) List(collection string) ([]Document, error) {
	rows, err := b.db.Query(`SELECT path, id, data, seq, created_at, updated_at FROM documents WHERE parent = ? ORDER BY seq`, collection)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (b *sqliteBackend) MaxSeq() (uint64, error) {
	var seq sql.NullInt64
	if err := b.db.QueryRow(`SELECT MAX(seq) FROM documents`).Scan(&seq); err != nil {
		return 0, err
	}
	if !seq.Valid || seq.Int64 < 0 {
		return 0, nil
	}
	return uint64(seq.Int64), nil
}

func (b *sqliteBackend) Close() error {
	return b.db.Close()
}
