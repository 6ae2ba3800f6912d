// Package store persists chunk metadata and the ingestion manifest. The
// metadata store is the durable source of truth for which chunks have been
// seen; the manifest is only a fast membership accelerator over content
// hashes and can be rebuilt from the store.
package store

import (
	"database/sql"
	"fmt"
	"sort"

	_ "github.com/mattn/go-sqlite3"
)

// Record maps a chunk id to its text, citation, and content hash.
type Record struct {
	ChunkID  string
	Document string
	Volume   string
	Page     int
	Text     string
	Hash     string
}

// Store is a SQLite-backed metadata table. Snapshot databases are written
// once during ingestion and read-only afterwards.
type Store struct {
	db *sql.DB
}

// Open creates or opens the metadata database at path and initializes the
// schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open metadata db: %w", err)
	}
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db}, nil
}

// UpsertAll writes records in one transaction, replacing any rows that
// share a chunk id.
func (s *Store) UpsertAll(records []Record) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO chunks (chunk_id, document, volume, page, content, hash)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(chunk_id) DO UPDATE SET
			document = excluded.document,
			volume   = excluded.volume,
			page     = excluded.page,
			content  = excluded.content,
			hash     = excluded.hash
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.Exec(r.ChunkID, r.Document, r.Volume, r.Page, r.Text, r.Hash); err != nil {
			return fmt.Errorf("upsert chunk %s: %w", r.ChunkID, err)
		}
	}
	return tx.Commit()
}

// Upsert writes a single record.
func (s *Store) Upsert(r Record) error {
	return s.UpsertAll([]Record{r})
}

// Get returns the record for a chunk id, reporting whether it exists.
func (s *Store) Get(chunkID string) (Record, bool, error) {
	var r Record
	err := s.db.QueryRow(
		"SELECT chunk_id, document, volume, page, content, hash FROM chunks WHERE chunk_id = ?",
		chunkID,
	).Scan(&r.ChunkID, &r.Document, &r.Volume, &r.Page, &r.Text, &r.Hash)
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return r, true, nil
}

// GetMany returns records for the given ids in the same order. A missing id
// is an error: the index and metadata must agree on membership.
func (s *Store) GetMany(chunkIDs []string) ([]Record, error) {
	records := make([]Record, 0, len(chunkIDs))
	for _, id := range chunkIDs {
		r, ok, err := s.Get(id)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("chunk %s present in index but missing from metadata", id)
		}
		records = append(records, r)
	}
	return records, nil
}

// AllRecords returns every record ordered by chunk id.
func (s *Store) AllRecords() ([]Record, error) {
	rows, err := s.db.Query("SELECT chunk_id, document, volume, page, content, hash FROM chunks ORDER BY chunk_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ChunkID, &r.Document, &r.Volume, &r.Page, &r.Text, &r.Hash); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// ContainsHash reports whether any stored chunk carries the content hash.
func (s *Store) ContainsHash(hash string) (bool, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(1) FROM chunks WHERE hash = ?", hash).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ChunkIDs returns all chunk ids in ascending order.
func (s *Store) ChunkIDs() ([]string, error) {
	rows, err := s.db.Query("SELECT chunk_id FROM chunks")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

// Count returns the number of stored records.
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(1) FROM chunks").Scan(&n)
	return n, err
}

// GetMeta returns a metadata value by key, or "" if not set.
func (s *Store) GetMeta(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetMeta sets a metadata key-value pair.
func (s *Store) SetMeta(key, value string) error {
	_, err := s.db.Exec(
		"INSERT INTO meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value,
	)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
