package store

import "database/sql"

const ddl = `
CREATE TABLE IF NOT EXISTS chunks (
    chunk_id TEXT PRIMARY KEY,
    document TEXT NOT NULL,
    volume   TEXT NOT NULL,
    page     INTEGER NOT NULL,
    content  TEXT NOT NULL,
    hash     TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_chunks_hash ON chunks(hash);

CREATE TABLE IF NOT EXISTS meta (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// Meta keys recorded at build time.
const (
	MetaEmbedModel   = "embedding_model"
	MetaDimension    = "dimension"
	MetaChunkSize    = "chunk_size"
	MetaChunkOverlap = "chunk_overlap"
	MetaBuildCount   = "build_count"
	MetaBuiltAt      = "built_at"
)

func initSchema(db *sql.DB) error {
	_, err := db.Exec(ddl)
	return err
}
