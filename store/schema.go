package store

import "fmt"

// schemaSQL returns the DDL for all tables. embeddingDim controls the
// vec0 virtual table dimension.
func schemaSQL(embeddingDim int) string {
	return fmt.Sprintf(`
-- Uploaded sources with fingerprint-based change detection
CREATE TABLE IF NOT EXISTS sources (
    id INTEGER PRIMARY KEY,
    source_name TEXT NOT NULL UNIQUE,
    fingerprint TEXT NOT NULL,
    row_count INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- One natural-language document per data row
CREATE TABLE IF NOT EXISTS row_documents (
    id INTEGER PRIMARY KEY,
    doc_key TEXT NOT NULL UNIQUE,
    source_id INTEGER NOT NULL REFERENCES sources(id) ON DELETE CASCADE,
    row_index INTEGER NOT NULL,
    document TEXT NOT NULL,
    metadata JSON
);

-- Vector embeddings via sqlite-vec
CREATE VIRTUAL TABLE IF NOT EXISTS vec_rows USING vec0(
    row_pk INTEGER PRIMARY KEY,
    embedding float[%d]
);

-- Query audit log
CREATE TABLE IF NOT EXISTS query_log (
    id INTEGER PRIMARY KEY,
    question TEXT NOT NULL,
    answer TEXT,
    model_used TEXT,
    sources JSON,
    prompt_tokens INTEGER DEFAULT 0,
    completion_tokens INTEGER DEFAULT 0,
    total_tokens INTEGER DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Indexes
CREATE INDEX IF NOT EXISTS idx_row_documents_source ON row_documents(source_id);
CREATE INDEX IF NOT EXISTS idx_sources_fingerprint ON sources(fingerprint);
`, embeddingDim)
}
