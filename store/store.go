// Package store persists row documents and their vector embeddings in
// SQLite, using sqlite-vec for KNN retrieval.
package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	"tabletalk/llm"
)

func init() {
	sqlite_vec.Auto()
}

var (
	// ErrStoreUnavailable is returned when the database cannot be
	// opened or initialised.
	ErrStoreUnavailable = errors.New("store: embedding store unavailable")

	// ErrBatchWriteFailed is returned when an embedding batch cannot be
	// written. Batches already written are kept; the source is left
	// partially embedded and a later upload retries from scratch.
	ErrBatchWriteFailed = errors.New("store: embedding batch write failed")
)

// Source describes one uploaded dataset in the index.
type Source struct {
	ID          int64  `json:"id"`
	SourceName  string `json:"source_name"`
	Fingerprint string `json:"fingerprint"`
	RowCount    int    `json:"row_count"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

// QueryLog is a record of one answered question.
type QueryLog struct {
	Question         string      `json:"question"`
	Answer           string      `json:"answer"`
	ModelUsed        string      `json:"model_used"`
	Sources          interface{} `json:"sources"`
	PromptTokens     int         `json:"prompt_tokens"`
	CompletionTokens int         `json:"completion_tokens"`
	TotalTokens      int         `json:"total_tokens"`
}

// HistoryEntry is a query log row read back for conversation history.
type HistoryEntry struct {
	Question  string `json:"question"`
	Answer    string `json:"answer"`
	ModelUsed string `json:"model_used"`
	CreatedAt string `json:"created_at"`
}

// Store wraps the SQLite database holding row documents and vectors.
// An embedding provider is attached so ingestion and retrieval share
// one vectorisation path.
type Store struct {
	db           *sql.DB
	embeddingDim int
	embedder     llm.Provider
}

// New opens (or creates) a SQLite database at the given path and
// initialises the schema including the sqlite-vec virtual table.
func New(dbPath string, embeddingDim int, embedder llm.Provider) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("%w: creating db directory: %v", ErrStoreUnavailable, err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("%w: opening database: %v", ErrStoreUnavailable, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: pinging database: %v", ErrStoreUnavailable, err)
	}

	if _, err := db.Exec(schemaSQL(embeddingDim)); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: creating schema: %v", ErrStoreUnavailable, err)
	}

	// Connection pool settings for SQLite.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	return &Store{db: db, embeddingDim: embeddingDim, embedder: embedder}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for advanced queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// EmbeddingDim returns the configured embedding dimension.
func (s *Store) EmbeddingDim() int {
	return s.embeddingDim
}

// --- Source operations ---

// GetSource retrieves a source by name. Returns sql.ErrNoRows when the
// source is not indexed.
func (s *Store) GetSource(ctx context.Context, name string) (*Source, error) {
	src := &Source{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, source_name, fingerprint, row_count, created_at, updated_at
		FROM sources WHERE source_name = ?
	`, name).Scan(&src.ID, &src.SourceName, &src.Fingerprint, &src.RowCount,
		&src.CreatedAt, &src.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return src, nil
}

// ListSources returns all indexed sources, newest first.
func (s *Store) ListSources(ctx context.Context) ([]Source, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_name, fingerprint, row_count, created_at, updated_at
		FROM sources ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sources []Source
	for rows.Next() {
		var src Source
		if err := rows.Scan(&src.ID, &src.SourceName, &src.Fingerprint,
			&src.RowCount, &src.CreatedAt, &src.UpdatedAt); err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

func (s *Store) upsertSource(ctx context.Context, name, fingerprint string, rowCount int) (int64, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sources (source_name, fingerprint, row_count)
		VALUES (?, ?, ?)
		ON CONFLICT(source_name) DO UPDATE SET
			fingerprint = excluded.fingerprint,
			row_count = excluded.row_count,
			updated_at = CURRENT_TIMESTAMP
	`, name, fingerprint, rowCount)
	if err != nil {
		return 0, err
	}

	var id int64
	row := s.db.QueryRowContext(ctx, "SELECT id FROM sources WHERE source_name = ?", name)
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// deleteSourceRows drops a source's documents and vectors so a changed
// upload can be re-indexed from scratch.
func (s *Store) deleteSourceRows(ctx context.Context, sourceID int64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM vec_rows WHERE row_pk IN (
				SELECT id FROM row_documents WHERE source_id = ?
			)`, sourceID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			"DELETE FROM row_documents WHERE source_id = ?", sourceID)
		return err
	})
}

// Clear removes all indexed data. Best effort: a missing or partially
// initialised database is not an error.
func (s *Store) Clear(ctx context.Context) error {
	for _, stmt := range []string{
		"DELETE FROM vec_rows",
		"DELETE FROM row_documents",
		"DELETE FROM sources",
		"DELETE FROM query_log",
	} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// CountRows returns the number of indexed row documents.
func (s *Store) CountRows(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM row_documents").Scan(&n)
	return n, err
}

// CountVectors returns the number of stored embeddings.
func (s *Store) CountVectors(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM vec_rows").Scan(&n)
	return n, err
}

// --- Query log ---

// LogQuery writes an entry to the query audit log.
func (s *Store) LogQuery(ctx context.Context, q QueryLog) error {
	sourcesJSON, _ := json.Marshal(q.Sources)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO query_log (question, answer, model_used, sources, prompt_tokens, completion_tokens, total_tokens)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, q.Question, q.Answer, q.ModelUsed, string(sourcesJSON),
		q.PromptTokens, q.CompletionTokens, q.TotalTokens)
	return err
}

// RecentQueries returns the latest n query log entries, oldest first.
func (s *Store) RecentQueries(ctx context.Context, n int) ([]HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT question, COALESCE(answer, ''), COALESCE(model_used, ''), created_at
		FROM query_log ORDER BY id DESC LIMIT ?
	`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.Question, &e.Answer, &e.ModelUsed, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to chronological order.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// --- helpers ---

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// serializeFloat32 converts a float32 slice to little-endian bytes for sqlite-vec.
func serializeFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}
