package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"tabletalk/ingest"
)

// embedBatchSize is the number of row documents sent to the embedding
// backend per request.
const embedBatchSize = 100

// Fingerprint computes a content hash over a table's header and rows.
// Two uploads with identical content produce the same fingerprint.
func Fingerprint(t *ingest.Table) string {
	h := sha256.New()
	for _, c := range t.Columns {
		h.Write([]byte(c))
		h.Write([]byte{0x1f})
	}
	h.Write([]byte{0x1e})
	for _, row := range t.Rows {
		for _, cell := range row {
			h.Write([]byte(cell))
			h.Write([]byte{0x1f})
		}
		h.Write([]byte{0x1e})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// EmbedTable renders each row to a document, embeds the documents in
// batches, and writes documents plus vectors. Returns the number of
// rows written.
//
// Re-uploading unchanged content is a no-op: the source fingerprint is
// checked first and a match skips embedding entirely. Changed content
// drops the old rows and re-indexes. A batch failure aborts mid-source
// without rolling back earlier batches; the stale fingerprint is only
// written after all batches succeed, so a retry re-indexes everything.
func (s *Store) EmbedTable(ctx context.Context, t *ingest.Table, sourceName string) (int, error) {
	fp := Fingerprint(t)

	existing, err := s.GetSource(ctx, sourceName)
	switch {
	case err == nil:
		if existing.Fingerprint == fp {
			slog.Info("store: source unchanged, skipping embedding",
				"source", sourceName, "rows", existing.RowCount)
			return 0, nil
		}
		if err := s.deleteSourceRows(ctx, existing.ID); err != nil {
			return 0, fmt.Errorf("dropping stale rows for %s: %w", sourceName, err)
		}
	case errors.Is(err, sql.ErrNoRows):
		// First upload of this source.
	default:
		return 0, fmt.Errorf("looking up source %s: %w", sourceName, err)
	}

	// A placeholder fingerprint marks the source as in progress; the
	// real one lands only after every batch is written.
	sourceID, err := s.upsertSource(ctx, sourceName, "pending", 0)
	if err != nil {
		return 0, fmt.Errorf("registering source %s: %w", sourceName, err)
	}

	docs := make([]string, 0, t.RowCount())
	metas := make([]string, 0, t.RowCount())
	rowIdx := make([]int, 0, t.RowCount())
	for i := 0; i < t.RowCount(); i++ {
		doc := RenderRowDocument(t, i)
		if doc == "" {
			continue
		}
		metaJSON, err := json.Marshal(RowMetadata(t, i, sourceName))
		if err != nil {
			return 0, fmt.Errorf("encoding metadata for row %d: %w", i, err)
		}
		docs = append(docs, doc)
		metas = append(metas, string(metaJSON))
		rowIdx = append(rowIdx, i)
	}

	written := 0
	for start := 0; start < len(docs); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(docs) {
			end = len(docs)
		}

		vecs, err := s.embedder.Embed(ctx, docs[start:end])
		if err != nil {
			return written, fmt.Errorf("%w: embedding rows %d-%d: %v",
				ErrBatchWriteFailed, start, end-1, err)
		}
		if len(vecs) != end-start {
			return written, fmt.Errorf("%w: got %d embeddings for %d documents",
				ErrBatchWriteFailed, len(vecs), end-start)
		}

		err = s.inTx(ctx, func(tx *sql.Tx) error {
			for i := start; i < end; i++ {
				docKey := fmt.Sprintf("file_%d_row_%d", sourceID, rowIdx[i])
				res, err := tx.ExecContext(ctx, `
					INSERT INTO row_documents (doc_key, source_id, row_index, document, metadata)
					VALUES (?, ?, ?, ?, ?)
				`, docKey, sourceID, rowIdx[i], docs[i], metas[i])
				if err != nil {
					return err
				}
				pk, err := res.LastInsertId()
				if err != nil {
					return err
				}
				if _, err := tx.ExecContext(ctx,
					"INSERT INTO vec_rows (row_pk, embedding) VALUES (?, ?)",
					pk, serializeFloat32(vecs[i-start])); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return written, fmt.Errorf("%w: writing rows %d-%d: %v",
				ErrBatchWriteFailed, start, end-1, err)
		}
		written += end - start
	}

	if _, err := s.upsertSource(ctx, sourceName, fp, written); err != nil {
		return written, fmt.Errorf("finalising source %s: %w", sourceName, err)
	}

	slog.Info("store: embedded source",
		"source", sourceName, "rows", written, "batches", (len(docs)+embedBatchSize-1)/embedBatchSize)
	return written, nil
}
