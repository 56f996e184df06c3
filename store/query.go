package store

import (
	"context"
	"encoding/json"
	"log/slog"
)

// QueryResult holds the outcome of one similarity search. The four
// slices are parallel; Documents is the authority for emptiness.
type QueryResult struct {
	IDs       []string                 `json:"ids"`
	Documents []string                 `json:"documents"`
	Metadatas []map[string]interface{} `json:"metadatas"`
	Distances []float64                `json:"distances"`
}

// Empty reports whether the search produced no usable results.
func (r QueryResult) Empty() bool {
	return len(r.Documents) == 0
}

// Query embeds the question text and returns the topK nearest row
// documents. Retrieval never fails the caller: any error along the way
// (embedding, search, malformed stored metadata) is logged and
// degrades to an empty result, which the query layer reports as
// "no relevant data".
func (s *Store) Query(ctx context.Context, text string, topK int, sourceFilter string) QueryResult {
	if topK <= 0 {
		topK = 5
	}

	vecs, err := s.embedder.Embed(ctx, []string{text})
	if err != nil || len(vecs) != 1 {
		slog.Warn("store: query embedding failed", "error", err)
		return QueryResult{}
	}

	q := `
		SELECT rd.doc_key, rd.document, rd.metadata, v.distance
		FROM vec_rows v
		JOIN row_documents rd ON rd.id = v.row_pk
		WHERE v.embedding MATCH ? AND k = ?`
	args := []interface{}{serializeFloat32(vecs[0]), topK}
	if sourceFilter != "" {
		// Constrain the KNN search itself so k applies to the filtered
		// set; sqlite-vec honours rowid IN (...) inside a MATCH query.
		q += `
		AND v.row_pk IN (
			SELECT d.id FROM row_documents d
			JOIN sources f ON f.id = d.source_id
			WHERE f.source_name = ?)`
		args = append(args, sourceFilter)
	}
	q += `
		ORDER BY v.distance`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		slog.Warn("store: vector search failed", "error", err)
		return QueryResult{}
	}
	defer rows.Close()

	var result QueryResult
	for rows.Next() {
		var docKey, document, metaJSON string
		var distance float64
		if err := rows.Scan(&docKey, &document, &metaJSON, &distance); err != nil {
			slog.Warn("store: scanning search result", "error", err)
			return QueryResult{}
		}
		meta := map[string]interface{}{}
		if metaJSON != "" {
			if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
				slog.Warn("store: malformed row metadata", "doc", docKey, "error", err)
				return QueryResult{}
			}
		}

		result.IDs = append(result.IDs, docKey)
		result.Documents = append(result.Documents, document)
		result.Metadatas = append(result.Metadatas, meta)
		result.Distances = append(result.Distances, distance)
	}
	if err := rows.Err(); err != nil {
		slog.Warn("store: iterating search results", "error", err)
		return QueryResult{}
	}
	return result
}
