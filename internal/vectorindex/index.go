package vectorindex

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Match is a single similarity search result.
type Match struct {
	Path        string
	Name        string
	Category    string
	EmbeddingID string
	Score       float32
}

// Index provides vector storage and brute-force cosine similarity search
// over the embeddings table, keyed by file path. It shares the metadata
// store's SQLite handle so both live in one database file.
//
// When the vector count exceeds ~100K and query latency becomes noticeable,
// consider an ANN-backed implementation. Paths() extracts all keys for
// migration.
type Index struct {
	db    *sql.DB
	embed TextEmbedder
}

// New wraps an existing *sql.DB for vector operations.
// The embeddings table must already exist (created via migrations).
func New(db *sql.DB, embed TextEmbedder) *Index {
	return &Index{db: db, embed: embed}
}

// Upsert embeds text and stores the vector under path, replacing any
// previous entry. Empty text stores an empty vector without calling the
// embedder; such entries never match a query but keep the path registered.
// Returns the freshly minted embedding ID.
func (ix *Index) Upsert(ctx context.Context, path, text, category, name string) (string, error) {
	var vec []float32
	if text != "" {
		var err error
		vec, err = ix.embed.Embed(ctx, text)
		if err != nil {
			return "", fmt.Errorf("embedding %s: %w", path, err)
		}
	}
	return ix.writeVector(ctx, path, vec, category, name)
}

// Entry is one file's input to UpsertBatch.
type Entry struct {
	Path     string
	Text     string
	Category string
	Name     string
}

// UpsertBatch stores vectors for several entries, embedding the non-empty
// texts through the embedder's batch path when it has one. Returns the
// minted embedding IDs in entry order. A failed embed fails the whole
// batch before anything is written.
func (ix *Index) UpsertBatch(ctx context.Context, entries []Entry) ([]string, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	vectors := make([][]float32, len(entries))
	if be, ok := ix.embed.(BatchEmbedder); ok {
		var texts []string
		var at []int
		for i, e := range entries {
			if e.Text != "" {
				texts = append(texts, e.Text)
				at = append(at, i)
			}
		}
		got, err := be.EmbedBatch(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("embedding batch: %w", err)
		}
		for j, i := range at {
			vectors[i] = got[j]
		}
	} else {
		for i, e := range entries {
			if e.Text == "" {
				continue
			}
			vec, err := ix.embed.Embed(ctx, e.Text)
			if err != nil {
				return nil, fmt.Errorf("embedding %s: %w", e.Path, err)
			}
			vectors[i] = vec
		}
	}

	ids := make([]string, len(entries))
	for i, e := range entries {
		id, err := ix.writeVector(ctx, e.Path, vectors[i], e.Category, e.Name)
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	return ids, nil
}

func (ix *Index) writeVector(ctx context.Context, path string, vec []float32, category, name string) (string, error) {
	id := uuid.NewString()
	_, err := ix.db.ExecContext(ctx, `
		INSERT INTO embeddings (path, embedding_id, vector, category, name, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			embedding_id = excluded.embedding_id,
			vector = excluded.vector,
			category = excluded.category,
			name = excluded.name`,
		path, id, encodeFloat32s(vec), category, name, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return "", fmt.Errorf("upserting vector for %s: %w", path, err)
	}
	return id, nil
}

// Delete removes the entry for path. Deleting a path that was never
// indexed is not an error.
func (ix *Index) Delete(ctx context.Context, path string) error {
	if _, err := ix.db.ExecContext(ctx, "DELETE FROM embeddings WHERE path = ?", path); err != nil {
		return fmt.Errorf("deleting vector for %s: %w", path, err)
	}
	return nil
}

// Search embeds the query and scans all stored vectors, returning up to
// topK matches ordered by score descending with path ascending breaking
// ties. When category is non-empty only entries of that category are
// scored, so the filter narrows results before truncation, not after.
func (ix *Index) Search(ctx context.Context, query, category string, topK int) ([]Match, error) {
	if topK <= 0 {
		return nil, fmt.Errorf("top_k must be positive, got %d", topK)
	}

	qv, err := ix.embed.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	queryNorm := norm(qv)
	if queryNorm == 0 {
		return nil, nil
	}

	stmt := `SELECT path, name, category, embedding_id, vector FROM embeddings`
	var args []interface{}
	if category != "" {
		stmt += " WHERE category = ?"
		args = append(args, category)
	}

	rows, err := ix.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	var matches []Match
	for rows.Next() {
		var m Match
		var blob []byte
		if err := rows.Scan(&m.Path, &m.Name, &m.Category, &m.EmbeddingID, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding vector for %s: %w", m.Path, err)
		}
		m.Score = cosine(qv, buf, queryNorm)
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	// Full sort instead of a top-K heap keeps equal-score ordering stable
	// across runs.
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Path < matches[j].Path
	})
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

// Paths returns all indexed paths in ascending order.
func (ix *Index) Paths(ctx context.Context) ([]string, error) {
	rows, err := ix.db.QueryContext(ctx, "SELECT path FROM embeddings ORDER BY path ASC")
	if err != nil {
		return nil, fmt.Errorf("querying paths: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scanning path: %w", err)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// EmbeddingID returns the stored embedding ID for path, or false if the
// path has no entry.
func (ix *Index) EmbeddingID(ctx context.Context, path string) (string, bool, error) {
	var id string
	err := ix.db.QueryRowContext(ctx, "SELECT embedding_id FROM embeddings WHERE path = ?", path).Scan(&id)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("querying embedding id for %s: %w", path, err)
	}
	return id, true, nil
}

// Count returns the number of stored vectors.
func (ix *Index) Count(ctx context.Context) (int, error) {
	var count int
	err := ix.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM embeddings").Scan(&count)
	return count, err
}
