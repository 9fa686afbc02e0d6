// Package sqlitevec implements the vector index on a sqlite-vec vec0 table.
package sqlitevec

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/rs/zerolog/log"

	"github.com/veille-labs/courant/internal/vector"
	"github.com/veille-labs/courant/pkg/models"
)

// overfetch multiplies k on the vec0 side to keep recall up after the
// window filter drops out-of-range neighbors.
const overfetch = 4

// Client queries the document_vectors vec0 table created by the store
// migrations. The embedding column uses the cosine metric, so distance
// maps to 1 - similarity.
type Client struct {
	db   *sql.DB
	dims int
}

// NewClient creates a vector client over the store's raw connection.
func NewClient(db *sql.DB, dims int) *Client {
	return &Client{db: db, dims: dims}
}

// docKey builds the vec0 primary key for a (space, document) pair.
func docKey(spaceID, documentID int64) string {
	return fmt.Sprintf("%d:%d", spaceID, documentID)
}

// Add stores a document's embedding. Re-adding the same document is a
// no-op so upstream redelivery stays idempotent.
func (c *Client) Add(ctx context.Context, spaceID int64, doc *models.Document) error {
	if len(doc.Embedding) != c.dims {
		return fmt.Errorf("embedding has %d dims, index expects %d", len(doc.Embedding), c.dims)
	}

	blob, err := sqlite_vec.SerializeFloat32(doc.Embedding)
	if err != nil {
		return fmt.Errorf("serialize embedding: %w", err)
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO document_vectors(doc_key, embedding, document_id, space_id, published_at_epoch)
		VALUES (?, ?, ?, ?, ?)`,
		docKey(spaceID, doc.ID), blob, doc.ID, spaceID, doc.PublishedEpoch)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			log.Debug().Int64("documentId", doc.ID).Msg("Vector already indexed")
			return nil
		}
		return &models.TransientIndexError{Op: "add", Err: err}
	}
	return nil
}

// KNN returns up to k nearest neighbors within [windowStart, windowEnd).
// vec0 handles the MATCH and k constraint; the window and self filters
// are applied here, so the query overfetches.
func (c *Client) KNN(ctx context.Context, spaceID int64, vec []float32, windowStart, windowEnd int64, k int, selfID int64) ([]vector.Neighbor, error) {
	blob, err := sqlite_vec.SerializeFloat32(vec)
	if err != nil {
		return nil, fmt.Errorf("serialize query vector: %w", err)
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT document_id, published_at_epoch, distance
		FROM document_vectors
		WHERE embedding MATCH ?
		  AND space_id = ?
		  AND k = ?
		ORDER BY distance`,
		blob, spaceID, k*overfetch)
	if err != nil {
		return nil, &models.TransientIndexError{Op: "knn", Err: err}
	}
	defer rows.Close()

	neighbors := make([]vector.Neighbor, 0, k)
	for rows.Next() {
		var docID, published int64
		var distance float64
		if err := rows.Scan(&docID, &published, &distance); err != nil {
			return nil, &models.TransientIndexError{Op: "knn scan", Err: err}
		}
		if docID == selfID {
			continue
		}
		if published < windowStart || published >= windowEnd {
			continue
		}
		neighbors = append(neighbors, vector.Neighbor{
			DocumentID: docID,
			Similarity: 1 - distance,
		})
		if len(neighbors) == k {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, &models.TransientIndexError{Op: "knn rows", Err: err}
	}
	return neighbors, nil
}

// Vectors fetches stored embeddings for the given documents.
func (c *Client) Vectors(ctx context.Context, spaceID int64, docIDs []int64) (map[int64][]float32, error) {
	out := make(map[int64][]float32, len(docIDs))
	for _, id := range docIDs {
		var blob []byte
		err := c.db.QueryRowContext(ctx,
			"SELECT embedding FROM document_vectors WHERE doc_key = ?",
			docKey(spaceID, id)).Scan(&blob)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, &models.TransientIndexError{Op: "vectors", Err: err}
		}
		out[id] = deserializeFloat32(blob)
	}
	return out, nil
}

// Count returns the total number of stored vectors.
func (c *Client) Count(ctx context.Context) (int64, error) {
	var n int64
	err := c.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM document_vectors").Scan(&n)
	if err != nil {
		return 0, &models.TransientIndexError{Op: "count", Err: err}
	}
	return n, nil
}

// Close is a no-op; the store owns the connection.
func (c *Client) Close() error { return nil }

// deserializeFloat32 decodes the little-endian float32 blob vec0 stores.
func deserializeFloat32(blob []byte) []float32 {
	out := make([]float32, len(blob)/4)
	for i := range out {
		bits := binary.LittleEndian.Uint32(blob[i*4:])
		out[i] = math.Float32frombits(bits)
	}
	return out
}
