// Package index maintains a SQLite-backed embedding index over
// archived messages. Vectors are stored as BLOBs with a precomputed
// norm; queries do a brute-force cosine similarity scan, which is
// fine for the scale a single chat archive reaches.
package index

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hession/vox/internal/archive"
	"github.com/hession/vox/internal/chat"
	"github.com/hession/vox/internal/llm"
	"github.com/hession/vox/internal/logger"
)

// Hit is one scored match from a similarity query.
type Hit struct {
	SegmentID string
	Seq       int64
	Role      chat.Role
	Content   string
	Score     float64
}

// Index is the on-disk embedding index. Safe for concurrent use; the
// underlying *sql.DB serializes access.
type Index struct {
	db        *sql.DB
	dimension int
}

// Open opens (creating if needed) the index database at dbPath.
func Open(dbPath string, dimension int) (*Index, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open index database: %w", err)
	}

	idx := &Index{db: db, dimension: dimension}
	if err := idx.initTables(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (idx *Index) initTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS segment_vectors (
			conversation_id TEXT NOT NULL,
			segment_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			vector BLOB NOT NULL,
			norm REAL NOT NULL,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (segment_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_segment_vectors_conversation
			ON segment_vectors(conversation_id)`,
		`CREATE INDEX IF NOT EXISTS idx_segment_vectors_segment
			ON segment_vectors(segment_id)`,
	}
	for _, q := range queries {
		if _, err := idx.db.Exec(q); err != nil {
			return fmt.Errorf("failed to initialize index tables: %w", err)
		}
	}
	return nil
}

// IndexSegment embeds and indexes every user and assistant message in
// the segment. System messages carry no conversational content and
// are skipped. A message whose embedding fails is logged and skipped;
// the rest of the segment is still indexed.
func (idx *Index) IndexSegment(ctx context.Context, embedder llm.Embedder, seg *archive.Segment) error {
	tx, err := idx.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin index transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT OR REPLACE INTO segment_vectors
		 (conversation_id, segment_id, seq, role, content, vector, norm, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return fmt.Errorf("failed to prepare index statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	for _, msg := range seg.Messages {
		if msg.Role == chat.RoleSystem || msg.Content == "" {
			continue
		}

		vec := msg.Embedding
		if vec == nil {
			vec, err = embedder.Embed(ctx, msg.Content)
			if err != nil {
				logger.Warn("index: skipping message seq %d in segment %s: %v",
					msg.Seq, seg.ID, err)
				continue
			}
		}

		if len(vec) != idx.dimension {
			logger.Warn("index: dimension mismatch for seq %d in segment %s: expected %d, got %d",
				msg.Seq, seg.ID, idx.dimension, len(vec))
			continue
		}
		norm := vectorNorm(vec)
		if norm == 0 {
			continue
		}

		_, err = stmt.Exec(seg.ConversationID, seg.ID, msg.Seq,
			string(msg.Role), msg.Content, vectorToBlob(vec), norm, now)
		if err != nil {
			return fmt.Errorf("failed to index message seq %d: %w", msg.Seq, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit index transaction: %w", err)
	}
	return nil
}

// Query returns up to topK messages from the conversation ranked by
// cosine similarity to the query vector. Ties break toward the more
// recent message (higher seq).
func (idx *Index) Query(conversationID string, queryVec []float32, topK int) ([]Hit, error) {
	if topK <= 0 {
		return nil, nil
	}
	if len(queryVec) != idx.dimension {
		return nil, fmt.Errorf("query vector dimension mismatch: expected %d, got %d",
			idx.dimension, len(queryVec))
	}
	queryNorm := vectorNorm(queryVec)
	if queryNorm == 0 {
		return nil, fmt.Errorf("query vector has zero norm")
	}

	rows, err := idx.db.Query(
		`SELECT segment_id, seq, role, content, vector, norm
		 FROM segment_vectors WHERE conversation_id = ?`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query index: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var (
			segmentID string
			seq       int64
			role      string
			content   string
			blob      []byte
			norm      float64
		)
		if err := rows.Scan(&segmentID, &seq, &role, &content, &blob, &norm); err != nil {
			continue
		}
		if norm == 0 {
			continue
		}

		score := dotProduct(queryVec, blobToVector(blob)) / (queryNorm * norm)
		hits = append(hits, Hit{
			SegmentID: segmentID,
			Seq:       seq,
			Role:      chat.Role(role),
			Content:   content,
			Score:     score,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan index rows: %w", err)
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Seq > hits[j].Seq
	})

	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// Remove drops all index entries for a segment. Called by the archive
// prune hook before the segment file is deleted.
func (idx *Index) Remove(segmentID string) error {
	if _, err := idx.db.Exec(
		"DELETE FROM segment_vectors WHERE segment_id = ?", segmentID,
	); err != nil {
		return fmt.Errorf("failed to remove segment %s from index: %w", segmentID, err)
	}
	return nil
}

// Rebuild re-indexes every segment in the store from scratch. Used
// when the index database is lost or the embedding model changes.
func (idx *Index) Rebuild(ctx context.Context, embedder llm.Embedder, store *archive.Store) error {
	if _, err := idx.db.Exec("DELETE FROM segment_vectors"); err != nil {
		return fmt.Errorf("failed to clear index: %w", err)
	}

	for _, seg := range store.AllSegments() {
		if err := idx.IndexSegment(ctx, embedder, seg); err != nil {
			return err
		}
	}
	return nil
}

// Count returns the number of indexed messages.
func (idx *Index) Count() (int, error) {
	var count int
	if err := idx.db.QueryRow("SELECT COUNT(*) FROM segment_vectors").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count index entries: %w", err)
	}
	return count, nil
}

// Close closes the index database.
func (idx *Index) Close() error {
	if idx.db != nil {
		return idx.db.Close()
	}
	return nil
}

func vectorToBlob(vector []float32) []byte {
	blob := make([]byte, len(vector)*4)
	for i, v := range vector {
		binary.LittleEndian.PutUint32(blob[i*4:], math.Float32bits(v))
	}
	return blob
}

func blobToVector(blob []byte) []float32 {
	vector := make([]float32, len(blob)/4)
	for i := range vector {
		vector[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vector
}

func vectorNorm(vector []float32) float64 {
	var sum float64
	for _, v := range vector {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}

func dotProduct(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
