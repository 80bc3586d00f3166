package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
)

// vectorHit is a raw nearest-neighbor result from the vector index.
type vectorHit struct {
	memoryID string
	distance float64
}

// vectorStore is the mode-dependent physical representation of vector
// entries. Selected once at startup; all call sites depend only on this
// interface.
type vectorStore interface {
	init(db *sql.DB) error
	// upsert writes the embedding for a memory inside the given transaction.
	upsert(tx *sql.Tx, memoryID string, embedding []float64) error
	// deleteOrphans removes vector rows whose memory no longer exists and
	// returns how many were removed.
	deleteOrphans(tx *sql.Tx) (int, error)
	// search returns the topK nearest memory ids by distance, or
	// ErrSearchUnsupported if this representation has no index.
	search(db *sql.DB, query []float64, topK int) ([]vectorHit, error)
	count(db *sql.DB) (int, error)
}

func newVectorStore(mode VectorMode) vectorStore {
	if mode == ModeAccelerated {
		return &vecIndexStore{}
	}
	return &jsonVectorStore{}
}

// vecIndexStore keeps embeddings in a sqlite-vec vec0 virtual table keyed by
// memory id, supporting KNN queries. The table is created lazily on the
// first embedding write because vec0 needs the dimension up front.
type vecIndexStore struct {
	dim int
}

func (v *vecIndexStore) init(db *sql.DB) error {
	// Restore the dimension from an existing table after a restart.
	var ddl string
	err := db.QueryRow(
		"SELECT sql FROM sqlite_master WHERE type = 'table' AND name = 'memory_vec'",
	).Scan(&ddl)
	if err == sql.ErrNoRows {
		return nil // created on first write
	}
	if err != nil {
		return err
	}
	if i := strings.Index(ddl, "float["); i >= 0 {
		fmt.Sscanf(ddl[i:], "float[%d]", &v.dim)
	}
	return nil
}

func (v *vecIndexStore) ensureTable(tx *sql.Tx, dim int) error {
	if v.dim == dim {
		return nil
	}
	if v.dim != 0 {
		return fmt.Errorf("embedding dim %d doesn't match vec table dim %d", dim, v.dim)
	}
	_, err := tx.Exec(fmt.Sprintf(`
		CREATE VIRTUAL TABLE IF NOT EXISTS memory_vec USING vec0(
			embedding float[%d],
			+memory_id TEXT
		)
	`, dim))
	if err != nil {
		return fmt.Errorf("create memory_vec(float[%d]): %w", dim, err)
	}
	v.dim = dim
	return nil
}

func (v *vecIndexStore) upsert(tx *sql.Tx, memoryID string, embedding []float64) error {
	if err := v.ensureTable(tx, len(embedding)); err != nil {
		return err
	}
	serialized, err := sqlite_vec.SerializeFloat32(normalizeFloat32(float64ToFloat32(embedding)))
	if err != nil {
		return fmt.Errorf("serialize embedding: %w", err)
	}
	// vec0 does not reliably support INSERT OR REPLACE; use DELETE + INSERT.
	if _, err := tx.Exec(`DELETE FROM memory_vec WHERE memory_id = ?`, memoryID); err != nil {
		return err
	}
	if _, err := tx.Exec(
		`INSERT INTO memory_vec (embedding, memory_id) VALUES (?, ?)`,
		serialized, memoryID,
	); err != nil {
		return fmt.Errorf("insert vector: %w", err)
	}
	return nil
}

func (v *vecIndexStore) deleteOrphans(tx *sql.Tx) (int, error) {
	if !tableExistsTx(tx, "memory_vec") {
		return 0, nil
	}
	res, err := tx.Exec(
		`DELETE FROM memory_vec WHERE memory_id NOT IN (SELECT memory_id FROM memories)`,
	)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (v *vecIndexStore) search(db *sql.DB, query []float64, topK int) ([]vectorHit, error) {
	if v.dim == 0 {
		return nil, nil // nothing indexed yet
	}
	if len(query) != v.dim {
		return nil, fmt.Errorf("query dim %d doesn't match index dim %d", len(query), v.dim)
	}
	serialized, err := sqlite_vec.SerializeFloat32(normalizeFloat32(float64ToFloat32(query)))
	if err != nil {
		return nil, fmt.Errorf("serialize query: %w", err)
	}
	rows, err := db.Query(`
		SELECT memory_id, distance FROM memory_vec
		WHERE embedding MATCH ? AND k = ?
		ORDER BY distance
	`, serialized, topK)
	if err != nil {
		return nil, fmt.Errorf("vec query: %w", err)
	}
	defer rows.Close()

	var hits []vectorHit
	for rows.Next() {
		var h vectorHit
		if err := rows.Scan(&h.memoryID, &h.distance); err != nil {
			continue
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

func (v *vecIndexStore) count(db *sql.DB) (int, error) {
	if v.dim == 0 {
		return 0, nil
	}
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM memory_vec`).Scan(&n)
	return n, err
}

// jsonVectorStore persists embeddings as JSON float lists in a plain table.
// Vectors are kept for forward compatibility (a later open in accelerated
// mode can index them) but similarity search is not implemented here.
type jsonVectorStore struct{}

func (j *jsonVectorStore) init(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS memory_vectors (
			memory_id TEXT PRIMARY KEY,
			embedding TEXT NOT NULL
		)
	`)
	return err
}

func (j *jsonVectorStore) upsert(tx *sql.Tx, memoryID string, embedding []float64) error {
	blob, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("encode embedding: %w", err)
	}
	_, err = tx.Exec(`
		INSERT INTO memory_vectors (memory_id, embedding) VALUES (?, ?)
		ON CONFLICT(memory_id) DO UPDATE SET embedding = excluded.embedding
	`, memoryID, string(blob))
	return err
}

func (j *jsonVectorStore) deleteOrphans(tx *sql.Tx) (int, error) {
	if !tableExistsTx(tx, "memory_vectors") {
		return 0, nil
	}
	res, err := tx.Exec(
		`DELETE FROM memory_vectors WHERE memory_id NOT IN (SELECT memory_id FROM memories)`,
	)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (j *jsonVectorStore) search(db *sql.DB, query []float64, topK int) ([]vectorHit, error) {
	return nil, ErrSearchUnsupported
}

func (j *jsonVectorStore) count(db *sql.DB) (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM memory_vectors`).Scan(&n)
	return n, err
}

func tableExistsTx(tx *sql.Tx, name string) bool {
	var n int
	err := tx.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", name,
	).Scan(&n)
	return err == nil && n > 0
}

func float64ToFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}

// normalizeFloat32 returns a unit-length copy of the vector. Normalizing
// before storing makes L2 distance equivalent to cosine distance.
func normalizeFloat32(v []float32) []float32 {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return v
	}
	norm = math.Sqrt(norm)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}
