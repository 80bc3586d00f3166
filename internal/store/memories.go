package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// notExpired filters out memories whose TTL has elapsed as of the bound
// time parameter. NULL ttl_days means the memory never expires.
const notExpired = `(ttl_days IS NULL OR julianday(created_at) + ttl_days > julianday(?))`

// Insert persists a memory fact. The referenced room and user are upserted
// first in the same transaction (refreshing last_seen_at), and when an
// embedding is supplied the vector entry is written in whichever physical
// mode is active. Returns the stored memory id.
func (s *Store) Insert(m Memory, embedding []float64) (string, error) {
	if strings.TrimSpace(m.Text) == "" {
		return "", fmt.Errorf("memory text is required")
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.Importance = ClampImportance(m.Importance)

	now := time.Now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.LastUsedAt.IsZero() {
		m.LastUsedAt = m.CreatedAt
	}
	tags := m.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("encode tags: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	if m.RoomID != "" {
		if err := touchRoomTx(tx, m.RoomID, now); err != nil {
			return "", fmt.Errorf("touch room: %w", err)
		}
	}
	if m.TripCode != "" {
		if err := touchUserTx(tx, m.TripCode, "", now); err != nil {
			return "", fmt.Errorf("touch user: %w", err)
		}
	}

	if _, err := tx.Exec(`
		INSERT INTO memories (memory_id, room_id, trip_code, content, tags,
			importance, ttl_days, created_at, last_used_at)
		VALUES (?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?, ?, ?, ?)
	`, m.ID, m.RoomID, m.TripCode, m.Text, string(tagsJSON),
		m.Importance, nullableTTL(m.TTLDays), m.CreatedAt, m.LastUsedAt,
	); err != nil {
		return "", fmt.Errorf("insert memory: %w", err)
	}

	if len(embedding) > 0 {
		if err := s.vectors.upsert(tx, m.ID, embedding); err != nil {
			return "", fmt.Errorf("store embedding: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return m.ID, nil
}

// ListByUser returns non-expired memories for a user with importance at or
// above minImportance, most important and most recently reinforced first.
// This ordering is the retrieval policy for prompt injection.
func (s *Store) ListByUser(tripCode string, minImportance, limit int) ([]Memory, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT memory_id, room_id, trip_code, content, tags, importance,
			ttl_days, created_at, last_used_at
		FROM memories
		WHERE trip_code = ? AND importance >= ? AND `+notExpired+`
		ORDER BY importance DESC, last_used_at DESC, created_at DESC
		LIMIT ?
	`, tripCode, ClampImportance(minImportance), time.Now(), limit)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// ListGroupedForDigest returns every user's non-expired memories at or above
// minImportance, grouped by trip code with each group capped at
// maxItemsPerUser in the same retrieval order. Feeds the consolidation
// pipeline; room-only memories are not included.
func (s *Store) ListGroupedForDigest(minImportance, maxItemsPerUser int) (map[string][]Memory, error) {
	if maxItemsPerUser <= 0 {
		maxItemsPerUser = 50
	}
	rows, err := s.db.Query(`
		SELECT memory_id, room_id, trip_code, content, tags, importance,
			ttl_days, created_at, last_used_at
		FROM memories
		WHERE trip_code IS NOT NULL AND importance >= ? AND `+notExpired+`
		ORDER BY trip_code, importance DESC, last_used_at DESC, created_at DESC
	`, ClampImportance(minImportance), time.Now())
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	memories, err := scanMemories(rows)
	if err != nil {
		return nil, err
	}
	grouped := make(map[string][]Memory)
	for _, m := range memories {
		if len(grouped[m.TripCode]) >= maxItemsPerUser {
			continue
		}
		grouped[m.TripCode] = append(grouped[m.TripCode], m)
	}
	return grouped, nil
}

// SearchBySimilarity finds the topK nearest memories to the query embedding
// that belong to the given room and either have no owning user or match the
// optional trip code filter. Vector-index order is preserved; hits whose
// memory was deleted after indexing (not yet swept) are silently dropped.
// Returns ErrSearchUnsupported in fallback mode.
func (s *Store) SearchBySimilarity(roomID, tripCode string, query []float64, topK int) ([]ScoredMemory, error) {
	if topK <= 0 {
		topK = 10
	}
	hits, err := s.vectors.search(s.db, query, topK)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var results []ScoredMemory
	for _, h := range hits {
		m, err := s.getMemory(h.memoryID, now)
		if err != nil {
			return nil, err
		}
		if m == nil {
			continue // deleted after indexing, swept later
		}
		if m.RoomID != roomID {
			continue
		}
		if m.TripCode != "" && m.TripCode != tripCode {
			continue
		}
		results = append(results, ScoredMemory{Memory: *m, Distance: h.distance})
	}
	return results, nil
}

// getMemory fetches one non-expired memory, or nil when it doesn't exist.
func (s *Store) getMemory(id string, now time.Time) (*Memory, error) {
	row := s.db.QueryRow(`
		SELECT memory_id, room_id, trip_code, content, tags, importance,
			ttl_days, created_at, last_used_at
		FROM memories WHERE memory_id = ? AND `+notExpired, id, now)
	m, err := scanMemoryRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// MarkUsed refreshes last_used_at on the given memories, reinforcing their
// retrieval rank after they were injected into a prompt.
func (s *Store) MarkUsed(ids []string, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, id := range ids {
		if _, err := tx.Exec(`UPDATE memories SET last_used_at = ? WHERE memory_id = ?`, now, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// CleanupExpiredAndOrphans deletes memories whose TTL has elapsed, then
// vector entries with no surviving memory. Runs atomically and reports how
// many of each were removed. Called at startup and on demand.
func (s *Store) CleanupExpiredAndOrphans() (CleanupStats, error) {
	var stats CleanupStats
	tx, err := s.db.Begin()
	if err != nil {
		return stats, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`DELETE FROM memories WHERE NOT `+notExpired, time.Now())
	if err != nil {
		return stats, fmt.Errorf("delete expired: %w", err)
	}
	expired, _ := res.RowsAffected()
	stats.ExpiredMemories = int(expired)

	orphans, err := s.vectors.deleteOrphans(tx)
	if err != nil {
		return stats, fmt.Errorf("delete orphan vectors: %w", err)
	}
	stats.OrphanVectors = orphans

	return stats, tx.Commit()
}

// PruneBelowImportance deletes user-owned memories below the given
// importance floor, then sweeps orphaned vectors. Room-only memories are
// exempt. Used by the consolidation pipeline after digesting.
func (s *Store) PruneBelowImportance(minKeepImportance int) (PruneStats, error) {
	var stats PruneStats
	tx, err := s.db.Begin()
	if err != nil {
		return stats, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`DELETE FROM memories WHERE trip_code IS NOT NULL AND importance < ?`,
		ClampImportance(minKeepImportance),
	)
	if err != nil {
		return stats, fmt.Errorf("prune memories: %w", err)
	}
	pruned, _ := res.RowsAffected()
	stats.PrunedMemories = int(pruned)

	orphans, err := s.vectors.deleteOrphans(tx)
	if err != nil {
		return stats, fmt.Errorf("delete orphan vectors: %w", err)
	}
	stats.OrphanVectors = orphans

	return stats, tx.Commit()
}

func nullableTTL(days int) sql.NullInt64 {
	if days <= 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(days), Valid: true}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemoryRow(row rowScanner) (*Memory, error) {
	var m Memory
	var roomID, tripCode, tags sql.NullString
	var ttl sql.NullInt64
	if err := row.Scan(&m.ID, &roomID, &tripCode, &m.Text, &tags,
		&m.Importance, &ttl, &m.CreatedAt, &m.LastUsedAt); err != nil {
		return nil, err
	}
	m.RoomID = roomID.String
	m.TripCode = tripCode.String
	if ttl.Valid {
		m.TTLDays = int(ttl.Int64)
	}
	if tags.Valid && tags.String != "" {
		json.Unmarshal([]byte(tags.String), &m.Tags)
	}
	return &m, nil
}

func scanMemories(rows *sql.Rows) ([]Memory, error) {
	var memories []Memory
	for rows.Next() {
		m, err := scanMemoryRow(rows)
		if err != nil {
			continue
		}
		memories = append(memories, *m)
	}
	return memories, rows.Err()
}
