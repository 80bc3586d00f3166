package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kotori-bot/kotori/internal/profile"
)

// Heartbeat records that a user was just seen in a room, upserting both
// rows in one transaction and refreshing last_seen_at on each.
func (s *Store) Heartbeat(roomID, tripCode, displayName string, now time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if roomID != "" {
		if err := touchRoomTx(tx, roomID, now); err != nil {
			return fmt.Errorf("touch room: %w", err)
		}
	}
	if tripCode != "" {
		if err := touchUserTx(tx, tripCode, displayName, now); err != nil {
			return fmt.Errorf("touch user: %w", err)
		}
	}
	return tx.Commit()
}

func touchRoomTx(tx *sql.Tx, roomID string, now time.Time) error {
	_, err := tx.Exec(`
		INSERT INTO rooms (room_id, created_at, last_seen_at) VALUES (?, ?, ?)
		ON CONFLICT(room_id) DO UPDATE SET last_seen_at = excluded.last_seen_at
	`, roomID, now, now)
	return err
}

func touchUserTx(tx *sql.Tx, tripCode, displayName string, now time.Time) error {
	_, err := tx.Exec(`
		INSERT INTO users (trip_code, last_display_name, created_at, last_seen_at)
		VALUES (?, NULLIF(?, ''), ?, ?)
		ON CONFLICT(trip_code) DO UPDATE SET
			last_display_name = COALESCE(NULLIF(excluded.last_display_name, ''), users.last_display_name),
			last_seen_at = excluded.last_seen_at
	`, tripCode, displayName, now, now)
	return err
}

// GetRoom returns the room, or nil if unknown.
func (s *Store) GetRoom(roomID string) (*Room, error) {
	var r Room
	var summary sql.NullString
	err := s.db.QueryRow(`
		SELECT room_id, room_summary, created_at, last_seen_at FROM rooms WHERE room_id = ?
	`, roomID).Scan(&r.ID, &summary, &r.CreatedAt, &r.LastSeenAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.Summary = summary.String
	return &r, nil
}

// SetRoomSummary upserts the room and replaces its summary.
func (s *Store) SetRoomSummary(roomID, summary string, now time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO rooms (room_id, room_summary, created_at, last_seen_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(room_id) DO UPDATE SET
			room_summary = excluded.room_summary,
			last_seen_at = excluded.last_seen_at
	`, roomID, summary, now, now)
	return err
}

// GetUser returns the user, or nil if unknown.
func (s *Store) GetUser(tripCode string) (*User, error) {
	var u User
	var name sql.NullString
	err := s.db.QueryRow(`
		SELECT trip_code, last_display_name, created_at, last_seen_at FROM users WHERE trip_code = ?
	`, tripCode).Scan(&u.TripCode, &name, &u.CreatedAt, &u.LastSeenAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.LastDisplayName = name.String
	return &u, nil
}

// ListUsers returns all known users, most recently seen first.
func (s *Store) ListUsers(limit int) ([]User, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT trip_code, last_display_name, created_at, last_seen_at
		FROM users ORDER BY last_seen_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		var name sql.NullString
		if err := rows.Scan(&u.TripCode, &name, &u.CreatedAt, &u.LastSeenAt); err != nil {
			continue
		}
		u.LastDisplayName = name.String
		users = append(users, u)
	}
	return users, rows.Err()
}

// GetProfile returns the stored profile for a user, or nil when there is
// none. Malformed stored JSON reads as absent, never as an error; one
// corrupted row must not take down reads for other users.
func (s *Store) GetProfile(tripCode string) (*profile.Profile, error) {
	var raw sql.NullString
	err := s.db.QueryRow(
		`SELECT profile_json FROM profiles WHERE trip_code = ?`, tripCode,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !raw.Valid {
		return nil, nil
	}
	return profile.DecodeProfile([]byte(raw.String)), nil
}

// PutProfile overwrites the stored profile, upserting the owning user in
// the same transaction.
func (s *Store) PutProfile(tripCode string, p *profile.Profile, now time.Time) error {
	blob, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := touchUserTx(tx, tripCode, p.DisplayName, now); err != nil {
		return fmt.Errorf("touch user: %w", err)
	}
	if _, err := tx.Exec(`
		INSERT INTO profiles (trip_code, profile_json) VALUES (?, ?)
		ON CONFLICT(trip_code) DO UPDATE SET profile_json = excluded.profile_json
	`, tripCode, string(blob)); err != nil {
		return fmt.Errorf("write profile: %w", err)
	}
	return tx.Commit()
}

// GetDigest returns the stored memory digest for a user, or nil when there
// is none or the stored JSON is malformed.
func (s *Store) GetDigest(tripCode string) (*profile.Digest, error) {
	var raw sql.NullString
	err := s.db.QueryRow(
		`SELECT memory_digest_json FROM profiles WHERE trip_code = ?`, tripCode,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !raw.Valid {
		return nil, nil
	}
	return profile.DecodeDigest([]byte(raw.String)), nil
}

// PutDigest rewrites the stored digest wholesale. The consolidation
// pipeline regenerates digests rather than merging into them.
func (s *Store) PutDigest(tripCode string, d *profile.Digest, now time.Time) error {
	blob, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode digest: %w", err)
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := touchUserTx(tx, tripCode, "", now); err != nil {
		return fmt.Errorf("touch user: %w", err)
	}
	if _, err := tx.Exec(`
		INSERT INTO profiles (trip_code, memory_digest_json) VALUES (?, ?)
		ON CONFLICT(trip_code) DO UPDATE SET memory_digest_json = excluded.memory_digest_json
	`, tripCode, string(blob)); err != nil {
		return fmt.Errorf("write digest: %w", err)
	}
	return tx.Commit()
}
