package store

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// Importance bounds for memory facts. Everything persisted is clamped into
// this range, whatever the caller sends.
const (
	MinImportance     = 1
	MaxImportance     = 10
	DefaultImportance = 5
)

// Room is a chat room the bot has seen at least one heartbeat from.
// Rooms are never deleted by the store.
type Room struct {
	ID         string    `json:"room_id"`
	Summary    string    `json:"room_summary,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// User is a chat participant, keyed by their stable trip code.
type User struct {
	TripCode        string    `json:"trip_code"`
	LastDisplayName string    `json:"last_display_name,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	LastSeenAt      time.Time `json:"last_seen_at"`
}

// Memory is an atomic fact about a room or a user. Memories are never
// mutated in place; they only disappear through TTL expiry or pruning.
type Memory struct {
	ID         string    `json:"memory_id"`
	RoomID     string    `json:"room_id,omitempty"`
	TripCode   string    `json:"trip_code,omitempty"`
	Text       string    `json:"text"`
	Tags       []string  `json:"tags,omitempty"`
	Importance int       `json:"importance"`
	TTLDays    int       `json:"ttl_days,omitempty"` // <= 0 means never expires
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
}

// ScoredMemory is a memory with its vector distance attached, in
// vector-index order.
type ScoredMemory struct {
	Memory
	Distance float64 `json:"distance"`
}

// CleanupStats reports what a maintenance pass removed.
type CleanupStats struct {
	ExpiredMemories int `json:"expired_memories"`
	OrphanVectors   int `json:"orphan_vectors"`
}

// PruneStats reports what an importance-based pruning pass removed.
type PruneStats struct {
	PrunedMemories int `json:"pruned_memories"`
	OrphanVectors  int `json:"orphan_vectors"`
}

// ClampImportance forces n into [MinImportance, MaxImportance].
func ClampImportance(n int) int {
	if n < MinImportance {
		return MinImportance
	}
	if n > MaxImportance {
		return MaxImportance
	}
	return n
}

// CoerceImportance converts a loosely-typed importance value (as it arrives
// from JSON payloads or LLM output) into a clamped integer. Unparsable or
// non-finite inputs fall back to def rather than erroring.
func CoerceImportance(v any, def int) int {
	switch x := v.(type) {
	case nil:
		return ClampImportance(def)
	case int:
		return ClampImportance(x)
	case int64:
		return ClampImportance(int(x))
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return ClampImportance(def)
		}
		return ClampImportance(int(math.Round(x)))
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return ClampImportance(def)
		}
		if n, err := strconv.Atoi(s); err == nil {
			return ClampImportance(n)
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
			return ClampImportance(int(math.Round(f)))
		}
		return ClampImportance(def)
	default:
		return ClampImportance(def)
	}
}

// CoerceTTLDays converts a loosely-typed ttl_days value into an int day
// count. Null, unparsable, or non-finite inputs yield 0 (never expires).
func CoerceTTLDays(v any) int {
	switch x := v.(type) {
	case int:
		return max(x, 0)
	case int64:
		return max(int(x), 0)
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return 0
		}
		return max(int(math.Round(x)), 0)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(x)); err == nil {
			return max(n, 0)
		}
		return 0
	default:
		return 0
	}
}
