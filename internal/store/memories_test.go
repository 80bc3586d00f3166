package store

import (
	"errors"
	"testing"
	"time"
)

func TestInsertClampsImportanceAndRejectsEmptyText(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()

	if _, err := s.Insert(Memory{TripCode: "trip1", Text: "   "}, nil); err == nil {
		t.Error("Expected error for blank text")
	}

	id, err := s.Insert(Memory{TripCode: "trip1", Text: "huge fact", Importance: 99}, nil)
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	m, err := s.getMemory(id, time.Now())
	if err != nil || m == nil {
		t.Fatalf("getMemory failed: %v %v", m, err)
	}
	if m.Importance != MaxImportance {
		t.Errorf("Expected importance clamped to %d, got %d", MaxImportance, m.Importance)
	}

	id, err = s.Insert(Memory{TripCode: "trip1", Text: "tiny fact", Importance: -3}, nil)
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	m, _ = s.getMemory(id, time.Now())
	if m.Importance != MinImportance {
		t.Errorf("Expected importance clamped to %d, got %d", MinImportance, m.Importance)
	}
}

func TestListByUserOrderingAndExpiry(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()

	now := time.Now()
	mustInsert := func(m Memory) string {
		t.Helper()
		id, err := s.Insert(m, nil)
		if err != nil {
			t.Fatalf("Insert %q failed: %v", m.Text, err)
		}
		return id
	}

	mustInsert(Memory{TripCode: "trip1", Text: "low", Importance: 2})
	mustInsert(Memory{TripCode: "trip1", Text: "high", Importance: 9})
	mustInsert(Memory{TripCode: "trip1", Text: "mid", Importance: 7})
	// Expired: created 10 days ago with a 1-day TTL.
	mustInsert(Memory{TripCode: "trip1", Text: "stale", Importance: 10,
		TTLDays: 1, CreatedAt: now.AddDate(0, 0, -10)})
	// Old but permanent.
	mustInsert(Memory{TripCode: "trip1", Text: "ancient", Importance: 8,
		CreatedAt: now.AddDate(0, 0, -100)})
	// Someone else's memory.
	mustInsert(Memory{TripCode: "trip2", Text: "other", Importance: 10})

	memories, err := s.ListByUser("trip1", MinImportance, 0)
	if err != nil {
		t.Fatalf("ListByUser failed: %v", err)
	}
	var texts []string
	for _, m := range memories {
		texts = append(texts, m.Text)
	}
	want := []string{"high", "ancient", "mid", "low"}
	if len(texts) != len(want) {
		t.Fatalf("Expected %v, got %v", want, texts)
	}
	for i := range want {
		if texts[i] != want[i] {
			t.Errorf("Position %d: expected %q, got %q", i, want[i], texts[i])
		}
	}

	// Importance floor filters.
	memories, err = s.ListByUser("trip1", 7, 0)
	if err != nil {
		t.Fatalf("ListByUser with floor failed: %v", err)
	}
	if len(memories) != 3 {
		t.Errorf("Expected 3 memories at importance >= 7, got %d", len(memories))
	}

	// Limit applies after ordering.
	memories, _ = s.ListByUser("trip1", MinImportance, 2)
	if len(memories) != 2 || memories[0].Text != "high" {
		t.Errorf("Limit broke ordering: %+v", memories)
	}
}

func TestMarkUsedReordersRetrieval(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()

	old := time.Now().Add(-time.Hour)
	idA, _ := s.Insert(Memory{TripCode: "trip1", Text: "a", Importance: 5, CreatedAt: old}, nil)
	idB, _ := s.Insert(Memory{TripCode: "trip1", Text: "b", Importance: 5, CreatedAt: old.Add(time.Minute)}, nil)
	_ = idB

	if err := s.MarkUsed([]string{idA}, time.Now()); err != nil {
		t.Fatalf("MarkUsed failed: %v", err)
	}
	memories, err := s.ListByUser("trip1", MinImportance, 0)
	if err != nil {
		t.Fatalf("ListByUser failed: %v", err)
	}
	if len(memories) != 2 || memories[0].Text != "a" {
		t.Errorf("Expected reinforced memory first, got %+v", memories)
	}
}

func TestListGroupedForDigest(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()

	for i := 0; i < 5; i++ {
		if _, err := s.Insert(Memory{TripCode: "trip1", Text: "fact", Importance: 5}, nil); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}
	if _, err := s.Insert(Memory{TripCode: "trip2", Text: "weak", Importance: 1}, nil); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	// Room-only memories never feed a user digest.
	if _, err := s.Insert(Memory{RoomID: "room1", Text: "room lore", Importance: 10}, nil); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	grouped, err := s.ListGroupedForDigest(2, 3)
	if err != nil {
		t.Fatalf("ListGroupedForDigest failed: %v", err)
	}
	if len(grouped) != 1 {
		t.Fatalf("Expected only trip1 above the floor, got %d groups", len(grouped))
	}
	if len(grouped["trip1"]) != 3 {
		t.Errorf("Expected per-user cap of 3, got %d", len(grouped["trip1"]))
	}

	grouped, _ = s.ListGroupedForDigest(1, 0)
	if len(grouped) != 2 {
		t.Errorf("Expected both users at floor 1, got %d groups", len(grouped))
	}
}

func TestCleanupExpiredAndOrphans(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()

	now := time.Now()
	if _, err := s.Insert(Memory{TripCode: "trip1", Text: "fresh", TTLDays: 30}, nil); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if _, err := s.Insert(Memory{TripCode: "trip1", Text: "stale", TTLDays: 1,
		CreatedAt: now.AddDate(0, 0, -5)}, nil); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if _, err := s.Insert(Memory{TripCode: "trip1", Text: "forever"}, nil); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	stats, err := s.CleanupExpiredAndOrphans()
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if stats.ExpiredMemories != 1 {
		t.Errorf("Expected 1 expired, got %d", stats.ExpiredMemories)
	}

	memories, _ := s.ListByUser("trip1", MinImportance, 0)
	if len(memories) != 2 {
		t.Errorf("Expected 2 survivors, got %d", len(memories))
	}

	// Second pass finds nothing.
	stats, _ = s.CleanupExpiredAndOrphans()
	if stats.ExpiredMemories != 0 || stats.OrphanVectors != 0 {
		t.Errorf("Expected clean second pass, got %+v", stats)
	}
}

func TestPruneBelowImportance(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()

	for _, imp := range []int{2, 7, 9} {
		if _, err := s.Insert(Memory{TripCode: "trip1", Text: "fact", Importance: imp}, nil); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}
	// Room-only memory below the floor is exempt from pruning.
	if _, err := s.Insert(Memory{RoomID: "room1", Text: "room lore", Importance: 1}, nil); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	stats, err := s.PruneBelowImportance(5)
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if stats.PrunedMemories != 1 {
		t.Errorf("Expected 1 pruned, got %d", stats.PrunedMemories)
	}

	memories, _ := s.ListByUser("trip1", MinImportance, 0)
	if len(memories) != 2 {
		t.Fatalf("Expected 2 survivors, got %d", len(memories))
	}
	if memories[0].Importance != 9 || memories[1].Importance != 7 {
		t.Errorf("Expected survivors [9 7], got [%d %d]", memories[0].Importance, memories[1].Importance)
	}

	var roomOnly int
	s.db.QueryRow(`SELECT COUNT(*) FROM memories WHERE trip_code IS NULL`).Scan(&roomOnly)
	if roomOnly != 1 {
		t.Errorf("Room-only memory should survive pruning, count = %d", roomOnly)
	}
}

func TestSearchBySimilarity(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	if !s.SearchEnabled() {
		t.Skip("sqlite-vec not available")
	}

	// Three orthogonal-ish directions; query is closest to "tea".
	tea := []float64{1, 0, 0, 0.1}
	coffee := []float64{0, 1, 0, 0.1}
	birds := []float64{0, 0, 1, 0.1}

	if _, err := s.Insert(Memory{RoomID: "room1", TripCode: "trip1", Text: "likes tea"}, tea); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if _, err := s.Insert(Memory{RoomID: "room1", TripCode: "trip2", Text: "likes coffee"}, coffee); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if _, err := s.Insert(Memory{RoomID: "room1", Text: "room watches birds"}, birds); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if _, err := s.Insert(Memory{RoomID: "room2", TripCode: "trip1", Text: "elsewhere"}, tea); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	query := []float64{0.9, 0.1, 0, 0.1}
	results, err := s.SearchBySimilarity("room1", "trip1", query, 10)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}

	// trip1's own memory plus the unowned room memory; trip2's memory and
	// the other room's memory are filtered out.
	if len(results) != 2 {
		t.Fatalf("Expected 2 results, got %d: %+v", len(results), results)
	}
	if results[0].Text != "likes tea" {
		t.Errorf("Expected nearest first, got %q", results[0].Text)
	}
	for i := 1; i < len(results); i++ {
		if results[i].Distance < results[i-1].Distance {
			t.Errorf("Results out of distance order: %+v", results)
		}
	}
}

func TestSearchSkipsDeletedMemories(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	if !s.SearchEnabled() {
		t.Skip("sqlite-vec not available")
	}

	vec := []float64{1, 0, 0}
	id, err := s.Insert(Memory{RoomID: "room1", Text: "doomed"}, vec)
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if _, err := s.db.Exec(`DELETE FROM memories WHERE memory_id = ?`, id); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	// The vector row is still indexed but its memory is gone; search must
	// drop it silently.
	results, err := s.SearchBySimilarity("room1", "", vec, 10)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("Expected deleted memory dropped, got %+v", results)
	}

	// Cleanup then reclaims the orphaned vector.
	stats, err := s.CleanupExpiredAndOrphans()
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if stats.OrphanVectors != 1 {
		t.Errorf("Expected 1 orphan vector swept, got %d", stats.OrphanVectors)
	}
}

func TestSearchUnsupportedInFallbackMode(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()

	// Force the fallback representation regardless of extension availability.
	s.mode = ModeFallback
	s.vectors = &jsonVectorStore{}
	if err := s.vectors.init(s.db); err != nil {
		t.Fatalf("Fallback init failed: %v", err)
	}

	if _, err := s.Insert(Memory{RoomID: "room1", Text: "fact"}, []float64{1, 2, 3}); err != nil {
		t.Fatalf("Insert with embedding failed in fallback mode: %v", err)
	}

	_, err := s.SearchBySimilarity("room1", "", []float64{1, 2, 3}, 5)
	if !errors.Is(err, ErrSearchUnsupported) {
		t.Errorf("Expected ErrSearchUnsupported, got %v", err)
	}
	if s.SearchEnabled() {
		t.Error("SearchEnabled should be false in fallback mode")
	}

	// The embedding is retained for a later accelerated open.
	n, err := s.vectors.count(s.db)
	if err != nil || n != 1 {
		t.Errorf("Expected 1 stored fallback vector, got %d (%v)", n, err)
	}
}
