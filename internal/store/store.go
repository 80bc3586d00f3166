// Package store persists rooms, users, profiles, memory facts and their
// vector embeddings in SQLite, and owns the schema lifecycle around them.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	"github.com/kotori-bot/kotori/internal/logging"
)

func init() {
	sqlite_vec.Auto() // registers the vec0 virtual table with go-sqlite3
}

// VectorMode says which physical representation vector entries use.
type VectorMode string

const (
	// ModeAccelerated uses a sqlite-vec vec0 virtual table with KNN support.
	ModeAccelerated VectorMode = "accelerated"
	// ModeFallback stores embeddings as JSON float lists with no index.
	// Similarity search is not available in this mode.
	ModeFallback VectorMode = "fallback"
)

// ErrSearchUnsupported is returned by SearchBySimilarity when the store is
// running in fallback mode. It is distinct from an empty result set.
var ErrSearchUnsupported = errors.New("similarity search unsupported: sqlite-vec extension not loaded")

// Store is the single storage handle shared by all repositories. SQLite
// serializes statement execution; the store is configured for one writer
// with WAL durability.
type Store struct {
	db   *sql.DB
	path string

	mode    VectorMode
	vectors vectorStore

	initOnce sync.Once
	initErr  error
}

// Open opens (or creates) the memory database at dbPath and runs the full
// schema lifecycle: extension probe, base tables, vector table in the
// negotiated mode, then additive and structural migrations. The returned
// handle is ready for use.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &Store{db: db, path: dbPath}
	if err := s.Initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Initialize runs schema setup exactly once per handle. Safe to call from
// multiple entry points; only the first call does work, later calls return
// the same status.
func (s *Store) Initialize() error {
	s.initOnce.Do(func() {
		s.initErr = s.initialize()
	})
	return s.initErr
}

func (s *Store) initialize() error {
	// Capability negotiation: probe the similarity-search extension. Any
	// failure silently selects fallback mode; startup never aborts here.
	var vecVersion string
	if err := s.db.QueryRow("SELECT vec_version()").Scan(&vecVersion); err != nil {
		logging.Info("store", "sqlite-vec not available: %v, vector search disabled", err)
		s.mode = ModeFallback
	} else {
		logging.Info("store", "sqlite-vec %s loaded", vecVersion)
		s.mode = ModeAccelerated
	}

	if err := s.createBaseSchema(); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	// Vector table in the negotiated mode, with degradation if the
	// accelerated table cannot be created (e.g. vec0 registration failed
	// after a successful version probe).
	s.vectors = newVectorStore(s.mode)
	if err := s.vectors.init(s.db); err != nil {
		if s.mode == ModeAccelerated {
			logging.Info("store", "vec table creation failed (%v), falling back to JSON vector storage", err)
			s.mode = ModeFallback
			s.vectors = newVectorStore(ModeFallback)
			if err := s.vectors.init(s.db); err != nil {
				return fmt.Errorf("create fallback vector table: %w", err)
			}
		} else {
			return fmt.Errorf("create vector table: %w", err)
		}
	}

	if err := s.applyAdditiveMigrations(); err != nil {
		return fmt.Errorf("additive migrations: %w", err)
	}
	if err := s.applyStructuralMigrations(); err != nil {
		// Migration failures are fatal to startup; the migration itself is
		// atomic, so the database is either fully old or fully new.
		return fmt.Errorf("structural migrations: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Mode reports the negotiated vector storage mode.
func (s *Store) Mode() VectorMode {
	return s.mode
}

// SearchEnabled reports whether similarity search is available.
func (s *Store) SearchEnabled() bool {
	return s.mode == ModeAccelerated
}

func (s *Store) createBaseSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS rooms (
		room_id TEXT PRIMARY KEY,
		room_summary TEXT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		last_seen_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS users (
		trip_code TEXT PRIMARY KEY,
		last_display_name TEXT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		last_seen_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS profiles (
		trip_code TEXT PRIMARY KEY,
		profile_json TEXT,
		memory_digest_json TEXT,
		FOREIGN KEY (trip_code) REFERENCES users(trip_code)
	);

	CREATE TABLE IF NOT EXISTS memories (
		memory_id TEXT PRIMARY KEY,
		room_id TEXT,
		trip_code TEXT,
		content TEXT NOT NULL,
		tags TEXT NOT NULL DEFAULT '[]',
		importance INTEGER NOT NULL DEFAULT 5 CHECK (importance BETWEEN 1 AND 10),
		ttl_days INTEGER,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		last_used_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (room_id) REFERENCES rooms(room_id),
		FOREIGN KEY (trip_code) REFERENCES users(trip_code)
	);

	CREATE INDEX IF NOT EXISTS idx_memories_trip ON memories(trip_code);
	CREATE INDEX IF NOT EXISTS idx_memories_room ON memories(room_id);
	CREATE INDEX IF NOT EXISTS idx_memories_importance ON memories(importance);
	`
	_, err := s.db.Exec(schema)
	return err
}

// applyAdditiveMigrations adds columns that newer versions introduced.
// Detection is structural (PRAGMA table_info), so this is safe against a
// database created by any prior compatible version.
func (s *Store) applyAdditiveMigrations() error {
	if !s.columnExists("profiles", "memory_digest_json") {
		logging.Info("store", "migrating: adding profiles.memory_digest_json")
		if _, err := s.db.Exec("ALTER TABLE profiles ADD COLUMN memory_digest_json TEXT"); err != nil {
			return fmt.Errorf("add memory_digest_json: %w", err)
		}
	}
	if !s.columnExists("rooms", "room_summary") {
		logging.Info("store", "migrating: adding rooms.room_summary")
		if _, err := s.db.Exec("ALTER TABLE rooms ADD COLUMN room_summary TEXT"); err != nil {
			return fmt.Errorf("add room_summary: %w", err)
		}
	}
	return nil
}

func (s *Store) columnExists(table, column string) bool {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var name, colType string
		var notNull int
		var dflt any
		var pk int
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err == nil && name == column {
			return true
		}
	}
	return false
}

// applyStructuralMigrations rebuilds the memories table when its live DDL
// shows an old shape: a NOT NULL trip_code (memories used to require an
// owner) or the narrow importance range CHECK (BETWEEN 1 AND 5). SQLite
// can't relax constraints with ALTER, so the table is renamed, recreated,
// copied with out-of-range values clamped, and reindexed, all inside one
// transaction with referential-integrity checks suspended.
func (s *Store) applyStructuralMigrations() error {
	var ddl string
	err := s.db.QueryRow(
		"SELECT sql FROM sqlite_master WHERE type = 'table' AND name = 'memories'",
	).Scan(&ddl)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}

	if !memoriesNeedsRebuild(ddl) {
		return nil
	}
	logging.Info("store", "migrating: rebuilding memories table (old constraints detected)")

	// Remember the current foreign_keys setting and restore it afterwards.
	// The pragma is a no-op inside a transaction, so toggle it outside.
	var fkWasOn int
	s.db.QueryRow("PRAGMA foreign_keys").Scan(&fkWasOn)
	if _, err := s.db.Exec("PRAGMA foreign_keys = OFF"); err != nil {
		return fmt.Errorf("suspend foreign keys: %w", err)
	}
	defer func() {
		if fkWasOn == 1 {
			s.db.Exec("PRAGMA foreign_keys = ON")
		}
	}()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	steps := []string{
		`ALTER TABLE memories RENAME TO memories_old`,
		`CREATE TABLE memories (
			memory_id TEXT PRIMARY KEY,
			room_id TEXT,
			trip_code TEXT,
			content TEXT NOT NULL,
			tags TEXT NOT NULL DEFAULT '[]',
			importance INTEGER NOT NULL DEFAULT 5 CHECK (importance BETWEEN 1 AND 10),
			ttl_days INTEGER,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_used_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (room_id) REFERENCES rooms(room_id),
			FOREIGN KEY (trip_code) REFERENCES users(trip_code)
		)`,
		// Copy rows, clamping importance into the widened range and turning
		// empty trip codes into NULL now that ownership is optional.
		`INSERT INTO memories (memory_id, room_id, trip_code, content, tags,
			importance, ttl_days, created_at, last_used_at)
		SELECT memory_id, room_id, NULLIF(trip_code, ''), content, tags,
			MIN(MAX(importance, 1), 10), ttl_days, created_at, last_used_at
		FROM memories_old`,
		`DROP TABLE memories_old`,
		`CREATE INDEX IF NOT EXISTS idx_memories_trip ON memories(trip_code)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_room ON memories(room_id)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_importance ON memories(importance)`,
	}
	for _, stmt := range steps {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("rebuild memories: %w", err)
		}
	}

	// Reattach dependent vector rows only for memory ids that still exist.
	if _, err := s.vectors.deleteOrphans(tx); err != nil {
		return fmt.Errorf("reattach vectors: %w", err)
	}

	return tx.Commit()
}

// memoriesNeedsRebuild inspects live DDL for constraints the current schema
// no longer carries.
func memoriesNeedsRebuild(ddl string) bool {
	norm := strings.ToLower(strings.Join(strings.Fields(ddl), " "))
	if strings.Contains(norm, "between 1 and 5") {
		return true
	}
	if strings.Contains(norm, "trip_code text not null") {
		return true
	}
	return false
}

// Stats returns row counts per table, for status reporting.
func (s *Store) Stats() (map[string]int, error) {
	stats := make(map[string]int)
	for _, table := range []string{"rooms", "users", "profiles", "memories"} {
		var count int
		if err := s.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count); err != nil {
			return nil, err
		}
		stats[table] = count
	}
	if n, err := s.vectors.count(s.db); err == nil {
		stats["vectors"] = n
	}
	return stats, nil
}
