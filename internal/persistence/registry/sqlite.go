package registry

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"chamberkeep.ai/internal/chamber"
)

// Store is the durable region registry. Region and history operations are synchronous;
// audit entries are queued and committed in batches by a single writer goroutine.
type Store struct {
	db *sql.DB

	ch   chan chamber.AuditEntry
	wg   sync.WaitGroup
	once sync.Once

	closed  atomic.Bool
	dropped atomic.Int64

	now func() time.Time
}

const timeLayout = time.RFC3339Nano

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{
		db:  db,
		ch:  make(chan chamber.AuditEntry, 4096),
		now: time.Now,
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS regions (
			name TEXT PRIMARY KEY,
			space TEXT NOT NULL,
			min_x INTEGER NOT NULL, min_y INTEGER NOT NULL, min_z INTEGER NOT NULL,
			max_x INTEGER NOT NULL, max_y INTEGER NOT NULL, max_z INTEGER NOT NULL,
			interval_ms INTEGER NOT NULL,
			last_reset TEXT,
			created_at TEXT NOT NULL,
			exit_x INTEGER, exit_y INTEGER, exit_z INTEGER,
			exit_yaw REAL, exit_pitch REAL,
			snapshot_path TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS reset_history (
			cycle_id TEXT PRIMARY KEY,
			region TEXT NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL,
			outcome TEXT NOT NULL,
			evicted INTEGER NOT NULL,
			occupants INTEGER NOT NULL,
			cleared INTEGER NOT NULL,
			cells INTEGER NOT NULL,
			written INTEGER NOT NULL,
			skipped INTEGER NOT NULL,
			cell_errors INTEGER NOT NULL,
			error TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_reset_history_region ON reset_history(region, finished_at);`,
		`CREATE TABLE IF NOT EXISTS loot_cooldowns (
			region TEXT NOT NULL,
			player TEXT NOT NULL,
			x INTEGER NOT NULL, y INTEGER NOT NULL, z INTEGER NOT NULL,
			until TEXT NOT NULL,
			PRIMARY KEY(region, player, x, y, z)
		);`,
		`CREATE TABLE IF NOT EXISTS audits (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			at TEXT NOT NULL,
			region TEXT NOT NULL,
			cycle_id TEXT NOT NULL,
			event TEXT NOT NULL,
			state TEXT NOT NULL,
			details_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_audits_region ON audits(region, seq);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// Close drains queued audit entries and closes the database.
func (s *Store) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// DroppedAudits counts entries discarded because the writer fell behind.
func (s *Store) DroppedAudits() int64 { return s.dropped.Load() }

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) { return time.Parse(timeLayout, s) }
