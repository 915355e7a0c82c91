package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the SQLite filename under the data dir.
	DefaultDBFileName = "coordinator.db"
	// DefaultMaintenanceInterval is how often expired rows are pruned.
	DefaultMaintenanceInterval = time.Hour
	// DefaultWALCheckpointInterval is the minimum gap between WAL truncations.
	DefaultWALCheckpointInterval = 24 * time.Hour
	// DefaultSecurityEventRetention is how long security events are kept.
	DefaultSecurityEventRetention = 90 * 24 * time.Hour
)

// migrations are applied in order; PRAGMA user_version records how many ran.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS kv (
		key        TEXT PRIMARY KEY,
		value      BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS consumed_nonces (
		nonce_hash  TEXT PRIMARY KEY,
		device_id   TEXT NOT NULL,
		consumed_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_consumed_nonces_consumed_at ON consumed_nonces (consumed_at)`,
	`CREATE TABLE IF NOT EXISTS security_events (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL,
		component  TEXT NOT NULL,
		subject    TEXT,
		details    TEXT NOT NULL,
		severity   TEXT NOT NULL CHECK(severity IN ('info','warning','critical')),
		timestamp  INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_security_events_time ON security_events (timestamp DESC, id DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_security_events_component ON security_events (component, event_type, timestamp DESC)`,
}

// Store is the coordinator's SQLite database: the datastore KV table, the
// consumed-nonce journal and the security event log.
type Store struct {
	db *sql.DB

	mu                     sync.Mutex
	securityEventRetention time.Duration
	checkpointInterval     time.Duration
	lastCheckpoint         time.Time
	now                    func() time.Time

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// MaintenanceReport describes one maintenance pass.
type MaintenanceReport struct {
	PrunedSecurityEvents int64
	Checkpointed         bool
}

// Open opens (or creates) coordinator.db under dataDir.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}
	return store, dbPath, nil
}

// OpenPath opens SQLite at dbPath in WAL mode, migrates it and starts the
// hourly maintenance loop.
func OpenPath(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	store := &Store{
		db:                     db,
		securityEventRetention: DefaultSecurityEventRetention,
		checkpointInterval:     DefaultWALCheckpointInterval,
		now:                    time.Now,
		stop:                   make(chan struct{}),
	}
	for _, step := range []func() error{store.requireWAL, store.migrate} {
		if err := step(); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	if _, err := store.Maintain(); err != nil {
		_ = db.Close()
		return nil, err
	}

	store.wg.Add(1)
	go store.maintenanceLoop(DefaultMaintenanceInterval)
	return store, nil
}

// Close stops maintenance and closes the database. It is safe to call twice.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// Maintain prunes security events past retention and truncates the WAL
// when the checkpoint interval has elapsed.
func (s *Store) Maintain() (MaintenanceReport, error) {
	s.mu.Lock()
	now := s.now()
	retention := s.securityEventRetention
	checkpointDue := now.Sub(s.lastCheckpoint) >= s.checkpointInterval
	s.mu.Unlock()

	var report MaintenanceReport
	pruned, err := s.PruneSecurityEvents(now.Add(-retention).UnixMilli())
	if err != nil {
		return report, err
	}
	report.PrunedSecurityEvents = pruned

	if checkpointDue {
		if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			return report, fmt.Errorf("wal checkpoint: %w", err)
		}
		s.mu.Lock()
		s.lastCheckpoint = now
		s.mu.Unlock()
		report.Checkpointed = true
	}
	return report, nil
}

func (s *Store) maintenanceLoop(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_, _ = s.Maintain()
		case <-s.stop:
			return
		}
	}
}

func (s *Store) requireWAL() error {
	var mode string
	if err := s.db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		return fmt.Errorf("read journal mode: %w", err)
	}
	if !strings.EqualFold(mode, "wal") {
		return fmt.Errorf("sqlite journal mode is %q, want wal", mode)
	}
	return nil
}

// migrate runs each pending migration in its own transaction together with
// the user_version bump.
func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	for i := version; i < len(migrations); i++ {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", i+1, err)
		}
	}
	return nil
}
