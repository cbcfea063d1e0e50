// Package storage persists per-user cache snapshots (conversation
// threads, automation rule cache) and the redacted notification
// history in a local SQLite database. Persistence is best-effort by
// policy: callers log failures and continue, because server state is
// the source of truth.
package storage

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ottohq/otto/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding snapshot and history tables.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "otto.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// SaveThreads replaces the persisted thread snapshot for a user.
func (s *Store) SaveThreads(userID string, threads []model.Thread) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning snapshot transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM threads WHERE user_id = ?`, userID); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM messages WHERE user_id = ?`, userID); err != nil {
		return err
	}

	for _, th := range threads {
		_, err := tx.Exec(`
			INSERT INTO threads (user_id, id, session_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)`,
			userID, th.ID, th.SessionID,
			th.CreatedAt.UTC().Format(time.RFC3339Nano),
			th.UpdatedAt.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("inserting thread %s: %w", th.ID, err)
		}
		for i, msg := range th.Messages {
			summaries := "[]"
			if len(msg.ToolSummaries) > 0 {
				b, err := json.Marshal(msg.ToolSummaries)
				if err != nil {
					return fmt.Errorf("marshalling tool summaries: %w", err)
				}
				summaries = string(b)
			}
			_, err := tx.Exec(`
				INSERT INTO messages (user_id, thread_id, id, position, role, text, created_at, tool_summaries)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				userID, th.ID, msg.ID, i, string(msg.Role), msg.Text,
				msg.CreatedAt.UTC().Format(time.RFC3339Nano), summaries,
			)
			if err != nil {
				return fmt.Errorf("inserting message %s: %w", msg.ID, err)
			}
		}
	}

	return tx.Commit()
}

// LoadThreads reads the persisted thread snapshot for a user, newest first.
func (s *Store) LoadThreads(userID string) ([]model.Thread, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, created_at, updated_at
		FROM threads WHERE user_id = ?
		ORDER BY updated_at DESC, created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var threads []model.Thread
	for rows.Next() {
		var th model.Thread
		var createdAt, updatedAt string
		if err := rows.Scan(&th.ID, &th.SessionID, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		if th.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for thread %s: %w", th.ID, err)
		}
		if th.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at for thread %s: %w", th.ID, err)
		}
		threads = append(threads, th)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range threads {
		msgs, err := s.loadMessages(userID, threads[i].ID)
		if err != nil {
			return nil, err
		}
		threads[i].Messages = msgs
	}
	return threads, nil
}

func (s *Store) loadMessages(userID, threadID string) ([]model.Message, error) {
	rows, err := s.db.Query(`
		SELECT id, role, text, created_at, tool_summaries
		FROM messages WHERE user_id = ? AND thread_id = ?
		ORDER BY position ASC`, userID, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		var m model.Message
		var role, createdAt, summaries string
		if err := rows.Scan(&m.ID, &role, &m.Text, &createdAt, &summaries); err != nil {
			return nil, err
		}
		m.Role = model.Role(role)
		if m.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for message %s: %w", m.ID, err)
		}
		if summaries != "" && summaries != "[]" {
			if err := json.Unmarshal([]byte(summaries), &m.ToolSummaries); err != nil {
				return nil, fmt.Errorf("parsing tool summaries for message %s: %w", m.ID, err)
			}
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// SaveRuleCache replaces the persisted rule cache for a user.
func (s *Store) SaveRuleCache(userID string, entries []model.RuleCacheEntry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning rule cache transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM rule_cache WHERE user_id = ?`, userID); err != nil {
		return err
	}

	for _, e := range entries {
		enabled := 0
		if e.Summary.Enabled {
			enabled = 1
		}
		_, err := tx.Exec(`
			INSERT INTO rule_cache (user_id, rule_id, name, schedule, enabled, updated_at, prompt_fingerprint, prompt, cached_fingerprint)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			userID, e.Summary.ID, e.Summary.Name, e.Summary.Schedule, enabled,
			e.Summary.UpdatedAt.UTC().Format(time.RFC3339Nano),
			e.Summary.PromptFingerprint, e.Prompt, e.CachedFingerprint,
		)
		if err != nil {
			return fmt.Errorf("inserting rule %s: %w", e.Summary.ID, err)
		}
	}

	return tx.Commit()
}

// LoadRuleCache reads the persisted rule cache for a user.
func (s *Store) LoadRuleCache(userID string) ([]model.RuleCacheEntry, error) {
	rows, err := s.db.Query(`
		SELECT rule_id, name, schedule, enabled, updated_at, prompt_fingerprint, prompt, cached_fingerprint
		FROM rule_cache WHERE user_id = ?
		ORDER BY updated_at DESC, rule_id ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.RuleCacheEntry
	for rows.Next() {
		var e model.RuleCacheEntry
		var enabled int
		var updatedAt string
		if err := rows.Scan(&e.Summary.ID, &e.Summary.Name, &e.Summary.Schedule, &enabled,
			&updatedAt, &e.Summary.PromptFingerprint, &e.Prompt, &e.CachedFingerprint); err != nil {
			return nil, err
		}
		e.Summary.Enabled = enabled != 0
		if e.Summary.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at for rule %s: %w", e.Summary.ID, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Purge removes all persisted snapshots for a user. Called best-effort
// when entering the signed-out state.
func (s *Store) Purge(userID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning purge transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"threads", "messages", "rule_cache"} {
		if _, err := tx.Exec(`DELETE FROM `+table+` WHERE user_id = ?`, userID); err != nil {
			return fmt.Errorf("purging %s: %w", table, err)
		}
	}
	return tx.Commit()
}

// RecordDelivery appends a redacted delivery record. Re-recording an
// already seen delivery id is a no-op, so a retried push cannot double
// up the history.
func (s *Store) RecordDelivery(deliveryID, outcome string) error {
	_, err := s.db.Exec(`
		INSERT INTO notification_history (id, outcome, delivered_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		deliveryID, outcome, time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

// ListDeliveries returns the most recent delivery records.
func (s *Store) ListDeliveries(limit int) ([]DeliveryRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, outcome, delivered_at
		FROM notification_history ORDER BY delivered_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []DeliveryRecord
	for rows.Next() {
		var r DeliveryRecord
		var deliveredAt string
		if err := rows.Scan(&r.ID, &r.Outcome, &deliveredAt); err != nil {
			return nil, err
		}
		if r.DeliveredAt, err = time.Parse(time.RFC3339Nano, deliveredAt); err != nil {
			return nil, fmt.Errorf("parsing delivered_at for %s: %w", r.ID, err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
