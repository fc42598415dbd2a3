// Package store persists the local settings snapshot: a single key read on
// startup and rewritten on every save, ephemeral fields included.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Shinyanogit/ipad-QB-support-sub000/internal/settings"
)

const snapshotKey = "settings"

type Store struct {
	db *sql.DB
}

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create kv table: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Load reads the persisted snapshot. found is false on first run.
func (s *Store) Load() (settings.Snapshot, bool, error) {
	var raw string
	err := s.db.QueryRow("SELECT value FROM kv WHERE key = ?", snapshotKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return settings.Snapshot{}, false, nil
	}
	if err != nil {
		return settings.Snapshot{}, false, fmt.Errorf("load settings: %w", err)
	}
	var snap settings.Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return settings.Snapshot{}, false, fmt.Errorf("decode settings: %w", err)
	}
	return snap, true, nil
}

// Save rewrites the persisted snapshot.
func (s *Store) Save(snap settings.Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		snapshotKey, string(raw), time.Now().UTC().Format("2006-01-02 15:04:05"),
	)
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}
