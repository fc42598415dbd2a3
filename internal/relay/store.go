package relay

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// UsageStore records one audit row per terminal stream outcome.
type UsageStore struct {
	db *sql.DB
}

// StreamRecord is one completed or failed chat stream.
type StreamRecord struct {
	RequestID        string
	UserID           string
	Model            string
	Outcome          string // "completed", "failed", "rejected"
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	CreatedAt        time.Time
}

func OpenUsage(dsn string) (*UsageStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	s := &UsageStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *UsageStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS stream_log (
		request_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		model TEXT,
		outcome TEXT NOT NULL,
		prompt_tokens INTEGER DEFAULT 0,
		completion_tokens INTEGER DEFAULT 0,
		total_tokens INTEGER DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create stream_log: %w", err)
	}
	return nil
}

func (s *UsageStore) Close() error {
	return s.db.Close()
}

// Record inserts one audit row. Duplicate request ids are ignored so a
// retried record cannot double-count.
func (s *UsageStore) Record(r StreamRecord) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO stream_log
		(request_id, user_id, model, outcome, prompt_tokens, completion_tokens, total_tokens, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RequestID, r.UserID, r.Model, r.Outcome,
		r.PromptTokens, r.CompletionTokens, r.TotalTokens,
		r.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
	)
	if err != nil {
		return fmt.Errorf("record stream: %w", err)
	}
	return nil
}

// CountForUser returns how many streams a user has run, for diagnostics.
func (s *UsageStore) CountForUser(userID string) (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM stream_log WHERE user_id = ?", userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count streams: %w", err)
	}
	return n, nil
}
