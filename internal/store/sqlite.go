// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides idempotent message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/2389/fanout-gateway/internal/message"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			origin_instance_id TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_messages_channel_id
			ON messages(channel_id, id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// SaveMessage inserts the message if its id has not been stored before.
// ON CONFLICT DO NOTHING makes the write idempotent: a retry after an
// ambiguous publish failure leaves exactly one row.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *message.Message) (bool, error) {
	query := `
		INSERT INTO messages (id, channel_id, sender_id, body, created_at, origin_instance_id)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`

	res, err := s.db.ExecContext(ctx, query,
		msg.ID,
		msg.ChannelID,
		msg.SenderID,
		msg.Body,
		msg.CreatedAt.UTC().Format(time.RFC3339Nano),
		msg.OriginInstanceID,
	)
	if err != nil {
		return false, fmt.Errorf("%w: saving message %s: %v", ErrUnavailable, msg.ID, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: rows affected for %s: %v", ErrUnavailable, msg.ID, err)
	}
	return rows > 0, nil
}

// History returns a page of channel messages, newest first.
func (s *SQLiteStore) History(ctx context.Context, q HistoryQuery) ([]*message.Message, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	query := `
		SELECT id, channel_id, sender_id, body, created_at, origin_instance_id
		FROM messages
		WHERE channel_id = ?
	`
	args := []any{q.ChannelID}
	if q.BeforeID != "" {
		query += " AND id < ?"
		args = append(args, q.BeforeID)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: querying history for %s: %v", ErrUnavailable, q.ChannelID, err)
	}
	defer rows.Close()

	var msgs []*message.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating history rows: %v", ErrUnavailable, err)
	}
	return msgs, nil
}

// GetMessage fetches one message by id.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*message.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, channel_id, sender_id, body, created_at, origin_instance_id
		FROM messages WHERE id = ?
	`, id)

	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return msg, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (*message.Message, error) {
	var msg message.Message
	var createdAt string
	if err := row.Scan(&msg.ID, &msg.ChannelID, &msg.SenderID, &msg.Body, &createdAt, &msg.OriginInstanceID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning message row: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at %q: %w", createdAt, err)
	}
	msg.CreatedAt = t
	return &msg, nil
}
