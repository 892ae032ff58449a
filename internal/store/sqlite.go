package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/fyrsmithlabs/memoryd/internal/memory"
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLiteConfig configures the SQLite backend.
type SQLiteConfig struct {
	// Path is the database file. Empty keeps everything in memory.
	Path          string
	MessagesTable string
	TagsTable     string
}

// ApplyDefaults fills in table names.
func (c *SQLiteConfig) ApplyDefaults() {
	if c.MessagesTable == "" {
		c.MessagesTable = DefaultMessagesTable
	}
	if c.TagsTable == "" {
		c.TagsTable = DefaultTagsTable
	}
}

// Validate checks table names, which are interpolated into SQL.
func (c SQLiteConfig) Validate() error {
	for _, t := range []string{c.MessagesTable, c.TagsTable} {
		if !tableName.MatchString(t) {
			return fmt.Errorf("%w: invalid table name %q", ErrInvalidConfig, t)
		}
	}
	return nil
}

// SQLiteStore implements Store over an embedded SQLite database.
type SQLiteStore struct {
	db       *sql.DB
	messages string
	tags     string
	logger   *zap.Logger
}

// NewSQLiteStore opens (or creates) the database described by cfg.
func NewSQLiteStore(cfg SQLiteConfig, logger *zap.Logger) (*SQLiteStore, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	dsn := ":memory:"
	if cfg.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create db directory: %w", err)
		}
		dsn = cfg.Path
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, messages: cfg.MessagesTable, tags: cfg.TagsTable, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS ` + s.messages + ` (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id   TEXT NOT NULL,
			role      TEXT NOT NULL,
			content   TEXT NOT NULL,
			timestamp INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS ` + s.messages + `_by_user ON ` + s.messages + ` (user_id, id);`,
		`CREATE TABLE IF NOT EXISTS ` + s.tags + ` (
			user_id TEXT NOT NULL,
			tag     TEXT NOT NULL,
			PRIMARY KEY (user_id, tag)
		);`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to init schema: %w", err)
		}
	}
	return nil
}

// Append implements Buffer.
func (s *SQLiteStore) Append(ctx context.Context, owner string, msgs []memory.Message) error {
	if err := memory.ValidateOwner(owner); err != nil {
		return err
	}
	prepared, err := prepareMessages(msgs)
	if err != nil {
		return err
	}
	if len(prepared) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.insertMessages(ctx, tx, owner, prepared)
	})
}

// Recent implements Buffer.
func (s *SQLiteStore) Recent(ctx context.Context, owner string, n int) ([]memory.Message, error) {
	if err := memory.ValidateOwner(owner); err != nil {
		return nil, err
	}
	limit := n
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content, timestamp FROM `+s.messages+` WHERE user_id = ? ORDER BY id DESC LIMIT ?`,
		owner, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var msgs []memory.Message
	for rows.Next() {
		var (
			m  memory.Message
			ts int64
		)
		if err := rows.Scan(&m.Role, &m.Content, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Timestamp = time.UnixMicro(ts).UTC()
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// Replace implements Buffer. The clear and the save share one transaction.
func (s *SQLiteStore) Replace(ctx context.Context, owner string, msgs []memory.Message) error {
	if err := memory.ValidateOwner(owner); err != nil {
		return err
	}
	prepared, err := prepareMessages(msgs)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+s.messages+` WHERE user_id = ?`, owner); err != nil {
			return fmt.Errorf("failed to clear messages: %w", err)
		}
		return s.insertMessages(ctx, tx, owner, prepared)
	})
}

// Clear implements Buffer.
func (s *SQLiteStore) Clear(ctx context.Context, owner string) error {
	if err := memory.ValidateOwner(owner); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM `+s.messages+` WHERE user_id = ?`, owner); err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}
	s.logger.Debug("cleared messages", zap.String("owner", owner))
	return nil
}

func (s *SQLiteStore) insertMessages(ctx context.Context, tx *sql.Tx, owner string, msgs []memory.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO `+s.messages+` (user_id, role, content, timestamp) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()
	for _, m := range msgs {
		if _, err := stmt.ExecContext(ctx, owner, string(m.Role), m.Content, m.Timestamp.UnixMicro()); err != nil {
			return fmt.Errorf("failed to save message: %w", err)
		}
	}
	return nil
}

// SaveTags implements TagStore.
func (s *SQLiteStore) SaveTags(ctx context.Context, owner string, tags []string) error {
	if err := memory.ValidateOwner(owner); err != nil {
		return err
	}
	tags = cleanTags(tags)
	if len(tags) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, t := range tags {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO `+s.tags+` (user_id, tag) VALUES (?, ?)`, owner, t); err != nil {
				return fmt.Errorf("failed to save tag %q: %w", t, err)
			}
		}
		return nil
	})
}

// Tags implements TagStore.
func (s *SQLiteStore) Tags(ctx context.Context, owner string) ([]string, error) {
	if err := memory.ValidateOwner(owner); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT tag FROM `+s.tags+` WHERE user_id = ? ORDER BY tag`, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to query tags: %w", err)
	}
	defer rows.Close()

	tags := []string{}
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("failed to scan tag: %w", err)
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

// HasTag implements TagStore.
func (s *SQLiteStore) HasTag(ctx context.Context, owner, tag string) (bool, error) {
	if err := memory.ValidateOwner(owner); err != nil {
		return false, err
	}
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM `+s.tags+` WHERE user_id = ? AND tag = ? LIMIT 1`, owner, tag).Scan(&one)
	switch {
	case err == sql.ErrNoRows:
		return false, nil
	case err != nil:
		return false, fmt.Errorf("failed to look up tag: %w", err)
	}
	return true, nil
}

// ClearTags implements TagStore.
func (s *SQLiteStore) ClearTags(ctx context.Context, owner string) error {
	if err := memory.ValidateOwner(owner); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM `+s.tags+` WHERE user_id = ?`, owner); err != nil {
		return fmt.Errorf("failed to clear tags: %w", err)
	}
	s.logger.Debug("cleared tags", zap.String("owner", owner))
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}
