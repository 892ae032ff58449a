package graphstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/fyrsmithlabs/memoryd/internal/memory"
)

// Node kinds.
const (
	kindUser   = "User"
	kindMemory = "Memory"
	kindTag    = "Tag"
	kindEntity = "Entity"
)

// Edge kinds. The kind fixes the source and destination node kinds.
const (
	edgeHasMemory    = "HAS_MEMORY"
	edgeBelongsToTag = "BELONGS_TO_TAG"
	edgeMentions     = "MENTIONS"
	edgeHasEntity    = "HAS_ENTITY"
)

// SQLiteStore keeps the graph in two tables of an embedded SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteStore opens (or creates) the graph database at path. An empty
// path keeps the graph in memory.
func NewSQLiteStore(path string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create graph directory: %w", err)
		}
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	// One connection: writes are serialized and ":memory:" stays a single database.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, logger: logger}
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
		`CREATE TABLE IF NOT EXISTS nodes (
			kind TEXT NOT NULL,
			key  TEXT NOT NULL,
			PRIMARY KEY (kind, key)
		);`,
		`CREATE TABLE IF NOT EXISTS edges (
			kind TEXT NOT NULL,
			src  TEXT NOT NULL,
			dst  TEXT NOT NULL,
			PRIMARY KEY (kind, src, dst)
		);`,
		`CREATE INDEX IF NOT EXISTS edges_by_dst ON edges (kind, dst);`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to init graph schema: %w", err)
		}
	}
	return nil
}

// StoreMemoryGraph implements Store.
func (s *SQLiteStore) StoreMemoryGraph(ctx context.Context, owner string, records []memory.Record) (err error) {
	if err := memory.ValidateOwner(owner); err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	ctx, span := tracer.Start(ctx, "graphstore.sqlite.StoreMemoryGraph")
	defer span.End()
	span.SetAttributes(attribute.String("owner", owner), attribute.Int("records", len(records)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin graph transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stored, skipped := 0, 0
	userAdded := false
	for _, r := range records {
		if r.ID == "" {
			continue
		}
		exists, err := nodeExists(ctx, tx, kindMemory, r.ID)
		if err != nil {
			return err
		}
		if exists {
			skipped++
			continue
		}
		if !userAdded {
			if err := insertNode(ctx, tx, kindUser, owner); err != nil {
				return err
			}
			userAdded = true
		}

		tag := r.Tag
		if tag == "" {
			tag = memory.DefaultTag
		}
		steps := []func() error{
			func() error { return insertNode(ctx, tx, kindTag, tag) },
			func() error { return insertNode(ctx, tx, kindMemory, r.ID) },
			func() error { return insertEdge(ctx, tx, edgeHasMemory, owner, r.ID) },
			func() error { return insertEdge(ctx, tx, edgeBelongsToTag, r.ID, tag) },
		}
		for _, step := range steps {
			if err := step(); err != nil {
				return err
			}
		}

		for _, entity := range r.Entities {
			entity = strings.TrimSpace(entity)
			if entity == "" {
				continue
			}
			if err := insertNode(ctx, tx, kindEntity, entity); err != nil {
				return err
			}
			if err := insertEdge(ctx, tx, edgeMentions, r.ID, entity); err != nil {
				return err
			}
			if err := insertEdge(ctx, tx, edgeHasEntity, owner, entity); err != nil {
				return err
			}
		}
		stored++
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit graph transaction: %w", err)
	}
	if skipped > 0 {
		s.logger.Debug("skipped memories already in graph", zap.String("owner", owner), zap.Int("skipped", skipped))
	}
	s.logger.Debug("stored memory graph", zap.String("owner", owner), zap.Int("stored", stored))
	return nil
}

// GetRelatedMemoryIDs implements Store.
func (s *SQLiteStore) GetRelatedMemoryIDs(ctx context.Context, owner string, ids []string, limit int) ([]string, error) {
	if err := memory.ValidateOwner(owner); err != nil {
		return nil, err
	}
	ids = cleanIDs(ids)
	if len(ids) == 0 {
		return nil, nil
	}
	limit = relatedLimit(limit)

	ctx, span := tracer.Start(ctx, "graphstore.sqlite.GetRelatedMemoryIDs")
	defer span.End()
	span.SetAttributes(attribute.Int("ids", len(ids)), attribute.Int("limit", limit))

	byEntity, err := s.relatedVia(ctx, owner, edgeMentions, ids, limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	byTag, err := s.relatedVia(ctx, owner, edgeBelongsToTag, ids, limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	related := combineRelated(ids, byEntity, byTag)
	span.SetAttributes(attribute.Int("related", len(related)))
	return related, nil
}

// relatedVia finds the owner's memories sharing a destination node with ids
// over edge.
func (s *SQLiteStore) relatedVia(ctx context.Context, owner, edge string, ids []string, limit int) ([]string, error) {
	in := placeholders(len(ids))
	query := `SELECT DISTINCT r.src
		FROM edges m
		JOIN edges r ON r.kind = m.kind AND r.dst = m.dst
		WHERE m.kind = ? AND m.src IN (` + in + `) AND r.src NOT IN (` + in + `)
			AND r.src IN (SELECT dst FROM edges WHERE kind = ? AND src = ?)
		ORDER BY r.src
		LIMIT ?`

	args := make([]any, 0, 2*len(ids)+4)
	args = append(args, edge)
	for _, id := range ids {
		args = append(args, id)
	}
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, edgeHasMemory, owner, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query related memories via %s: %w", edge, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan related memory: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// DeleteAll implements Store.
func (s *SQLiteStore) DeleteAll(ctx context.Context, owner string) (err error) {
	if err := memory.ValidateOwner(owner); err != nil {
		return err
	}

	ctx, span := tracer.Start(ctx, "graphstore.sqlite.DeleteAll")
	defer span.End()
	span.SetAttributes(attribute.String("owner", owner))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin graph transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	steps := []struct {
		name  string
		query string
		args  []any
	}{
		{"memory edges", `DELETE FROM edges WHERE kind IN (?, ?) AND src IN
			(SELECT dst FROM edges WHERE kind = ? AND src = ?)`,
			[]any{edgeBelongsToTag, edgeMentions, edgeHasMemory, owner}},
		{"memories", `DELETE FROM nodes WHERE kind = ? AND key IN
			(SELECT dst FROM edges WHERE kind = ? AND src = ?)`,
			[]any{kindMemory, edgeHasMemory, owner}},
		{"user edges", `DELETE FROM edges WHERE kind IN (?, ?) AND src = ?`,
			[]any{edgeHasMemory, edgeHasEntity, owner}},
		{"orphan tags", `DELETE FROM nodes WHERE kind = ? AND key NOT IN
			(SELECT dst FROM edges WHERE kind = ?)`,
			[]any{kindTag, edgeBelongsToTag}},
		{"orphan entities", `DELETE FROM nodes WHERE kind = ? AND key NOT IN
			(SELECT dst FROM edges WHERE kind IN (?, ?))`,
			[]any{kindEntity, edgeMentions, edgeHasEntity}},
		{"user", `DELETE FROM nodes WHERE kind = ? AND key = ?`,
			[]any{kindUser, owner}},
	}

	fields := []zap.Field{zap.String("owner", owner)}
	for _, step := range steps {
		res, err := tx.ExecContext(ctx, step.query, step.args...)
		if err != nil {
			return fmt.Errorf("failed to delete %s: %w", step.name, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			fields = append(fields, zap.Int64(strings.ReplaceAll(step.name, " ", "_"), n))
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit graph delete: %w", err)
	}
	s.logger.Info("deleted owner graph", fields...)
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nodeExists(ctx context.Context, tx *sql.Tx, kind, key string) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM nodes WHERE kind = ? AND key = ?`, kind, key).Scan(&one)
	switch {
	case err == sql.ErrNoRows:
		return false, nil
	case err != nil:
		return false, fmt.Errorf("failed to look up %s node: %w", kind, err)
	}
	return true, nil
}

func insertNode(ctx context.Context, tx *sql.Tx, kind, key string) error {
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO nodes (kind, key) VALUES (?, ?)`, kind, key); err != nil {
		return fmt.Errorf("failed to merge %s node: %w", kind, err)
	}
	return nil
}

func insertEdge(ctx context.Context, tx *sql.Tx, kind, src, dst string) error {
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO edges (kind, src, dst) VALUES (?, ?, ?)`, kind, src, dst); err != nil {
		return fmt.Errorf("failed to merge %s edge: %w", kind, err)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
