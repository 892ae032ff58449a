package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	postgrest "github.com/supabase-community/postgrest-go"
	"github.com/supabase-community/supabase-go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memoryd/internal/memory"
)

// SupabaseConfig configures the Supabase backend.
//
// The messages table needs columns id (serial), user_id (text),
// message_data (jsonb) and timestamp (timestamptz, default now()). The tags
// table needs user_id and tag with a unique constraint on (user_id, tag).
type SupabaseConfig struct {
	URL           string
	Key           string
	MessagesTable string
	TagsTable     string
}

// Validate checks required fields.
func (c SupabaseConfig) Validate() error {
	if c.URL == "" || c.Key == "" {
		return fmt.Errorf("%w: supabase url and key are required", ErrInvalidConfig)
	}
	return nil
}

type supabaseMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type supabaseMessageRow struct {
	UserID      string          `json:"user_id,omitempty"`
	MessageData supabaseMessage `json:"message_data"`
	Timestamp   string          `json:"timestamp,omitempty"`
}

type supabaseTagRow struct {
	UserID string `json:"user_id,omitempty"`
	Tag    string `json:"tag"`
}

// SupabaseStore implements Store over Supabase tables through PostgREST.
type SupabaseStore struct {
	client   *supabase.Client
	messages string
	tags     string
	logger   *zap.Logger
}

// NewSupabaseStore creates a Supabase-backed store.
func NewSupabaseStore(cfg SupabaseConfig, logger *zap.Logger) (*SupabaseStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.MessagesTable == "" {
		cfg.MessagesTable = DefaultMessagesTable
	}
	if cfg.TagsTable == "" {
		cfg.TagsTable = DefaultTagsTable
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := supabase.NewClient(strings.TrimRight(cfg.URL, "/"), cfg.Key, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &SupabaseStore{
		client:   client,
		messages: cfg.MessagesTable,
		tags:     cfg.TagsTable,
		logger:   logger,
	}, nil
}

// Append implements Buffer.
func (s *SupabaseStore) Append(ctx context.Context, owner string, msgs []memory.Message) error {
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
	if err := ctx.Err(); err != nil {
		return err
	}

	rows := make([]supabaseMessageRow, 0, len(prepared))
	for _, m := range prepared {
		rows = append(rows, supabaseMessageRow{
			UserID:      owner,
			MessageData: supabaseMessage{Role: string(m.Role), Content: m.Content},
			Timestamp:   m.Timestamp.UTC().Format(time.RFC3339Nano),
		})
	}
	if _, _, err := s.client.From(s.messages).Insert(rows, false, "", "minimal", "").Execute(); err != nil {
		return fmt.Errorf("%w: failed to save messages: %v", ErrUnavailable, err)
	}
	return nil
}

// Recent implements Buffer.
func (s *SupabaseStore) Recent(ctx context.Context, owner string, n int) ([]memory.Message, error) {
	if err := memory.ValidateOwner(owner); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	query := s.client.From(s.messages).
		Select("message_data,timestamp", "", false).
		Eq("user_id", owner).
		Order("timestamp", &postgrest.OrderOpts{Ascending: false}).
		Order("id", &postgrest.OrderOpts{Ascending: false})
	if n > 0 {
		query = query.Limit(n, "")
	}

	var rows []supabaseMessageRow
	if _, err := query.ExecuteTo(&rows); err != nil {
		return nil, fmt.Errorf("%w: failed to get messages: %v", ErrUnavailable, err)
	}

	msgs := make([]memory.Message, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		row := rows[i]
		msgs = append(msgs, memory.Message{
			Role:      memory.Role(row.MessageData.Role),
			Content:   row.MessageData.Content,
			Timestamp: parseTimestamp(row.Timestamp),
		})
	}
	return msgs, nil
}

// Replace implements Buffer. PostgREST has no multi-statement transactions,
// so a failure after the clear leaves the buffer empty.
func (s *SupabaseStore) Replace(ctx context.Context, owner string, msgs []memory.Message) error {
	if _, err := prepareMessages(msgs); err != nil {
		return err
	}
	if err := s.Clear(ctx, owner); err != nil {
		return err
	}
	return s.Append(ctx, owner, msgs)
}

// Clear implements Buffer.
func (s *SupabaseStore) Clear(ctx context.Context, owner string) error {
	if err := memory.ValidateOwner(owner); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, _, err := s.client.From(s.messages).Delete("minimal", "").Eq("user_id", owner).Execute(); err != nil {
		return fmt.Errorf("%w: failed to clear messages: %v", ErrUnavailable, err)
	}
	s.logger.Debug("cleared messages", zap.String("owner", owner))
	return nil
}

// SaveTags implements TagStore.
func (s *SupabaseStore) SaveTags(ctx context.Context, owner string, tags []string) error {
	if err := memory.ValidateOwner(owner); err != nil {
		return err
	}
	tags = cleanTags(tags)
	if len(tags) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	rows := make([]supabaseTagRow, 0, len(tags))
	for _, t := range tags {
		rows = append(rows, supabaseTagRow{UserID: owner, Tag: t})
	}
	if _, _, err := s.client.From(s.tags).Upsert(rows, "user_id,tag", "minimal", "").Execute(); err != nil {
		return fmt.Errorf("%w: failed to save tags: %v", ErrUnavailable, err)
	}
	return nil
}

// Tags implements TagStore.
func (s *SupabaseStore) Tags(ctx context.Context, owner string) ([]string, error) {
	if err := memory.ValidateOwner(owner); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var rows []supabaseTagRow
	_, err := s.client.From(s.tags).
		Select("tag", "", false).
		Eq("user_id", owner).
		Order("tag", &postgrest.OrderOpts{Ascending: true}).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get tags: %v", ErrUnavailable, err)
	}

	tags := make([]string, 0, len(rows))
	for _, r := range rows {
		tags = append(tags, r.Tag)
	}
	return sortedUnique(tags), nil
}

// HasTag implements TagStore.
func (s *SupabaseStore) HasTag(ctx context.Context, owner, tag string) (bool, error) {
	if err := memory.ValidateOwner(owner); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	var rows []supabaseTagRow
	_, err := s.client.From(s.tags).
		Select("tag", "", false).
		Eq("user_id", owner).
		Eq("tag", tag).
		Limit(1, "").
		ExecuteTo(&rows)
	if err != nil {
		return false, fmt.Errorf("%w: failed to look up tag: %v", ErrUnavailable, err)
	}
	return len(rows) > 0, nil
}

// ClearTags implements TagStore.
func (s *SupabaseStore) ClearTags(ctx context.Context, owner string) error {
	if err := memory.ValidateOwner(owner); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, _, err := s.client.From(s.tags).Delete("minimal", "").Eq("user_id", owner).Execute(); err != nil {
		return fmt.Errorf("%w: failed to clear tags: %v", ErrUnavailable, err)
	}
	s.logger.Debug("cleared tags", zap.String("owner", owner))
	return nil
}

// Close implements Store. The HTTP client holds nothing to release.
func (s *SupabaseStore) Close() error { return nil }

// parseTimestamp accepts timestamptz and timestamp column renderings.
func parseTimestamp(v string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05.999999999Z07:00", "2006-01-02 15:04:05.999999999Z07"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
