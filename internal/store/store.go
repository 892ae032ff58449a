// Package store holds the per-owner short-term message buffer and the
// per-owner tag vocabulary.
//
// Three backends implement both interfaces: an embedded SQLite database, a
// Supabase (PostgREST) project and a process-local map used in tests and
// ephemeral deployments.
package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/fyrsmithlabs/memoryd/internal/memory"
)

// Default table names, shared by the SQLite and Supabase backends.
const (
	DefaultMessagesTable = "conversation_history"
	DefaultTagsTable     = "user_tags"
)

var (
	ErrInvalidConfig = errors.New("invalid store configuration")
	ErrUnavailable   = errors.New("store unavailable")
)

// timeNow is replaced in tests.
var timeNow = time.Now

// Buffer is the short-term conversation log of each owner.
type Buffer interface {
	// Append adds messages after the existing ones.
	Append(ctx context.Context, owner string, msgs []memory.Message) error

	// Recent returns the newest n messages, oldest first. n <= 0 returns all.
	Recent(ctx context.Context, owner string, n int) ([]memory.Message, error)

	// Replace clears the owner's buffer and saves msgs in its place.
	Replace(ctx context.Context, owner string, msgs []memory.Message) error

	// Clear removes every message of the owner.
	Clear(ctx context.Context, owner string) error
}

// TagStore is the set of tags each owner's memories have been filed under.
type TagStore interface {
	// SaveTags adds tags, ignoring blanks and ones already present.
	SaveTags(ctx context.Context, owner string, tags []string) error

	// Tags returns the owner's tags in sorted order.
	Tags(ctx context.Context, owner string) ([]string, error)

	HasTag(ctx context.Context, owner, tag string) (bool, error)

	// ClearTags removes every tag of the owner.
	ClearTags(ctx context.Context, owner string) error
}

// Store is a backend that provides both the buffer and the tag store.
type Store interface {
	Buffer
	TagStore
	Close() error
}

// prepareMessages validates msgs and stamps missing timestamps. Timestamps
// are nudged forward so that a batch keeps its order when read back by time.
func prepareMessages(msgs []memory.Message) ([]memory.Message, error) {
	out := make([]memory.Message, 0, len(msgs))
	now := timeNow().UTC()
	for i, m := range msgs {
		if err := m.Validate(); err != nil {
			return nil, err
		}
		if m.Timestamp.IsZero() {
			m.Timestamp = now.Add(time.Duration(i) * time.Microsecond)
		}
		out = append(out, m)
	}
	return out, nil
}

// cleanTags trims, drops blanks and deduplicates.
func cleanTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func sortedUnique(tags []string) []string {
	out := cleanTags(tags)
	sort.Strings(out)
	return out
}

// tail returns the last n messages; n <= 0 returns all of them.
func tail(msgs []memory.Message, n int) []memory.Message {
	if n > 0 && len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	out := make([]memory.Message, len(msgs))
	copy(out, msgs)
	return out
}
