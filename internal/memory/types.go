package memory

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Common errors for memory operations.
var (
	ErrEmptyOwner   = errors.New("owner cannot be empty")
	ErrInvalidOwner = errors.New("owner contains invalid characters")
	ErrEmptySummary = errors.New("memory summary cannot be empty")
	ErrInvalidRole  = errors.New("role must be 'user' or 'assistant'")
	ErrNotFound     = errors.New("memory not found")
)

// DefaultTag is assigned to candidates that arrive without a tag.
const DefaultTag = "untagged"

// DefaultScore is used for importance and confidence when a candidate omits them.
const DefaultScore = 0.1

const maxOwnerLength = 128

// Role identifies who produced a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether the role is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Message is a single short-term conversation turn.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMessage creates a message stamped with the current time.
func NewMessage(role Role, content string) Message {
	return Message{Role: role, Content: content, Timestamp: time.Now().UTC()}
}

// Validate checks the role of the message.
func (m Message) Validate() error {
	if !m.Role.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRole, m.Role)
	}
	return nil
}

// Candidate is a memory proposed by extraction, before dedup and persistence.
//
// Importance and Confidence are pointers so that an omitted value can be
// told apart from an explicit zero when defaults are applied.
type Candidate struct {
	Summary    string   `json:"summary"`
	Importance *float64 `json:"importance,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
	Entities   []string `json:"entities,omitempty"`
	Tag        string   `json:"tag,omitempty"`
}

// Score returns a pointer to v, for building candidates in code.
func Score(v float64) *float64 {
	return &v
}

// Record is a persisted long-term memory.
type Record struct {
	ID           string    `json:"id"`
	Summary      string    `json:"summary"`
	Tag          string    `json:"tag"`
	Importance   float64   `json:"importance"`
	Confidence   float64   `json:"confidence"`
	Entities     []string  `json:"entities"`
	Owner        string    `json:"owner"`
	LastAccessed time.Time `json:"last_accessed"`
}

// ScoredRecord is a record returned from a similarity search or expansion.
type ScoredRecord struct {
	Record
	Similarity    float64 `json:"similarity"`
	HasSimilarity bool    `json:"has_similarity"`
	Rank          int     `json:"rank"`
}

// NewRecord converts a candidate into a record owned by owner.
//
// Missing scores default to DefaultScore, an empty tag becomes DefaultTag,
// scores are clamped to [0, 1] and entities are normalized.
func NewRecord(owner string, c Candidate, now time.Time) (Record, error) {
	if err := ValidateOwner(owner); err != nil {
		return Record{}, err
	}
	summary := strings.TrimSpace(c.Summary)
	if summary == "" {
		return Record{}, ErrEmptySummary
	}

	tag := strings.TrimSpace(c.Tag)
	if tag == "" {
		tag = DefaultTag
	}

	return Record{
		ID:           uuid.New().String(),
		Summary:      summary,
		Tag:          tag,
		Importance:   scoreOrDefault(c.Importance),
		Confidence:   scoreOrDefault(c.Confidence),
		Entities:     NormalizeEntities(c.Entities),
		Owner:        owner,
		LastAccessed: now,
	}, nil
}

func scoreOrDefault(v *float64) float64 {
	if v == nil {
		return DefaultScore
	}
	return clamp(*v, 0, 1)
}

// NormalizeEntities trims entity names and drops blanks and duplicates,
// keeping first-seen order.
func NormalizeEntities(entities []string) []string {
	out := make([]string, 0, len(entities))
	seen := make(map[string]struct{}, len(entities))
	for _, e := range entities {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}
	return out
}

// MergeEntities returns the union of a and b, keeping a's order first.
func MergeEntities(a, b []string) []string {
	merged := make([]string, 0, len(a)+len(b))
	merged = append(merged, a...)
	merged = append(merged, b...)
	return NormalizeEntities(merged)
}

// ValidateOwner checks that an owner id is usable as a partition key.
func ValidateOwner(owner string) error {
	if owner == "" {
		return ErrEmptyOwner
	}
	if len(owner) > maxOwnerLength {
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidOwner, maxOwnerLength)
	}
	for _, r := range owner {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.', r == '@', r == '+':
		default:
			return fmt.Errorf("%w: %q", ErrInvalidOwner, r)
		}
	}
	return nil
}
