// Package graphstore mirrors long-term memories into a relationship graph of
// users, memories, tags and entities, and expands a set of memories to the
// ones related to them through a shared tag or entity.
//
// Node kinds are User(id), Memory(id), Tag(name) and Entity(name). Edges:
//
//	HAS_MEMORY      User   -> Memory
//	BELONGS_TO_TAG  Memory -> Tag
//	MENTIONS        Memory -> Entity
//	HAS_ENTITY      User   -> Entity
//
// Every write has merge semantics, so storing the same records twice leaves
// the graph unchanged.
package graphstore

import (
	"context"
	"errors"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"

	"github.com/fyrsmithlabs/memoryd/internal/memory"
)

// DefaultRelatedLimit caps each expansion when the caller passes no limit.
const DefaultRelatedLimit = 20

var (
	ErrInvalidConfig    = errors.New("invalid graph store configuration")
	ErrConnectionFailed = errors.New("graph store connection failed")
	ErrClosed           = errors.New("graph store is closed")
)

var tracer = otel.Tracer("memoryd.graphstore")

// Store is a memory relationship graph.
type Store interface {
	// StoreMemoryGraph links records into the owner's graph. Records whose
	// Memory node already exists are skipped.
	StoreMemoryGraph(ctx context.Context, owner string, records []memory.Record) error

	// GetRelatedMemoryIDs returns the owner's memories that share an entity
	// with any of ids, followed by those that share a tag, each group ordered
	// by id. Tags and entities are shared between owners, but only memories
	// linked to owner are returned. Inputs are never returned. limit <= 0
	// means DefaultRelatedLimit.
	GetRelatedMemoryIDs(ctx context.Context, owner string, ids []string, limit int) ([]string, error)

	// DeleteAll removes the owner's memories and user node, plus any tag or
	// entity left without references.
	DeleteAll(ctx context.Context, owner string) error

	Close() error
}

func relatedLimit(limit int) int {
	if limit <= 0 {
		return DefaultRelatedLimit
	}
	return limit
}

// combineRelated concatenates entity and tag expansions, dropping blanks,
// duplicates and any of the input ids.
func combineRelated(inputs []string, groups ...[]string) []string {
	exclude := make(map[string]struct{}, len(inputs))
	for _, id := range inputs {
		exclude[id] = struct{}{}
	}
	var out []string
	for _, group := range groups {
		sorted := append([]string(nil), group...)
		sort.Strings(sorted)
		for _, id := range sorted {
			if id == "" {
				continue
			}
			if _, ok := exclude[id]; ok {
				continue
			}
			exclude[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

// cleanIDs trims ids and drops blanks and duplicates.
func cleanIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
