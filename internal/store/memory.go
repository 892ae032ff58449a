package store

import (
	"context"
	"sync"

	"github.com/fyrsmithlabs/memoryd/internal/memory"
)

// MemoryStore keeps buffers and tags in process memory.
// Safe for concurrent use.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string][]memory.Message
	tags     map[string]map[string]struct{}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[string][]memory.Message),
		tags:     make(map[string]map[string]struct{}),
	}
}

// Append implements Buffer.
func (s *MemoryStore) Append(_ context.Context, owner string, msgs []memory.Message) error {
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

	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[owner] = append(s.messages[owner], prepared...)
	return nil
}

// Recent implements Buffer. The returned slice is a copy.
func (s *MemoryStore) Recent(_ context.Context, owner string, n int) ([]memory.Message, error) {
	if err := memory.ValidateOwner(owner); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return tail(s.messages[owner], n), nil
}

// Replace implements Buffer.
func (s *MemoryStore) Replace(_ context.Context, owner string, msgs []memory.Message) error {
	if err := memory.ValidateOwner(owner); err != nil {
		return err
	}
	prepared, err := prepareMessages(msgs)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(prepared) == 0 {
		delete(s.messages, owner)
		return nil
	}
	s.messages[owner] = prepared
	return nil
}

// Clear implements Buffer.
func (s *MemoryStore) Clear(_ context.Context, owner string) error {
	if err := memory.ValidateOwner(owner); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, owner)
	return nil
}

// SaveTags implements TagStore.
func (s *MemoryStore) SaveTags(_ context.Context, owner string, tags []string) error {
	if err := memory.ValidateOwner(owner); err != nil {
		return err
	}
	tags = cleanTags(tags)
	if len(tags) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.tags[owner]
	if !ok {
		set = make(map[string]struct{}, len(tags))
		s.tags[owner] = set
	}
	for _, t := range tags {
		set[t] = struct{}{}
	}
	return nil
}

// Tags implements TagStore.
func (s *MemoryStore) Tags(_ context.Context, owner string) ([]string, error) {
	if err := memory.ValidateOwner(owner); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.tags[owner]))
	for t := range s.tags[owner] {
		out = append(out, t)
	}
	return sortedUnique(out), nil
}

// HasTag implements TagStore.
func (s *MemoryStore) HasTag(_ context.Context, owner, tag string) (bool, error) {
	if err := memory.ValidateOwner(owner); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tags[owner][tag]
	return ok, nil
}

// ClearTags implements TagStore.
func (s *MemoryStore) ClearTags(_ context.Context, owner string) error {
	if err := memory.ValidateOwner(owner); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tags, owner)
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }
