// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package conversation keeps client-side conversations consistent while
// their replies stream in.
//
// The Store holds conversations by id plus a pointer to the active one.
// The Reconciler inserts optimistic conversations and messages before the
// server answers, mutates them as deltas arrive, and re-keys a temporary
// conversation to its server id once the server confirms it.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/deepen/services/deepen/datatypes"
)

// ErrConversationNotFound is returned when no conversation has the id.
var ErrConversationNotFound = errors.New("conversation not found")

// Store is the keyed conversation store the Reconciler mutates.
//
// # Description
//
// Implementations must hand out copies: a *Conversation returned by Get,
// Update or List may be modified freely by the caller without affecting
// stored state, and Set stores a copy of its argument.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Update and Rename must
// be atomic with respect to every other method.
type Store interface {
	// Get returns the conversation or ErrConversationNotFound.
	Get(ctx context.Context, id string) (*datatypes.Conversation, error)

	// Set inserts or replaces the conversation keyed by conv.ID.
	Set(ctx context.Context, conv *datatypes.Conversation) error

	// Delete removes the conversation and clears the active pointer if it
	// pointed at it. Returns ErrConversationNotFound if absent.
	Delete(ctx context.Context, id string) error

	// Update applies fn to the stored conversation and stores the result.
	// If fn returns an error nothing is written. fn must not change the id.
	Update(ctx context.Context, id string, fn func(*datatypes.Conversation) error) (*datatypes.Conversation, error)

	// Rename replaces the entry under oldID with conv keyed by conv.ID and
	// moves the active pointer along. Readers never observe both entries.
	// Renaming to the same id is a plain replace.
	Rename(ctx context.Context, oldID string, conv *datatypes.Conversation) error

	// ActiveID returns the active conversation id, or "" if none.
	ActiveID(ctx context.Context) (string, error)

	// SetActive marks id active. An empty id clears the pointer.
	SetActive(ctx context.Context, id string) error

	// List returns every conversation, most recently active first.
	List(ctx context.Context) ([]*datatypes.Conversation, error)
}

// =============================================================================
// MemoryStore
// =============================================================================

// MemoryStore is a Store backed by a map.
//
// # Thread Safety
//
// Safe for concurrent use.
type MemoryStore struct {
	mu     sync.RWMutex
	convs  map[string]*datatypes.Conversation
	active string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{convs: make(map[string]*datatypes.Conversation)}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (*datatypes.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.convs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	return conv.Clone(), nil
}

// Set implements Store.
func (s *MemoryStore) Set(_ context.Context, conv *datatypes.Conversation) error {
	if err := checkStorable(conv); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.convs[conv.ID] = conv.Clone()
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.convs[id]; !ok {
		return fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	delete(s.convs, id)
	if s.active == id {
		s.active = ""
	}
	return nil
}

// Update implements Store.
func (s *MemoryStore) Update(_ context.Context, id string, fn func(*datatypes.Conversation) error) (*datatypes.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.convs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}

	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if next.ID != id {
		return nil, fmt.Errorf("update of %s changed id to %q; use Rename", id, next.ID)
	}

	s.convs[id] = next
	return next.Clone(), nil
}

// Rename implements Store.
func (s *MemoryStore) Rename(_ context.Context, oldID string, conv *datatypes.Conversation) error {
	if err := checkStorable(conv); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.convs[oldID]; !ok {
		return fmt.Errorf("%w: %s", ErrConversationNotFound, oldID)
	}
	delete(s.convs, oldID)
	s.convs[conv.ID] = conv.Clone()
	if s.active == oldID {
		s.active = conv.ID
	}
	return nil
}

// ActiveID implements Store.
func (s *MemoryStore) ActiveID(context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active, nil
}

// SetActive implements Store.
func (s *MemoryStore) SetActive(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id != "" {
		if _, ok := s.convs[id]; !ok {
			return fmt.Errorf("%w: %s", ErrConversationNotFound, id)
		}
	}
	s.active = id
	return nil
}

// List implements Store.
func (s *MemoryStore) List(context.Context) ([]*datatypes.Conversation, error) {
	s.mu.RLock()
	out := make([]*datatypes.Conversation, 0, len(s.convs))
	for _, conv := range s.convs {
		out = append(out, conv.Clone())
	}
	s.mu.RUnlock()

	sortByActivity(out)
	return out, nil
}

// =============================================================================
// Helpers
// =============================================================================

func checkStorable(conv *datatypes.Conversation) error {
	if conv == nil {
		return errors.New("conversation is nil")
	}
	if strings.TrimSpace(conv.ID) == "" {
		return errors.New("conversation id is required")
	}
	return nil
}

// lastActive returns the time List orders by.
func lastActive(conv *datatypes.Conversation) time.Time {
	if conv.LastActivity != nil {
		return *conv.LastActivity
	}
	return conv.CreatedAt
}

// sortByActivity orders most recently active first, ties by id.
func sortByActivity(convs []*datatypes.Conversation) {
	slices.SortFunc(convs, func(a, b *datatypes.Conversation) int {
		if c := lastActive(b).Compare(lastActive(a)); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
