// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package conversation

import (
	"slices"
	"sync"

	"github.com/AleutianAI/deepen/services/deepen/datatypes"
)

// ContextDraft is the knowledge-source selection the user is assembling for
// the next conversation. StartConversation snapshots and clears it.
//
// Selecting the full knowledge base drops explicit sources and selecting an
// explicit source drops the full knowledge base, so a snapshot is always
// valid.
//
// Thread Safety: safe for concurrent use.
type ContextDraft struct {
	mu          sync.Mutex
	fullKB      bool
	collections []string
	captures    []string
	bookmarks   []string
}

// NewContextDraft returns an empty draft.
func NewContextDraft() *ContextDraft {
	return &ContextDraft{}
}

// UseFullKnowledgeBase selects the whole knowledge base.
func (d *ContextDraft) UseFullKnowledgeBase() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fullKB = true
	d.collections, d.captures, d.bookmarks = nil, nil, nil
}

// AddCollections selects collections.
func (d *ContextDraft) AddCollections(ids ...string) {
	d.add(&d.collections, ids)
}

// AddCaptures selects captures.
func (d *ContextDraft) AddCaptures(ids ...string) {
	d.add(&d.captures, ids)
}

// AddBookmarks selects bookmarks.
func (d *ContextDraft) AddBookmarks(ids ...string) {
	d.add(&d.bookmarks, ids)
}

func (d *ContextDraft) add(dst *[]string, ids []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range ids {
		if id == "" || slices.Contains(*dst, id) {
			continue
		}
		*dst = append(*dst, id)
		d.fullKB = false
	}
}

// Snapshot returns the current selection as an immutable ContextSnapshot.
func (d *ContextDraft) Snapshot() (datatypes.ContextSnapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return datatypes.NewContextSnapshot(d.fullKB, d.collections, d.captures, d.bookmarks)
}

// Clear empties the selection.
func (d *ContextDraft) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fullKB = false
	d.collections, d.captures, d.bookmarks = nil, nil, nil
}
