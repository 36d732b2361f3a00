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
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/deepen/services/deepen/datatypes"
	storage "github.com/AleutianAI/deepen/services/deepen/storage/badger"
)

// Key layout:
//
//	conv/<id>    JSON-encoded datatypes.Conversation
//	meta/active  active conversation id
const (
	conversationPrefix = "conv/"
	activeKey          = "meta/active"
)

// maxConflictRetries bounds retries of read-modify-write transactions that
// lose an optimistic-concurrency race.
const maxConflictRetries = 3

func conversationKey(id string) []byte {
	return []byte(conversationPrefix + id)
}

// BadgerStore is a Store persisted in BadgerDB, so conversations survive
// between CLI runs.
//
// # Thread Safety
//
// Safe for concurrent use. Update and Rename run in a single transaction
// and are retried on badger.ErrConflict.
type BadgerStore struct {
	db *storage.DB
}

// NewBadgerStore wraps an open database. The caller owns db and closes it.
func NewBadgerStore(db *storage.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

// Get implements Store.
func (s *BadgerStore) Get(ctx context.Context, id string) (*datatypes.Conversation, error) {
	var conv *datatypes.Conversation
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		var err error
		conv, err = readConversation(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// Set implements Store.
func (s *BadgerStore) Set(ctx context.Context, conv *datatypes.Conversation) error {
	if err := checkStorable(conv); err != nil {
		return err
	}
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return writeConversation(txn, conv)
	})
}

// Delete implements Store.
func (s *BadgerStore) Delete(ctx context.Context, id string) error {
	return s.retry(ctx, func(txn *badger.Txn) error {
		if _, err := readConversation(txn, id); err != nil {
			return err
		}
		if err := txn.Delete(conversationKey(id)); err != nil {
			return fmt.Errorf("delete conversation %s: %w", id, err)
		}

		active, err := readActive(txn)
		if err != nil {
			return err
		}
		if active == id {
			return txn.Delete([]byte(activeKey))
		}
		return nil
	})
}

// Update implements Store.
func (s *BadgerStore) Update(ctx context.Context, id string, fn func(*datatypes.Conversation) error) (*datatypes.Conversation, error) {
	var updated *datatypes.Conversation
	err := s.retry(ctx, func(txn *badger.Txn) error {
		conv, err := readConversation(txn, id)
		if err != nil {
			return err
		}
		if err := fn(conv); err != nil {
			return err
		}
		if conv.ID != id {
			return fmt.Errorf("update of %s changed id to %q; use Rename", id, conv.ID)
		}
		updated = conv
		return writeConversation(txn, conv)
	})
	if err != nil {
		return nil, err
	}
	return updated.Clone(), nil
}

// Rename implements Store.
func (s *BadgerStore) Rename(ctx context.Context, oldID string, conv *datatypes.Conversation) error {
	if err := checkStorable(conv); err != nil {
		return err
	}
	return s.retry(ctx, func(txn *badger.Txn) error {
		if _, err := readConversation(txn, oldID); err != nil {
			return err
		}
		if oldID != conv.ID {
			if err := txn.Delete(conversationKey(oldID)); err != nil {
				return fmt.Errorf("delete conversation %s: %w", oldID, err)
			}
		}
		if err := writeConversation(txn, conv); err != nil {
			return err
		}

		active, err := readActive(txn)
		if err != nil {
			return err
		}
		if active == oldID {
			return txn.Set([]byte(activeKey), []byte(conv.ID))
		}
		return nil
	})
}

// ActiveID implements Store.
func (s *BadgerStore) ActiveID(ctx context.Context) (string, error) {
	var active string
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		var err error
		active, err = readActive(txn)
		return err
	})
	return active, err
}

// SetActive implements Store.
func (s *BadgerStore) SetActive(ctx context.Context, id string) error {
	return s.retry(ctx, func(txn *badger.Txn) error {
		if id == "" {
			return txn.Delete([]byte(activeKey))
		}
		if _, err := readConversation(txn, id); err != nil {
			return err
		}
		return txn.Set([]byte(activeKey), []byte(id))
	})
}

// List implements Store.
func (s *BadgerStore) List(ctx context.Context) ([]*datatypes.Conversation, error) {
	var out []*datatypes.Conversation
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		prefix := []byte(conversationPrefix)
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 32, Prefix: prefix})
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			conv := &datatypes.Conversation{}
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, conv)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", item.Key(), err)
			}
			out = append(out, conv)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sortByActivity(out)
	return out, nil
}

// retry runs fn in a read-write transaction, retrying on conflict.
func (s *BadgerStore) retry(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err = s.db.WithTxn(ctx, fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("transaction conflict after %d attempts: %w", maxConflictRetries, err)
}

// =============================================================================
// Encoding
// =============================================================================

func readConversation(txn *badger.Txn, id string) (*datatypes.Conversation, error) {
	item, err := txn.Get(conversationKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read conversation %s: %w", id, err)
	}

	conv := &datatypes.Conversation{}
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, conv)
	}); err != nil {
		return nil, fmt.Errorf("decode conversation %s: %w", id, err)
	}
	return conv, nil
}

func writeConversation(txn *badger.Txn, conv *datatypes.Conversation) error {
	data, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("encode conversation %s: %w", conv.ID, err)
	}
	if err := txn.Set(conversationKey(conv.ID), data); err != nil {
		return fmt.Errorf("write conversation %s: %w", conv.ID, err)
	}
	return nil
}

func readActive(txn *badger.Txn) (string, error) {
	item, err := txn.Get([]byte(activeKey))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read active conversation: %w", err)
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return "", fmt.Errorf("read active conversation: %w", err)
	}
	return string(val), nil
}
