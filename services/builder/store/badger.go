// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/flowforge/services/builder/retry"
	"github.com/AleutianAI/flowforge/services/builder/session"
	"github.com/AleutianAI/flowforge/services/builder/storage/badger"
)

const sessionKeyPrefix = "session/"

// Badger is the durable Store backed by the embedded BadgerDB.
//
// The conditional update runs inside one read-write transaction: read
// the row, check the version, fold, write. Badger's serializable
// transactions additionally reject racing commits that touched the
// same key, which surfaces as the same conflict sentinel.
type Badger struct {
	db *badger.DB
}

// NewBadger wraps an open database handle.
func NewBadger(db *badger.DB) *Badger {
	return &Badger{db: db}
}

func sessionKey(id string) []byte {
	return []byte(sessionKeyPrefix + id)
}

// Create persists a new session at version 1.
func (b *Badger) Create(ctx context.Context, s *session.Session) error {
	key := sessionKey(s.ID)

	err := b.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, s.ID)
		} else if !errors.Is(err, dgbadger.ErrKeyNotFound) {
			return fmt.Errorf("read session %s: %w", s.ID, err)
		}

		cp := s.Clone()
		cp.Version = 1
		data, err := json.Marshal(cp)
		if err != nil {
			return fmt.Errorf("encode session %s: %w", s.ID, err)
		}
		return txn.Set(key, data)
	})
	if err != nil {
		return err
	}
	s.Version = 1
	return nil
}

// Load returns the current state of the session row.
func (b *Badger) Load(ctx context.Context, id string) (*session.Session, error) {
	var s *session.Session
	err := b.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		got, err := readSession(txn, id)
		if err != nil {
			return err
		}
		s = got
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ApplyOperations implements the conditional write. The post-write
// state returned comes from the same transaction that committed it.
func (b *Badger) ApplyOperations(ctx context.Context, id string, expectedVersion uint64, ops []session.Operation) (*session.Session, error) {
	var next *session.Session

	err := b.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		cur, err := readSession(txn, id)
		if err != nil {
			return err
		}
		if cur.Version != expectedVersion {
			return fmt.Errorf("%w: session %s at version %d, expected %d",
				retry.ErrConflict, id, cur.Version, expectedVersion)
		}

		next = fold(cur, ops, time.Now().UTC())
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode session %s: %w", id, err)
		}
		return txn.Set(sessionKey(id), data)
	})
	if err != nil {
		// A racing transaction that touched the same key loses at
		// commit time with badger's own conflict error.
		if errors.Is(err, dgbadger.ErrConflict) {
			return nil, fmt.Errorf("%w: session %s transaction conflict", retry.ErrConflict, id)
		}
		return nil, err
	}
	return next, nil
}

func readSession(txn *dgbadger.Txn, id string) (*session.Session, error) {
	item, err := txn.Get(sessionKey(id))
	if errors.Is(err, dgbadger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read session %s: %w", id, err)
	}

	var s session.Session
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &s)
	})
	if err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &s, nil
}
