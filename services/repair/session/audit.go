// Copyright (C) 2026 Sitka Systems (eng@sitka-systems.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// AuditRecord is the durable trail of one finished session: what was
// asked, what the engine decided, and why.
type AuditRecord struct {
	SessionID   string    `json:"session_id"`
	ProjectRoot string    `json:"project_root"`
	EntryPoint  string    `json:"entry_point"`
	CreatedAt   time.Time `json:"created_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Outcome     *Outcome  `json:"outcome"`
}

// AuditStore persists session records in an embedded BadgerDB.
//
// Thread Safety: safe for concurrent use; Badger transactions provide
// isolation.
type AuditStore struct {
	db *badger.DB
}

// OpenAuditStore opens the store at path. An empty path opens an
// in-memory store, used by tests and the CLI's one-shot mode.
func OpenAuditStore(path string) (*AuditStore, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(path).WithNumVersionsToKeep(1)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening audit store: %w", err)
	}
	return &AuditStore{db: db}, nil
}

func auditKey(sessionID string) []byte {
	return []byte("audit:" + sessionID)
}

// Put writes one record, overwriting any previous record for the same
// session.
func (s *AuditStore) Put(rec *AuditRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding audit record: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(auditKey(rec.SessionID), data)
	})
	if err != nil {
		return fmt.Errorf("writing audit record: %w", err)
	}
	return nil
}

// Get returns the record for a session, or ErrSessionNotFound.
func (s *AuditStore) Get(sessionID string) (*AuditRecord, error) {
	var rec AuditRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(auditKey(sessionID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("reading audit record: %w", err)
	}
	return &rec, nil
}

// List returns up to limit records in key order.
func (s *AuditStore) List(limit int) ([]*AuditRecord, error) {
	var records []*AuditRecord
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte("audit:")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(records) >= limit {
				break
			}
			var rec AuditRecord
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return err
			}
			records = append(records, &rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing audit records: %w", err)
	}
	return records, nil
}

// Close releases the underlying database.
func (s *AuditStore) Close() error {
	return s.db.Close()
}
