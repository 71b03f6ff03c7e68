// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/workmove/services/migrate/storage/badger"
)

// jobKeyPrefix namespaces job records in the shared database.
const jobKeyPrefix = "job:"

func jobKey(id string) []byte {
	return []byte(jobKeyPrefix + id)
}

// Store persists jobs in the embedded database.
//
// Thread Safety: Safe for concurrent use.
type Store struct {
	db *badger.DB
}

// NewStore creates a store on an open database.
func NewStore(db *badger.DB) *Store {
	return &Store{db: db}
}

// Save writes the job's full state.
func (s *Store) Save(ctx context.Context, j *Job) error {
	j.UpdatedAt = time.Now()
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", j.ID, err)
	}
	err = s.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		return txn.Set(jobKey(j.ID), data)
	})
	if err != nil {
		return fmt.Errorf("save job %s: %w", j.ID, err)
	}
	return nil
}

// Get loads one job, or ErrJobNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	var j Job
	err := s.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		item, err := txn.Get(jobKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &j)
		})
	})
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	return &j, nil
}

// List returns all jobs, newest first.
func (s *Store) List(ctx context.Context) ([]*Job, error) {
	var jobs []*Job
	err := s.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte(jobKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var j Job
				if err := json.Unmarshal(val, &j); err != nil {
					return err
				}
				jobs = append(jobs, &j)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	return jobs, nil
}

// Delete removes a job record. Deleting an unknown ID is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	err := s.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		err := txn.Delete(jobKey(id))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	return nil
}

// Unfinished returns jobs that were mid-run when the process stopped:
// candidates for resume-on-startup.
func (s *Store) Unfinished(ctx context.Context) ([]*Job, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Job
	for _, j := range all {
		if !j.Status.Terminal() {
			out = append(out, j)
		}
	}
	return out, nil
}
