// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package checkpoint persists the last handled sequence of change feeds in
// a local bbolt file, keyed by feed name.
package checkpoint

import (
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"

	"github.com/juju/sofa/core/changes"
)

var bucketName = []byte("checkpoints")

// Entry is one saved checkpoint.
type Entry struct {
	Seq   changes.Sequence `msgpack:"s"`
	Saved time.Time        `msgpack:"t"`
}

// Options tunes how the store file is opened.
type Options struct {
	// Timeout bounds the wait for the file lock held by another process.
	Timeout time.Duration

	// NoSync skips fsync after every save. Only for tests.
	NoSync bool

	Clock clock.Clock
}

// Store is a feed.CheckpointStore backed by bbolt.
type Store struct {
	db    *bbolt.DB
	clock clock.Clock
}

// Open opens or creates the store at path.
func Open(path string, opts Options) (*Store, error) {
	bopt := *bbolt.DefaultOptions
	bopt.Timeout = opts.Timeout
	if bopt.Timeout == 0 {
		bopt.Timeout = 10 * time.Second
	}
	bopt.NoSync = opts.NoSync

	db, err := bbolt.Open(path, 0600, &bopt)
	if err != nil {
		return nil, errors.Annotatef(err, "opening checkpoints %q", path)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Annotatef(err, "preparing checkpoints %q", path)
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	return &Store{db: db, clock: clk}, nil
}

// Close releases the file.
func (s *Store) Close() error {
	return errors.Trace(s.db.Close())
}

// Load returns the sequence saved for name, if any.
func (s *Store) Load(name string) (changes.Sequence, bool, error) {
	entry, found, err := s.Entry(name)
	return entry.Seq, found, errors.Trace(err)
}

// Entry returns the full checkpoint saved for name, if any.
func (s *Store) Entry(name string) (Entry, bool, error) {
	var (
		entry Entry
		found bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketName).Get([]byte(name))
		if raw == nil {
			return nil
		}
		found = true
		return msgpack.Unmarshal(raw, &entry)
	})
	if err != nil {
		return Entry{}, false, errors.Annotatef(err, "reading checkpoint %q", name)
	}
	return entry, found, nil
}

// Save records seq for name, replacing any earlier checkpoint.
func (s *Store) Save(name string, seq changes.Sequence) error {
	if name == "" {
		return errors.NotValidf("empty checkpoint name")
	}
	raw, err := msgpack.Marshal(Entry{Seq: seq, Saved: s.clock.Now().UTC()})
	if err != nil {
		return errors.Trace(err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(name), raw)
	})
	return errors.Annotatef(err, "saving checkpoint %q", name)
}

// Delete forgets the checkpoint for name. Deleting a missing checkpoint is
// not an error.
func (s *Store) Delete(name string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(name))
	})
	return errors.Annotatef(err, "deleting checkpoint %q", name)
}

// Names returns the names of every saved checkpoint, in key order.
func (s *Store) Names() ([]string, error) {
	var names []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).ForEach(func(k, _ []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	return names, errors.Trace(err)
}
