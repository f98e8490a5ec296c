// Package kvstore adapts github.com/syndtr/goleveldb into the ordered
// byte-map with atomic multi-key writes the chain store runs on:
// blockchain cache roots never touch goleveldb directly, only this
// package's Store/Batch/Snapshot types.
package kvstore

import (
	"encoding/binary"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// schemaVersion is bumped whenever the on-disk key layout changes
// incompatibly. A mismatch between this constant and the stored
// meta/schema_version value triggers wipe-and-rebuild, driven by the
// daemon at startup, not by this package.
const schemaVersion = 1

var schemaVersionKey = []byte("meta/schema_version")

// Store is an ordered byte-map backed by a single leveldb.DB, with one
// writer and many readers.
type Store struct {
	db *leveldb.DB
}

// Open opens (creating if absent) the leveldb database at path and
// returns its current on-disk schema version alongside the Store, so the
// caller (the façade) can decide whether to wipe and rebuild.
func Open(path string) (*Store, uint32, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{})
	if err != nil {
		return nil, 0, fmt.Errorf("kvstore: open %s: %w", path, err)
	}
	s := &Store{db: db}
	v, err := s.readSchemaVersion()
	if err != nil {
		db.Close()
		return nil, 0, err
	}
	return s, v, nil
}

func (s *Store) readSchemaVersion() (uint32, error) {
	v, err := s.db.Get(schemaVersionKey, nil)
	if err == leveldb.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("kvstore: read schema version: %w", err)
	}
	if len(v) != 4 {
		return 0, fmt.Errorf("kvstore: malformed schema version record")
	}
	return binary.BigEndian.Uint32(v), nil
}

// StampSchema writes the current schemaVersion, the step a wipe-and-
// rebuild ends with.
func (s *Store) StampSchema() error {
	var v [4]byte
	binary.BigEndian.PutUint32(v[:], schemaVersion)
	return s.db.Put(schemaVersionKey, v[:], nil)
}

// CurrentSchemaVersion is the schema version this build of kvstore
// expects on disk.
func CurrentSchemaVersion() uint32 { return schemaVersion }

// Get returns the value stored at key, or ok=false if absent.
func (s *Store) Get(key []byte) (value []byte, ok bool, err error) {
	v, err := s.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// Has reports whether key is present.
func (s *Store) Has(key []byte) (bool, error) {
	return s.db.Has(key, nil)
}

// Put writes a single key/value pair outside of a batch.
func (s *Store) Put(key, value []byte) error {
	return s.db.Put(key, value, nil)
}

// Iterator returns an iterator over every key sharing prefix, ascending.
func (s *Store) Iterator(prefix []byte) iterator.Iterator {
	return s.db.NewIterator(util.BytesPrefix(prefix), nil)
}

// Snapshot is a point-in-time, read-only view, used by readers that must
// stay consistent against the last committed state while a Batch is
// concurrently being built.
type Snapshot struct {
	snap *leveldb.Snapshot
}

// NewSnapshot opens a snapshot of the store's current state.
func (s *Store) NewSnapshot() (*Snapshot, error) {
	snap, err := s.db.GetSnapshot()
	if err != nil {
		return nil, err
	}
	return &Snapshot{snap: snap}, nil
}

func (sn *Snapshot) Get(key []byte) (value []byte, ok bool, err error) {
	v, err := sn.snap.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (sn *Snapshot) Iterator(prefix []byte) iterator.Iterator {
	return sn.snap.NewIterator(util.BytesPrefix(prefix), nil)
}

func (sn *Snapshot) Release() { sn.snap.Release() }

// Batch is a scoped, atomic multi-key write: it commits every staged
// mutation in one leveldb write only on an explicit Commit call, and is
// otherwise inert. A Batch that is never committed simply has no effect.
type Batch struct {
	store     *Store
	b         *leveldb.Batch
	committed bool
}

// NewBatch opens a scoped batch against the store.
func (s *Store) NewBatch() *Batch {
	return &Batch{store: s, b: new(leveldb.Batch)}
}

func (b *Batch) Put(key, value []byte) { b.b.Put(key, value) }
func (b *Batch) Delete(key []byte)     { b.b.Delete(key) }

// Commit applies every staged mutation atomically. Calling Commit more
// than once is a no-op returning nil.
func (b *Batch) Commit() error {
	if b.committed {
		return nil
	}
	if err := b.store.db.Write(b.b, nil); err != nil {
		return fmt.Errorf("kvstore: commit batch: %w", err)
	}
	b.committed = true
	return nil
}

// Close flushes and closes the underlying database. The caller must have
// committed or discarded every outstanding Batch first.
func (s *Store) Close() error {
	return s.db.Close()
}
