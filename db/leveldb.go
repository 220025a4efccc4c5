//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package db

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/signalapp/evidenceledger/evidence"
)

var (
	ldbMu    sync.Mutex
	ldbFiles = make(map[string]*leveldb.DB)
)

// openLDB opens the LevelDB database in file. A file may back several stores,
// so handles are shared.
func openLDB(file string) (*leveldb.DB, error) {
	ldbMu.Lock()
	defer ldbMu.Unlock()

	if conn, ok := ldbFiles[file]; ok {
		return conn, nil
	}
	conn, err := leveldb.OpenFile(file, nil)
	if errors.IsCorrupted(err) {
		conn, err = leveldb.RecoverFile(file, nil)
	}
	if err != nil {
		return nil, err
	}
	ldbFiles[file] = conn
	return conn, nil
}

// ldbConn is a wrapper around a base LevelDB database that handles batching
// writes between commits transparently.
//
// In this service, it is intended to be used for local development.
type ldbConn struct {
	conn  *leveldb.DB
	batch map[string][]byte
}

func newLDBConn(conn *leveldb.DB) *ldbConn {
	return &ldbConn{conn, make(map[string][]byte)}
}

// Get returns nil if key does not exist.
func (c *ldbConn) Get(key string) ([]byte, error) {
	if value, ok := c.batch[key]; ok {
		return dup(value), nil
	}
	value, err := c.conn.Get([]byte(key), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	return value, err
}

func (c *ldbConn) Put(key string, value []byte) {
	c.batch[key] = dup(value)
}

// Commit writes all buffered data. The head ("root") is written after
// everything else.
func (c *ldbConn) Commit() error {
	defer func() {
		c.batch = make(map[string][]byte)
	}()

	b := new(leveldb.Batch)
	for key, value := range c.batch {
		if key == headKey {
			continue
		}
		b.Put([]byte(key), value)
	}
	if err := c.conn.Write(b, nil); err != nil {
		return err
	}
	if value, ok := c.batch[headKey]; ok {
		if err := c.conn.Put([]byte(headKey), value, nil); err != nil {
			return err
		}
	}

	return nil
}

// ldbLedgerStore implements the LedgerStore interface over a LevelDB
// database.
type ldbLedgerStore struct {
	conn *ldbConn
}

func NewLDBLedgerStore(file string) (LedgerStore, error) {
	conn, err := openLDB(file)
	if err != nil {
		return nil, err
	}
	return &ldbLedgerStore{newLDBConn(conn)}, nil
}

func (ldb *ldbLedgerStore) GetHead() (*LedgerHead, error) {
	latest, err := ldb.conn.Get(headKey)
	if err != nil {
		return nil, err
	} else if latest == nil {
		return &LedgerHead{}, nil
	}
	return deserializeLedgerHead(latest)
}

func (ldb *ldbLedgerStore) Get(key string) ([]byte, error) {
	return ldb.conn.Get("t" + key)
}

func (ldb *ldbLedgerStore) Put(key string, data []byte) {
	ldb.conn.Put("t"+key, data)
}

func (ldb *ldbLedgerStore) JournalStore() JournalStore {
	return &ldbJournalStore{ldb.conn}
}

func (ldb *ldbLedgerStore) StreamStore() StreamStore {
	return &ldbStreamStore{ldb.conn.conn}
}

func (ldb *ldbLedgerStore) Commit(head *LedgerHead) error {
	raw, err := json.Marshal(head)
	if err != nil {
		panic(err)
	}
	ldb.conn.Put(headKey, raw)
	return ldb.conn.Commit()
}

// ldbJournalStore implements the JournalStore interface over LevelDB.
type ldbJournalStore struct {
	conn *ldbConn
}

func (js *ldbJournalStore) BatchGet(keys []uint64) (map[uint64][]byte, error) {
	out := make(map[uint64][]byte)

	for _, key := range keys {
		value, err := js.conn.Get("l" + fmt.Sprint(key))
		if err != nil {
			return nil, err
		} else if value == nil {
			continue
		}
		out[key] = value
	}

	return out, nil
}

func (js *ldbJournalStore) BatchPut(data map[uint64][]byte) {
	for key, value := range data {
		js.conn.Put("l"+fmt.Sprint(key), value)
	}
}

// ldbStreamStore implements the StreamStore interface over LevelDB.
type ldbStreamStore struct {
	conn *leveldb.DB
}

func NewLDBStreamStore(file string) (StreamStore, error) {
	conn, err := openLDB(file)
	if err != nil {
		return nil, err
	}
	return &ldbStreamStore{conn}, nil
}

func (ss *ldbStreamStore) key(streamName, shardID string) []byte {
	return []byte(fmt.Sprintf("stream=%v,shardID=%v", streamName, shardID))
}

func (ss *ldbStreamStore) GetCheckpoint(streamName, shardID string) (string, error) {
	val, err := ss.conn.Get(ss.key(streamName, shardID), nil)
	if err == leveldb.ErrNotFound {
		return "", nil
	} else if err != nil {
		return "", err
	}
	return string(val), nil
}

func (ss *ldbStreamStore) SetCheckpoint(streamName, shardID, sequenceNumber string) error {
	return ss.conn.Put(ss.key(streamName, shardID), []byte(sequenceNumber), nil)
}

// ldbContentStore implements evidence.ContentStore over LevelDB. Locations
// use the "leveldb" scheme.
type ldbContentStore struct {
	conn *leveldb.DB
}

func NewLDBContentStore(file string) (evidence.ContentStore, error) {
	conn, err := openLDB(file)
	if err != nil {
		return nil, err
	}
	return &ldbContentStore{conn}, nil
}

func (cs *ldbContentStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	val, err := cs.conn.Get([]byte(contentKey(bucket, key)), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	return val, err
}

func (cs *ldbContentStore) Put(ctx context.Context, bucket, key string, data []byte) (string, error) {
	if err := cs.conn.Put([]byte(contentKey(bucket, key)), data, nil); err != nil {
		return "", err
	}
	return location("leveldb", bucket, key), nil
}

func (cs *ldbContentStore) Delete(ctx context.Context, bucket, key string) error {
	return cs.conn.Delete([]byte(contentKey(bucket, key)), nil)
}

// ldbReplicaStore implements evidence.ReplicaStore over LevelDB. Versions of
// a record are stored under zero-padded keys so that the last key with a
// record's prefix is its latest version.
type ldbReplicaStore struct {
	conn *leveldb.DB
}

func NewLDBReplicaStore(file string) (evidence.ReplicaStore, error) {
	conn, err := openLDB(file)
	if err != nil {
		return nil, err
	}
	return &ldbReplicaStore{conn}, nil
}

func replicaPrefix(id string) string { return "x" + id + ":" }

func replicaKey(id string, version uint64) string {
	return fmt.Sprintf("%s%020d", replicaPrefix(id), version)
}

func (rs *ldbReplicaStore) GetByID(ctx context.Context, id string, version *uint64) (*evidence.Record, error) {
	var raw []byte
	if version != nil {
		val, err := rs.conn.Get([]byte(replicaKey(id, *version)), nil)
		if err == leveldb.ErrNotFound {
			return nil, nil
		} else if err != nil {
			return nil, err
		}
		raw = val
	} else {
		iter := rs.conn.NewIterator(util.BytesPrefix([]byte(replicaPrefix(id))), nil)
		if iter.Last() {
			raw = dup(iter.Value())
		}
		iter.Release()
		if err := iter.Error(); err != nil {
			return nil, err
		} else if raw == nil {
			return nil, nil
		}
	}

	rec := &evidence.Record{}
	if err := json.Unmarshal(raw, rec); err != nil {
		return nil, fmt.Errorf("decoding replica record %s: %w", id, err)
	}
	return rec, nil
}

func (rs *ldbReplicaStore) Put(ctx context.Context, rec *evidence.Record) error {
	version, err := replicaVersion(rec)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return rs.conn.Put([]byte(replicaKey(rec.EvidenceID, version)), raw, nil)
}
