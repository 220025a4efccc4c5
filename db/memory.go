//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package db

import (
	"context"
	"fmt"
	"sync"

	"github.com/signalapp/evidenceledger/evidence"
)

// memoryLedgerStore keeps a ledger in memory. It is used in tests and for
// running the server without any persistent storage.
type memoryLedgerStore struct {
	latest  *LedgerHead
	data    map[string][]byte
	journal map[uint64][]byte
	stream  *memoryStreamStore
}

func NewMemoryLedgerStore() LedgerStore {
	return &memoryLedgerStore{
		latest:  &LedgerHead{},
		data:    make(map[string][]byte),
		journal: make(map[uint64][]byte),
		stream:  &memoryStreamStore{checkpoints: make(map[string]string)},
	}
}

func (m *memoryLedgerStore) GetHead() (*LedgerHead, error) {
	return m.latest.Clone(), nil
}

func (m *memoryLedgerStore) Get(key string) ([]byte, error) {
	return dup(m.data[key]), nil
}

func (m *memoryLedgerStore) Put(key string, data []byte) {
	m.data[key] = dup(data)
}

func (m *memoryLedgerStore) JournalStore() JournalStore {
	return &memoryJournalStore{data: m.journal}
}

func (m *memoryLedgerStore) StreamStore() StreamStore { return m.stream }

func (m *memoryLedgerStore) Commit(head *LedgerHead) error {
	m.latest = head.Clone()
	return nil
}

type memoryJournalStore struct {
	data map[uint64][]byte
}

func (m *memoryJournalStore) BatchGet(keys []uint64) (map[uint64][]byte, error) {
	out := make(map[uint64][]byte)

	for _, key := range keys {
		if d, ok := m.data[key]; ok {
			out[key] = dup(d)
		}
	}

	return out, nil
}

func (m *memoryJournalStore) BatchPut(data map[uint64][]byte) {
	for key, d := range data {
		m.data[key] = dup(d)
	}
}

type memoryStreamStore struct {
	mu          sync.Mutex
	checkpoints map[string]string
}

func (m *memoryStreamStore) GetCheckpoint(streamName, shardID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkpoints[streamName+"/"+shardID], nil
}

func (m *memoryStreamStore) SetCheckpoint(streamName, shardID, sequenceNumber string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[streamName+"/"+shardID] = sequenceNumber
	return nil
}

// memoryContentStore implements evidence.ContentStore in memory. Locations
// use the "mem" scheme.
type memoryContentStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryContentStore() evidence.ContentStore {
	return &memoryContentStore{blobs: make(map[string][]byte)}
}

func (m *memoryContentStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return dup(m.blobs[contentKey(bucket, key)]), nil
}

func (m *memoryContentStore) Put(ctx context.Context, bucket, key string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[contentKey(bucket, key)] = dup(data)
	return location("mem", bucket, key), nil
}

func (m *memoryContentStore) Delete(ctx context.Context, bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, contentKey(bucket, key))
	return nil
}

// memoryReplicaStore implements evidence.ReplicaStore in memory.
type memoryReplicaStore struct {
	mu      sync.RWMutex
	records map[string]map[uint64]*evidence.Record
	latest  map[string]uint64
}

func NewMemoryReplicaStore() evidence.ReplicaStore {
	return &memoryReplicaStore{
		records: make(map[string]map[uint64]*evidence.Record),
		latest:  make(map[string]uint64),
	}
}

func (m *memoryReplicaStore) GetByID(ctx context.Context, id string, version *uint64) (*evidence.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	versions, ok := m.records[id]
	if !ok {
		return nil, nil
	}
	v := m.latest[id]
	if version != nil {
		v = *version
	}
	rec, ok := versions[v]
	if !ok {
		return nil, nil
	}
	return cloneRecord(rec)
}

func (m *memoryReplicaStore) Put(ctx context.Context, rec *evidence.Record) error {
	version, err := replicaVersion(rec)
	if err != nil {
		return err
	}
	stored, err := cloneRecord(rec)
	if err != nil {
		return fmt.Errorf("copying replica record: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	versions, ok := m.records[rec.EvidenceID]
	if !ok {
		versions = make(map[uint64]*evidence.Record)
		m.records[rec.EvidenceID] = versions
	}
	versions[version] = stored
	if latest, ok := m.latest[rec.EvidenceID]; !ok || version > latest {
		m.latest[rec.EvidenceID] = version
	}
	return nil
}
