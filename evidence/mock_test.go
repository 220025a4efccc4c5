//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package evidence

import (
	"context"
	"fmt"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/signalapp/evidenceledger/ledger"
)

type mockRepository struct {
	mock.Mock
}

func (m *mockRepository) record(args mock.Arguments) (*Record, error) {
	rec, _ := args.Get(0).(*Record)
	return rec, args.Error(1)
}

func (m *mockRepository) QueryByDocumentID(ctx context.Context, id string) (*Record, error) {
	return m.record(m.Called(ctx, id))
}

func (m *mockRepository) QueryHistory(ctx context.Context, id string, version uint64) (*Record, error) {
	return m.record(m.Called(ctx, id, version))
}

func (m *mockRepository) QueryByCompositeKey(ctx context.Context, key string) (*Record, error) {
	return m.record(m.Called(ctx, key))
}

func (m *mockRepository) QueryByInputHash(ctx context.Context, hash string) (*Record, error) {
	return m.record(m.Called(ctx, hash))
}

func (m *mockRepository) Commit(ctx context.Context, rec *Record, expectedVersion *uint64) (*ledger.RevisionDetails, error) {
	args := m.Called(ctx, rec, expectedVersion)
	details, _ := args.Get(0).(*ledger.RevisionDetails)
	return details, args.Error(1)
}

type mockVerifier struct {
	mock.Mock
}

func (m *mockVerifier) Verify(ctx context.Context, details *ledger.RevisionDetails) (bool, error) {
	args := m.Called(ctx, details)
	return args.Bool(0), args.Error(1)
}

// fakeContent is a ContentStore backed by a map. Keys listed in failing
// return an error.
type fakeContent struct {
	mu      sync.Mutex
	blobs   map[string][]byte
	failing map[string]error
}

func newFakeContent() *fakeContent {
	return &fakeContent{blobs: make(map[string][]byte), failing: make(map[string]error)}
}

func (f *fakeContent) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failing[bucket+"/"+key]; ok {
		return nil, err
	}
	return f.blobs[bucket+"/"+key], nil
}

func (f *fakeContent) Put(ctx context.Context, bucket, key string, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blobs[bucket+"/"+key] = data
	return fmt.Sprintf("mem://%s/%s", bucket, key), nil
}

func (f *fakeContent) Delete(ctx context.Context, bucket, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.blobs, bucket+"/"+key)
	return nil
}

// fakeReplica is a ReplicaStore that keeps every version of every record.
type fakeReplica struct {
	mu      sync.Mutex
	records map[string][]*Record
}

func newFakeReplica() *fakeReplica {
	return &fakeReplica{records: make(map[string][]*Record)}
}

func (f *fakeReplica) GetByID(ctx context.Context, id string, version *uint64) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	versions := f.records[id]
	if len(versions) == 0 {
		return nil, nil
	} else if version == nil {
		return versions[len(versions)-1], nil
	}
	for _, rec := range versions {
		if rec.RevisionDetails.Metadata.Version == *version {
			return rec, nil
		}
	}
	return nil, nil
}

func (f *fakeReplica) Put(ctx context.Context, rec *Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[rec.EvidenceID] = append(f.records[rec.EvidenceID], rec)
	return nil
}
