//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/kinbiko/jsonassert"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/signalapp/evidenceledger/db"
	"github.com/signalapp/evidenceledger/ledger"
)

type recordingPublisher struct {
	mu      sync.Mutex
	records []*JournalRecord
}

func (p *recordingPublisher) Publish(ctx context.Context, rec *JournalRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, rec)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.records)
}

func TestPublishCommits(t *testing.T) {
	publisher := &recordingPublisher{}
	l := newTestLedger(t, db.NewMemoryLedgerStore(), publisher)

	first := commit(t, l, "doc", `{"v":0}`, nil, nil)
	commit(t, l, "doc", `{"v":1}`, version(0), nil)
	_, err := l.Commit(context.Background(), &ledger.CommitRequest{DocumentID: "doc", Data: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, ledger.ErrConflict)

	// Records are published after the commit is acknowledged.
	assert.Eventually(t, func() bool { return publisher.count() == 2 }, time.Second, 10*time.Millisecond)

	rec := publisher.records[0]
	assert.Equal(t, RevisionDetailsRecord, rec.RecordType)
	assert.Equal(t, testLedger, rec.LedgerName)
	assert.Equal(t, first.Metadata, rec.Revision.Metadata)
	assert.Equal(t, first.Digest, rec.Digest)
	assert.EqualValues(t, 1, publisher.records[1].Revision.Metadata.Version)

	raw, err := json.Marshal(rec)
	if err != nil {
		t.Fatal(err)
	}
	jsonassert.New(t).Assertf(string(raw), "%s", `{
		"recordType": "REVISION_DETAILS",
		"ledgerName": "evidence",
		"revision": {
			"metadata": {"id": "doc", "version": 0, "txTime": "<<PRESENCE>>", "txId": "<<PRESENCE>>"},
			"blockAddress": {"strandId": "strand-1", "sequenceNo": 1},
			"hash": "<<PRESENCE>>",
			"data": {"v": 0}
		},
		"digest": {"digest": "<<PRESENCE>>", "digestTipAddress": {"strandId": "strand-1", "sequenceNo": 1}}
	}`)

	parsed, err := ParseJournalRecord(raw)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, rec.Revision.Hash, parsed.Revision.Hash)
}

var testBadJournalRecords = []string{
	`{`,
	`{"recordType":"BLOCK_SUMMARY","revision":{}}`,
	`{"recordType":"REVISION_DETAILS"}`,
}

func TestParseJournalRecordErrors(t *testing.T) {
	for _, raw := range testBadJournalRecords {
		if _, err := ParseJournalRecord([]byte(raw)); err == nil {
			t.Fatalf("expected error parsing %s", raw)
		}
	}
}

type mockKinesis struct {
	mock.Mock
}

func (m *mockKinesis) PutRecord(ctx context.Context, params *kinesis.PutRecordInput, optFns ...func(*kinesis.Options)) (*kinesis.PutRecordOutput, error) {
	args := m.Called(ctx, params)
	out, _ := args.Get(0).(*kinesis.PutRecordOutput)
	return out, args.Error(1)
}

func TestKinesisPublisher(t *testing.T) {
	ctx := context.Background()
	rec := &JournalRecord{
		RecordType: RevisionDetailsRecord,
		LedgerName: testLedger,
		Revision: &ledger.Revision{
			Metadata: ledger.RevisionMetadata{ID: "doc-7", Version: 2},
			Data:     json.RawMessage(`{}`),
		},
	}

	client := &mockKinesis{}
	client.On("PutRecord", ctx, mock.MatchedBy(func(in *kinesis.PutRecordInput) bool {
		parsed, err := ParseJournalRecord(in.Data)
		return err == nil && *in.StreamName == "journal" && *in.PartitionKey == "doc-7" && parsed.Revision.Metadata.Version == 2
	})).Return(&kinesis.PutRecordOutput{}, nil).Once()
	client.On("PutRecord", ctx, mock.Anything).Return(nil, errors.New("throttled")).Once()

	publisher := &KinesisPublisher{client: client, stream: "journal"}
	assert.NoError(t, publisher.Publish(ctx, rec))
	assert.Error(t, publisher.Publish(ctx, rec))
	client.AssertExpectations(t)
}

// flakyPublisher fails its first failures calls, then records what it is
// given.
type flakyPublisher struct {
	recordingPublisher
	mu       sync.Mutex
	calls    int
	failures int
}

func (p *flakyPublisher) Publish(ctx context.Context, rec *JournalRecord) error {
	p.mu.Lock()
	p.calls++
	fail := p.calls <= p.failures
	p.mu.Unlock()
	if fail {
		return errors.New("throttled")
	}
	return p.recordingPublisher.Publish(ctx, rec)
}

func TestExportRetries(t *testing.T) {
	publisher := &flakyPublisher{failures: 3}
	l := newTestLedger(t, db.NewMemoryLedgerStore(), publisher)
	l.exporter.minBackoff, l.exporter.maxBackoff = time.Millisecond, 5*time.Millisecond

	commit(t, l, "a", `{}`, nil, nil)
	commit(t, l, "b", `{}`, nil, nil)
	commit(t, l, "a", `{}`, version(0), nil)

	assert.Eventually(t, func() bool { return publisher.count() == 3 }, 5*time.Second, 10*time.Millisecond)
	publisher.recordingPublisher.mu.Lock()
	defer publisher.recordingPublisher.mu.Unlock()
	var order []string
	for _, rec := range publisher.records {
		order = append(order, fmt.Sprintf("%s/%d", rec.Revision.Metadata.ID, rec.Revision.Metadata.Version))
	}
	assert.Equal(t, []string{"a/0", "b/0", "a/1"}, order, "records are published in commit order")
}

// blockedPublisher does not return until released.
type blockedPublisher struct {
	recordingPublisher
	release chan struct{}
}

func (p *blockedPublisher) Publish(ctx context.Context, rec *JournalRecord) error {
	select {
	case <-p.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return p.recordingPublisher.Publish(ctx, rec)
}

func TestExportDoesNotBlockCommits(t *testing.T) {
	publisher := &blockedPublisher{release: make(chan struct{})}
	store := db.NewMemoryLedgerStore()
	l, err := New(store, Config{LedgerName: testLedger, StrandID: testStrand, CommitTimeout: time.Second}, publisher)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(l.Close)

	for i := 0; i < 5; i++ {
		commit(t, l, fmt.Sprintf("doc-%d", i), `{}`, nil, nil)
	}
	assert.Equal(t, 0, publisher.count())

	close(publisher.release)
	assert.Eventually(t, func() bool { return publisher.count() == 5 }, 5*time.Second, 10*time.Millisecond)
}
