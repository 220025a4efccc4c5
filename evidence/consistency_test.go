//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package evidence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/signalapp/evidenceledger/crypto/hashutil"
	"github.com/signalapp/evidenceledger/ledger"
)

var testContent = []byte(`{"finding":"ok","severity":2}`)

type consistencyFixture struct {
	content       *fakeContent
	repo          *mockRepository
	authoritative *Record
	replica       *Record
}

func newConsistencyFixture(t *testing.T) *consistencyFixture {
	ctx := context.Background()
	content := newFakeContent()

	contentHash := hashutil.Hash(testContent, hashutil.Base64Url)
	location, err := content.Put(ctx, "bucket", "ev-1/"+contentHash, testContent)
	if err != nil {
		t.Fatal(err)
	}
	attachments := make([]Attachment, 0, 2)
	for _, name := range []string{"scan.pdf", "photo.png"} {
		blob := []byte("blob of " + name)
		if _, err := content.Put(ctx, "attachments", name, blob); err != nil {
			t.Fatal(err)
		}
		attachments = append(attachments, Attachment{
			ObjectKey:  name,
			BucketName: "attachments",
			Hash:       hashutil.Hash(blob, hashutil.Base64Url),
		})
	}

	authoritative := &Record{
		EvidenceID:          "ev-1",
		ProviderID:          "provider",
		TargetID:            "target",
		SchemaID:            "schema",
		AdditionalTargetIDs: []string{"b", "a"},
		ContentHash:         contentHash,
		ContentLocation:     location,
		Attachments:         attachments,
		CreatedTimestamp:    time.Date(2025, 3, 14, 15, 9, 26, 535000000, time.UTC),
		CompositeKey:        CompositeKey("provider", "target", "schema", []string{"b", "a"}),
		InputHash:           "input-hash",
		RevisionDetails: &ledger.RevisionDetails{
			Metadata:     ledger.RevisionMetadata{ID: "ev-1", Version: 3},
			BlockAddress: ledger.BlockAddress{StrandID: "strand", SequenceNo: 12},
			Hash:         "revision-hash",
		},
	}

	replica := *authoritative
	replica.Content = testContent
	replica.ContentString = string(testContent)
	details := *authoritative.RevisionDetails
	details.Digest = ledger.Digest{Digest: "digest", TipAddress: &ledger.BlockAddress{StrandID: "strand", SequenceNo: 12}}
	replica.RevisionDetails = &details

	repo := &mockRepository{}
	repo.On("QueryByDocumentID", mock.Anything, "ev-1").Return(authoritative, nil)
	repo.On("QueryHistory", mock.Anything, "ev-1", uint64(3)).Return(authoritative, nil)
	repo.On("QueryHistory", mock.Anything, "ev-1", mock.Anything).Return(nil, nil)

	return &consistencyFixture{content: content, repo: repo, authoritative: authoritative, replica: &replica}
}

func (f *consistencyFixture) checker(revisions, blocks ProofVerifier) *ConsistencyChecker {
	return NewConsistencyChecker(f.repo, f.content, revisions, blocks)
}

func version(v uint64) *uint64 { return &v }

func TestVerifyContent(t *testing.T) {
	ctx := context.Background()
	f := newConsistencyFixture(t)
	checker := f.checker(nil, nil)

	ok, err := checker.VerifyContent(ctx, f.replica, nil)
	if err != nil {
		t.Fatal(err)
	} else if !ok {
		t.Fatal("consistent record did not verify")
	}

	ok, err = checker.VerifyContent(ctx, f.replica, version(3))
	if err != nil {
		t.Fatal(err)
	}
	assert.True(t, ok)

	ok, err = checker.VerifyContent(ctx, f.replica, version(2))
	if err != nil {
		t.Fatal(err)
	}
	assert.False(t, ok, "missing ledger revision must not verify")

	// Replicas that only keep the content's string form, with different
	// whitespace.
	stringOnly := *f.replica
	stringOnly.Content = nil
	stringOnly.ContentString = `{ "severity": 2, "finding": "ok" }`
	ok, err = checker.VerifyContent(ctx, &stringOnly, nil)
	if err != nil {
		t.Fatal(err)
	}
	assert.True(t, ok)
}

var testContentMismatches = []struct {
	name   string
	mutate func(f *consistencyFixture, replica *Record)
}{
	{"target", func(_ *consistencyFixture, r *Record) { r.TargetID = "other" }},
	{"correlation", func(_ *consistencyFixture, r *Record) { r.CorrelationID = "corr" }},
	{"additional targets", func(_ *consistencyFixture, r *Record) { r.AdditionalTargetIDs = []string{"a", "b"} }},
	{"timestamp", func(_ *consistencyFixture, r *Record) { r.CreatedTimestamp = r.CreatedTimestamp.Add(time.Millisecond) }},
	{"content", func(_ *consistencyFixture, r *Record) {
		r.Content = []byte(`{"finding":"tampered","severity":2}`)
		r.ContentString = string(r.Content)
	}},
	{"invalid content", func(_ *consistencyFixture, r *Record) {
		r.Content = nil
		r.ContentString = "{not json"
	}},
	{"attachment list", func(_ *consistencyFixture, r *Record) { r.Attachments = r.Attachments[:1] }},
	{"stored blob", func(f *consistencyFixture, _ *Record) {
		bucket, key, _ := ParseLocation(f.authoritative.ContentLocation)
		f.content.Put(context.Background(), bucket, key, []byte(`{"finding":"tampered","severity":2}`))
	}},
	{"deleted blob", func(f *consistencyFixture, _ *Record) {
		bucket, key, _ := ParseLocation(f.authoritative.ContentLocation)
		f.content.Delete(context.Background(), bucket, key)
	}},
	{"unreadable blob", func(f *consistencyFixture, _ *Record) {
		bucket, key, _ := ParseLocation(f.authoritative.ContentLocation)
		f.content.failing[bucket+"/"+key] = errors.New("connection reset")
	}},
}

func TestVerifyContentMismatch(t *testing.T) {
	ctx := context.Background()
	for _, tc := range testContentMismatches {
		f := newConsistencyFixture(t)
		replica := *f.replica
		tc.mutate(f, &replica)

		ok, err := f.checker(nil, nil).VerifyContent(ctx, &replica, nil)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.name, err)
		} else if ok {
			t.Fatalf("%s: mismatched record verified", tc.name)
		}
	}
}

func TestVerifyContentLedgerMissing(t *testing.T) {
	f := newConsistencyFixture(t)
	repo := &mockRepository{}
	repo.On("QueryByDocumentID", mock.Anything, "ev-1").Return(nil, nil)

	ok, err := NewConsistencyChecker(repo, f.content, nil, nil).VerifyContent(context.Background(), f.replica, nil)
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyContentCanceled(t *testing.T) {
	f := newConsistencyFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	repo := &mockRepository{}
	repo.On("QueryByDocumentID", mock.Anything, "ev-1").Return(nil, context.Canceled)

	_, err := NewConsistencyChecker(repo, f.content, nil, nil).VerifyContent(ctx, f.replica, nil)
	assert.ErrorIs(t, err, ledger.ErrVerificationInfrastructure)
	assert.True(t, ledger.IsRetryable(err))
}

func TestVerifyAttachments(t *testing.T) {
	ctx := context.Background()
	f := newConsistencyFixture(t)
	checker := f.checker(nil, nil)

	ok, err := checker.VerifyAttachments(ctx, f.replica)
	if err != nil {
		t.Fatal(err)
	}
	assert.True(t, ok)

	none := *f.replica
	none.Attachments = nil
	ok, err = checker.VerifyAttachments(ctx, &none)
	if err != nil {
		t.Fatal(err)
	}
	assert.True(t, ok, "no attachments is vacuously consistent")

	// The stored hash says "abc123" but the blob hashes to something else.
	// The other attachment still matches.
	tampered := *f.replica
	tampered.Attachments = []Attachment{f.replica.Attachments[0], f.replica.Attachments[1]}
	tampered.Attachments[1].Hash = "abc123"
	ok, err = checker.VerifyAttachments(ctx, &tampered)
	if err != nil {
		t.Fatal(err)
	}
	assert.False(t, ok)

	missing := *f.replica
	missing.Attachments = append([]Attachment{{ObjectKey: "gone", BucketName: "attachments", Hash: "abc123"}}, f.replica.Attachments...)
	ok, err = checker.VerifyAttachments(ctx, &missing)
	if err != nil {
		t.Fatal(err)
	}
	assert.False(t, ok)

	f.content.failing["attachments/photo.png"] = errors.New("throttled")
	ok, err = checker.VerifyAttachments(ctx, f.replica)
	if err != nil {
		t.Fatal(err)
	}
	assert.False(t, ok)
}

var testVerifyOutcomes = []struct {
	name        string
	block       bool
	revision    bool
	attachments bool
	expected    Status
}{
	{"all pass", true, true, true, Verified},
	{"attachment mismatch", true, true, false, Unverified},
	{"block mismatch", false, true, true, Unverified},
	{"revision mismatch", true, false, true, Unverified},
}

func TestVerify(t *testing.T) {
	ctx := context.Background()
	for _, tc := range testVerifyOutcomes {
		f := newConsistencyFixture(t)
		replica := *f.replica
		if !tc.attachments {
			replica.Attachments = []Attachment{f.replica.Attachments[0], f.replica.Attachments[1]}
			replica.Attachments[0].Hash = "abc123"
			f.authoritative.Attachments = replica.Attachments
		}

		blocks, revisions := &mockVerifier{}, &mockVerifier{}
		blocks.On("Verify", mock.Anything, replica.RevisionDetails).Return(tc.block, nil)
		revisions.On("Verify", mock.Anything, replica.RevisionDetails).Return(tc.revision, nil)

		res, err := f.checker(revisions, blocks).Verify(ctx, &replica, nil)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		assert.Equal(t, tc.expected, res.Status, tc.name)
		if tc.expected == Verified {
			assert.Same(t, &replica, res.Record, tc.name)
		} else {
			assert.Nil(t, res.Record, tc.name)
		}

		// Every check runs even when one of them fails.
		blocks.AssertNumberOfCalls(t, "Verify", 1)
		revisions.AssertNumberOfCalls(t, "Verify", 1)
		f.repo.AssertCalled(t, "QueryByDocumentID", mock.Anything, "ev-1")
	}
}

func TestVerifyInfrastructureError(t *testing.T) {
	f := newConsistencyFixture(t)
	failure := ledger.Infrastructure("fetching block proof", errors.New("timeout"))

	blocks, revisions := &mockVerifier{}, &mockVerifier{}
	blocks.On("Verify", mock.Anything, mock.Anything).Return(false, failure)
	revisions.On("Verify", mock.Anything, mock.Anything).Return(true, nil)

	res, err := f.checker(revisions, blocks).Verify(context.Background(), f.replica, nil)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ledger.ErrVerificationInfrastructure)
	assert.True(t, ledger.IsRetryable(err))
	revisions.AssertNumberOfCalls(t, "Verify", 1)
}

func TestVerifyWithoutRevisionDetails(t *testing.T) {
	f := newConsistencyFixture(t)
	replica := *f.replica
	replica.RevisionDetails = nil

	res, err := f.checker(&mockVerifier{}, &mockVerifier{}).Verify(context.Background(), &replica, nil)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, Unverified, res.Status)
	assert.Nil(t, res.Record)
}
