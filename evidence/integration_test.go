//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package evidence_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/signalapp/evidenceledger/db"
	"github.com/signalapp/evidenceledger/evidence"
	"github.com/signalapp/evidenceledger/ledger"
	"github.com/signalapp/evidenceledger/ledger/local"
)

type stack struct {
	service *evidence.Service
	content evidence.ContentStore
	replica evidence.ReplicaStore
}

func newStack(t *testing.T) *stack {
	l, err := local.New(db.NewMemoryLedgerStore(), local.Config{LedgerName: "evidence", StrandID: "strand"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(l.Close)

	content, replica := db.NewMemoryContentStore(), db.NewMemoryReplicaStore()
	digests := ledger.NewDigestProvider(l, "evidence")
	repo := evidence.NewDocumentRepository(l)
	checker := evidence.NewConsistencyChecker(repo, content,
		ledger.NewRevisionVerifier(l, digests), ledger.NewBlockVerifier(l, digests))

	service := evidence.NewService(repo, replica, content, checker, digests,
		evidence.ServiceConfig{ContentBucket: "evidence", SyncReplica: true})
	return &stack{service: service, content: content, replica: replica}
}

func submission(content string, additional ...string) *evidence.Submission {
	return &evidence.Submission{
		ProviderID:          "scanner",
		TargetID:            "host-1",
		SchemaID:            "vuln-report",
		AdditionalTargetIDs: additional,
		Content:             json.RawMessage(content),
	}
}

func toJSON(t *testing.T, v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return string(raw)
}

func TestSubmitAndVerify(t *testing.T) {
	ctx := context.Background()
	s := newStack(t)

	if _, err := s.content.Put(ctx, "uploads", "scan.pdf", []byte("%PDF")); err != nil {
		t.Fatal(err)
	}
	sub := submission(`{"cves":["CVE-2024-0001"]}`, "b", "a")
	sub.Attachments = []evidence.AttachmentRef{{ObjectKey: "scan.pdf", BucketName: "uploads"}}

	created, action, err := s.service.Submit(ctx, sub)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, evidence.Create, action)

	// Identical bytes return the original record without a new revision.
	again, action, err := s.service.Submit(ctx, sub)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, evidence.ReturnExisting, action)
	assert.JSONEq(t, toJSON(t, created), toJSON(t, again))

	res, err := s.service.Verify(ctx, created.EvidenceID, nil)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, evidence.Verified, res.Status)
	assert.Equal(t, created.EvidenceID, res.Record.EvidenceID)

	// Same slot with different content, and the additional targets in
	// another order, is a revision of the same record.
	revised, action, err := s.service.Submit(ctx, submission(`{"cves":[]}`, "a", "b"))
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, evidence.Revise, action)
	assert.Equal(t, created.EvidenceID, revised.EvidenceID)
	assert.EqualValues(t, 1, revised.RevisionDetails.Metadata.Version)

	res, err = s.service.Verify(ctx, created.EvidenceID, nil)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, evidence.Verified, res.Status)

	v := uint64(0)
	res, err = s.service.Verify(ctx, created.EvidenceID, &v)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, evidence.Verified, res.Status)

	rec, err := s.service.Get(ctx, created.EvidenceID, nil)
	if err != nil {
		t.Fatal(err)
	}
	assert.JSONEq(t, `{"cves":[]}`, string(rec.Content))

	digest, err := s.service.Digest(ctx)
	if err != nil {
		t.Fatal(err)
	}
	assert.EqualValues(t, 2, digest.TipAddress.SequenceNo)

	_, err = s.service.Verify(ctx, "missing", nil)
	assert.True(t, evidence.IsNotFound(err))
}

func TestTamperedReplica(t *testing.T) {
	ctx := context.Background()
	s := newStack(t)

	created, _, err := s.service.Submit(ctx, submission(`{"ok":true}`))
	if err != nil {
		t.Fatal(err)
	}

	// Rewrite the replica behind the ledger's back.
	tampered, err := s.replica.GetByID(ctx, created.EvidenceID, nil)
	if err != nil {
		t.Fatal(err)
	}
	tampered.TargetID = "host-2"
	if err := s.replica.Put(ctx, tampered); err != nil {
		t.Fatal(err)
	}
	res, err := s.service.Verify(ctx, created.EvidenceID, nil)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, evidence.Unverified, res.Status)
	assert.Nil(t, res.Record)
}

func TestTamperedContent(t *testing.T) {
	ctx := context.Background()
	s := newStack(t)

	created, _, err := s.service.Submit(ctx, submission(`{"ok":true}`))
	if err != nil {
		t.Fatal(err)
	}
	bucket, key, err := evidence.ParseLocation(created.ContentLocation)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.content.Put(ctx, bucket, key, []byte(`{"ok":false}`)); err != nil {
		t.Fatal(err)
	}

	res, err := s.service.Verify(ctx, created.EvidenceID, nil)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, evidence.Unverified, res.Status)
}

func TestTamperedRevisionDetails(t *testing.T) {
	ctx := context.Background()
	s := newStack(t)

	created, _, err := s.service.Submit(ctx, submission(`{"ok":true}`))
	if err != nil {
		t.Fatal(err)
	}
	tampered, err := s.replica.GetByID(ctx, created.EvidenceID, nil)
	if err != nil {
		t.Fatal(err)
	}
	tampered.RevisionDetails.Hash = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="
	if err := s.replica.Put(ctx, tampered); err != nil {
		t.Fatal(err)
	}

	res, err := s.service.Verify(ctx, created.EvidenceID, nil)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, evidence.Unverified, res.Status)
}

func TestApplyRevisionFromJournal(t *testing.T) {
	ctx := context.Background()
	l, err := local.New(db.NewMemoryLedgerStore(), local.Config{LedgerName: "evidence", StrandID: "strand"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	content, replica := db.NewMemoryContentStore(), db.NewMemoryReplicaStore()
	digests := ledger.NewDigestProvider(l, "evidence")
	repo := evidence.NewDocumentRepository(l)
	checker := evidence.NewConsistencyChecker(repo, content,
		ledger.NewRevisionVerifier(l, digests), ledger.NewBlockVerifier(l, digests))
	// The replica is only fed from the journal.
	service := evidence.NewService(repo, replica, content, checker, digests, evidence.ServiceConfig{ContentBucket: "evidence"})

	created, _, err := service.Submit(ctx, submission(`{"ok":true}`))
	if err != nil {
		t.Fatal(err)
	}
	_, err = service.Get(ctx, created.EvidenceID, nil)
	assert.ErrorIs(t, err, evidence.ErrNotFound)

	rev, err := l.GetDocument(ctx, created.EvidenceID)
	if err != nil {
		t.Fatal(err)
	}
	if err := service.ApplyRevision(ctx, rev, created.RevisionDetails.Digest); err != nil {
		t.Fatal(err)
	}
	res, err := service.Verify(ctx, created.EvidenceID, nil)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, evidence.Verified, res.Status)
}
