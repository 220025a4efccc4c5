//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package evidence

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/signalapp/evidenceledger/ledger"
)

// Names of the ledger indexes evidence is committed with.
const (
	IndexCompositeKey = "compositeKey"
	IndexInputHash    = "inputHash"
)

// LedgerRepository is the authoritative copy of evidence records. Queries
// return nil with no error when nothing matches. Records it returns carry
// RevisionDetails without a digest.
type LedgerRepository interface {
	QueryByDocumentID(ctx context.Context, id string) (*Record, error)
	QueryHistory(ctx context.Context, id string, version uint64) (*Record, error)
	QueryByCompositeKey(ctx context.Context, key string) (*Record, error)
	QueryByInputHash(ctx context.Context, hash string) (*Record, error)
	// Commit writes rec as a new revision. If expectedVersion is nil rec must
	// be a new record.
	Commit(ctx context.Context, rec *Record, expectedVersion *uint64) (*ledger.RevisionDetails, error)
}

// DocumentRepository implements LedgerRepository on top of a ledger's
// document API. Records are stored under their evidence id.
type DocumentRepository struct {
	client ledger.DocumentClient
}

func NewDocumentRepository(client ledger.DocumentClient) *DocumentRepository {
	return &DocumentRepository{client: client}
}

func (r *DocumentRepository) QueryByDocumentID(ctx context.Context, id string) (*Record, error) {
	return fromRevision(r.client.GetDocument(ctx, id))
}

func (r *DocumentRepository) QueryHistory(ctx context.Context, id string, version uint64) (*Record, error) {
	return fromRevision(r.client.GetDocumentVersion(ctx, id, version))
}

func (r *DocumentRepository) QueryByCompositeKey(ctx context.Context, key string) (*Record, error) {
	return fromRevision(r.client.FindDocument(ctx, IndexCompositeKey, key))
}

func (r *DocumentRepository) QueryByInputHash(ctx context.Context, hash string) (*Record, error) {
	return fromRevision(r.client.FindDocument(ctx, IndexInputHash, hash))
}

func (r *DocumentRepository) Commit(ctx context.Context, rec *Record, expectedVersion *uint64) (*ledger.RevisionDetails, error) {
	data, err := json.Marshal(rec.ledgerCopy())
	if err != nil {
		return nil, fmt.Errorf("encoding record: %w", err)
	}
	return r.client.Commit(ctx, &ledger.CommitRequest{
		DocumentID: rec.EvidenceID,
		Data:       data,
		Indexes: map[string]string{
			IndexCompositeKey: rec.CompositeKey,
			IndexInputHash:    rec.InputHash,
		},
		ExpectedVersion: expectedVersion,
	})
}

// RecordFromRevision decodes the evidence record stored in a ledger revision.
func RecordFromRevision(rev *ledger.Revision, digest ledger.Digest) (*Record, error) {
	rec := &Record{}
	if err := json.Unmarshal(rev.Data, rec); err != nil {
		return nil, fmt.Errorf("decoding revision %s/%d: %w", rev.Metadata.ID, rev.Metadata.Version, err)
	}
	rec.RevisionDetails = rev.Details(digest)
	return rec, nil
}

func fromRevision(rev *ledger.Revision, err error) (*Record, error) {
	if err != nil {
		return nil, err
	} else if rev == nil {
		return nil, nil
	}
	return RecordFromRevision(rev, ledger.Digest{})
}
