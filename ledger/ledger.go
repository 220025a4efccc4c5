//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

// Package ledger describes an append-only, hash-chained document ledger and
// verifies that document revisions and blocks are summarized by a ledger
// digest.
package ledger

import (
	"context"
	"encoding/json"
	"time"
)

// BlockAddress identifies a position in a ledger's hash chain.
type BlockAddress struct {
	StrandID   string `json:"strandId"`
	SequenceNo uint64 `json:"sequenceNo"`
}

// Digest is a root hash of the ledger together with the block address of the
// newest block it covers. Digest holds the standard base64 encoding of the
// hash.
type Digest struct {
	Digest     string        `json:"digest"`
	TipAddress *BlockAddress `json:"digestTipAddress,omitempty"`
}

// Covers reports whether d summarizes the block at target. A digest that does
// not cover a block can not be used to verify it.
func (d *Digest) Covers(target BlockAddress) bool {
	return d != nil && d.Digest != "" && d.TipAddress != nil && d.TipAddress.SequenceNo >= target.SequenceNo
}

type RevisionMetadata struct {
	ID      string    `json:"id"`
	Version uint64    `json:"version"`
	TxTime  time.Time `json:"txTime"`
	TxID    string    `json:"txId"`
}

// RevisionDetails is what a replica remembers about where a document revision
// was committed, and which digest and hash apply to it.
type RevisionDetails struct {
	Metadata     RevisionMetadata `json:"metadata"`
	BlockAddress BlockAddress     `json:"blockAddress"`
	Digest       Digest           `json:"digest"`
	Hash         string           `json:"hash"`
}

// Revision is a committed version of a document.
type Revision struct {
	Metadata     RevisionMetadata `json:"metadata"`
	BlockAddress BlockAddress     `json:"blockAddress"`
	Hash         string           `json:"hash"`
	Data         json.RawMessage  `json:"data"`
}

// Details pairs the revision with a digest that covers it.
func (r *Revision) Details(digest Digest) *RevisionDetails {
	return &RevisionDetails{
		Metadata:     r.Metadata,
		BlockAddress: r.BlockAddress,
		Digest:       digest,
		Hash:         r.Hash,
	}
}

// RawDigest is a digest as returned by the ledger service, before decoding.
type RawDigest struct {
	Digest     []byte
	TipAddress string
}

type RevisionProof struct {
	Hash  []byte
	Proof [][]byte
}

type BlockProof struct {
	BlockHash []byte
	Proof     [][]byte
}

// ProofClient is the part of a ledger service that serves digests and proofs.
type ProofClient interface {
	GetDigest(ctx context.Context, ledgerName string) (*RawDigest, error)
	GetRevision(ctx context.Context, ledgerName, documentID string, blockAddress, tipAddress BlockAddress) (*RevisionProof, error)
	GetBlock(ctx context.Context, ledgerName string, blockAddress, tipAddress BlockAddress) (*BlockProof, error)
}

// CommitRequest writes a new revision of a document. If ExpectedVersion is
// nil the document must not exist yet, and none of the index values may be
// taken. Otherwise the latest version of the document must be
// *ExpectedVersion.
type CommitRequest struct {
	DocumentID      string
	Data            json.RawMessage
	Indexes         map[string]string
	ExpectedVersion *uint64
}

// DocumentClient is the part of a ledger service that stores and queries
// documents. Lookups return nil with no error when nothing matches.
type DocumentClient interface {
	GetDocument(ctx context.Context, id string) (*Revision, error)
	GetDocumentVersion(ctx context.Context, id string, version uint64) (*Revision, error)
	// FindDocument returns the latest revision that was committed with the
	// given index value.
	FindDocument(ctx context.Context, index, value string) (*Revision, error)
	Commit(ctx context.Context, req *CommitRequest) (*RevisionDetails, error)
}
