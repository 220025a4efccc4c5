//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package evidence

import (
	"context"
	"encoding/json"
	"reflect"

	"golang.org/x/sync/errgroup"

	"github.com/signalapp/evidenceledger/crypto/hashutil"
	"github.com/signalapp/evidenceledger/ledger"
)

// ProofVerifier checks a revision against the ledger's digest. It is
// implemented by ledger.RevisionVerifier and ledger.BlockVerifier.
type ProofVerifier interface {
	Verify(ctx context.Context, details *ledger.RevisionDetails) (bool, error)
}

// ConsistencyChecker proves that a replica record matches what was committed
// to the ledger, and that the blobs it references have not changed.
type ConsistencyChecker struct {
	ledger    LedgerRepository
	content   ContentStore
	revisions ProofVerifier
	blocks    ProofVerifier
}

func NewConsistencyChecker(ledger LedgerRepository, content ContentStore, revisions, blocks ProofVerifier) *ConsistencyChecker {
	return &ConsistencyChecker{ledger: ledger, content: content, revisions: revisions, blocks: blocks}
}

// Verify runs every check concurrently and waits for all of them. The record
// is returned with a Verified status only if every check passed. Errors from
// any check fail the whole verification.
func (c *ConsistencyChecker) Verify(ctx context.Context, rec *Record, version *uint64) (*Result, error) {
	if rec.RevisionDetails == nil {
		return &Result{Status: Unverified}, nil
	}

	var (
		g       errgroup.Group
		results [4]bool
	)
	g.Go(func() (err error) {
		results[0], err = c.blocks.Verify(ctx, rec.RevisionDetails)
		return
	})
	g.Go(func() (err error) {
		results[1], err = c.revisions.Verify(ctx, rec.RevisionDetails)
		return
	})
	g.Go(func() (err error) {
		results[2], err = c.VerifyContent(ctx, rec, version)
		return
	})
	g.Go(func() (err error) {
		results[3], err = c.VerifyAttachments(ctx, rec)
		return
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, ok := range results {
		if !ok {
			return &Result{Status: Unverified}, nil
		}
	}
	return &Result{Status: Verified, Record: rec}, nil
}

// VerifyContent compares the replica record with the ledger's copy of it,
// merged with its content blob. Failing to find either source is a mismatch.
// If version is nil the latest revision in the ledger is used.
func (c *ConsistencyChecker) VerifyContent(ctx context.Context, replica *Record, version *uint64) (bool, error) {
	var (
		authoritative *Record
		err           error
	)
	if version == nil {
		authoritative, err = c.ledger.QueryByDocumentID(ctx, replica.EvidenceID)
	} else {
		authoritative, err = c.ledger.QueryHistory(ctx, replica.EvidenceID, *version)
	}
	if err != nil {
		return false, fetchFailure(ctx, "fetching ledger record", err)
	} else if authoritative == nil {
		return false, nil
	}

	bucket, key, err := ParseLocation(authoritative.ContentLocation)
	if err != nil {
		return false, nil
	}
	blob, err := c.content.Get(ctx, bucket, key)
	if err != nil {
		return false, fetchFailure(ctx, "fetching content", err)
	} else if blob == nil {
		return false, nil
	} else if hashutil.Hash(blob, hashutil.Base64Url) != authoritative.ContentHash {
		return false, nil
	}

	full := *authoritative
	full.Content = blob

	expected, err := normalize(&full)
	if err != nil {
		return false, nil
	}
	actual, err := normalize(replica)
	if err != nil {
		return false, nil
	}
	return reflect.DeepEqual(expected, actual), nil
}

// VerifyAttachments rehashes every attachment concurrently and returns true
// only if all of them match. An attachment that can not be fetched does not
// match.
func (c *ConsistencyChecker) VerifyAttachments(ctx context.Context, rec *Record) (bool, error) {
	if len(rec.Attachments) == 0 {
		return true, nil
	}

	var g errgroup.Group
	matched := make([]bool, len(rec.Attachments))
	for i, att := range rec.Attachments {
		i, att := i, att
		g.Go(func() error {
			blob, err := c.content.Get(ctx, att.BucketName, att.ObjectKey)
			if err != nil {
				return fetchFailure(ctx, "fetching attachment", err)
			}
			matched[i] = blob != nil && hashutil.Hash(blob, hashutil.Base64Url) == att.Hash
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return false, err
	}

	ok := true
	for _, m := range matched {
		ok = ok && m
	}
	return ok, nil
}

// fetchFailure decides whether a failed fetch is a mismatch or a reason to
// abandon the verification. Only cancellation of the caller's context aborts.
func fetchFailure(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ledger.Infrastructure(op, ctx.Err())
	}
	return nil
}

// normalize returns rec as a generic JSON value without the fields that only
// exist in the replica. A replica's content is taken from its string form if
// it has not been parsed.
func normalize(rec *Record) (any, error) {
	stripped := *rec
	stripped.RevisionDetails = nil
	if len(stripped.Content) == 0 && stripped.ContentString != "" {
		stripped.Content = json.RawMessage(stripped.ContentString)
	}
	stripped.ContentString = ""

	raw, err := json.Marshal(&stripped)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
