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
	"strconv"
	"time"

	metrics "github.com/hashicorp/go-metrics"

	"github.com/signalapp/evidenceledger/crypto/hashutil"
	"github.com/signalapp/evidenceledger/db"
	"github.com/signalapp/evidenceledger/ledger"
	"github.com/signalapp/evidenceledger/tree/proof"
)

var (
	_ ledger.ProofClient    = (*Ledger)(nil)
	_ ledger.DocumentClient = (*Ledger)(nil)
)

type commitRequest struct {
	req *ledger.CommitRequest
	res chan<- commitResponse
}

type commitResponse struct {
	res *ledger.RevisionDetails
	err error
}

func successLabel(err error) metrics.Label {
	return metrics.Label{Name: "success", Value: fmt.Sprint(err == nil)}
}

// Commit hands req to the sequencer and waits for it to be applied.
func (l *Ledger) Commit(ctx context.Context, req *ledger.CommitRequest) (*ledger.RevisionDetails, error) {
	if req.DocumentID == "" {
		return nil, errors.New("document id is required")
	} else if !json.Valid(req.Data) {
		return nil, errors.New("document data must be JSON")
	}

	if l.config.CommitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.config.CommitTimeout)
		defer cancel()
	}

	ch := make(chan commitResponse, 1)
	select {
	case l.ch <- commitRequest{req: req, res: ch}:
	case <-ctx.Done():
		return nil, &ledger.RetryableError{Kind: ledger.ErrLedgerUnavailable, Op: "queue commit", Err: ctx.Err()}
	}

	select {
	case res := <-ch:
		return res.res, res.err
	case <-ctx.Done():
		// The commit may still be applied.
		return nil, &ledger.RetryableError{Kind: ledger.ErrLedgerUnavailable, Op: "await commit", Err: ctx.Err()}
	}
}

// sequencer is the only goroutine that writes to the store. It takes every
// request that is waiting, applies them in order, and commits the store once.
func (l *Ledger) sequencer() {
	defer l.wg.Done()

	for {
		select {
		case <-l.quit:
			return
		case first := <-l.ch:
			reqs := []commitRequest{first}
		loop:
			for {
				select {
				case req := <-l.ch:
					reqs = append(reqs, req)
				default:
					break loop
				}
			}

			start := time.Now()
			res, published, err := l.applyBatch(reqs)
			metrics.IncrCounterWithLabels([]string{"ledger", "commit_batches"}, 1, []metrics.Label{successLabel(err)})
			metrics.AddSampleWithLabels([]string{"ledger", "commit_batch_size"}, float32(len(reqs)), []metrics.Label{successLabel(err)})
			metrics.MeasureSinceWithLabels([]string{"ledger", "commit_duration"}, start, []metrics.Label{successLabel(err)})

			for i, req := range reqs {
				// These channel writes never block: each response channel is
				// buffered and written once.
				if err != nil {
					req.res <- commitResponse{err: err}
				} else {
					req.res <- res[i]
				}
			}
			if l.exporter != nil {
				for _, rec := range published {
					l.exporter.enqueue(rec)
				}
			}
		}
	}
}

// applyBatch applies each request on top of the ones before it. Requests that
// fail their preconditions are rejected individually, while a failure to
// commit the store fails the whole batch.
func (l *Ledger) applyBatch(reqs []commitRequest) ([]commitResponse, []*JournalRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	head := l.head.Clone()
	root := l.root
	out := make([]commitResponse, len(reqs))
	revisions := make([]*ledger.Revision, 0, len(reqs))
	indexes := make([]int, 0, len(reqs))

	for i, req := range reqs {
		rev, newRoot, err := l.apply(head, req.req)
		if err != nil {
			out[i] = commitResponse{err: err}
			continue
		}
		root = newRoot
		revisions = append(revisions, rev)
		indexes = append(indexes, i)
	}
	if len(revisions) == 0 {
		return out, nil, nil
	}

	head.Timestamp = l.now().UnixMilli()
	if err := l.store.Commit(head); err != nil {
		return nil, nil, &ledger.RetryableError{Kind: ledger.ErrLedgerUnavailable, Op: "commit", Err: err}
	}
	l.head, l.root = head, root

	digest := l.digest()
	published := make([]*JournalRecord, len(revisions))
	for j, rev := range revisions {
		out[indexes[j]] = commitResponse{res: rev.Details(digest)}
		published[j] = &JournalRecord{
			RecordType: RevisionDetailsRecord,
			LedgerName: l.config.LedgerName,
			Revision:   rev,
			Digest:     digest,
		}
	}
	return out, published, nil
}

// apply writes a single revision and its block, advancing head. It returns
// the new journal root.
func (l *Ledger) apply(head *db.LedgerHead, req *ledger.CommitRequest) (*ledger.Revision, []byte, error) {
	version, prev, err := l.checkPreconditions(req, head.TreeSize)
	if err != nil {
		return nil, nil, err
	}

	seq := head.TreeSize
	metadata := ledger.RevisionMetadata{
		ID:      req.DocumentID,
		Version: version,
		TxTime:  l.now(),
		TxID:    l.newTxID(),
	}
	revHash, err := revisionHash(req.Data, metadata)
	if err != nil {
		return nil, nil, err
	}
	blockHash, err := proof.Combine(revHash, head.LastBlock)
	if err != nil {
		return nil, nil, err
	}
	rev := &ledger.Revision{
		Metadata:     metadata,
		BlockAddress: ledger.BlockAddress{StrandID: l.config.StrandID, SequenceNo: seq},
		Hash:         hashutil.Encode(revHash, hashutil.Base64),
		Data:         req.Data,
	}

	rawRev, err := json.Marshal(rev)
	if err != nil {
		return nil, nil, err
	}
	rawBlock, err := json.Marshal(&storedBlock{
		Hash:         blockHash,
		Prev:         head.LastBlock,
		RevisionHash: revHash,
		DocumentID:   req.DocumentID,
		Version:      version,
	})
	if err != nil {
		return nil, nil, err
	}
	rawRefs := make(map[string][]byte, len(req.Indexes))
	for name, value := range req.Indexes {
		ref := &revisionRef{DocumentID: req.DocumentID, Version: version, Prev: prev[name]}
		if rawRefs[db.IndexKey(name, value)], err = json.Marshal(ref); err != nil {
			return nil, nil, err
		}
	}

	root, err := l.tree.Append(seq, blockHash)
	if err != nil {
		return nil, nil, err
	}
	l.store.Put(db.BlockKey(seq), rawBlock)
	l.store.Put(db.RevisionKey(req.DocumentID, version), rawRev)
	l.store.Put(db.DocumentKey(req.DocumentID), []byte(strconv.FormatUint(version, 10)))
	for key, rawRef := range rawRefs {
		l.store.Put(key, rawRef)
	}

	head.TreeSize = seq + 1
	head.LastBlock = blockHash
	return rev, root, nil
}

// checkPreconditions returns the version the request would create, or
// ledger.ErrConflict if the request's expectations do not hold. It also
// returns the committed revision each of the request's index values points at
// now, keyed by index name.
func (l *Ledger) checkPreconditions(req *ledger.CommitRequest, treeSize uint64) (uint64, map[string]*revisionRef, error) {
	latest, err := l.latestVersion(req.DocumentID, treeSize)
	if err != nil {
		return 0, nil, err
	}

	var version uint64
	if req.ExpectedVersion == nil {
		if latest != nil {
			return 0, nil, fmt.Errorf("document %q already exists: %w", req.DocumentID, ledger.ErrConflict)
		}
	} else if latest == nil || *latest != *req.ExpectedVersion {
		return 0, nil, fmt.Errorf("document %q is not at version %d: %w", req.DocumentID, *req.ExpectedVersion, ledger.ErrConflict)
	} else {
		version = *latest + 1
	}

	prev := make(map[string]*revisionRef)
	for name, value := range req.Indexes {
		ref, err := l.resolveIndex(name, value, treeSize)
		if err != nil {
			return 0, nil, err
		} else if ref == nil {
			continue
		}
		if req.ExpectedVersion == nil || ref.DocumentID != req.DocumentID {
			return 0, nil, fmt.Errorf("%s is taken by document %q: %w", name, ref.DocumentID, ledger.ErrConflict)
		}
		prev[name] = ref
	}
	return version, prev, nil
}
