//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

// Package local implements a self-hosted ledger. Every committed document
// revision becomes a block whose hash chains to the previous block, and block
// hashes are the leaves of a Merkle journal whose root is the ledger digest.
package local

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/signalapp/evidenceledger/crypto/hashutil"
	"github.com/signalapp/evidenceledger/db"
	"github.com/signalapp/evidenceledger/ledger"
	"github.com/signalapp/evidenceledger/tree/journal"
	"github.com/signalapp/evidenceledger/tree/proof"
)

// storedBlock is the value stored under db.BlockKey. The genesis block has no
// document.
type storedBlock struct {
	Hash         []byte `json:"h"`
	Prev         []byte `json:"p,omitempty"`
	RevisionHash []byte `json:"r,omitempty"`
	DocumentID   string `json:"d,omitempty"`
	Version      uint64 `json:"v,omitempty"`
}

// revisionRef is the value stored under db.IndexKey. Prev is the committed
// revision the index value pointed at before this one was written, and is
// what the index resolves to if this revision's commit never completed.
type revisionRef struct {
	DocumentID string       `json:"d"`
	Version    uint64       `json:"v"`
	Prev       *revisionRef `json:"p,omitempty"`
}

// Publisher receives every committed revision, in commit order. A failed
// Publish is retried, so a record may be published more than once.
type Publisher interface {
	Publish(ctx context.Context, rec *JournalRecord) error
}

type Config struct {
	LedgerName string
	StrandID   string

	// CommitTimeout bounds how long Commit waits for the sequencer. Zero
	// means only the caller's context applies.
	CommitTimeout time.Duration
}

// Ledger is a ledger.ProofClient and ledger.DocumentClient backed by a
// db.LedgerStore. Commits are applied by a single goroutine; reads may run
// concurrently with each other.
type Ledger struct {
	config   Config
	exporter *exporter

	mu    sync.RWMutex
	store db.LedgerStore
	tree  *journal.Tree
	head  *db.LedgerHead
	root  []byte

	ch   chan commitRequest
	quit chan struct{}
	wg   sync.WaitGroup

	now     func() time.Time
	newTxID func() string
}

// New opens the ledger held in store, writing its genesis block if the store
// is empty, and starts the commit sequencer. publisher may be nil.
func New(store db.LedgerStore, config Config, publisher Publisher) (*Ledger, error) {
	l := &Ledger{
		config: config,

		store: store,
		tree:  journal.NewTree(store.JournalStore()),

		ch:   make(chan commitRequest, 100),
		quit: make(chan struct{}),

		now:     func() time.Time { return time.Now().UTC() },
		newTxID: uuid.NewString,
	}

	head, err := store.GetHead()
	if err != nil {
		return nil, fmt.Errorf("reading ledger head: %w", err)
	}
	if head.TreeSize == 0 {
		if err := l.writeGenesis(); err != nil {
			return nil, err
		}
	} else if head.StrandID != config.StrandID {
		return nil, fmt.Errorf("ledger belongs to strand %q, not %q", head.StrandID, config.StrandID)
	} else {
		l.head = head
		if l.root, err = l.tree.Root(head.TreeSize); err != nil {
			return nil, fmt.Errorf("computing digest: %w", err)
		}
	}

	if publisher != nil {
		l.exporter = newExporter(publisher)
	}
	l.wg.Add(1)
	go l.sequencer()
	return l, nil
}

func genesisHash(strandID string) []byte {
	sum := sha256.Sum256([]byte("genesis:" + strandID))
	return sum[:]
}

func (l *Ledger) writeGenesis() error {
	hash := genesisHash(l.config.StrandID)
	raw, err := json.Marshal(&storedBlock{Hash: hash})
	if err != nil {
		return err
	}
	l.store.Put(db.BlockKey(0), raw)
	root, err := l.tree.Append(0, hash)
	if err != nil {
		return fmt.Errorf("appending genesis block: %w", err)
	}
	head := &db.LedgerHead{StrandID: l.config.StrandID, TreeSize: 1, LastBlock: hash, Timestamp: l.now().UnixMilli()}
	if err := l.store.Commit(head); err != nil {
		return fmt.Errorf("committing genesis block: %w", err)
	}
	l.head, l.root = head, root
	return nil
}

// Close stops the commit sequencer and the journal export. Commits made
// afterwards fail once their context expires, and revisions that were not
// exported yet are abandoned.
func (l *Ledger) Close() {
	if l.exporter != nil {
		l.exporter.stop()
	}
	close(l.quit)
	l.wg.Wait()
}

func (l *Ledger) Name() string { return l.config.LedgerName }

// revisionHash commits to both the data and the metadata of a revision.
func revisionHash(data []byte, metadata ledger.RevisionMetadata) ([]byte, error) {
	rawMetadata, err := json.Marshal(metadata)
	if err != nil {
		return nil, err
	}
	return proof.Combine(hashutil.Sum(data), hashutil.Sum(rawMetadata))
}

func (l *Ledger) tip() ledger.BlockAddress {
	return ledger.BlockAddress{StrandID: l.config.StrandID, SequenceNo: l.head.TreeSize - 1}
}

func (l *Ledger) digest() ledger.Digest {
	tip := l.tip()
	return ledger.Digest{Digest: hashutil.Encode(l.root, hashutil.Base64), TipAddress: &tip}
}

func (l *Ledger) checkName(ledgerName string) error {
	if ledgerName != l.config.LedgerName {
		return fmt.Errorf("ledger %q: %w", ledgerName, ledger.ErrNotFound)
	}
	return nil
}

// checkAddresses makes sure that block is covered by tip and that tip is a
// committed block of this ledger.
func (l *Ledger) checkAddresses(block, tip ledger.BlockAddress) error {
	if block.StrandID != l.config.StrandID || tip.StrandID != l.config.StrandID {
		return fmt.Errorf("unknown strand: %w", ledger.ErrNotFound)
	} else if tip.SequenceNo >= l.head.TreeSize {
		return fmt.Errorf("tip %d is beyond the end of the ledger: %w", tip.SequenceNo, ledger.ErrNotFound)
	} else if block.SequenceNo > tip.SequenceNo {
		return fmt.Errorf("block %d is not covered by tip %d: %w", block.SequenceNo, tip.SequenceNo, ledger.ErrNotFound)
	}
	return nil
}

func (l *Ledger) getBlock(seq uint64) (*storedBlock, error) {
	raw, err := l.store.Get(db.BlockKey(seq))
	if err != nil {
		return nil, err
	} else if raw == nil {
		return nil, fmt.Errorf("block %d: %w", seq, ledger.ErrNotFound)
	}
	block := &storedBlock{}
	if err := json.Unmarshal(raw, block); err != nil {
		return nil, fmt.Errorf("decoding block %d: %w", seq, err)
	}
	return block, nil
}

func (l *Ledger) GetDigest(ctx context.Context, ledgerName string) (*ledger.RawDigest, error) {
	if err := l.checkName(ledgerName); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	return &ledger.RawDigest{Digest: dup(l.root), TipAddress: l.tip().String()}, nil
}

// GetRevision returns the proof that a document revision is part of the
// ledger summarized by the digest at tipAddress. The first element of the
// proof is the hash of the block before the revision's block.
func (l *Ledger) GetRevision(ctx context.Context, ledgerName, documentID string, blockAddress, tipAddress ledger.BlockAddress) (*ledger.RevisionProof, error) {
	if err := l.checkName(ledgerName); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	if err := l.checkAddresses(blockAddress, tipAddress); err != nil {
		return nil, err
	}
	block, err := l.getBlock(blockAddress.SequenceNo)
	if err != nil {
		return nil, err
	} else if block.DocumentID != documentID || block.RevisionHash == nil {
		return nil, fmt.Errorf("block %d does not hold document %q: %w", blockAddress.SequenceNo, documentID, ledger.ErrNotFound)
	}
	_, copath, err := l.tree.Get(blockAddress.SequenceNo, tipAddress.SequenceNo+1)
	if err != nil {
		return nil, err
	}
	return &ledger.RevisionProof{
		Hash:  block.RevisionHash,
		Proof: append([][]byte{block.Prev}, copath...),
	}, nil
}

// GetBlock returns a block's hash along with the proof that it is part of the
// ledger summarized by the digest at tipAddress.
func (l *Ledger) GetBlock(ctx context.Context, ledgerName string, blockAddress, tipAddress ledger.BlockAddress) (*ledger.BlockProof, error) {
	if err := l.checkName(ledgerName); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	if err := l.checkAddresses(blockAddress, tipAddress); err != nil {
		return nil, err
	}
	leaf, copath, err := l.tree.Get(blockAddress.SequenceNo, tipAddress.SequenceNo+1)
	if err != nil {
		return nil, err
	}
	return &ledger.BlockProof{BlockHash: leaf, Proof: copath}, nil
}

// latestVersion returns the latest committed version of a document, or nil
// if the document does not exist. treeSize is the number of blocks that count
// as committed.
//
// A commit that failed may have left its document key behind. Such a key
// names one version past the latest committed one, since versions are only
// ever computed from a committed latest version.
func (l *Ledger) latestVersion(documentID string, treeSize uint64) (*uint64, error) {
	raw, err := l.store.Get(db.DocumentKey(documentID))
	if err != nil {
		return nil, err
	} else if raw == nil {
		return nil, nil
	}
	version, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decoding latest version of %q: %w", documentID, err)
	}

	for _, v := range []uint64{version, version - 1} {
		if rev, err := l.getRevision(documentID, v, treeSize); err != nil {
			return nil, err
		} else if rev != nil {
			return &rev.Metadata.Version, nil
		} else if v == 0 {
			return nil, nil
		}
	}
	return nil, fmt.Errorf("document %q has no committed version at or before %d", documentID, version)
}

// getRevision returns a revision if it is held by a committed block, and nil
// otherwise.
func (l *Ledger) getRevision(documentID string, version, treeSize uint64) (*ledger.Revision, error) {
	raw, err := l.store.Get(db.RevisionKey(documentID, version))
	if err != nil {
		return nil, err
	} else if raw == nil {
		return nil, nil
	}
	rev := &ledger.Revision{}
	if err := json.Unmarshal(raw, rev); err != nil {
		return nil, fmt.Errorf("decoding revision %q/%d: %w", documentID, version, err)
	}

	seq := rev.BlockAddress.SequenceNo
	if seq == 0 || seq >= treeSize {
		return nil, nil
	}
	block, err := l.getBlock(seq)
	if err != nil {
		return nil, err
	} else if block.DocumentID != documentID || block.Version != version {
		// Left behind by a commit that did not complete, whose sequence
		// number has since been taken by another block.
		return nil, nil
	}
	return rev, nil
}

// resolveIndex returns the committed revision that an index value points at,
// or nil if there is none.
func (l *Ledger) resolveIndex(name, value string, treeSize uint64) (*revisionRef, error) {
	raw, err := l.store.Get(db.IndexKey(name, value))
	if err != nil || raw == nil {
		return nil, err
	}
	ref := &revisionRef{}
	if err := json.Unmarshal(raw, ref); err != nil {
		return nil, fmt.Errorf("decoding index %s: %w", name, err)
	}
	rev, err := l.getRevision(ref.DocumentID, ref.Version, treeSize)
	if err != nil {
		return nil, err
	} else if rev == nil {
		return ref.Prev, nil
	}
	return &revisionRef{DocumentID: ref.DocumentID, Version: ref.Version}, nil
}

func (l *Ledger) GetDocument(ctx context.Context, id string) (*ledger.Revision, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	version, err := l.latestVersion(id, l.head.TreeSize)
	if err != nil || version == nil {
		return nil, err
	}
	return l.getRevision(id, *version, l.head.TreeSize)
}

func (l *Ledger) GetDocumentVersion(ctx context.Context, id string, version uint64) (*ledger.Revision, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.getRevision(id, version, l.head.TreeSize)
}

func (l *Ledger) FindDocument(ctx context.Context, index, value string) (*ledger.Revision, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ref, err := l.resolveIndex(index, value, l.head.TreeSize)
	if err != nil || ref == nil {
		return nil, err
	}
	return l.getRevision(ref.DocumentID, ref.Version, l.head.TreeSize)
}

func dup(in []byte) []byte {
	out := make([]byte, len(in))
	copy(out, in)
	return out
}
