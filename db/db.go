//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

// Package db implements database wrappers that match a common interface.
package db

import (
	"fmt"

	consumer "github.com/harlow/kinesis-consumer"
)

// JournalStore is the interface the journal tree uses to communicate with its
// database. Keys are journal node ids.
type JournalStore interface {
	BatchGet(keys []uint64) (data map[uint64][]byte, err error)
	BatchPut(data map[uint64][]byte)
}

type StreamStore consumer.Store

// LedgerHead describes the committed state of a ledger: how many blocks its
// journal holds and the hash of the newest one.
type LedgerHead struct {
	StrandID  string `json:"strand"`
	TreeSize  uint64 `json:"n"`
	LastBlock []byte `json:"last,omitempty"`
	Timestamp int64  `json:"ts"`
}

func (h *LedgerHead) Clone() *LedgerHead {
	if h == nil {
		return nil
	}
	return &LedgerHead{
		StrandID:  h.StrandID,
		TreeSize:  h.TreeSize,
		LastBlock: dup(h.LastBlock),
		Timestamp: h.Timestamp,
	}
}

// LedgerStore is the interface a ledger uses to communicate with its database.
// Writes are buffered until Commit, and reads observe buffered writes.
type LedgerStore interface {
	// GetHead returns the most recently committed head, or the zero value of
	// LedgerHead if nothing has been committed yet.
	GetHead() (*LedgerHead, error)

	// Get returns the value stored under key, or nil if there is none.
	Get(key string) ([]byte, error)
	Put(key string, data []byte)

	JournalStore() JournalStore
	StreamStore() StreamStore

	Commit(head *LedgerHead) error
}

// Keys used by the ledger in a LedgerStore. Blocks and revisions are written
// once and never change.
func BlockKey(seq uint64) string { return fmt.Sprintf("b%d", seq) }

func RevisionKey(documentID string, version uint64) string {
	return fmt.Sprintf("r%s:%d", documentID, version)
}

func DocumentKey(documentID string) string { return "d" + documentID }

func IndexKey(name, value string) string { return "i" + name + "=" + value }

func immutableKey(key string) bool {
	return len(key) > 0 && (key[0] == 'b' || key[0] == 'r')
}
