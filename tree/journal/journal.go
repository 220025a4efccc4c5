//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

// Package journal implements an append-only Merkle tree over ledger block
// hashes. The root of the tree is the ledger digest.
//
// Only nodes that head a full subtree are stored. Those values never change
// once written, and every other value on the ragged right edge of the tree is
// recomputed from them on demand.
package journal

import (
	"fmt"

	"github.com/signalapp/evidenceledger/db"
	"github.com/signalapp/evidenceledger/tree/journal/math"
	"github.com/signalapp/evidenceledger/tree/proof"
)

// Tree is a Merkle tree where every new block hash is added as the right-most
// leaf.
type Tree struct {
	tx db.JournalStore
}

func NewTree(tx db.JournalStore) *Tree {
	return &Tree{tx: tx}
}

// fetch loads the requested full-subtree nodes, failing if any is missing.
func (t *Tree) fetch(nodes []uint64) (map[uint64][]byte, error) {
	data, err := t.tx.BatchGet(nodes)
	if err != nil {
		return nil, err
	}
	for _, id := range nodes {
		if _, ok := data[id]; !ok {
			return nil, fmt.Errorf("journal node %d not found in database", id)
		}
	}
	return data, nil
}

// fetchSpecific returns the values of the requested nodes, accounting for the
// ragged right edge of the tree.
func (t *Tree) fetchSpecific(numLeaves uint64, nodes []uint64) ([][]byte, error) {
	lookup := make([]uint64, 0, len(nodes))
	rightEdge := make(map[uint64][]uint64)
	for _, id := range nodes {
		if math.IsFullSubtree(id, numLeaves) {
			lookup = append(lookup, id)
		} else {
			subtrees := math.FullSubtrees(id, numLeaves)
			rightEdge[id] = subtrees
			lookup = append(lookup, subtrees...)
		}
	}

	data, err := t.fetch(lookup)
	if err != nil {
		return nil, err
	}

	out := make([][]byte, len(nodes))
	for i, id := range nodes {
		if subtrees, ok := rightEdge[id]; ok {
			out[i], err = combineSubtrees(subtrees, data)
			if err != nil {
				return nil, err
			}
		} else {
			out[i] = data[id]
		}
	}
	return out, nil
}

// combineSubtrees folds a right-edge decomposition into a single value,
// starting from the lowest subtree.
func combineSubtrees(subtrees []uint64, data map[uint64][]byte) ([]byte, error) {
	acc := data[subtrees[len(subtrees)-1]]
	for i := len(subtrees) - 2; i >= 0; i-- {
		var err error
		acc, err = proof.Combine(data[subtrees[i]], acc)
		if err != nil {
			return nil, err
		}
	}
	return acc, nil
}

// Get returns the block hash stored at entry along with the sibling hashes
// that fold it into the root of a tree with treeSize entries.
func (t *Tree) Get(entry, treeSize uint64) ([]byte, [][]byte, error) {
	if treeSize == 0 {
		return nil, nil, fmt.Errorf("empty journal")
	} else if entry >= treeSize {
		return nil, nil, fmt.Errorf("can not get entry beyond right edge of journal: %d >= %d", entry, treeSize)
	}

	leaf := math.Leaf(entry)
	data, err := t.fetchSpecific(treeSize, append([]uint64{leaf}, math.Copath(leaf, treeSize)...))
	if err != nil {
		return nil, nil, fmt.Errorf("fetching: %w", err)
	}
	return data[0], data[1:], nil
}

// Root returns the root of the journal when it had treeSize entries.
func (t *Tree) Root(treeSize uint64) ([]byte, error) {
	if treeSize == 0 {
		return nil, fmt.Errorf("empty journal")
	}
	out, err := t.fetchSpecific(treeSize, []uint64{math.Root(treeSize)})
	if err != nil {
		return nil, fmt.Errorf("fetching: %w", err)
	}
	return out[0], nil
}

// Append adds value as entry treeSize and returns the new root. Callers must
// use treeSize+1 afterwards.
func (t *Tree) Append(treeSize uint64, value []byte) ([]byte, error) {
	if len(value) != proof.HashSize {
		return nil, fmt.Errorf("value has wrong length: %v", len(value))
	}
	newSize := treeSize + 1
	leaf := math.Leaf(treeSize)

	// The new leaf is the right-most descendant of every ancestor that it
	// completes, so each of those ancestors combines a stored left child with
	// the value computed one level below.
	var completed []uint64
	for _, id := range math.DirectPath(leaf, newSize) {
		if !math.IsFullSubtree(id, newSize) {
			break
		}
		completed = append(completed, id)
	}
	lefts := make([]uint64, len(completed))
	for i, id := range completed {
		lefts[i] = math.Left(id)
	}
	siblings := map[uint64][]byte{}
	if len(lefts) > 0 {
		var err error
		if siblings, err = t.fetch(lefts); err != nil {
			return nil, err
		}
	}

	writes := map[uint64][]byte{leaf: value}
	acc := value
	for i, id := range completed {
		var err error
		acc, err = proof.Combine(siblings[lefts[i]], acc)
		if err != nil {
			return nil, err
		}
		writes[id] = acc
	}
	t.tx.BatchPut(writes)

	if newSize == 1 || math.IsFullSubtree(math.Root(newSize), newSize) {
		return acc, nil
	}
	return t.Root(newSize)
}
