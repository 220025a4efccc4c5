//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

// Package math implements node arithmetic for a left-balanced binary tree
// whose leaves are appended on the right.
//
// Nodes are numbered in-order: leaf i has id 2*i, and an intermediate node at
// level k has its low k bits set.
//
//	3                      0111
//	                 /              \
//	2           0011                 1011
//	           /    \               /    \
//	1      0001      0101       1001     1101
//	       /  \      /  \       /  \     /  \
//	0   0000 0010 0100 0110  1000 1010 1100 1110
package math

import "math/bits"

// Leaf returns the node id of the entry'th leaf.
func Leaf(entry uint64) uint64 { return 2 * entry }

// IsLeaf returns true if nodeId is the id of a leaf node.
func IsLeaf(nodeId uint64) bool { return nodeId&1 == 0 }

// Level returns the height of a node above the leaves.
func Level(nodeId uint64) uint64 {
	return uint64(bits.TrailingZeros64(^nodeId))
}

// width returns the number of node ids used by a tree with n leaves.
func width(numLeaves uint64) uint64 {
	if numLeaves == 0 {
		return 0
	}
	return 2*numLeaves - 1
}

// Root returns the id of the root node of a tree with n leaves.
func Root(numLeaves uint64) uint64 {
	w := width(numLeaves)
	if w == 0 {
		return 0
	}
	return (uint64(1) << (bits.Len64(w) - 1)) - 1
}

// Left returns the left child of an intermediate node.
func Left(nodeId uint64) uint64 {
	level := Level(nodeId)
	if level == 0 {
		panic("leaf node has no children")
	}
	return nodeId ^ (1 << (level - 1))
}

// Right returns the right child of an intermediate node in a tree with n
// leaves, descending left past ids that do not exist yet.
func Right(nodeId, numLeaves uint64) uint64 {
	level := Level(nodeId)
	if level == 0 {
		panic("leaf node has no children")
	}
	r := nodeId ^ (3 << (level - 1))
	for w := width(numLeaves); r >= w; {
		r = Left(r)
	}
	return r
}

// parentStep returns the parent of a node in an infinitely wide tree.
func parentStep(nodeId uint64) uint64 {
	level := Level(nodeId)
	if level >= 63 {
		panic("node has no parent")
	}
	// Right children have the bit above their level set.
	if (nodeId>>(level+1))&1 == 1 {
		return nodeId - (1 << level)
	}
	return nodeId + (1 << level)
}

// Parent returns the parent of a node in a tree with n leaves.
func Parent(nodeId, numLeaves uint64) uint64 {
	if nodeId == Root(numLeaves) {
		panic("root node has no parent")
	}
	w := width(numLeaves)
	p := parentStep(nodeId)
	for p >= w {
		p = parentStep(p)
	}
	return p
}

// Sibling returns the other child of the node's parent.
func Sibling(nodeId, numLeaves uint64) uint64 {
	p := Parent(nodeId, numLeaves)
	if nodeId < p {
		return Right(p, numLeaves)
	}
	return Left(p)
}

// DirectPath returns the ancestors of a node, ordered from leaf to root.
func DirectPath(nodeId, numLeaves uint64) []uint64 {
	root := Root(numLeaves)
	out := []uint64{}
	for nodeId != root {
		nodeId = Parent(nodeId, numLeaves)
		out = append(out, nodeId)
	}
	return out
}

// Copath returns the siblings of a node and of each of its ancestors below
// the root, ordered from leaf to root.
func Copath(nodeId, numLeaves uint64) []uint64 {
	if nodeId >= width(numLeaves) {
		panic("node does not exist in the given tree")
	}
	root := Root(numLeaves)
	out := []uint64{}
	for nodeId != root {
		out = append(out, Sibling(nodeId, numLeaves))
		nodeId = Parent(nodeId, numLeaves)
	}
	return out
}

// IsFullSubtree returns true if every leaf below nodeId exists in a tree with
// n leaves.
func IsFullSubtree(nodeId, numLeaves uint64) bool {
	rightmost := nodeId + (1 << Level(nodeId)) - 1
	return rightmost < width(numLeaves)
}

// FullSubtrees decomposes nodeId into the full subtrees that cover it,
// walking down its right edge.
func FullSubtrees(nodeId, numLeaves uint64) []uint64 {
	out := []uint64{}
	for !IsFullSubtree(nodeId, numLeaves) {
		out = append(out, Left(nodeId))
		nodeId = Right(nodeId, numLeaves)
	}
	return append(out, nodeId)
}
