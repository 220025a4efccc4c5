//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

// Package proof folds ledger proof paths into candidate digests.
//
// Sibling hashes are combined in a canonical order, so a proof path does not
// need to record whether each sibling sits to the left or the right.
package proof

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
)

// HashSize is the length of every non-empty hash accepted by this package.
const HashSize = sha256.Size

// ErrInvalidHashLength is returned when a hash taking part in a comparison is
// not exactly HashSize bytes. It signals corrupted data and is never
// retryable.
var ErrInvalidHashLength = errors.New("invalid hash length")

// CompareHashes orders two hashes by unsigned byte value, starting from the
// last byte and moving towards the first. It returns -1, 0, or +1.
func CompareHashes(a, b []byte) (int, error) {
	if len(a) != HashSize {
		return 0, fmt.Errorf("%w: %d", ErrInvalidHashLength, len(a))
	} else if len(b) != HashSize {
		return 0, fmt.Errorf("%w: %d", ErrInvalidHashLength, len(b))
	}
	for i := HashSize - 1; i >= 0; i-- {
		if a[i] < b[i] {
			return -1, nil
		} else if a[i] > b[i] {
			return 1, nil
		}
	}
	return 0, nil
}

// Combine returns the parent hash of a and b. An empty input is the identity
// element and the other input is returned unchanged.
func Combine(a, b []byte) ([]byte, error) {
	if len(a) == 0 {
		return b, nil
	} else if len(b) == 0 {
		return a, nil
	}

	cmp, err := CompareHashes(a, b)
	if err != nil {
		return nil, err
	}
	if cmp > 0 {
		a, b = b, a
	}

	h := sha256.New()
	h.Write(a)
	h.Write(b)
	return h.Sum(nil), nil
}

// Fold combines leaf with each element of path, in order.
func Fold(leaf []byte, path [][]byte) ([]byte, error) {
	acc := leaf
	for i, sibling := range path {
		next, err := Combine(acc, sibling)
		if err != nil {
			return nil, fmt.Errorf("combining proof element %d: %w", i, err)
		}
		acc = next
	}
	return acc, nil
}

// Verify reports whether folding leaf along path produces root.
func Verify(leaf []byte, path [][]byte, root []byte) (bool, error) {
	if len(root) != HashSize {
		return false, fmt.Errorf("%w: digest has %d bytes", ErrInvalidHashLength, len(root))
	}
	candidate, err := Fold(leaf, path)
	if err != nil {
		return false, err
	}
	return bytes.Equal(candidate, root), nil
}
