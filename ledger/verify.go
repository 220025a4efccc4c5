//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package ledger

import (
	"context"
	"errors"
	"fmt"

	metrics "github.com/hashicorp/go-metrics"

	"github.com/signalapp/evidenceledger/crypto/hashutil"
	"github.com/signalapp/evidenceledger/tree/proof"
)

func countVerification(kind string, ok bool, err error) {
	result := "unverified"
	if err != nil {
		result = "error"
	} else if ok {
		result = "verified"
	}
	metrics.IncrCounterWithLabels([]string{"ledger", "proof_verifications"}, 1, []metrics.Label{
		{Name: "kind", Value: kind},
		{Name: "result", Value: result},
	})
}

// decodeHash parses a stored hash. Text that is not base64 is treated the
// same as a hash of the wrong length.
func decodeHash(s string) ([]byte, error) {
	raw, err := hashutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("%w: undecodable hash %q", proof.ErrInvalidHashLength, s)
	}
	return raw, nil
}

// checkAgainstDigest folds leaf along path and compares the result with the
// digest. An empty path can not prove anything and is reported as false.
func checkAgainstDigest(leaf []byte, path [][]byte, digest *Digest) (bool, error) {
	if len(path) == 0 {
		return false, nil
	}
	root, err := decodeHash(digest.Digest)
	if err != nil {
		return false, err
	}
	return proof.Verify(leaf, path, root)
}

// RevisionVerifier checks that a document revision's hash is summarized by a
// ledger digest.
type RevisionVerifier struct {
	client  ProofClient
	digests *DigestProvider
}

func NewRevisionVerifier(client ProofClient, digests *DigestProvider) *RevisionVerifier {
	return &RevisionVerifier{client: client, digests: digests}
}

// Verify returns false if the revision's proof does not lead to the digest,
// and an error if the ledger could not be consulted.
func (v *RevisionVerifier) Verify(ctx context.Context, details *RevisionDetails) (ok bool, err error) {
	defer func() { countVerification("revision", ok, err) }()

	digest, err := v.digests.Resolve(ctx, &details.Digest, details.BlockAddress)
	if err != nil {
		return false, infrastructure("resolving digest", err)
	}
	res, err := v.client.GetRevision(ctx, v.digests.LedgerName(), details.Metadata.ID, details.BlockAddress, *digest.TipAddress)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	} else if err != nil {
		return false, infrastructure("fetching revision proof", err)
	} else if res == nil {
		return false, nil
	}

	leaf, err := decodeHash(details.Hash)
	if err != nil {
		return false, err
	}
	return checkAgainstDigest(leaf, res.Proof, digest)
}

// BlockVerifier checks that the block holding a revision is summarized by a
// ledger digest.
type BlockVerifier struct {
	client  ProofClient
	digests *DigestProvider
}

func NewBlockVerifier(client ProofClient, digests *DigestProvider) *BlockVerifier {
	return &BlockVerifier{client: client, digests: digests}
}

func (v *BlockVerifier) Verify(ctx context.Context, details *RevisionDetails) (ok bool, err error) {
	defer func() { countVerification("block", ok, err) }()

	digest, err := v.digests.Resolve(ctx, &details.Digest, details.BlockAddress)
	if err != nil {
		return false, infrastructure("resolving digest", err)
	}
	res, err := v.client.GetBlock(ctx, v.digests.LedgerName(), details.BlockAddress, *digest.TipAddress)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	} else if err != nil {
		return false, infrastructure("fetching block proof", err)
	} else if res == nil {
		return false, nil
	}
	return checkAgainstDigest(res.BlockHash, res.Proof, digest)
}
