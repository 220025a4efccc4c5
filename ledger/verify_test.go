//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/signalapp/evidenceledger/crypto/hashutil"
	"github.com/signalapp/evidenceledger/tree/proof"
)

type proofFixture struct {
	leaf    []byte
	path    [][]byte
	details *RevisionDetails
}

// newProofFixture builds a revision whose hash genuinely folds up to the
// digest it carries.
func newProofFixture(t *testing.T) *proofFixture {
	leaf := random()
	path := [][]byte{random(), random(), random()}
	root, err := proof.Fold(leaf, path)
	if err != nil {
		t.Fatal(err)
	}
	tip := BlockAddress{StrandID: "strand", SequenceNo: 12}
	return &proofFixture{
		leaf: leaf,
		path: path,
		details: &RevisionDetails{
			Metadata:     RevisionMetadata{ID: "doc", Version: 0},
			BlockAddress: BlockAddress{StrandID: "strand", SequenceNo: 12},
			Digest:       Digest{Digest: hashutil.Encode(root, hashutil.Base64), TipAddress: &tip},
			Hash:         hashutil.Encode(leaf, hashutil.Base64),
		},
	}
}

func TestRevisionVerifier(t *testing.T) {
	f := newProofFixture(t)
	client := new(mockProofClient)
	client.On("GetRevision", mock.Anything, testLedger, "doc", f.details.BlockAddress, *f.details.Digest.TipAddress).
		Return(&RevisionProof{Hash: f.leaf, Proof: f.path}, nil)
	v := NewRevisionVerifier(client, NewDigestProvider(client, testLedger))

	ok, err := v.Verify(context.Background(), f.details)
	assert.NoError(t, err)
	assert.True(t, ok)

	// A single flipped bit in the claimed hash must not verify.
	tampered := *f.details
	mutated := dup(f.leaf)
	mutated[7] ^= 0x04
	tampered.Hash = hashutil.Encode(mutated, hashutil.Base64)
	ok, err = v.Verify(context.Background(), &tampered)
	assert.NoError(t, err)
	assert.False(t, ok)

	client.AssertNotCalled(t, "GetDigest", mock.Anything, mock.Anything)
}

func TestBlockVerifier(t *testing.T) {
	f := newProofFixture(t)
	client := new(mockProofClient)
	client.On("GetBlock", mock.Anything, testLedger, f.details.BlockAddress, *f.details.Digest.TipAddress).
		Return(&BlockProof{BlockHash: f.leaf, Proof: f.path}, nil).Once()
	v := NewBlockVerifier(client, NewDigestProvider(client, testLedger))

	ok, err := v.Verify(context.Background(), f.details)
	assert.NoError(t, err)
	assert.True(t, ok)

	mutatedPath := [][]byte{f.path[0], dup(f.path[1]), f.path[2]}
	mutatedPath[1][31] ^= 0xff
	client.On("GetBlock", mock.Anything, testLedger, f.details.BlockAddress, *f.details.Digest.TipAddress).
		Return(&BlockProof{BlockHash: f.leaf, Proof: mutatedPath}, nil).Once()
	ok, err = v.Verify(context.Background(), f.details)
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifierRefreshesStaleDigest(t *testing.T) {
	f := newProofFixture(t)
	root, err := hashutil.Decode(f.details.Digest.Digest)
	assert.NoError(t, err)

	stale := *f.details
	stale.Digest = Digest{Digest: hashutil.Encode(random(), hashutil.Base64), TipAddress: &BlockAddress{StrandID: "strand", SequenceNo: 11}}

	client := new(mockProofClient)
	client.On("GetDigest", mock.Anything, testLedger).Return(&RawDigest{Digest: root, TipAddress: `{strandId:"strand",sequenceNo:12}`}, nil)
	client.On("GetBlock", mock.Anything, testLedger, f.details.BlockAddress, BlockAddress{StrandID: "strand", SequenceNo: 12}).
		Return(&BlockProof{BlockHash: f.leaf, Proof: f.path}, nil)

	ok, err := NewBlockVerifier(client, NewDigestProvider(client, testLedger)).Verify(context.Background(), &stale)
	assert.NoError(t, err)
	assert.True(t, ok)
	client.AssertNumberOfCalls(t, "GetDigest", 1)
}

func TestVerifierNoProof(t *testing.T) {
	f := newProofFixture(t)
	client := new(mockProofClient)
	client.On("GetRevision", mock.Anything, testLedger, "doc", mock.Anything, mock.Anything).Return(&RevisionProof{Hash: f.leaf}, nil).Once()
	client.On("GetRevision", mock.Anything, testLedger, "doc", mock.Anything, mock.Anything).Return(nil, nil).Once()
	client.On("GetRevision", mock.Anything, testLedger, "doc", mock.Anything, mock.Anything).Return(nil, ErrNotFound).Once()
	v := NewRevisionVerifier(client, NewDigestProvider(client, testLedger))

	for i := 0; i < 3; i++ {
		ok, err := v.Verify(context.Background(), f.details)
		assert.NoError(t, err)
		assert.False(t, ok)
	}
}

func TestVerifierInfrastructureError(t *testing.T) {
	f := newProofFixture(t)
	client := new(mockProofClient)
	client.On("GetRevision", mock.Anything, testLedger, "doc", mock.Anything, mock.Anything).Return(nil, errors.New("throttled"))
	client.On("GetBlock", mock.Anything, testLedger, mock.Anything, mock.Anything).Return(nil, context.DeadlineExceeded)
	digests := NewDigestProvider(client, testLedger)

	_, err := NewRevisionVerifier(client, digests).Verify(context.Background(), f.details)
	assert.ErrorIs(t, err, ErrVerificationInfrastructure)
	assert.True(t, IsRetryable(err))

	_, err = NewBlockVerifier(client, digests).Verify(context.Background(), f.details)
	assert.ErrorIs(t, err, ErrVerificationInfrastructure)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// A digest that can not be fetched is also an infrastructure failure.
	stale := *f.details
	stale.Digest = Digest{}
	unavailable := new(mockProofClient)
	unavailable.On("GetDigest", mock.Anything, testLedger).Return(nil, errors.New("503"))
	_, err = NewBlockVerifier(unavailable, NewDigestProvider(unavailable, testLedger)).Verify(context.Background(), &stale)
	assert.ErrorIs(t, err, ErrVerificationInfrastructure)
	assert.ErrorIs(t, err, ErrLedgerUnavailable)
}

func TestVerifierInvalidHashLength(t *testing.T) {
	f := newProofFixture(t)
	client := new(mockProofClient)
	client.On("GetRevision", mock.Anything, testLedger, "doc", mock.Anything, mock.Anything).
		Return(&RevisionProof{Proof: [][]byte{random(), make([]byte, 31)}}, nil)
	v := NewRevisionVerifier(client, NewDigestProvider(client, testLedger))

	_, err := v.Verify(context.Background(), f.details)
	assert.ErrorIs(t, err, proof.ErrInvalidHashLength)
	assert.False(t, IsRetryable(err))

	short := *f.details
	short.Hash = hashutil.Encode(make([]byte, 16), hashutil.Base64)
	_, err = v.Verify(context.Background(), &short)
	assert.ErrorIs(t, err, proof.ErrInvalidHashLength)
}
