//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package ledger

import (
	"context"
	"crypto/rand"

	"github.com/stretchr/testify/mock"

	"github.com/signalapp/evidenceledger/tree/proof"
)

type mockProofClient struct {
	mock.Mock
}

func (m *mockProofClient) GetDigest(ctx context.Context, ledgerName string) (*RawDigest, error) {
	args := m.Called(ctx, ledgerName)
	res, _ := args.Get(0).(*RawDigest)
	return res, args.Error(1)
}

func (m *mockProofClient) GetRevision(ctx context.Context, ledgerName, documentID string, blockAddress, tipAddress BlockAddress) (*RevisionProof, error) {
	args := m.Called(ctx, ledgerName, documentID, blockAddress, tipAddress)
	res, _ := args.Get(0).(*RevisionProof)
	return res, args.Error(1)
}

func (m *mockProofClient) GetBlock(ctx context.Context, ledgerName string, blockAddress, tipAddress BlockAddress) (*BlockProof, error) {
	args := m.Called(ctx, ledgerName, blockAddress, tipAddress)
	res, _ := args.Get(0).(*BlockProof)
	return res, args.Error(1)
}

func random() []byte {
	out := make([]byte, proof.HashSize)
	if _, err := rand.Read(out); err != nil {
		panic(err)
	}
	return out
}

func dup(in []byte) []byte {
	out := make([]byte, len(in))
	copy(out, in)
	return out
}
