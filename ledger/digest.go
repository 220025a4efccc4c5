//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package ledger

import (
	"context"
	"fmt"
	"time"

	metrics "github.com/hashicorp/go-metrics"

	"github.com/signalapp/evidenceledger/crypto/hashutil"
	"github.com/signalapp/evidenceledger/tree/proof"
)

// DigestProvider fetches ledger digests and decides when a previously fetched
// digest is still good enough to verify a block.
type DigestProvider struct {
	client     ProofClient
	ledgerName string
}

func NewDigestProvider(client ProofClient, ledgerName string) *DigestProvider {
	return &DigestProvider{client: client, ledgerName: ledgerName}
}

func (p *DigestProvider) LedgerName() string { return p.ledgerName }

// GetDigest fetches the current digest from the ledger. Any failure, including
// a malformed response, is reported as ErrLedgerUnavailable.
func (p *DigestProvider) GetDigest(ctx context.Context) (digest *Digest, err error) {
	start := time.Now()
	defer func() {
		labels := []metrics.Label{{Name: "success", Value: fmt.Sprint(err == nil)}}
		metrics.IncrCounterWithLabels([]string{"ledger", "digest_requests"}, 1, labels)
		metrics.MeasureSinceWithLabels([]string{"ledger", "digest_duration"}, start, labels)
	}()

	raw, err := p.client.GetDigest(ctx, p.ledgerName)
	if err != nil {
		return nil, unavailable("get digest", err)
	} else if raw == nil {
		return nil, unavailable("get digest", fmt.Errorf("empty response"))
	} else if len(raw.Digest) != proof.HashSize {
		return nil, unavailable("get digest", fmt.Errorf("digest has %d bytes", len(raw.Digest)))
	}
	tip, err := ParseBlockAddress(raw.TipAddress)
	if err != nil {
		return nil, unavailable("get digest", err)
	}

	return &Digest{
		Digest:     hashutil.Encode(raw.Digest, hashutil.Base64),
		TipAddress: &tip,
	}, nil
}

// Resolve returns cached if it covers target, and fetches a new digest
// otherwise.
func (p *DigestProvider) Resolve(ctx context.Context, cached *Digest, target BlockAddress) (*Digest, error) {
	if cached.Covers(target) {
		metrics.IncrCounterWithLabels([]string{"ledger", "digest_resolve"}, 1, []metrics.Label{{Name: "cached", Value: "true"}})
		return cached, nil
	}
	metrics.IncrCounterWithLabels([]string{"ledger", "digest_resolve"}, 1, []metrics.Label{{Name: "cached", Value: "false"}})
	return p.GetDigest(ctx)
}
